package mail

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestSanitizeHeader(t *testing.T) {
	got := SanitizeHeader("hello\r\nBcc: attacker@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Fatalf("CRLF not stripped: %q", got)
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("bob@example.com"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	for _, bad := range []string{"", "not-an-email", "a@b", "x@y\r\n.com"} {
		if err := ValidateAddress(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestThreadID(t *testing.T) {
	if got := ThreadID("T-2024-001", "support.example.com"); got != "<thread-T-2024-001@support.example.com>" {
		t.Fatalf("unexpected thread id %q", got)
	}
}

func TestNewMessageID(t *testing.T) {
	a := NewMessageID("T-2024-001", "support.example.com")
	b := NewMessageID("T-2024-001", "support.example.com")
	if a == b {
		t.Fatal("message ids should be unique")
	}
	if !strings.HasPrefix(a, "<ticket-T-2024-001-") || !strings.HasSuffix(a, "@support.example.com>") {
		t.Fatalf("unexpected message id %q", a)
	}
}

func TestSendWritesThreadingHeaders(t *testing.T) {
	var sentMsg []byte
	orig := smtpSendMail
	smtpSendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sentMsg = msg
		return nil
	}
	defer func() { smtpSendMail = orig }()

	c := Config{Host: "smtp.example.com", Port: "25", From: "support@example.com", MailDomain: "example.com"}
	j := EmailJob{
		To:       "alice@client.com",
		Template: "ticket_update",
		TicketID: "T-2024-001",
		Data: map[string]string{
			"TicketID":    "T-2024-001",
			"Title":       "VPN down",
			"ClientName":  "Alice",
			"Body":        "We are looking into it.",
			"SupportName": "Support",
		},
	}
	msgID, err := Send(c, j)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	body := string(sentMsg)
	for _, want := range []string{
		"Message-ID: " + msgID,
		"In-Reply-To: <thread-T-2024-001@example.com>",
		"References: <thread-T-2024-001@example.com>",
		"X-Ticket-ID: T-2024-001",
		"Subject: Re: Support Ticket T-2024-001: VPN down",
		"We are looking into it.",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendRejectsBadAddress(t *testing.T) {
	called := false
	orig := smtpSendMail
	smtpSendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}
	defer func() { smtpSendMail = orig }()

	c := Config{Host: "smtp.example.com", Port: "25", From: "support@example.com", MailDomain: "example.com"}
	if _, err := Send(c, EmailJob{To: "nope", Template: "ticket_update", TicketID: "T-1"}); err == nil {
		t.Fatal("expected error for invalid recipient")
	}
	if called {
		t.Fatal("smtp should not be reached with an invalid recipient")
	}
}

func TestSanitizeBody(t *testing.T) {
	got := SanitizeBody(`<p>ok</p><script>alert(1)</script>`)
	if strings.Contains(got, "script") {
		t.Fatalf("script not stripped: %q", got)
	}
}
