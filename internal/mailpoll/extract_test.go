package mailpoll

import (
	"strings"
	"testing"
)

func TestExtractTicketID(t *testing.T) {
	cases := []struct {
		name       string
		subject    string
		references string
		want       string
	}{
		{"explicit phrase", "Support Ticket T-2024-001: VPN down", "", "T-2024-001"},
		{"bare id in reply", "Re: T-2024-001 help", "", "T-2024-001"},
		{"lowercase id", "re: t-2024-001 still broken", "", "T-2024-001"},
		{"thread reference only", "Re: your ticket", "<abc@x> <thread-T-2024-007@support.example.com>", "T-2024-007"},
		{"subject wins over references", "Ticket T-2024-001 update", "<thread-T-2024-002@support.example.com>", "T-2024-001"},
		{"no id anywhere", "hello there", "<random@x>", ""},
		{"malformed id", "Ticket T-24-1", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractTicketID(tc.subject, tc.references); got != tc.want {
				t.Errorf("ExtractTicketID(%q, %q) = %q, want %q", tc.subject, tc.references, got, tc.want)
			}
		})
	}
}

func TestCleanContent(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"original message boundary",
			"Thanks, fixed now.\n-----Original Message-----\nFrom: support\nblah",
			"Thanks, fixed now.",
		},
		{
			"on wrote quote",
			"Still broken.\n\nOn Mon, Jan 1, 2024 at 9:00 AM Support <s@x.com> wrote:\n> try rebooting",
			"Still broken.",
		},
		{
			"outlook header block",
			"Works now, thanks!\n\nFrom: Support Team\nSent: Monday\nTo: Alice\nSubject: Re: ticket",
			"Works now, thanks!",
		},
		{
			"underscore separator strips the tail",
			"See below.\n________________________________\nOlder quoted reply text",
			"See below.",
		},
		{
			"mobile signatures",
			"Heading over now.\nSent from my iPhone",
			"Heading over now.",
		},
		{
			"lowercase quote marker at start of body",
			"on mon, jan 1, 2024 support <s@x.com> wrote:\n> try rebooting",
			"",
		},
		{
			"sent-by footer",
			"All good now.\nThis email was sent by Acme Mail for Business",
			"All good now.",
		},
		{
			"blank line collapse",
			"line one\n\n\n\n\nline two",
			"line one\n\nline two",
		},
		{
			"crlf normalized",
			"hello\r\nworld\r\n",
			"hello\nworld",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanContent(tc.in); got != tc.want {
				t.Errorf("CleanContent(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	tree := &Part{MediaType: "multipart/alternative", Children: []*Part{
		{MediaType: "text/html", Body: []byte("<p>hello <b>html</b></p>")},
		{MediaType: "text/plain", Body: []byte("hello plain")},
	}}
	if got := ExtractText(tree); got != "hello plain" {
		t.Errorf("text/plain should win, got %q", got)
	}

	htmlOnly := &Part{MediaType: "multipart/alternative", Children: []*Part{
		{MediaType: "text/html", Body: []byte("<p>hello <b>html</b></p><script>x()</script>")},
	}}
	got := ExtractText(htmlOnly)
	if got == "" {
		t.Fatal("html fallback returned nothing")
	}
	if strings.Contains(got, "<") || strings.Contains(got, "script") {
		t.Errorf("html not stripped: %q", got)
	}

	if got := ExtractText(&Part{MediaType: "image/png", Body: []byte{1}}); got != "" {
		t.Errorf("non-text part should yield empty, got %q", got)
	}

	split := &Part{MediaType: "multipart/mixed", Children: []*Part{
		{MediaType: "text/plain", Body: []byte("part one. ")},
		{MediaType: "image/png", Body: []byte{1}},
		{MediaType: "multipart/alternative", Children: []*Part{
			{MediaType: "text/plain", Body: []byte("part two.")},
		}},
	}}
	if got := ExtractText(split); got != "part one. part two." {
		t.Errorf("plain parts should concatenate in walk order, got %q", got)
	}
}

func TestSenderMatches(t *testing.T) {
	cases := []struct {
		from   string
		client string
		want   bool
	}{
		{"Alice Smith <alice@client.com>", "alice@client.com", true},
		{"ALICE@CLIENT.COM", "alice@client.com", true},
		{"alice@client.com", "  alice@client.com ", true},
		{"Eve <eve@evil.example>", "alice@client.com", false},
		{"alice@client.com", "", false},
	}
	for _, tc := range cases {
		if got := SenderMatches(tc.from, tc.client); got != tc.want {
			t.Errorf("SenderMatches(%q, %q) = %v, want %v", tc.from, tc.client, got, tc.want)
		}
	}
}
