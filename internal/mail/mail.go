// Package mail renders and delivers outbound ticket email. Messages carry
// threading headers so replies land back on the originating ticket.
package mail

import (
	"bytes"
	"embed"
	"fmt"
	"net/smtp"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Config holds SMTP delivery settings.
type Config struct {
	Host       string
	Port       string
	User       string
	Pass       string
	From       string
	MailDomain string
}

//go:embed templates/*.tmpl
var templatesFS embed.FS

var mailTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// smtpSendMail is a seam for tests.
var smtpSendMail = smtp.SendMail

// Email address validation regex based on RFC 5322 simplified pattern
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// HTML sanitization policy for bodies that may carry user-authored markup
var bodyPolicy = bluemonday.UGCPolicy()

// SanitizeHeader removes CRLF characters that could be used for header injection.
func SanitizeHeader(input string) string {
	sanitized := strings.ReplaceAll(input, "\r", "")
	sanitized = strings.ReplaceAll(sanitized, "\n", "")
	return strings.TrimSpace(sanitized)
}

// ValidateAddress checks if an email address is valid.
func ValidateAddress(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email address cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email address format: %s", email)
	}
	return nil
}

func sanitizeAndValidate(email string) (string, error) {
	sanitized := SanitizeHeader(email)
	if err := ValidateAddress(sanitized); err != nil {
		return "", err
	}
	return sanitized, nil
}

// SanitizeBody strips potentially harmful HTML from a message body.
func SanitizeBody(body string) string {
	return bodyPolicy.Sanitize(body)
}

// ThreadID returns the stable thread identifier for a ticket. Every message
// on the ticket references it, which keeps mail clients threading correctly.
func ThreadID(ticketID, domain string) string {
	return fmt.Sprintf("<thread-%s@%s>", ticketID, domain)
}

// NewMessageID returns a unique Message-ID for one outbound message.
func NewMessageID(ticketID, domain string) string {
	return fmt.Sprintf("<ticket-%s-%d-%s@%s>", ticketID, time.Now().UnixMilli(), uuid.NewString()[:8], domain)
}

// Job is the envelope pushed onto the Redis queue.
type Job struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EmailJob describes one outbound ticket email. DBMessageID identifies the
// messages row whose delivery status the worker records.
type EmailJob struct {
	To          string `json:"to"`
	Template    string `json:"template"`
	TicketID    string `json:"ticket_id"`
	DBMessageID string `json:"db_message_id"`
	Data        any    `json:"data"`
}

// Send renders the named template pair and delivers the message with ticket
// threading headers. It returns the generated Message-ID.
func Send(c Config, j EmailJob) (string, error) {
	sanitizedTo, err := sanitizeAndValidate(j.To)
	if err != nil {
		return "", fmt.Errorf("invalid To address: %w", err)
	}
	sanitizedFrom, err := sanitizeAndValidate(c.From)
	if err != nil {
		return "", fmt.Errorf("invalid From address: %w", err)
	}

	var subjBuf, bodyBuf bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&subjBuf, j.Template+"_subject", j.Data); err != nil {
		return "", err
	}
	if err := mailTemplates.ExecuteTemplate(&bodyBuf, j.Template+"_body", j.Data); err != nil {
		return "", err
	}
	sanitizedSubject := SanitizeHeader(subjBuf.String())

	msgID := NewMessageID(j.TicketID, c.MailDomain)
	threadID := ThreadID(j.TicketID, c.MailDomain)

	msg := bytes.Buffer{}
	msg.WriteString("From: " + sanitizedFrom + "\r\n")
	msg.WriteString("To: " + sanitizedTo + "\r\n")
	msg.WriteString("Subject: " + sanitizedSubject + "\r\n")
	msg.WriteString("Message-ID: " + msgID + "\r\n")
	msg.WriteString("In-Reply-To: " + threadID + "\r\n")
	msg.WriteString("References: " + threadID + "\r\n")
	msg.WriteString("X-Ticket-ID: " + SanitizeHeader(j.TicketID) + "\r\n\r\n")
	msg.Write(bodyBuf.Bytes())

	addr := c.Host + ":" + c.Port
	var auth smtp.Auth
	if c.User != "" {
		auth = smtp.PlainAuth("", c.User, c.Pass, c.Host)
	}
	if err := smtpSendMail(addr, auth, sanitizedFrom, []string{sanitizedTo}, msg.Bytes()); err != nil {
		return "", err
	}
	return msgID, nil
}
