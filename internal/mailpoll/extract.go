package mailpoll

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Ticket ids look like T-2024-001. The matchers run in order: an explicit
// "ticket T-..." phrase in the subject wins over a bare id, and the threading
// headers are the fallback when the subject says nothing.
var (
	subjectTicketRe = regexp.MustCompile(`(?i)ticket\s+(T-\d{4}-\d{3})`)
	bareTicketRe    = regexp.MustCompile(`(?i)(T-\d{4}-\d{3})`)
	threadRefRe     = regexp.MustCompile(`thread-(T-\d{4}-\d{3})@`)
)

// ExtractTicketID finds the ticket an inbound email belongs to, from the
// subject first and the References header second. Returns "" when no id is
// present.
func ExtractTicketID(subject, references string) string {
	if m := subjectTicketRe.FindStringSubmatch(subject); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := bareTicketRe.FindStringSubmatch(subject); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := threadRefRe.FindStringSubmatch(references); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// Each pattern marks the start of quoted or boilerplate text; everything from
// the match onward is dropped.
var cleanPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)-----Original Message-----.*`),
	regexp.MustCompile(`(?is)On [^\n]* wrote:.*`),
	regexp.MustCompile(`(?is)From:[^\n]*\n[^\n]*Sent:[^\n]*\n[^\n]*To:[^\n]*\n[^\n]*Subject:.*`),
	regexp.MustCompile(`(?s)_{5,}.*`),
	regexp.MustCompile(`(?is)This email was sent by.*`),
	regexp.MustCompile(`(?is)Sent from my iPhone.*`),
	regexp.MustCompile(`(?is)Sent from my Android.*`),
	regexp.MustCompile(`(?is)Get Outlook for .*`),
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)

// CleanContent strips quoted reply chains, forwarded-message blocks and
// mobile signatures from an email body, leaving just the new text.
func CleanContent(body string) string {
	out := strings.ReplaceAll(body, "\r\n", "\n")
	for _, re := range cleanPatterns {
		out = re.ReplaceAllString(out, "")
	}
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

var htmlStripPolicy = bluemonday.StrictPolicy()

// ExtractText walks a MIME part tree depth-first and returns the plain-text
// body. All text/plain parts concatenate; failing that, the concatenated
// text/html parts are stripped to text.
func ExtractText(p *Part) string {
	if plain := collectParts(p, "text/plain"); plain != "" {
		return plain
	}
	if html := collectParts(p, "text/html"); html != "" {
		return htmlStripPolicy.Sanitize(html)
	}
	return ""
}

func collectParts(p *Part, mediaType string) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	if strings.HasPrefix(p.MediaType, mediaType) && len(p.Body) > 0 {
		b.Write(p.Body)
	}
	for _, child := range p.Children {
		b.WriteString(collectParts(child, mediaType))
	}
	return b.String()
}

// SenderMatches reports whether the inbound From header belongs to the
// expected client address. Headers often carry display names, so containment
// of the bare address is the check, case-insensitively.
func SenderMatches(fromHeader, clientEmail string) bool {
	if clientEmail == "" {
		return false
	}
	return strings.Contains(strings.ToLower(fromHeader), strings.ToLower(strings.TrimSpace(clientEmail)))
}
