package mailpoll

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/rs/zerolog/log"
)

// IMAPProvider reads a support mailbox over IMAP. The connection is cached
// across calls and re-established on demand.
type IMAPProvider struct {
	Host   string
	User   string
	Pass   string
	Folder string

	cli *imapclient.Client
}

// NewIMAPProvider configures a provider for the given mailbox. No connection
// is made until the first call.
func NewIMAPProvider(host, user, pass, folder string) *IMAPProvider {
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPProvider{Host: host, User: user, Pass: pass, Folder: folder}
}

func (p *IMAPProvider) connect() error {
	if p.cli != nil {
		if err := p.cli.Noop(); err == nil {
			return nil
		}
		_ = p.cli.Logout()
		p.cli = nil
	}
	addr := p.Host
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:993", addr)
	}
	cli, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("imap dial: %w", err)
	}
	if err := cli.Login(p.User, p.Pass); err != nil {
		_ = cli.Logout()
		return fmt.Errorf("imap login: %w", err)
	}
	if _, err := cli.Select(p.Folder, false); err != nil {
		_ = cli.Logout()
		return fmt.Errorf("imap select %s: %w", p.Folder, err)
	}
	p.cli = cli
	return nil
}

// Search returns the UIDs of unseen messages matching the query.
func (p *IMAPProvider) Search(ctx context.Context, q SearchQuery) ([]string, error) {
	if err := p.connect(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	if q.To != "" {
		criteria.Header.Add("To", q.To)
	}
	uids, err := p.cli.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	ids := make([]string, 0, len(uids))
	for _, u := range uids {
		ids = append(ids, strconv.FormatUint(uint64(u), 10))
	}
	return ids, nil
}

// GetMessage fetches one message by UID, decodes its MIME tree and marks it
// seen.
func (p *IMAPProvider) GetMessage(ctx context.Context, id string) (*Email, error) {
	if err := p.connect(); err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad uid %q: %w", id, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.cli.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var raw []byte
	for msg := range messages {
		if msg == nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %s has no body", id)
	}

	em, err := decodeMessage(raw)
	if err != nil {
		return nil, err
	}
	if em.ProviderID == "" {
		em.ProviderID = fmt.Sprintf("uid-%s-%s", p.Folder, id)
	}

	if err := p.cli.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.SeenFlag}, nil); err != nil {
		log.Error().Err(err).Str("uid", id).Msg("store seen flag")
	}
	return em, nil
}

// Profile verifies the connection and describes the mailbox.
func (p *IMAPProvider) Profile(ctx context.Context) (*Profile, error) {
	if err := p.connect(); err != nil {
		return nil, err
	}
	prof := &Profile{Address: p.User, Mailbox: p.Folder}
	if mbox := p.cli.Mailbox(); mbox != nil {
		prof.Messages = mbox.Messages
	}
	return prof, nil
}

// Close logs out of the cached session.
func (p *IMAPProvider) Close() error {
	if p.cli == nil {
		return nil
	}
	err := p.cli.Logout()
	p.cli = nil
	return err
}

// decodeMessage parses raw RFC 822 bytes into an Email with its MIME tree.
func decodeMessage(raw []byte) (*Email, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	em := &Email{
		ProviderID: strings.Trim(ent.Header.Get("Message-ID"), "<> "),
		Subject:    ent.Header.Get("Subject"),
		From:       ent.Header.Get("From"),
		References: ent.Header.Get("References"),
		Raw:        raw,
	}
	if t, err := ent.Header.Text("Subject"); err == nil && t != "" {
		em.Subject = t
	}
	if d, err := mail.ParseDate(ent.Header.Get("Date")); err == nil {
		em.Date = d
	}
	em.Root = decodePart(ent)
	return em, nil
}

func decodePart(ent *message.Entity) *Part {
	t, _, err := ent.Header.ContentType()
	if err != nil {
		t = "text/plain"
	}
	p := &Part{MediaType: t}
	if mr := ent.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if err != nil {
				break
			}
			p.Children = append(p.Children, decodePart(child))
		}
		return p
	}
	body, err := io.ReadAll(ent.Body)
	if err == nil {
		p.Body = body
	}
	return p
}
