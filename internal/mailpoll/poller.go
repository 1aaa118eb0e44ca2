package mailpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// DB is the minimal database surface the poller needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store is the object-store surface used for raw message archival.
type Store interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var (
	pollProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailpoll_messages_processed_total",
		Help: "Inbound emails ingested as ticket messages.",
	})
	pollSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpoll_messages_skipped_total",
		Help: "Inbound emails skipped, by reason.",
	}, []string{"reason"})
	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailpoll_message_errors_total",
		Help: "Inbound emails that failed processing.",
	})
	pollReopened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailpoll_tickets_reopened_total",
		Help: "Tickets reopened by a client reply.",
	})
)

func init() {
	prometheus.MustRegister(pollProcessed, pollSkipped, pollErrors, pollReopened)
}

// ErrNotConfigured is returned when no mailbox provider is set.
var ErrNotConfigured = errors.New("mailbox not configured")

// Poller pulls client replies from the support mailbox into ticket messages.
type Poller struct {
	DB         DB
	Provider   Provider
	Store      Store
	Bucket     string
	Support    string
	MailDomain string

	// Now is injectable for window-construction tests. Nil means time.Now.
	Now func() time.Time

	inFlight atomic.Bool
}

// searchSkew widens the search window past the watermark so a message that
// arrived during the previous run is never missed. Dedup absorbs the overlap.
const searchSkew = 5 * time.Minute

// defaultLookback bounds the very first run, before any watermark exists.
const defaultLookback = 24 * time.Hour

// ProcessError records one message that failed during a run.
type ProcessError struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// RunResult summarizes one polling run. Processed counts messages that
// completed without error, including silent skips.
type RunResult struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Total     int            `json:"total"`
	Errors    []ProcessError `json:"errors,omitempty"`
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// FetchNewEmails runs one polling pass. The watermark only advances after a
// run with zero per-message errors, so failed messages are retried on the
// next pass.
func (p *Poller) FetchNewEmails(ctx context.Context) (*RunResult, error) {
	if p.Provider == nil {
		return nil, ErrNotConfigured
	}
	now := p.now()
	since := p.loadWatermark(ctx, now)

	ids, err := p.Provider.Search(ctx, SearchQuery{To: p.Support, Since: since.Add(-searchSkew)})
	if err != nil {
		p.recordRun(ctx, now, false, err.Error())
		return nil, err
	}

	res := &RunResult{Total: len(ids)}
	for _, id := range ids {
		em, err := p.Provider.GetMessage(ctx, id)
		if err != nil {
			pollErrors.Inc()
			res.Errors = append(res.Errors, ProcessError{MessageID: id, Error: err.Error()})
			continue
		}
		if err := p.processIncoming(ctx, em); err != nil {
			pollErrors.Inc()
			res.Errors = append(res.Errors, ProcessError{MessageID: em.ProviderID, Error: err.Error()})
			continue
		}
		res.Processed++
	}

	res.Success = len(res.Errors) == 0
	errMsg := ""
	if !res.Success {
		errMsg = fmt.Sprintf("%d of %d messages failed", len(res.Errors), res.Total)
	}
	p.recordRun(ctx, now, res.Success, errMsg)
	log.Info().Int("total", res.Total).Int("processed", res.Processed).
		Int("errors", len(res.Errors)).Msg("mail poll run")
	return res, nil
}

func (p *Poller) loadWatermark(ctx context.Context, now time.Time) time.Time {
	var last *time.Time
	err := p.DB.QueryRow(ctx, `select last_checked_at from mail_poll_state where id=1`).Scan(&last)
	if err != nil || last == nil {
		return now.Add(-defaultLookback)
	}
	return *last
}

func (p *Poller) recordRun(ctx context.Context, ranAt time.Time, success bool, errMsg string) {
	var err error
	if success {
		_, err = p.DB.Exec(ctx, `update mail_poll_state set last_run_at=$1, last_checked_at=$1, last_success_at=$1, last_error=null, updated_at=now() where id=1`, ranAt)
	} else {
		_, err = p.DB.Exec(ctx, `update mail_poll_state set last_run_at=$1, last_error=$2, updated_at=now() where id=1`, ranAt, errMsg)
	}
	if err != nil {
		log.Error().Err(err).Msg("record poll state")
	}
}

// processIncoming ingests a single fetched email. A nil return means the
// message was handled, including the silent-skip cases: no ticket id, an
// unknown ticket, an unverified sender, empty content, or a duplicate.
func (p *Poller) processIncoming(ctx context.Context, em *Email) error {
	ticketID := ExtractTicketID(em.Subject, em.References)
	if ticketID == "" {
		p.skip(em, "no_ticket_id")
		return nil
	}

	var (
		tid, title, clientName, clientEmail, status string
		assigneeEmail, assigneeName                 string
	)
	err := p.DB.QueryRow(ctx, `
		select t.id, t.title, t.client_name, t.client_email, t.status,
		       coalesce(u.email, ''), coalesce(u.name, '')
		from tickets t
		left join users u on u.id = t.assigned_to
		where t.ticket_id = $1`, ticketID).
		Scan(&tid, &title, &clientName, &clientEmail, &status, &assigneeEmail, &assigneeName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			p.skip(em, "unknown_ticket")
			return nil
		}
		return fmt.Errorf("lookup ticket %s: %w", ticketID, err)
	}

	if !SenderMatches(em.From, clientEmail) {
		p.skip(em, "sender_mismatch")
		return nil
	}

	content := CleanContent(ExtractText(em.Root))
	if content == "" {
		p.skip(em, "empty_content")
		return nil
	}

	rawKey := p.archive(ctx, em)

	meta, _ := json.Marshal(map[string]string{
		"subject":     em.Subject,
		"from_header": em.From,
		"raw_key":     rawKey,
	})
	threadID := fmt.Sprintf("<thread-%s@%s>", ticketID, p.MailDomain)
	tag, err := p.DB.Exec(ctx, `
		insert into messages (ticket_id, message_id, from_email, from_name, from_role,
			to_email, to_name, to_role, subject, body, is_from_email, thread_id,
			provider_message_id, status, is_read, metadata)
		values ($1, $2, $3, $4, 'customer', $5, $6, 'technician', $7, $8, true, $9, $10, 'delivered', false, $11)
		on conflict (provider_message_id) where provider_message_id is not null do nothing`,
		tid, "MSG-"+uuid.NewString(), clientEmail, clientName,
		assigneeEmail, assigneeName, em.Subject, content, threadID,
		em.ProviderID, meta)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.skip(em, "duplicate")
		return nil
	}

	reopened, err := p.DB.Exec(ctx, `
		update tickets set status='open', updated_at=now()
		where id=$1 and status in ('resolved','closed')`, tid)
	if err != nil {
		return fmt.Errorf("reopen ticket %s: %w", ticketID, err)
	}
	if reopened.RowsAffected() > 0 {
		pollReopened.Inc()
		log.Info().Str("ticket", ticketID).Msg("ticket reopened by client reply")
	}

	pollProcessed.Inc()
	log.Info().Str("ticket", ticketID).Str("provider_id", em.ProviderID).Msg("inbound email ingested")
	return nil
}

func (p *Poller) skip(em *Email, reason string) {
	pollSkipped.WithLabelValues(reason).Inc()
	log.Debug().Str("provider_id", em.ProviderID).Str("reason", reason).Msg("inbound email skipped")
}

// archive stores the raw message bytes when an object store is configured.
// Failures are logged, not fatal: losing the archive copy must not lose the
// message.
func (p *Poller) archive(ctx context.Context, em *Email) string {
	if p.Store == nil || p.Bucket == "" || len(em.Raw) == 0 {
		return ""
	}
	key := fmt.Sprintf("email/%s.eml", uuid.NewString())
	if _, err := p.Store.PutObject(ctx, p.Bucket, key, bytes.NewReader(em.Raw), int64(len(em.Raw)), minio.PutObjectOptions{ContentType: "message/rfc822"}); err != nil {
		log.Error().Err(err).Str("key", key).Msg("archive inbound email")
		return ""
	}
	return key
}

// ConnStatus reports the outcome of a mailbox connectivity check.
type ConnStatus struct {
	OK       bool   `json:"ok"`
	Category string `json:"category,omitempty"`
	Hint     string `json:"hint,omitempty"`
	Error    string `json:"error,omitempty"`
	Address  string `json:"address,omitempty"`
	Mailbox  string `json:"mailbox,omitempty"`
	Messages uint32 `json:"messages,omitempty"`
}

// TestConnection verifies mailbox access and categorizes failures so the
// operator knows whether to fix credentials or the network.
func (p *Poller) TestConnection(ctx context.Context) *ConnStatus {
	if p.Provider == nil {
		return &ConnStatus{Category: "config", Hint: "set IMAP_HOST, IMAP_USER and IMAP_PASS", Error: ErrNotConfigured.Error()}
	}
	prof, err := p.Provider.Profile(ctx)
	if err != nil {
		st := &ConnStatus{Error: err.Error()}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "login") || strings.Contains(msg, "authent") || strings.Contains(msg, "credential"):
			st.Category = "auth"
			st.Hint = "check the mailbox username and password"
		case strings.Contains(msg, "dial") || strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "no such host"):
			st.Category = "connection"
			st.Hint = "check the IMAP host, port and network reachability"
		default:
			st.Category = "unknown"
			st.Hint = "inspect server logs for details"
		}
		return st
	}
	return &ConnStatus{OK: true, Address: prof.Address, Mailbox: prof.Mailbox, Messages: prof.Messages}
}

// RunPeriodic polls immediately and then on every tick until the context is
// canceled. A tick is skipped while a previous run is still in flight.
func (p *Poller) RunPeriodic(ctx context.Context, interval time.Duration) {
	run := func() {
		if !p.inFlight.CompareAndSwap(false, true) {
			log.Warn().Msg("mail poll still running, skipping tick")
			return
		}
		defer p.inFlight.Store(false)
		if _, err := p.FetchNewEmails(ctx); err != nil {
			log.Error().Err(err).Msg("mail poll")
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
