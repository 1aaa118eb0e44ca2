package messages

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
	authpkg "github.com/ticketflow-io/ticketflow/cmd/api/auth"
	"github.com/ticketflow-io/ticketflow/cmd/api/ws"
	"github.com/ticketflow-io/ticketflow/internal/mail"
	"github.com/ticketflow-io/ticketflow/internal/mailpoll"
)

type importReq struct {
	TicketID  string `json:"ticketId" binding:"required"`
	FromEmail string `json:"fromEmail" binding:"required,email"`
	Content   string `json:"content" binding:"required,min=1,max=10000"`
	Subject   string `json:"subject"`
}

// Import records a client reply received outside the mailbox, e.g. pasted
// from a phone call follow-up. The sender must be the ticket's client, and a
// resolved or closed ticket reopens just as it would for a polled email.
func Import(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in importReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		ctx := c.Request.Context()
		t, err := loadTicket(ctx, a, in.TicketID)
		if err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "ticket not found", nil)
			return
		}
		if !canAccess(u, t) {
			app.AbortError(c, http.StatusForbidden, "forbidden", "access denied to this ticket", nil)
			return
		}
		if !strings.EqualFold(strings.TrimSpace(in.FromEmail), t.ClientEmail) {
			app.AbortError(c, http.StatusBadRequest, "sender_mismatch", "sender does not match the ticket client", nil)
			return
		}

		content := mailpoll.CleanContent(in.Content)
		if content == "" {
			app.AbortError(c, http.StatusBadRequest, "empty_content", "message content is empty after cleaning", nil)
			return
		}
		subject := in.Subject
		if subject == "" {
			subject = "Re: Support Ticket " + t.TicketID
		}
		threadID := mail.ThreadID(t.TicketID, a.Cfg.MailDomain)

		var msgID string
		err = a.DB.QueryRow(ctx, `
			insert into messages (ticket_id, message_id, from_email, from_name, from_role,
				to_email, to_name, to_role, subject, body, is_from_email, thread_id, status, is_read)
			values ($1, $2, $3, $4, 'customer', $5, $6, 'technician', $7, $8, true, $9, 'delivered', false)
			returning id`,
			t.ID, "MSG-import-"+t.TicketID+"-"+time.Now().Format("20060102150405"),
			t.ClientEmail, t.ClientName, u.Email, u.Name, subject, content, threadID).Scan(&msgID)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not record message", nil)
			return
		}

		tag, err := a.DB.Exec(ctx, `
			update tickets set status='open', updated_at=now()
			where id=$1 and status in ('resolved','closed')`, t.ID)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not update ticket", nil)
			return
		}
		if tag.RowsAffected() > 0 {
			log.Info().Str("ticket", t.TicketID).Msg("ticket reopened by imported reply")
			ws.PublishEvent(ctx, a.Q, ws.Event{Type: "ticket_reopened", TicketID: t.TicketID})
		}
		ws.PublishEvent(ctx, a.Q, ws.Event{Type: "message_received", TicketID: t.TicketID})

		c.JSON(http.StatusCreated, gin.H{"messageId": msgID, "reopened": tag.RowsAffected() > 0})
	}
}

// Sync triggers one mailbox polling pass and returns its result.
func Sync(a *app.App, p *mailpoll.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := p.FetchNewEmails(c.Request.Context())
		if err != nil {
			if errors.Is(err, mailpoll.ErrNotConfigured) {
				app.AbortError(c, http.StatusServiceUnavailable, "not_configured", "mailbox not configured", nil)
				return
			}
			app.AbortError(c, http.StatusBadGateway, "mailbox", err.Error(), nil)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// MailboxTest checks mailbox connectivity and reports what to fix.
func MailboxTest(a *app.App, p *mailpoll.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.TestConnection(c.Request.Context()))
	}
}

// SyncStatus reports the poller's persisted watermark and last-run outcome.
func SyncStatus(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var lastChecked, lastRun, lastSuccess *time.Time
		var lastError *string
		err := a.DB.QueryRow(c.Request.Context(), `
			select last_checked_at, last_run_at, last_success_at, last_error
			from mail_poll_state where id=1`).
			Scan(&lastChecked, &lastRun, &lastSuccess, &lastError)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not read sync state", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"lastCheckedAt": lastChecked,
			"lastRunAt":     lastRun,
			"lastSuccessAt": lastSuccess,
			"lastError":     lastError,
		})
	}
}
