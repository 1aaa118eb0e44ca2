// Package messages implements the ticket correspondence API: outbound sends,
// manual imports, unread tracking and the mailbox sync surface.
package messages

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
	authpkg "github.com/ticketflow-io/ticketflow/cmd/api/auth"
	"github.com/ticketflow-io/ticketflow/cmd/api/metrics"
	"github.com/ticketflow-io/ticketflow/cmd/api/ws"
	"github.com/ticketflow-io/ticketflow/internal/mail"
)

// Message is the API shape of one ticket message.
type Message struct {
	ID          string     `json:"id"`
	TicketID    string     `json:"ticketId"`
	MessageID   string     `json:"messageId"`
	FromEmail   string     `json:"fromEmail"`
	FromName    string     `json:"fromName"`
	FromRole    string     `json:"fromRole"`
	ToEmail     string     `json:"toEmail"`
	ToName      string     `json:"toName"`
	ToRole      string     `json:"toRole"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	IsFromEmail bool       `json:"isFromEmail"`
	ThreadID    string     `json:"threadId,omitempty"`
	Status      string     `json:"status"`
	IsRead      bool       `json:"isRead"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

const messageCols = `m.id, t.ticket_id, m.message_id, m.from_email, m.from_name, m.from_role,
	m.to_email, m.to_name, m.to_role, coalesce(m.subject,''), m.body, m.is_from_email,
	coalesce(m.thread_id,''), m.status, m.is_read, m.read_at, m.created_at`

func scanMessage(r interface{ Scan(...interface{}) error }) (Message, error) {
	var m Message
	err := r.Scan(&m.ID, &m.TicketID, &m.MessageID, &m.FromEmail, &m.FromName, &m.FromRole,
		&m.ToEmail, &m.ToName, &m.ToRole, &m.Subject, &m.Body, &m.IsFromEmail,
		&m.ThreadID, &m.Status, &m.IsRead, &m.ReadAt, &m.CreatedAt)
	return m, err
}

type ticketRef struct {
	ID          string
	TicketID    string
	ClientName  string
	ClientEmail string
	Title       string
	Status      string
	AssignedTo  string
	CreatedBy   string
}

func loadTicket(ctx context.Context, a *app.App, businessID string) (ticketRef, error) {
	var t ticketRef
	err := a.DB.QueryRow(ctx, `
		select id, ticket_id, client_name, client_email, title, status,
		       coalesce(assigned_to::text,''), coalesce(created_by::text,'')
		from tickets where ticket_id=$1`, businessID).
		Scan(&t.ID, &t.TicketID, &t.ClientName, &t.ClientEmail, &t.Title, &t.Status,
			&t.AssignedTo, &t.CreatedBy)
	return t, err
}

func canAccess(u authpkg.AuthUser, t ticketRef) bool {
	return u.Role == "manager" || t.AssignedTo == u.ID || t.CreatedBy == u.ID
}

// ListForTicket returns a ticket's correspondence, newest last, and marks
// inbound messages read as a side effect of viewing.
func ListForTicket(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ctx := c.Request.Context()
		t, err := loadTicket(ctx, a, c.Param("ticketId"))
		if err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "ticket not found", nil)
			return
		}
		if !canAccess(u, t) {
			app.AbortError(c, http.StatusForbidden, "forbidden", "access denied to this ticket", nil)
			return
		}

		rows, err := a.DB.Query(ctx, "select "+messageCols+
			" from messages m join tickets t on t.id = m.ticket_id where m.ticket_id=$1 order by m.created_at asc", t.ID)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch messages", nil)
			return
		}
		defer rows.Close()
		msgs := []Message{}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				app.AbortError(c, http.StatusInternalServerError, "db", "could not scan message", nil)
				return
			}
			msgs = append(msgs, m)
		}
		if rows.Err() != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch messages", nil)
			return
		}

		if _, err := a.DB.Exec(ctx, `
			update messages set is_read=true, read_at=now()
			where ticket_id=$1 and is_from_email and not is_read`, t.ID); err != nil {
			log.Error().Err(err).Str("ticket", t.TicketID).Msg("mark messages read")
		}

		c.JSON(http.StatusOK, gin.H{"messages": msgs, "ticket": gin.H{
			"ticketId":    t.TicketID,
			"clientName":  t.ClientName,
			"clientEmail": t.ClientEmail,
			"title":       t.Title,
			"status":      t.Status,
		}})
	}
}

type sendReq struct {
	TicketID string `json:"ticketId" binding:"required"`
	Content  string `json:"content" binding:"required,min=1,max=5000"`
	Subject  string `json:"subject"`
}

// Send records an outbound message and queues its delivery to the client.
func Send(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in sendReq
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

		subject := in.Subject
		if subject == "" {
			subject = fmt.Sprintf("Re: Support Ticket %s: %s", t.TicketID, t.Title)
		}
		threadID := mail.ThreadID(t.TicketID, a.Cfg.MailDomain)
		body := mail.SanitizeBody(in.Content)

		var msgID string
		err = a.DB.QueryRow(ctx, `
			insert into messages (ticket_id, message_id, from_email, from_name, from_role,
				to_email, to_name, to_role, subject, body, is_from_email, thread_id, status, is_read)
			values ($1, $2, $3, $4, 'technician', $5, $6, 'customer', $7, $8, false, $9, 'pending', true)
			returning id`,
			t.ID, fmt.Sprintf("MSG-%d-%s", time.Now().UnixMilli(), t.TicketID),
			u.Email, u.Name, t.ClientEmail, t.ClientName, subject, body, threadID).Scan(&msgID)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not record message", nil)
			return
		}

		queued := true
		job := mail.EmailJob{
			To:          t.ClientEmail,
			Template:    "ticket_update",
			TicketID:    t.TicketID,
			DBMessageID: msgID,
			Data: map[string]string{
				"TicketID":    t.TicketID,
				"Title":       t.Title,
				"ClientName":  t.ClientName,
				"Body":        body,
				"SupportName": u.Name,
			},
		}
		if err := a.EnqueueEmail(ctx, job); err != nil {
			log.Error().Err(err).Str("ticket", t.TicketID).Msg("queue update email")
			queued = false
		}
		metrics.MessagesSentTotal.Inc()
		ws.PublishEvent(ctx, a.Q, ws.Event{Type: "message_sent", TicketID: t.TicketID})

		c.JSON(http.StatusCreated, gin.H{"messageId": msgID, "emailQueued": queued})
	}
}

// UnreadCount returns the total and per-ticket unread inbound counts for the
// caller's tickets. Managers see the whole desk.
func UnreadCount(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ctx := c.Request.Context()

		q := `select t.ticket_id, count(*)
			from messages m join tickets t on t.id = m.ticket_id
			where m.is_from_email and not m.is_read`
		var args []interface{}
		if u.Role != "manager" {
			q += " and t.assigned_to = $1"
			args = append(args, u.ID)
		}
		q += " group by t.ticket_id"

		rows, err := a.DB.Query(ctx, q, args...)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not count unread messages", nil)
			return
		}
		defer rows.Close()
		perTicket := map[string]int{}
		total := 0
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				app.AbortError(c, http.StatusInternalServerError, "db", "could not scan unread counts", nil)
				return
			}
			perTicket[id] = n
			total += n
		}
		if rows.Err() != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not count unread messages", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": total, "byTicket": perTicket})
	}
}

type markReadReq struct {
	MessageIDs []string `json:"messageIds" binding:"required,min=1"`
}

// MarkRead flags the listed messages as read. Only messages addressed to the
// caller change; ids belonging to someone else are silently skipped.
func MarkRead(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in markReadReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		tag, err := a.DB.Exec(c.Request.Context(), `
			update messages set is_read=true, read_at=now()
			where id = any($1) and lower(to_email)=lower($2) and not is_read`,
			in.MessageIDs, u.Email)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not mark messages read", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": tag.RowsAffected()})
	}
}

// Conversation returns a page of a ticket's messages, newest first. Unlike
// ListForTicket it has no read side effect.
func Conversation(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ctx := c.Request.Context()
		t, err := loadTicket(ctx, a, c.Param("ticketId"))
		if err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "ticket not found", nil)
			return
		}
		if !canAccess(u, t) {
			app.AbortError(c, http.StatusForbidden, "forbidden", "access denied to this ticket", nil)
			return
		}

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		if page < 1 {
			page = 1
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		var total int
		if err := a.DB.QueryRow(ctx, "select count(*) from messages where ticket_id=$1", t.ID).Scan(&total); err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not count messages", nil)
			return
		}

		rows, err := a.DB.Query(ctx, "select "+messageCols+
			" from messages m join tickets t on t.id = m.ticket_id where m.ticket_id=$1 order by m.created_at desc limit $2 offset $3",
			t.ID, limit, (page-1)*limit)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch messages", nil)
			return
		}
		defer rows.Close()
		msgs := []Message{}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				app.AbortError(c, http.StatusInternalServerError, "db", "could not scan message", nil)
				return
			}
			msgs = append(msgs, m)
		}
		if rows.Err() != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch messages", nil)
			return
		}
		// the page is selected newest-first but rendered oldest-first
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		pages := (total + limit - 1) / limit
		c.JSON(http.StatusOK, gin.H{
			"messages": msgs,
			"pagination": gin.H{
				"current":      page,
				"total":        pages,
				"count":        len(msgs),
				"totalRecords": total,
			},
		})
	}
}
