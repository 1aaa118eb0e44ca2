// Package tickets implements ticket lifecycle handlers: creation, listing,
// closure and the dashboard rollups.
package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
	authpkg "github.com/ticketflow-io/ticketflow/cmd/api/auth"
	"github.com/ticketflow-io/ticketflow/cmd/api/metrics"
	"github.com/ticketflow-io/ticketflow/cmd/api/ws"
	"github.com/ticketflow-io/ticketflow/internal/billing"
	"github.com/ticketflow-io/ticketflow/internal/mail"
)

// UserRef is the embedded shape of an assignee or creator.
type UserRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	EmployeeID string `json:"employeeId,omitempty"`
}

// Ticket is the API shape of a ticket.
type Ticket struct {
	ID                 string          `json:"id"`
	TicketID           string          `json:"ticketId"`
	ClientName         string          `json:"clientName"`
	ClientEmail        string          `json:"clientEmail"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Priority           string          `json:"priority"`
	Category           string          `json:"category"`
	Status             string          `json:"status"`
	AssignedTo         *UserRef        `json:"assignedTo,omitempty"`
	CreatedBy          *UserRef        `json:"createdBy,omitempty"`
	LogFileName        string          `json:"logFileName,omitempty"`
	AnalyzedActivities json.RawMessage `json:"analyzedActivities,omitempty"`
	TotalBillableTime  int             `json:"totalBillableTime"`
	GeneratedReport    string          `json:"generatedReport,omitempty"`
	Resolution         string          `json:"resolution,omitempty"`
	BillableRate       float64         `json:"billableRate"`
	TotalCost          float64         `json:"totalCost"`
	ClosedAt           *time.Time      `json:"closedAt,omitempty"`
	ResolutionTime     *int            `json:"resolutionTime,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

const ticketCols = `t.id, t.ticket_id, t.client_name, t.client_email, t.title, t.description,
	t.priority, t.category, t.status, coalesce(t.log_file_name,''), t.analyzed_activities,
	coalesce(t.total_billable_time,0), coalesce(t.generated_report,''), coalesce(t.resolution,''),
	t.billable_rate, coalesce(t.total_cost,0), t.closed_at, t.resolution_time,
	t.created_at, t.updated_at,
	u.id, u.name, u.email, coalesce(u.employee_id,''),
	cb.id, cb.name, cb.email`

const ticketJoins = ` from tickets t
	left join users u on u.id = t.assigned_to
	left join users cb on cb.id = t.created_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(r rowScanner) (Ticket, error) {
	var tk Ticket
	var activities []byte
	var aID, aName, aEmail, aEmp *string
	var cID, cName, cEmail *string
	err := r.Scan(&tk.ID, &tk.TicketID, &tk.ClientName, &tk.ClientEmail, &tk.Title, &tk.Description,
		&tk.Priority, &tk.Category, &tk.Status, &tk.LogFileName, &activities,
		&tk.TotalBillableTime, &tk.GeneratedReport, &tk.Resolution,
		&tk.BillableRate, &tk.TotalCost, &tk.ClosedAt, &tk.ResolutionTime,
		&tk.CreatedAt, &tk.UpdatedAt,
		&aID, &aName, &aEmail, &aEmp,
		&cID, &cName, &cEmail)
	if err != nil {
		return tk, err
	}
	if len(activities) > 0 {
		tk.AnalyzedActivities = json.RawMessage(activities)
	}
	if aID != nil {
		tk.AssignedTo = &UserRef{ID: *aID, Name: deref(aName), Email: deref(aEmail), EmployeeID: deref(aEmp)}
	}
	if cID != nil {
		tk.CreatedBy = &UserRef{ID: *cID, Name: deref(cName), Email: deref(cEmail)}
	}
	return tk, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type createReq struct {
	TicketID    string `json:"ticketId" binding:"required"`
	ClientName  string `json:"clientName" binding:"required"`
	ClientEmail string `json:"clientEmail" binding:"required,email"`
	Title       string `json:"title" binding:"required,min=5,max=200"`
	Description string `json:"description" binding:"required,min=10,max=1000"`
	Priority    string `json:"priority" binding:"omitempty,oneof=low medium high critical"`
	Category    string `json:"category" binding:"required,oneof=hardware software network security other"`
	AssignedTo  string `json:"assignedTo"`
}

// Create registers a new ticket, assigns it and queues the confirmation
// email to the client. A queue failure is reported, not fatal.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		if in.Priority == "" {
			in.Priority = "medium"
		}
		ctx := c.Request.Context()

		var exists bool
		if err := a.DB.QueryRow(ctx, "select exists(select 1 from tickets where ticket_id=$1)", in.TicketID).Scan(&exists); err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not check ticket id", nil)
			return
		}
		if exists {
			app.AbortError(c, http.StatusBadRequest, "duplicate_ticket_id", "ticket id already exists", nil)
			return
		}

		assigneeID := u.ID
		if in.AssignedTo != "" && u.Role == "manager" {
			var role string
			err := a.DB.QueryRow(ctx, "select role from users where id=$1 and is_active", in.AssignedTo).Scan(&role)
			if err != nil || role != "technician" {
				app.AbortError(c, http.StatusBadRequest, "bad_assignment", "invalid technician assignment", nil)
				return
			}
			assigneeID = in.AssignedTo
		}

		var id string
		err := a.DB.QueryRow(ctx, `
			insert into tickets (ticket_id, client_name, client_email, title, description,
				priority, category, status, assigned_to, created_by, billable_rate)
			values ($1, $2, lower($3), $4, $5, $6, $7, 'open', $8, $9, $10)
			returning id`,
			in.TicketID, in.ClientName, in.ClientEmail, in.Title, in.Description,
			in.Priority, in.Category, assigneeID, u.ID, a.Cfg.DefaultBillableRate).Scan(&id)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not create ticket", nil)
			return
		}
		metrics.TicketsCreatedTotal.Inc()

		tk, err := fetchTicket(ctx, a, in.TicketID)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not load ticket", nil)
			return
		}

		emailQueued := queueCreationEmail(ctx, a, &tk)
		ws.PublishEvent(ctx, a.Q, ws.Event{Type: "ticket_created", TicketID: tk.TicketID})
		c.JSON(http.StatusCreated, gin.H{
			"message":     "Ticket created successfully",
			"ticket":      tk,
			"emailQueued": emailQueued,
		})
	}
}

// queueCreationEmail records a pending message row and hands delivery to the
// worker. Returns false when queuing failed; ticket creation still succeeds.
func queueCreationEmail(ctx context.Context, a *app.App, tk *Ticket) bool {
	assignee := tk.AssignedTo
	if assignee == nil {
		return false
	}
	threadID := mail.ThreadID(tk.TicketID, a.Cfg.MailDomain)
	subject := fmt.Sprintf("Support Ticket Created: %s - %s", tk.TicketID, tk.Title)
	body := fmt.Sprintf("Your support ticket has been created and assigned to %s. We will begin working on your issue shortly.", assignee.Name)

	var msgID string
	err := a.DB.QueryRow(ctx, `
		insert into messages (ticket_id, message_id, from_email, from_name, from_role,
			to_email, to_name, to_role, subject, body, is_from_email, thread_id, status, is_read)
		values ($1, $2, $3, $4, 'technician', $5, $6, 'customer', $7, $8, false, $9, 'pending', true)
		returning id`,
		tk.ID, "MSG-"+tk.TicketID+"-create", assignee.Email, assignee.Name,
		tk.ClientEmail, tk.ClientName, subject, body, threadID).Scan(&msgID)
	if err != nil {
		log.Error().Err(err).Str("ticket", tk.TicketID).Msg("record creation message")
		return false
	}

	job := mail.EmailJob{
		To:          tk.ClientEmail,
		Template:    "ticket_created",
		TicketID:    tk.TicketID,
		DBMessageID: msgID,
		Data: map[string]string{
			"TicketID":    tk.TicketID,
			"Title":       tk.Title,
			"ClientName":  tk.ClientName,
			"Body":        body,
			"SupportName": assignee.Name,
		},
	}
	if err := a.EnqueueEmail(ctx, job); err != nil {
		log.Error().Err(err).Str("ticket", tk.TicketID).Msg("queue creation email")
		return false
	}
	return true
}

var sortCols = map[string]string{
	"createdAt": "t.created_at",
	"updatedAt": "t.updated_at",
	"priority":  "t.priority",
	"status":    "t.status",
}

func listTickets(a *app.App, c *gin.Context, where []string, args []interface{}, defLimit int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defLimit)))
	if limit < 1 || limit > 100 {
		limit = defLimit
	}
	sortCol, ok := sortCols[c.DefaultQuery("sortBy", "createdAt")]
	if !ok {
		sortCol = "t.created_at"
	}
	dir := "desc"
	if c.Query("sortOrder") == "asc" {
		dir = "asc"
	}

	ctx := c.Request.Context()
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := a.DB.QueryRow(ctx, "select count(*) from tickets t"+whereSQL, args...).Scan(&total); err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not count tickets", nil)
		return
	}

	q := "select " + ticketCols + ticketJoins + whereSQL +
		fmt.Sprintf(" order by %s %s limit $%d offset $%d", sortCol, dir, len(args)+1, len(args)+2)
	rows, err := a.DB.Query(ctx, q, append(args, limit, (page-1)*limit)...)
	if err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch tickets", nil)
		return
	}
	defer rows.Close()

	tickets := []Ticket{}
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not scan ticket", nil)
			return
		}
		tickets = append(tickets, tk)
	}
	if rows.Err() != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch tickets", nil)
		return
	}

	pages := (total + limit - 1) / limit
	c.JSON(http.StatusOK, gin.H{
		"tickets": tickets,
		"pagination": gin.H{
			"current":      page,
			"total":        pages,
			"count":        len(tickets),
			"totalRecords": total,
		},
	})
}

// MyTickets lists tickets assigned to the current user.
func MyTickets(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		where := []string{"t.assigned_to = $1"}
		args := []interface{}{u.ID}
		if s := c.Query("status"); s != "" {
			args = append(args, s)
			where = append(where, fmt.Sprintf("t.status = $%d", len(args)))
		}
		listTickets(a, c, where, args, 10)
	}
}

// All lists every ticket with filters. Managers only.
func All(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var where []string
		var args []interface{}
		if s := c.Query("status"); s != "" {
			args = append(args, s)
			where = append(where, fmt.Sprintf("t.status = $%d", len(args)))
		}
		if s := c.Query("assignedTo"); s != "" {
			args = append(args, s)
			where = append(where, fmt.Sprintf("t.assigned_to = $%d", len(args)))
		}
		if s := c.Query("clientName"); s != "" {
			args = append(args, "%"+s+"%")
			where = append(where, fmt.Sprintf("t.client_name ilike $%d", len(args)))
		}
		if s := c.Query("priority"); s != "" {
			args = append(args, s)
			where = append(where, fmt.Sprintf("t.priority = $%d", len(args)))
		}
		listTickets(a, c, where, args, 20)
	}
}

func fetchTicket(ctx context.Context, a *app.App, ticketID string) (Ticket, error) {
	row := a.DB.QueryRow(ctx, "select "+ticketCols+ticketJoins+" where t.ticket_id = $1", ticketID)
	return scanTicket(row)
}

// Get returns one ticket. Technicians only see tickets they are assigned to
// or created.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		tk, err := fetchTicket(c.Request.Context(), a, c.Param("ticketId"))
		if err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "ticket not found", nil)
			return
		}
		if !canView(u, &tk) {
			app.AbortError(c, http.StatusForbidden, "forbidden", "access denied to this ticket", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ticket": tk})
	}
}

func canView(u authpkg.AuthUser, tk *Ticket) bool {
	if u.Role == "manager" {
		return true
	}
	if tk.AssignedTo != nil && tk.AssignedTo.ID == u.ID {
		return true
	}
	return tk.CreatedBy != nil && tk.CreatedBy.ID == u.ID
}

type closeReq struct {
	Resolution string `json:"resolution" binding:"required,min=10,max=500"`
}

// Close finishes a ticket. closed_at and resolution_time are written exactly
// once, at the transition into closed, and the total cost is recomputed from
// the billable minutes on record.
func Close(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in closeReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		ctx := c.Request.Context()
		ticketID := c.Param("ticketId")

		var id, status, assignedTo string
		var createdAt time.Time
		var billableMinutes int
		var rate float64
		err := a.DB.QueryRow(ctx, `
			select id, status, coalesce(assigned_to::text,''), created_at,
			       coalesce(total_billable_time,0), billable_rate
			from tickets where ticket_id=$1`, ticketID).
			Scan(&id, &status, &assignedTo, &createdAt, &billableMinutes, &rate)
		if err != nil {
			if err == pgx.ErrNoRows {
				app.AbortError(c, http.StatusNotFound, "not_found", "ticket not found", nil)
				return
			}
			app.AbortError(c, http.StatusInternalServerError, "db", "could not load ticket", nil)
			return
		}
		if assignedTo != u.ID {
			app.AbortError(c, http.StatusForbidden, "forbidden", "you are not assigned to this ticket", nil)
			return
		}
		if status == "closed" {
			app.AbortError(c, http.StatusBadRequest, "already_closed", "ticket is already closed", nil)
			return
		}

		now := time.Now()
		resolutionMins := billing.ResolutionMinutes(createdAt, now)
		totalCost := billing.TotalCost(billableMinutes, rate)
		_, err = a.DB.Exec(ctx, `
			update tickets set status='closed', resolution=$1,
				closed_at=coalesce(closed_at, $2),
				resolution_time=coalesce(resolution_time, $3),
				total_cost=$4, updated_at=now()
			where id=$5`,
			in.Resolution, now, resolutionMins, totalCost, id)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not close ticket", nil)
			return
		}
		metrics.TicketsClosedTotal.Inc()

		tk, err := fetchTicket(ctx, a, ticketID)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not load ticket", nil)
			return
		}
		ws.PublishEvent(ctx, a.Q, ws.Event{Type: "ticket_closed", TicketID: tk.TicketID})
		c.JSON(http.StatusOK, gin.H{
			"message": "Ticket closed successfully",
			"ticket": gin.H{
				"ticketId":       tk.TicketID,
				"status":         tk.Status,
				"resolution":     tk.Resolution,
				"closedAt":       tk.ClosedAt,
				"resolutionTime": tk.ResolutionTime,
				"totalCost":      tk.TotalCost,
			},
		})
	}
}

// Dashboard returns role-scoped stats: managers see the whole desk,
// technicians see their own queue.
func Dashboard(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ctx := c.Request.Context()
		if u.Role == "manager" {
			managerDashboard(ctx, a, c)
			return
		}
		technicianDashboard(ctx, a, c, u.ID)
	}
}

func managerDashboard(ctx context.Context, a *app.App, c *gin.Context) {
	var total, open, inProgress, resolved, closed, billableMinutes int
	err := a.DB.QueryRow(ctx, `
		select count(*),
		       count(*) filter (where status='open'),
		       count(*) filter (where status='in-progress'),
		       count(*) filter (where status='resolved'),
		       count(*) filter (where status='closed'),
		       coalesce(sum(total_billable_time) filter (where status in ('resolved','closed')), 0)
		from tickets`).
		Scan(&total, &open, &inProgress, &resolved, &closed, &billableMinutes)
	if err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch dashboard stats", nil)
		return
	}

	recent, err := recentTickets(ctx, a, "", 5)
	if err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch recent tickets", nil)
		return
	}

	type techStat struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		EmployeeID        string `json:"employeeId"`
		TotalTickets      int    `json:"totalTickets"`
		CompletedTickets  int    `json:"completedTickets"`
		TotalBillableTime int    `json:"totalBillableTime"`
	}
	techStats := []techStat{}
	rows, err := a.DB.Query(ctx, `
		select u.id, u.name, coalesce(u.employee_id,''),
		       count(t.id),
		       count(t.id) filter (where t.status in ('resolved','closed')),
		       coalesce(sum(t.total_billable_time) filter (where t.status in ('resolved','closed')), 0)
		from users u
		left join tickets t on t.assigned_to = u.id
		where u.role = 'technician'
		group by u.id, u.name, u.employee_id
		order by 5 desc
		limit 10`)
	if err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch technician stats", nil)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var ts techStat
		if err := rows.Scan(&ts.ID, &ts.Name, &ts.EmployeeID, &ts.TotalTickets, &ts.CompletedTickets, &ts.TotalBillableTime); err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not scan technician stats", nil)
			return
		}
		techStats = append(techStats, ts)
	}

	c.JSON(http.StatusOK, gin.H{"stats": gin.H{
		"totalTickets":       total,
		"openTickets":        open,
		"inProgressTickets":  inProgress,
		"resolvedTickets":    resolved,
		"closedTickets":      closed,
		"totalBillableHours": billing.Hours(billableMinutes),
		"recentTickets":      recent,
		"technicianStats":    techStats,
	}})
}

func technicianDashboard(ctx context.Context, a *app.App, c *gin.Context, userID string) {
	var total, open, inProgress, resolved, billableMinutes int
	err := a.DB.QueryRow(ctx, `
		select count(*),
		       count(*) filter (where status='open'),
		       count(*) filter (where status='in-progress'),
		       count(*) filter (where status in ('resolved','closed')),
		       coalesce(sum(total_billable_time) filter (where status in ('resolved','closed')), 0)
		from tickets where assigned_to=$1`, userID).
		Scan(&total, &open, &inProgress, &resolved, &billableMinutes)
	if err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch dashboard stats", nil)
		return
	}

	recent, err := recentTickets(ctx, a, userID, 5)
	if err != nil {
		app.AbortError(c, http.StatusInternalServerError, "db", "could not fetch recent tickets", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": gin.H{
		"myTickets":           total,
		"myOpenTickets":       open,
		"myInProgressTickets": inProgress,
		"myResolvedTickets":   resolved,
		"myBillableHours":     billing.Hours(billableMinutes),
		"myRecentTickets":     recent,
	}})
}

func recentTickets(ctx context.Context, a *app.App, assignedTo string, limit int) ([]Ticket, error) {
	q := "select " + ticketCols + ticketJoins
	args := []interface{}{}
	if assignedTo != "" {
		args = append(args, assignedTo)
		q += " where t.assigned_to = $1"
	}
	args = append(args, limit)
	q += fmt.Sprintf(" order by t.created_at desc limit $%d", len(args))
	rows, err := a.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Ticket{}
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}
