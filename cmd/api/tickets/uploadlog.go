package tickets

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
	authpkg "github.com/ticketflow-io/ticketflow/cmd/api/auth"
	"github.com/ticketflow-io/ticketflow/cmd/api/metrics"
	"github.com/ticketflow-io/ticketflow/internal/analysis"
	"github.com/ticketflow-io/ticketflow/internal/billing"
)

const maxLogSize = 10 << 20

// UploadLog ingests a technician's raw activity log, runs the timesheet and
// report analysis and resolves the ticket with the results.
func UploadLog(a *app.App, an *analysis.Analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ctx := c.Request.Context()
		ticketID := c.Param("ticketId")

		var id, clientName, title, description, assignedTo string
		var rate float64
		err := a.DB.QueryRow(ctx, `
			select id, client_name, title, description, coalesce(assigned_to::text,''), billable_rate
			from tickets where ticket_id=$1`, ticketID).
			Scan(&id, &clientName, &title, &description, &assignedTo, &rate)
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

		fh, err := c.FormFile("logFile")
		if err != nil {
			app.AbortError(c, http.StatusBadRequest, "missing_file", "log file is required", nil)
			return
		}
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if ext != ".txt" && ext != ".log" {
			app.AbortError(c, http.StatusBadRequest, "bad_file_type", "only text files (.txt, .log) are allowed", nil)
			return
		}
		if fh.Size > maxLogSize {
			app.AbortError(c, http.StatusBadRequest, "file_too_large", "log file exceeds 10MB", nil)
			return
		}
		f, err := fh.Open()
		if err != nil {
			app.AbortError(c, http.StatusBadRequest, "bad_file", "could not read log file", nil)
			return
		}
		defer f.Close()
		raw, err := io.ReadAll(io.LimitReader(f, maxLogSize))
		if err != nil {
			app.AbortError(c, http.StatusBadRequest, "bad_file", "could not read log file", nil)
			return
		}
		rawLog := string(raw)

		if a.M != nil && a.Cfg.MinIOBucket != "" {
			key := "logs/" + ticketID + "/" + filepath.Base(fh.Filename)
			if _, err := a.M.PutObject(ctx, a.Cfg.MinIOBucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
				log.Error().Err(err).Str("key", key).Msg("store raw log")
			}
		}

		ts, err := an.AnalyzeLog(ctx, ticketID, clientName, rawLog)
		if err != nil {
			abortAnalysis(c, err)
			return
		}
		report, err := an.GenerateReport(ctx, ticketID, clientName, title, description, rawLog)
		if err != nil {
			abortAnalysis(c, err)
			return
		}
		metrics.LogAnalysesTotal.Inc()

		activities, err := json.Marshal(ts.Activities)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "encode", "could not encode activities", nil)
			return
		}
		totalCost := billing.TotalCost(ts.TotalBillableMinutes, rate)
		_, err = a.DB.Exec(ctx, `
			update tickets set raw_log=$1, log_file_name=$2, analyzed_activities=$3,
				total_billable_time=$4, generated_report=$5, status='resolved',
				total_cost=$6, updated_at=now()
			where id=$7`,
			rawLog, fh.Filename, activities, ts.TotalBillableMinutes, report, totalCost, id)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not save analysis", nil)
			return
		}

		if _, err := a.DB.Exec(ctx, `
			update users set total_tickets = total_tickets + 1,
				total_billable_hours = total_billable_hours + $1,
				updated_at = now()
			where id=$2`, float64(ts.TotalBillableMinutes)/60, u.ID); err != nil {
			log.Error().Err(err).Str("user", u.ID).Msg("update technician stats")
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Log uploaded and report generated successfully",
			"ticket": gin.H{
				"id":                 id,
				"ticketId":           ticketID,
				"clientName":         clientName,
				"analyzedActivities": json.RawMessage(activities),
				"totalBillableTime":  ts.TotalBillableMinutes,
				"generatedReport":    report,
				"status":             "resolved",
				"totalCost":          totalCost,
			},
		})
	}
}

func abortAnalysis(c *gin.Context, err error) {
	metrics.AnalysisFailuresTotal.Inc()
	switch {
	case errors.Is(err, analysis.ErrNotConfigured):
		app.AbortError(c, http.StatusServiceUnavailable, "analysis_unavailable", "analysis backend not configured", nil)
	case errors.Is(err, analysis.ErrMalformed):
		app.AbortError(c, http.StatusBadGateway, "analysis_failed", "analysis failed", map[string]string{"details": err.Error()})
	default:
		app.AbortError(c, http.StatusBadGateway, "analysis_backend", "analysis backend error", map[string]string{"details": err.Error()})
	}
}
