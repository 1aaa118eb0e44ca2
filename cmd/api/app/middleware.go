package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RequestID tags each request with an id and threads it through the zerolog
// context. An inbound X-Request-ID from the proxy is reused when it parses as
// a UUID, so one id follows a request across services.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		logger := log.With().Str("request_id", id).Logger()
		ctx := logger.WithContext(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RateLimit applies a token bucket limiter to incoming requests. The health
// and metrics endpoints are exempt so orchestrator checks never starve real
// traffic of tokens.
func RateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// Logger emits one structured entry per request: the matched route alongside
// the raw path, the ticket id on ticket-scoped routes, and a level that
// tracks the response status.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)

		status := c.Writer.Status()
		var ev *zerolog.Event
		logger := log.Ctx(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			ev = logger.Error()
		case status >= http.StatusBadRequest:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		ev = ev.Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("duration", dur)
		if tid := c.Param("ticketId"); tid != "" {
			ev = ev.Str("ticket", tid)
		}
		ev.Msg("request")
	}
}
