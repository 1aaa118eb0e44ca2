// Package metrics exposes the Prometheus registry and the API-level counters.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicketsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_created_total",
		Help: "Tickets created through the API.",
	})
	TicketsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_closed_total",
		Help: "Tickets closed through the API.",
	})
	LogAnalysesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "log_analyses_total",
		Help: "Activity logs analyzed successfully.",
	})
	AnalysisFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_failures_total",
		Help: "Log analyses that failed, including malformed backend output.",
	})
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Outbound ticket messages queued for delivery.",
	})
)

func init() {
	prometheus.MustRegister(TicketsCreatedTotal, TicketsClosedTotal,
		LogAnalysesTotal, AnalysisFailuresTotal, MessagesSentTotal)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
