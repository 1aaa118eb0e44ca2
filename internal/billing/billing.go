// Package billing holds the derived-field arithmetic for tickets. The values
// are recomputed by write paths rather than set directly so they can never
// drift from their inputs.
package billing

import (
	"math"
	"time"
)

// TotalCost returns the billable cost for a ticket: billable minutes
// converted to hours times the hourly rate, rounded to cents.
func TotalCost(billableMinutes int, hourlyRate float64) float64 {
	hours := float64(billableMinutes) / 60
	return math.Round(hours*hourlyRate*100) / 100
}

// Hours converts minutes to hours rounded to two decimals, the unit the
// dashboard reports.
func Hours(minutes int) float64 {
	return math.Round(float64(minutes)/60*100) / 100
}

// ResolutionMinutes returns the whole minutes between ticket creation and
// close. Computed once, at the transition into closed.
func ResolutionMinutes(createdAt, closedAt time.Time) int {
	if closedAt.Before(createdAt) {
		return 0
	}
	return int(closedAt.Sub(createdAt) / time.Minute)
}
