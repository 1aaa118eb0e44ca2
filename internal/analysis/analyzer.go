// Package analysis turns raw technician activity logs into structured
// timesheets and summary reports using an LLM backend.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Activity is one line item of an analyzed timesheet.
type Activity struct {
	Description string `json:"description"`
	TimeMinutes int    `json:"time_minutes"`
	IsBillable  *bool  `json:"is_billable,omitempty"`
}

// Billable reports whether the activity counts toward billing. Absent means
// billable.
func (a Activity) Billable() bool {
	return a.IsBillable == nil || *a.IsBillable
}

// Timesheet is the structured result of analyzing a raw log.
type Timesheet struct {
	Activities           []Activity `json:"analyzed_activities"`
	TotalBillableMinutes int        `json:"total_billable_time_minutes"`
}

// Analyzer wraps a Client with the prompt construction and response parsing
// for timesheet and report generation.
type Analyzer struct {
	Client Client
}

const timesheetPrompt = `You are an AI for an IT services company. Your job is to create a timesheet from a raw activity log. The technician is working on **Ticket %s for %s**.

Analyze the following log. Group activities, assign them to the ticket, and estimate the time spent. Ignore non-work activity like "YouTube" or "Spotify".

Output **ONLY** a valid JSON object in the following structure:
{
  "analyzed_activities": [
    { "description": "Short description of activity", "time_minutes": 2, "is_billable": true },
    { "description": "Another activity", "time_minutes": 5, "is_billable": false }
  ],
  "total_billable_time_minutes": 7
}

---
**Raw Log:**
%s
---

**Expected JSON Output:**
`

const reportPrompt = `You are an IT technician for an MSP, writing a summary report for your manager about the work you just completed on **Ticket %s for %s**.

Based on the provided raw activity log, write a professional, concise summary.
- Start with the ticket and client.
- Briefly list the key actions you took (e.g., "SSH'd into server," "ran patch script," "emailed client").
- Conclude with the status (e.g., "The issue is now resolved.").
- Keep it in a single paragraph, professional tone.

---
**Ticket Details:**
- ID: %[1]s
- Client: %[2]s
- Issue: %[3]s
- Description: %[4]s

**Raw Log:**
%[5]s
---

**Report Output:**
`

// BuildTimesheetPrompt renders the timesheet prompt for one log.
func BuildTimesheetPrompt(ticketID, clientName, rawLog string) string {
	return fmt.Sprintf(timesheetPrompt, ticketID, clientName, rawLog)
}

// BuildReportPrompt renders the summary-report prompt for one log.
func BuildReportPrompt(ticketID, clientName, title, description, rawLog string) string {
	return fmt.Sprintf(reportPrompt, ticketID, clientName, title, description, rawLog)
}

// ExtractJSON strips a markdown code fence if the model wrapped its output in
// one, returning the bare payload.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// AnalyzeLog asks the backend for a timesheet and parses the result. A
// response that is not valid JSON for the expected shape returns
// ErrMalformed.
func (a *Analyzer) AnalyzeLog(ctx context.Context, ticketID, clientName, rawLog string) (*Timesheet, error) {
	out, err := a.Client.Generate(ctx, BuildTimesheetPrompt(ticketID, clientName, rawLog))
	if err != nil {
		return nil, err
	}
	var ts Timesheet
	if err := json.Unmarshal([]byte(ExtractJSON(out)), &ts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ts.Activities == nil {
		return nil, fmt.Errorf("%w: missing analyzed_activities", ErrMalformed)
	}
	return &ts, nil
}

// GenerateReport asks the backend for a one-paragraph work summary.
func (a *Analyzer) GenerateReport(ctx context.Context, ticketID, clientName, title, description, rawLog string) (string, error) {
	out, err := a.Client.Generate(ctx, BuildReportPrompt(ticketID, clientName, title, description, rawLog))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
