package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ticketflow-io/ticketflow/internal/mail"
)

// ErrNoQueue is returned when no Redis queue is configured.
var ErrNoQueue = errors.New("job queue not configured")

// EnqueueEmail pushes a send_email job for the worker. Delivery status is
// recorded on the message row by the worker, not here.
func (a *App) EnqueueEmail(ctx context.Context, job mail.EmailJob) error {
	if a.Q == nil {
		return ErrNoQueue
	}
	b, err := json.Marshal(mail.Job{Type: "send_email", Data: job})
	if err != nil {
		return err
	}
	return a.Q.RPush(ctx, "jobs", b).Err()
}
