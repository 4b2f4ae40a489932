package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/realty-api/pkg/jobs"
)

// JobTypeResetMail identifies queued password reset emails.
const JobTypeResetMail = "password_reset_email"

// ResetMailPayload is the job payload for a queued reset email.
type ResetMailPayload struct {
	To    string
	Token string
}

// MailDispatcher hands reset mail off to the background queue so the
// HTTP response never waits on SMTP.
type MailDispatcher struct {
	queue *jobs.Queue
}

// NewMailDispatcher wraps a started jobs queue.
func NewMailDispatcher(queue *jobs.Queue) *MailDispatcher {
	return &MailDispatcher{queue: queue}
}

// SendPasswordReset enqueues the email. An enqueue failure is definitive
// and surfaces to the caller; delivery failures are retried by the queue.
func (d *MailDispatcher) SendPasswordReset(ctx context.Context, to, resetToken string) error {
	err := d.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    JobTypeResetMail,
		Payload: ResetMailPayload{To: to, Token: resetToken},
	})
	if err != nil {
		return fmt.Errorf("enqueue reset mail: %w", err)
	}
	return nil
}
