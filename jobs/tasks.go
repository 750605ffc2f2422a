package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/warocol/purchasing/internal/jobs"
	"github.com/warocol/purchasing/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries outbound email so a slow SMTP relay never starves the scans.
	QueueMail = "mail"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
)

// NewSendEmailTask constructs an Asynq task carrying msg.
func NewSendEmailTask(msg mail.Message) (*asynq.Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data,
		asynq.Queue(QueueMail),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	), nil
}

// SendEmailJob delivers queued messages through a synchronous sender.
type SendEmailJob struct {
	Sender  mail.Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskTypeSendEmail tasks.
func (j *SendEmailJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sender == nil {
		return errors.New("send email: handler not configured")
	}
	var msg mail.Message
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return fmt.Errorf("send email: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("send email: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskTypeSendEmail)
	err := j.Sender.Send(ctx, msg)
	if err != nil {
		j.logger().WarnContext(ctx, "email delivery failed",
			slog.String("to", msg.To),
			slog.String("subject", msg.Subject),
			slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *SendEmailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
