package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/warocol/purchasing/internal/jobs"
)

// TaskIdempotencyCleanup prunes idempotency keys past their replay window.
const TaskIdempotencyCleanup = "idempotency:cleanup"

// KeyPruner is implemented by shared.IdempotencyStore.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupTask builds the scheduled cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// IdempotencyCleanupJob removes keys older than Retention.
type IdempotencyCleanupJob struct {
	Store     KeyPruner
	Retention time.Duration
	Metrics   *jobmetrics.Metrics
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	retention := j.Retention
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	return tracker.End(j.Store.Cleanup(ctx, retention))
}
