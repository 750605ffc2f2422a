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
)

// TaskOverdueScan flags shipped purchases whose estimated delivery date passed.
const TaskOverdueScan = "purchasing:overdue-scan"

// OverdueScanPayload bounds one scan run.
type OverdueScanPayload struct {
	Limit int `json:"limit"`
}

// OverdueScanner is implemented by the purchasing service.
type OverdueScanner interface {
	ScanOverdue(ctx context.Context, limit int) (int, error)
}

// NewOverdueScanTask builds the scheduled scan task.
func NewOverdueScanTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueScanPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueScan, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// OverdueScanJob runs the overdue transition for every eligible purchase.
type OverdueScanJob struct {
	Scanner OverdueScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOverdueScanJob initialises the handler.
func NewOverdueScanJob(scanner OverdueScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{Scanner: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("overdue scan: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	start := time.Now()
	tracker := j.Metrics.Track(TaskOverdueScan)
	logger := j.logger().With(slog.Int("limit", payload.Limit))

	moved, err := j.Scanner.ScanOverdue(ctx, payload.Limit)
	j.Metrics.AddOverdue(moved)
	if err != nil {
		logger.ErrorContext(ctx, "overdue scan failed", slog.Int("moved", moved), slog.Any("error", err))
		return tracker.End(err)
	}
	logger.InfoContext(ctx, "completed overdue scan",
		slog.Int("moved", moved),
		slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
