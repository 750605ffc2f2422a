package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/warocol/purchasing/internal/jobs"
	"github.com/warocol/purchasing/internal/mail"
)

type captureEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (c *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (c *captureEnqueuer) Close() error { return nil }

type recordingSender struct {
	sent []mail.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg mail.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestClientSendQueuesMessage(t *testing.T) {
	q := &captureEnqueuer{}
	client := &Client{client: q}
	msg := mail.Message{To: "ventas@proveedor.test", Subject: "Orden Confirmada - WR-2025-0001", Body: "¡Hola!"}

	require.NoError(t, client.Send(context.Background(), msg))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TaskTypeSendEmail, q.tasks[0].Type())

	var queued mail.Message
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &queued))
	assert.Equal(t, msg, queued)

	err := client.Send(context.Background(), mail.Message{Subject: "sin destinatario"})
	require.ErrorIs(t, err, mail.ErrNoRecipient)
	assert.Len(t, q.tasks, 1)
}

func TestSendEmailJobDelivers(t *testing.T) {
	sender := &recordingSender{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := &SendEmailJob{Sender: sender, Metrics: metrics}

	task, err := NewSendEmailTask(mail.Message{To: "a@b.test", Subject: "Hola", Body: "x"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "a@b.test", sender.sent[0].To)
}

func TestSendEmailJobRetriesTransportErrorsOnly(t *testing.T) {
	sender := &recordingSender{err: errors.New("421 try later")}
	job := &SendEmailJob{Sender: sender}

	task, err := NewSendEmailTask(mail.Message{To: "a@b.test", Subject: "Hola"})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte(`{"subject":"x"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type stubScanner struct {
	limit int
	moved int
	err   error
}

func (s *stubScanner) ScanOverdue(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return s.moved, s.err
}

func TestOverdueScanJobCountsMoves(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	scanner := &stubScanner{moved: 3}
	job := NewOverdueScanJob(scanner, nil, metrics)

	task, err := NewOverdueScanTask(200)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 200, scanner.limit)

	assert.Equal(t, 3.0, counterValue(t, registry, "purchasing_overdue_marked_total"))
	assert.Zero(t, counterValue(t, registry, "purchasing_jobs_failures_total"))

	scanner.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1.0, counterValue(t, registry, "purchasing_jobs_failures_total"))
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

type stubPruner struct{ olderThan time.Duration }

func (s *stubPruner) Cleanup(_ context.Context, olderThan time.Duration) error {
	s.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	pruner := &stubPruner{}
	job := &IdempotencyCleanupJob{Store: pruner}
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	assert.Equal(t, 72*time.Hour, pruner.olderThan)
}

type stubInspector map[string]*asynq.QueueInfo

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsQueues(t *testing.T) {
	h := NewHandler(stubInspector{QueueDefault: {Queue: QueueDefault, Pending: 4, Retry: 1}}, nil)
	rr := httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, queueHealth{Queue: QueueDefault, Pending: 4, Retry: 1}, body.Queues[0])
	assert.Equal(t, queueHealth{Queue: QueueMail}, body.Queues[1])
}
