package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/warocol/purchasing/internal/app"
	jobmetrics "github.com/warocol/purchasing/internal/jobs"
	"github.com/warocol/purchasing/internal/mail"
	"github.com/warocol/purchasing/internal/observability"
	"github.com/warocol/purchasing/internal/platform/cache"
	"github.com/warocol/purchasing/internal/platform/db"
	"github.com/warocol/purchasing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	blobs, closeBlobs, err := app.NewBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("init attachment storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := closeBlobs(); err != nil {
			logger.Warn("storage close", slog.Any("error", err))
		}
	}()

	// Overdue notifications raised by the scan go through the same transport
	// the HTTP process uses; queued mail is drained by this worker below.
	sender, closeSender := app.NewMailSender(cfg, logger)
	defer func() {
		if err := closeSender(); err != nil {
			logger.Warn("mail sender close", slog.Any("error", err))
		}
	}()

	services := app.NewServices(app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Mail:    sender,
		Blobs:   blobs,
		Metrics: metrics,
	})

	var delivery mail.Sender = mail.NewSMTPSender(app.SMTPConfig(cfg))
	if cfg.MailDelivery == app.MailDeliveryLog {
		delivery = mail.LogSender{Logger: logger}
	}
	sendEmailJob := &jobs.SendEmailJob{Sender: delivery, Logger: logger, Metrics: jobMetrics}
	overdueJob := jobs.NewOverdueScanJob(services.Purchasing, logger, jobMetrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     services.Idempotency,
		Retention: cfg.IdempotencyRetention,
		Metrics:   jobMetrics,
	}

	overdueTask, err := jobs.NewOverdueScanTask(cfg.OverdueScanLimit)
	if err != nil {
		logger.Error("build overdue scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   app.RedisClientOpt(cfg),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: sendEmailJob.Handle},
			{Type: jobs.TaskOverdueScan, Handler: overdueJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueScanCron, Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: jobs.NewIdempotencyCleanupTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency), slog.String("overdue_cron", cfg.OverdueScanCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
