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
	"github.com/warocol/purchasing/internal/auth"
	"github.com/warocol/purchasing/internal/ingredients"
	"github.com/warocol/purchasing/internal/observability"
	"github.com/warocol/purchasing/internal/platform/cache"
	"github.com/warocol/purchasing/internal/platform/db"
	"github.com/warocol/purchasing/internal/portal"
	"github.com/warocol/purchasing/internal/purchasing"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/suppliers"
	"github.com/warocol/purchasing/internal/tenants"
	"github.com/warocol/purchasing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	authService := auth.NewService(auth.NewRepository(pool), auth.NewLinkStore(redisClient), sender, logger, auth.Config{
		TTL:       cfg.MagicLinkTTL,
		BaseURL:   cfg.PortalBaseURL,
		FromEmail: cfg.SMTPFrom,
	})
	portalService := portal.NewService(services.Suppliers, services.Purchasing)

	inspector := asynq.NewInspector(app.RedisClientOpt(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		Tenants:            services.Tenants,
		AuthHandler:        auth.NewHandler(logger, authService, sessionManager, cfg.LoginRatePerMin),
		PurchasingHandler:  purchasing.NewHandler(logger, services.Purchasing),
		PortalHandler:      portal.NewHandler(logger, portalService, services.Idempotency, cfg.PortalRatePerMin),
		SuppliersHandler:   suppliers.NewHandler(logger, services.Suppliers),
		IngredientsHandler: ingredients.NewHandler(logger, services.Ingredients),
		TenantsHandler:     tenants.NewHandler(logger, services.Tenants),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("mail_delivery", cfg.MailDelivery))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
