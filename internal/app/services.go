package app

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/warocol/purchasing/internal/ingredients"
	"github.com/warocol/purchasing/internal/mail"
	"github.com/warocol/purchasing/internal/platform/storage"
	"github.com/warocol/purchasing/internal/purchasing"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/suppliers"
	"github.com/warocol/purchasing/internal/tenants"
	"github.com/warocol/purchasing/jobs"
)

// Services is the domain service graph shared by the HTTP server and the worker.
type Services struct {
	Tenants     *tenants.Repository
	Links       *tenants.Links
	Suppliers   *suppliers.Service
	Ingredients *ingredients.Repository
	Purchasing  *purchasing.Service
	Audit       *shared.AuditLogger
	Idempotency *shared.IdempotencyStore
}

// ServiceDeps are the infrastructure handles NewServices wires together.
type ServiceDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Mail    mail.Sender
	Blobs   purchasing.BlobStore
	Metrics purchasing.Recorder
}

// NewServices builds the domain services.
func NewServices(deps ServiceDeps) *Services {
	cfg := deps.Config
	tenantRepo := tenants.NewRepository(deps.Pool)
	links := tenants.NewLinks(tenantRepo, cfg.PortalBaseURL)
	audit := shared.NewAuditLogger(deps.Pool)

	supplierService := suppliers.NewService(
		suppliers.NewRepository(deps.Pool),
		suppliers.NewTokenCache(deps.Redis, cfg.TokenCacheTTL),
		links, audit, deps.Logger,
	)
	catalog := ingredients.NewRepository(deps.Pool)

	notifier := purchasing.NewNotifier(purchasing.NotifierConfig{
		Sender:    deps.Mail,
		Suppliers: supplierService,
		Links:     links,
		Metrics:   deps.Metrics,
		Logger:    deps.Logger,
		Timeout:   cfg.NotifyTimeout,
		FromEmail: cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
	})
	purchasingService := purchasing.NewService(purchasing.NewRepository(deps.Pool), purchasing.Dependencies{
		Catalog:   catalog,
		Suppliers: supplierService,
		Blobs:     deps.Blobs,
		Notifier:  notifier,
		Audit:     audit,
		Metrics:   deps.Metrics,
		Logger:    deps.Logger,
		Attachments: purchasing.AttachmentPolicy{
			MaxBytes:     cfg.MaxUploadBytes,
			SignedURLTTL: cfg.SignedURLTTL,
		},
	})

	return &Services{
		Tenants:     tenantRepo,
		Links:       links,
		Suppliers:   supplierService,
		Ingredients: catalog,
		Purchasing:  purchasingService,
		Audit:       audit,
		Idempotency: shared.NewIdempotencyStore(deps.Pool),
	}
}

// RedisClientOpt returns the asynq connection options for cfg.
func RedisClientOpt(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// SMTPConfig returns the SMTP transport settings for cfg.
func SMTPConfig(cfg *Config) mail.SMTPConfig {
	return mail.SMTPConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		FromName:  cfg.SMTPFromName,
		FromEmail: cfg.SMTPFrom,
		Timeout:   cfg.NotifyTimeout,
	}
}

// NewMailSender picks the outbound transport of the HTTP process. The
// returned close func releases the queue client when one was opened.
func NewMailSender(cfg *Config, logger *slog.Logger) (mail.Sender, func() error) {
	switch cfg.MailDelivery {
	case MailDeliveryDirect:
		return mail.NewSMTPSender(SMTPConfig(cfg)), func() error { return nil }
	case MailDeliveryLog:
		return mail.LogSender{Logger: logger}, func() error { return nil }
	default:
		client := jobs.NewClient(RedisClientOpt(cfg))
		return client, client.Close
	}
}

// NewBlobStore opens the attachment bucket. Without a bucket attachments are
// accepted as metadata only, which is allowed outside production.
func NewBlobStore(ctx context.Context, cfg *Config, logger *slog.Logger) (purchasing.BlobStore, func() error, error) {
	if cfg.GCSBucket == "" {
		logger.Warn("GCS_BUCKET not set, attachment files will not be stored")
		return nil, func() error { return nil }, nil
	}
	gcs, err := storage.NewGCS(ctx, storage.Config{
		Bucket:          cfg.GCSBucket,
		CredentialsFile: cfg.GCSCredentialsFile,
		SignerEmail:     cfg.GCSSignerEmail,
		Timeout:         cfg.StorageTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return gcs, gcs.Close, nil
}
