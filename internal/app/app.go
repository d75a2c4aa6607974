// Package app wires the shared service graph used by the API server and the
// orchestrator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pagemeter/internal/config"
	"pagemeter/internal/gateway"
	"pagemeter/internal/pgmq"
	"pagemeter/internal/pubsub"
	"pagemeter/internal/repository"
	"pagemeter/internal/repository/memory"
	"pagemeter/internal/service"
	"pagemeter/internal/storage"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// App holds the long-lived services. Close releases them in reverse order.
type App struct {
	Pool      *pgxpool.Pool // nil with the memory store backend
	Ledger    service.UsageLedger
	Scheduler service.BatchScheduler
	Audit     service.AuditLogger

	closers []func()
}

// Build connects to the configured backends. Secret-backed settings are
// resolved into cfg first. queue may be nil, in which case jobs are
// dispatched in-process.
func Build(ctx context.Context, cfg *config.Config, queue service.DispatchQueue, logger zerolog.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.GatewayAPIKeySecret != "" || cfg.StripeWebhookSecretSecret != "" {
		secrets, err := service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		err = service.ResolveSecrets(ctx, cfg, secrets, logger)
		_ = secrets.Close()
		if err != nil {
			return nil, err
		}
	}

	var (
		accounts repository.AccountRepository
		batches  repository.BatchRepository
		audits   repository.AuditRepository
	)
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		accounts = repository.NewAccountRepo(pool)
		batches = repository.NewBatchRepo(pool)
		audits = repository.NewAuditRepo(pool)
	case "memory":
		logger.Warn().Msg("Using in-memory store; state is lost on restart")
		store := memory.New()
		accounts, batches, audits = store, store, store
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := files.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() { _ = c.Close() })
	}

	var (
		publisher pubsub.Publisher
		statuses  service.StatusPublisher
	)
	if cfg.GCPProjectID != "" && (cfg.PubSubAuditTopic != "" || cfg.PubSubJobStatusTopic != "") {
		p, err := pubsub.NewPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = p.Close() })
		publisher = p
		if cfg.PubSubJobStatusTopic != "" {
			statuses = service.NewPubSubStatusPublisher(p, cfg.PubSubJobStatusTopic)
		}
	}

	a.Audit = service.NewAuditLogger(audits, publisher, service.AuditConfig{
		BufferSize:    cfg.AuditBufferSize,
		BatchSize:     cfg.AuditBatchSize,
		FlushInterval: cfg.AuditFlushInterval(),
		Topic:         cfg.PubSubAuditTopic,
	}, logger)
	// flushed before the publisher and pool it writes to are closed
	a.closers = append(a.closers, a.Audit.Close)

	a.Ledger = service.NewUsageLedger(accounts, a.Audit, service.LedgerConfig{
		CostPerPageCents:  cfg.CostPerPageCents,
		ProMonthlyPages:   cfg.ProMonthlyPages,
		FreePagesOnSignup: cfg.FreePagesOnSignup,
		MaxCASRetries:     cfg.LedgerMaxCASRetries,
	}, logger)

	gw := gateway.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout(), logger)
	merger := service.NewMergeOutputBuilder(files, cfg.MergeFetchConcurrency, logger)
	a.Scheduler = service.NewBatchScheduler(batches, a.Ledger, gw, files, merger, a.Audit, queue, statuses,
		service.SchedulerConfig{
			WorkerPoolSize:   cfg.WorkerPoolSize,
			MaxFilesPerJob:   cfg.MaxFilesPerJob,
			MaxFileSizeBytes: int64(cfg.MaxFileSizeMB) << 20,
			MaxAttempts:      cfg.MaxAttempts,
			BackoffInitial:   cfg.BackoffInitial(),
			BackoffMax:       cfg.BackoffMax(),
			GatewayTimeout:   cfg.GatewayTimeout(),
			SignedURLTTL:     cfg.SignedURLTTL(),
		}, logger)
	// in-flight files settle before the audit log is flushed
	a.closers = append(a.closers, a.Scheduler.Wait)

	ok = true
	return a, nil
}

// NewPool opens the pgx pool both binaries use.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parsing DB_CONNECTION_STRING: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func newFileStore(ctx context.Context, cfg *config.Config) (storage.FileStore, error) {
	switch cfg.FileStoreBackend {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			URL:       cfg.S3URL,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	case "gcs":
		return storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCPCredentialsFile)
	case "memory":
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown FILE_STORE_BACKEND %q", cfg.FileStoreBackend)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenQueue opens the pgmq dispatch queue over the pgx database/sql driver
// and makes sure the queue exists.
func OpenQueue(ctx context.Context, cfg *config.Config) (*sql.DB, *pgmq.Client, error) {
	db, err := sql.Open("pgx", cfg.DBConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("opening queue database: %w", err)
	}
	client := pgmq.New(db)
	if err := client.CreateQueue(ctx, cfg.DispatchQueueName); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, client, nil
}
