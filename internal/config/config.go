package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"production"`
	JWTSecret   string `envconfig:"JWT_SECRET" required:"true"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Persistence: "postgres" or "memory"
	StoreBackend       string `envconfig:"STORE_BACKEND" default:"postgres"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING"`
	DBMaxConns         int32  `envconfig:"DB_MAX_CONNS" default:"25"`

	// Object storage: "s3", "gcs" or "memory"
	FileStoreBackend string `envconfig:"FILE_STORE_BACKEND" default:"s3"`
	S3URL            string `envconfig:"S3_URL"`
	S3Bucket         string `envconfig:"S3_BUCKET"`
	S3Region         string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey      string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey      string `envconfig:"S3_SECRET_KEY"`
	GCSBucket        string `envconfig:"GCS_BUCKET"`
	SignedURLTTLMin  int    `envconfig:"SIGNED_URL_TTL_MIN" default:"15"`

	// Google Cloud
	GCPProjectID         string `envconfig:"GCP_PROJECT_ID"`
	GCPCredentialsFile   string `envconfig:"GCP_CREDENTIALS_FILE"`
	PubSubEmulatorHost   string `envconfig:"PUBSUB_EMULATOR_HOST"`
	PubSubJobStatusTopic string `envconfig:"PUBSUB_JOB_STATUS_TOPIC"`
	PubSubAuditTopic     string `envconfig:"PUBSUB_AUDIT_TOPIC"`

	// Processing gateway
	GatewayBaseURL           string `envconfig:"GATEWAY_BASE_URL"`
	GatewayAPIKey            string `envconfig:"GATEWAY_API_KEY"`
	GatewayAPIKeySecret      string `envconfig:"GATEWAY_API_KEY_SECRET"`
	GatewayRequestTimeoutSec int    `envconfig:"GATEWAY_REQUEST_TIMEOUT_SEC" default:"120"`

	// Stripe
	StripeSecretKey           string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret       string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookSecretSecret string `envconfig:"STRIPE_WEBHOOK_SECRET_SECRET"`

	// Billing
	FreePagesOnSignup   int   `envconfig:"FREE_PAGES_ON_SIGNUP" default:"50"`
	ProMonthlyPages     int   `envconfig:"PRO_MONTHLY_PAGES" default:"1000"`
	CostPerPageCents    int64 `envconfig:"COST_PER_PAGE_CENTS" default:"5"`
	LedgerMaxCASRetries int   `envconfig:"LEDGER_MAX_CAS_RETRIES" default:"8"`

	// Scheduler
	WorkerPoolSize        int `envconfig:"WORKER_POOL_SIZE" default:"8"`
	MaxFilesPerJob        int `envconfig:"MAX_FILES_PER_JOB" default:"20"`
	MaxFileSizeMB         int `envconfig:"MAX_FILE_SIZE_MB" default:"50"`
	MaxAttempts           int `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffInitialMs      int `envconfig:"BACKOFF_INITIAL_MS" default:"1000"`
	BackoffMaxSec         int `envconfig:"BACKOFF_MAX_SEC" default:"60"`
	MergeFetchConcurrency int `envconfig:"MERGE_FETCH_CONCURRENCY" default:"4"`

	// Audit
	AuditBufferSize      int `envconfig:"AUDIT_BUFFER_SIZE" default:"10000"`
	AuditBatchSize       int `envconfig:"AUDIT_BATCH_SIZE" default:"100"`
	AuditFlushIntervalMs int `envconfig:"AUDIT_FLUSH_INTERVAL_MS" default:"2000"`

	// Dispatch orchestrator
	DispatchQueueName            string `envconfig:"DISPATCH_QUEUE_NAME" default:"batch_dispatch_queue"`
	DispatchVisibilityTimeoutSec int    `envconfig:"DISPATCH_VISIBILITY_TIMEOUT_SEC" default:"300"`
	DispatchPollTimeoutSec       int    `envconfig:"DISPATCH_POLL_TIMEOUT_SEC" default:"30"`
	DispatchPollMaxMsg           int    `envconfig:"DISPATCH_POLL_MAX_MSG" default:"10"`
	DispatchMaxReads             int    `envconfig:"DISPATCH_MAX_READS" default:"5"`
	ReservationStaleAfterMin     int    `envconfig:"RESERVATION_STALE_AFTER_MIN" default:"60"`
	ReconcileIntervalSec         int    `envconfig:"RECONCILE_INTERVAL_SEC" default:"300"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GatewayTimeout is the per-call deadline applied to the processing gateway.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayRequestTimeoutSec) * time.Second
}

func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}

func (c *Config) AuditFlushInterval() time.Duration {
	return time.Duration(c.AuditFlushIntervalMs) * time.Millisecond
}

func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.SignedURLTTLMin) * time.Minute
}

func (c *Config) ReservationStaleAfter() time.Duration {
	return time.Duration(c.ReservationStaleAfterMin) * time.Minute
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}
