package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Common is shared by every binary.
type Common struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogFile     string `envconfig:"LOG_FILE"`

	// Queue
	QueueBackend string        `envconfig:"QUEUE_BACKEND" default:"redis"` // redis | sqs
	RedisURL     string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	QueueName    string        `envconfig:"QUEUE_NAME" default:"mailsched:dispatch"`
	DedupTTL     time.Duration `envconfig:"QUEUE_DEDUP_TTL" default:"72h"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	MaxSendAttempts int `envconfig:"MAX_SEND_ATTEMPTS" default:"3"`
}

// Transport configures the outbound mail path.
type Transport struct {
	MailTransport       string        `envconfig:"MAIL_TRANSPORT" default:"ses"` // ses | smtp
	MailFrom            string        `envconfig:"MAIL_FROM" required:"true"`
	SESConfigurationSet string        `envconfig:"SES_CONFIGURATION_SET"`
	SMTPHost            string        `envconfig:"SMTP_HOST"`
	SMTPPort            int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername        string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword        string        `envconfig:"SMTP_PASSWORD"`
	SendTimeout         time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	SendRPSPerPod       float64       `envconfig:"SEND_RPS_PER_POD" default:"5"`
	SendBurst           int           `envconfig:"SEND_BURST" default:"10"`
	ClaimLease          time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`
}

// Sources configures where recipient lists are read from.
type Sources struct {
	RecipientSource       string `envconfig:"RECIPIENT_SOURCE" default:"sheets"` // sheets | xlsx
	GoogleCredentialsFile string `envconfig:"GOOGLE_CREDENTIALS_FILE"`
	SheetsBaseURL         string `envconfig:"SHEETS_BASE_URL" default:"https://sheets.googleapis.com"`
	XLSXBucket            string `envconfig:"XLSX_BUCKET"`
	StatusColumn          string `envconfig:"SOURCE_STATUS_COLUMN" default:"Email Status"`
}

type APIConfig struct {
	Common
	Sources
	Port string `envconfig:"PORT" default:"8080"`

	// WebhookToken guards the SES event webhook; empty disables the route.
	WebhookToken string `envconfig:"WEBHOOK_TOKEN"`
}

type WorkerConfig struct {
	Common
	Transport
	Sources
	Port string `envconfig:"PORT" default:"8080"`

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	RedisVisibility time.Duration `envconfig:"REDIS_VISIBILITY_TIMEOUT" default:"60s"`
	RedisPollEvery  time.Duration `envconfig:"REDIS_POLL_INTERVAL" default:"1s"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// TaskToken enables the push task endpoint when set.
	TaskToken string `envconfig:"TASK_TOKEN"`
}

type ReconcilerConfig struct {
	Common
	Port string `envconfig:"PORT" default:"8080"`

	Interval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	StaleAfter  time.Duration `envconfig:"RECONCILE_STALE_AFTER" default:"30m"`
	OrphanGrace time.Duration `envconfig:"RECONCILE_ORPHAN_GRACE" default:"10m"`
	ClaimLease  time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`
	LockTTL     time.Duration `envconfig:"RECONCILE_LOCK_TTL" default:"2m"`
	BatchSize   int           `envconfig:"RECONCILE_BATCH_SIZE" default:"500"`
}

func (c Common) validate() error {
	switch c.QueueBackend {
	case "redis":
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required with QUEUE_BACKEND=sqs")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.MaxSendAttempts < 1 {
		return fmt.Errorf("MAX_SEND_ATTEMPTS must be at least 1")
	}
	return nil
}

func (t Transport) validate() error {
	switch t.MailTransport {
	case "ses":
	case "smtp":
		if t.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required with MAIL_TRANSPORT=smtp")
		}
	default:
		return fmt.Errorf("unknown MAIL_TRANSPORT %q", t.MailTransport)
	}
	return nil
}

func (s Sources) validate() error {
	switch s.RecipientSource {
	case "sheets", "xlsx":
		return nil
	}
	return fmt.Errorf("unknown RECIPIENT_SOURCE %q", s.RecipientSource)
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	process(&cfg)
	mustValidate(cfg.Common.validate(), cfg.Sources.validate())
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	process(&cfg)
	mustValidate(cfg.Common.validate(), cfg.Transport.validate(), cfg.Sources.validate())
	return cfg
}

func LoadReconciler() ReconcilerConfig {
	var cfg ReconcilerConfig
	process(&cfg)
	mustValidate(cfg.Common.validate())
	return cfg
}

// process loads .env (if present) and then the environment into cfg.
func process(cfg any) {
	_ = godotenv.Load()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}

func mustValidate(errs ...error) {
	for _, err := range errs {
		if err != nil {
			panic(err)
		}
	}
}
