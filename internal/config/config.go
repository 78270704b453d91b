package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BridgeConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// pgx pool tuning
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS (webhook event buffer)
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	ReconcilerConcurrency int    `envconfig:"RECONCILER_CONCURRENCY" default:"4"`

	// Dispatch worker
	WorkerID           string        `envconfig:"WORKER_ID"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"8"`
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	WorkerLease        time.Duration `envconfig:"WORKER_LEASE" default:"5m"`
	SendTimeout        time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	RetryBackoffUnit   time.Duration `envconfig:"RETRY_BACKOFF_UNIT" default:"60s"`

	// The marketing platform used to require a fixed 10s delay before the
	// notify acknowledgement. Default is no delay; set ACK_DELAY=10s to
	// reproduce the legacy behaviour.
	AckDelay time.Duration `envconfig:"ACK_DELAY" default:"0s"`

	// SMS gateway
	GatewayBaseURL string  `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayRPS     float64 `envconfig:"GATEWAY_RPS" default:"5"`
	GatewayBurst   int     `envconfig:"GATEWAY_BURST" default:"10"`

	// Marketing platform
	PlatformBaseURL  string `envconfig:"PLATFORM_BASE_URL" required:"true"`
	PlatformAPIToken string `envconfig:"PLATFORM_API_TOKEN"`

	TenantCacheTTL time.Duration `envconfig:"TENANT_CACHE_TTL" default:"30s"`
}

func LoadBridge() BridgeConfig {
	var cfg BridgeConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
