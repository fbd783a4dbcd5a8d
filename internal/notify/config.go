package notify

import (
	"time"

	"github.com/hitzu/luca-home-assessment/internal/config"
	"github.com/hitzu/luca-home-assessment/pkg/backoff"
)

// Delivery defaults.
const (
	defaultBufferSize       = 10000
	defaultWorkers          = 10
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerWindow    = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds configuration for the in-memory dispatcher.
type Config struct {
	URL         string        // callback URL, empty disables job events
	SigningKey  string        // HMAC-SHA256 key, empty = unsigned
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	MaxRetries        int            // retries after the first send (default: 3)
	Backoff           backoff.Config // between retries (default: 100ms doubling to 5s)
	BreakerThreshold  int            // failed deliveries before a host's circuit opens (default: 5)
	BreakerOpenWindow time.Duration  // also the requeue delay (default: 30s)
	MaxRequeues       int            // default: 10
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:         config.GetEnv("CALLBACK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", defaultHTTPTimeout),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerOpenWindow <= 0 {
		c.BreakerOpenWindow = defaultBreakerWindow
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
