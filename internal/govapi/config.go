package govapi

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/hitzu/luca-home-assessment/internal/config"
)

const (
	defaultTimeout          = 2 * time.Second
	defaultFailureThreshold = 3
	defaultOpenWindow       = 5 * time.Second
)

// Config holds configuration for the gov API client.
type Config struct {
	BaseURL          string        // required, e.g. http://gov.example/api
	Timeout          time.Duration // per-call timeout (default: 2s)
	FailureThreshold int           // consecutive failures before a tenant's breaker opens (default: 3)
	OpenWindow       time.Duration // how long an open breaker fails fast (default: 5s)
	IdleTTL          time.Duration // evict idle breakers after this long (0 keeps them forever)

	// Now overrides the breaker clock, mainly for tests.
	Now func() time.Time
}

// LoadConfigFromEnv loads client configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		BaseURL:          config.GetEnv("GOV_API_BASE_URL", ""),
		Timeout:          config.GetMillisEnv("GOV_API_TIMEOUT_MS", defaultTimeout),
		FailureThreshold: config.GetPositiveIntEnv("GOV_API_CB_FAILURE_THRESHOLD", defaultFailureThreshold),
		OpenWindow:       config.GetMillisEnv("GOV_API_CB_OPEN_MS", defaultOpenWindow),
		IdleTTL:          config.GetDurationEnv("GOV_API_CB_IDLE_TTL", 0),
	}
}

// Validate checks required settings.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("GOV_API_BASE_URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("GOV_API_BASE_URL must be an absolute http(s) URL")
	}
	return nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.OpenWindow <= 0 {
		c.OpenWindow = defaultOpenWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
