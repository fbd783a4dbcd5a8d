package govsync

import (
	"time"

	"github.com/hitzu/luca-home-assessment/internal/config"
	"github.com/hitzu/luca-home-assessment/pkg/backoff"
)

const (
	defaultRetryBackoff = 5 * time.Second
	defaultLease        = 30 * time.Second
)

// Config holds orchestrator settings.
type Config struct {
	// Backoff sets nextRetryAt when the breaker is not open.
	// Initial == Max gives a fixed delay.
	Backoff backoff.Config
	// Lease is how long a RUNNING job rejects another attempt.
	Lease time.Duration

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultConfig returns a fixed 5s retry delay and a 30s lease.
func DefaultConfig() Config {
	return Config{
		Backoff: backoff.Fixed(defaultRetryBackoff),
		Lease:   defaultLease,
	}
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	initial := config.GetMillisEnv("RETRY_BACKOFF_MS", defaultRetryBackoff)
	return Config{
		Backoff: backoff.Config{
			Initial: initial,
			Max:     config.GetMillisEnv("RETRY_BACKOFF_MAX_MS", initial),
		},
		Lease: config.GetDurationEnv("JOB_LEASE", defaultLease),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backoff.Initial <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = c.Backoff.Initial
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
