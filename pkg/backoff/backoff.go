// Package backoff computes retry delays.
package backoff

import (
	"math"
	"time"
)

// Config for retry delays. Zero values use defaults.
//
// When Max is not greater than Initial every attempt waits Initial, which is
// how a fixed backoff is expressed.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c Config) withDefaults() Config {
	if c.Initial <= 0 {
		c.Initial = 100 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	return c
}

// Fixed returns a config that always waits d.
func Fixed(d time.Duration) Config {
	return Config{Initial: d, Max: d}
}

// Delay returns the wait before the given attempt (1-based).
// Attempt 1 returns Initial, attempt 2 returns Initial*2, and so on up to Max.
func Delay(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 || cfg.Max <= cfg.Initial {
		return cfg.Initial
	}
	d := float64(cfg.Initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(cfg.Max) {
		d = float64(cfg.Max)
	}
	return time.Duration(d)
}
