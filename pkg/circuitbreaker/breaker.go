// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker prevents cascading failures by tracking consecutive failures
// and temporarily blocking requests to failing services.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked until the open window elapses
//   - HalfOpen: Testing if service recovered, exactly one probe request in flight
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state using its String form.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the String form.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// Rejection reasons returned by Allow.
var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("circuit breaker is half-open with a probe in flight")
)

// Permit is issued by Allow and must be handed back to exactly one of
// RecordSuccess or RecordFailure once the guarded call finishes.
//
// A permit belongs to the breaker generation it was issued in. Outcomes from
// an older generation (a slow call admitted before the breaker tripped) do not
// move the state machine.
type Permit struct {
	generation uint64
	probe      bool
}

// Probe reports whether the permit is the half-open trial call.
func (p Permit) Probe() bool { return p.probe }

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State               State          `json:"state"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	OpenedAt            *time.Time     `json:"openedAt"`
	ProbeInFlight       bool           `json:"probeInFlight"`
	OpenRemaining       *time.Duration `json:"-"`
}

// OpenRemainingMs returns OpenRemaining in milliseconds, or nil.
func (s Snapshot) OpenRemainingMs() *int64 {
	if s.OpenRemaining == nil {
		return nil
	}
	ms := s.OpenRemaining.Milliseconds()
	return &ms
}

// Transition describes a state change, passed to Config.OnStateChange.
type Transition struct {
	Key  string
	From State
	To   State
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu            sync.Mutex
	key           string
	state         State
	failures      int       // consecutive failures
	openedAt      time.Time // zero unless state == Open
	probeInFlight bool
	generation    uint64 // bumped on every state change
	lastUsed      time.Time

	threshold     int           // failures before opening
	openWindow    time.Duration // how long to stay open before a probe
	now           func() time.Time
	onStateChange func(Transition)
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold  int           // Failures before circuit opens (default: 3)
	OpenWindow time.Duration // Time before a probe is allowed (default: 5s)

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(Transition)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:  3,
		OpenWindow: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.OpenWindow <= 0 {
		c.OpenWindow = d.OpenWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newKeyed("", cfg)
}

func newKeyed(key string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		key:           key,
		state:         Closed,
		threshold:     cfg.Threshold,
		openWindow:    cfg.OpenWindow,
		now:           cfg.Now,
		onStateChange: cfg.OnStateChange,
		lastUsed:      cfg.Now(),
	}
}

// Allow asks for permission to make one call. It returns ErrOpen while the
// open window has not elapsed and ErrProbeInFlight while a half-open probe is
// outstanding. The first call after the open window becomes the probe.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	now := b.now()
	b.lastUsed = now

	var tr *Transition
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.openWindow {
			b.mu.Unlock()
			return Permit{}, ErrOpen
		}
		tr = b.transition(HalfOpen)
		b.openedAt = time.Time{}
		fallthrough

	case HalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			b.notify(tr)
			return Permit{}, ErrProbeInFlight
		}
		b.probeInFlight = true
		p := Permit{generation: b.generation, probe: true}
		b.mu.Unlock()
		b.notify(tr)
		return p, nil
	}

	p := Permit{generation: b.generation}
	b.mu.Unlock()
	return p, nil
}

// RecordSuccess records a successful call made under p.
func (b *Breaker) RecordSuccess(p Permit) {
	b.mu.Lock()
	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}

	var tr *Transition
	b.failures = 0
	if b.state == HalfOpen {
		b.probeInFlight = false
		tr = b.transition(Closed)
	}
	b.mu.Unlock()
	b.notify(tr)
}

// RecordFailure records a failed call made under p.
func (b *Breaker) RecordFailure(p Permit) {
	b.mu.Lock()
	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}

	var tr *Transition
	b.failures++
	switch b.state {
	case HalfOpen:
		// Failed probe, go straight back to open with a fresh window
		b.probeInFlight = false
		tr = b.transition(Open)
		b.openedAt = b.now()
	case Closed:
		if b.failures >= b.threshold {
			tr = b.transition(Open)
			b.openedAt = b.now()
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) *Transition {
	tr := &Transition{Key: b.key, From: b.state, To: to}
	b.state = to
	b.generation++
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.onStateChange != nil {
		b.onStateChange(*tr)
	}
}

// Snapshot returns the current state. OpenRemaining is computed on every call.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeInFlight:       b.probeInFlight,
	}
	if b.state == Open {
		openedAt := b.openedAt
		remaining := b.openWindow - b.now().Sub(openedAt)
		if remaining < 0 {
			remaining = 0
		}
		s.OpenedAt = &openedAt
		s.OpenRemaining = &remaining
	}
	return s
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state. Outstanding permits are invalidated.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr *Transition
	if b.state != Closed {
		tr = b.transition(Closed)
	} else {
		b.generation++
	}
	b.failures = 0
	b.openedAt = time.Time{}
	b.probeInFlight = false
	b.mu.Unlock()
	b.notify(tr)
}

// idleSince reports whether the breaker is closed, clean and unused since cutoff.
func (b *Breaker) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed && b.failures == 0 && b.lastUsed.Before(cutoff)
}
