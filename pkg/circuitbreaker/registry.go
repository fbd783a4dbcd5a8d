package circuitbreaker

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// Registry manages circuit breakers for multiple resources.
// Breakers are created lazily on first access. Keys are spread over
// independently locked shards so unrelated keys never contend on one lock;
// each breaker serializes its own transitions.
type Registry struct {
	shards [shardCount]*shard
	config Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{config: cfg.withDefaults()}
	for i := range r.shards {
		r.shards[i] = &shard{breakers: make(map[string]*Breaker)}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	s := r.shardFor(key)

	s.mu.RLock()
	b, exists := s.breakers[key]
	s.mu.RUnlock()

	if exists {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = s.breakers[key]; exists {
		return b
	}

	b = newKeyed(key, r.config)
	s.breakers[key] = b
	return b
}

// Snapshot returns the snapshot for key without creating a breaker.
// Unknown keys report a fresh closed breaker.
func (r *Registry) Snapshot(key string) Snapshot {
	s := r.shardFor(key)
	s.mu.RLock()
	b, exists := s.breakers[key]
	s.mu.RUnlock()

	if !exists {
		return Snapshot{State: Closed}
	}
	return b.Snapshot()
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() Stats {
	var stats Stats
	r.each(func(_ string, b *Breaker) {
		stats.Total++
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	})
	return stats
}

// Stats holds registry statistics.
type Stats struct {
	Total    int // Total breakers
	Open     int // Breakers in open state
	HalfOpen int // Breakers in half-open state
	Closed   int // Breakers in closed state
}

// Reset resets all breakers in the registry.
func (r *Registry) Reset() {
	r.each(func(_ string, b *Breaker) { b.Reset() })
}

// Prune evicts breakers that are closed, have no recorded failures and have
// not been asked for permission within idle. It returns the number evicted.
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.config.Now().Add(-idle)
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for key, b := range s.breakers {
			if b.idleSince(cutoff) {
				delete(s.breakers, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (r *Registry) each(fn func(string, *Breaker)) {
	for _, s := range r.shards {
		s.mu.RLock()
		for k, b := range s.breakers {
			fn(k, b)
		}
		s.mu.RUnlock()
	}
}
