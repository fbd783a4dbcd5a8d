// Package memory is an in-process Repository for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/hitzu/luca-home-assessment/internal/govsync"
)

type resultKey struct {
	tenant govsync.TenantID
	key    string
}

// Store keeps jobs and results in maps guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	nextJob int64
	nextRes int64
	jobs    map[int64]govsync.Job
	results []govsync.Result
	keys    map[resultKey]struct{}
}

var _ govsync.Repository = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs: make(map[int64]govsync.Job),
		keys: make(map[resultKey]struct{}),
	}
}

// CreateJob implements govsync.Repository.
func (s *Store) CreateJob(_ context.Context, job *govsync.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJob++
	job.ID = s.nextJob
	job.Version = 1
	s.jobs[job.ID] = cloneJob(*job)
	return nil
}

// GetJob implements govsync.Repository.
func (s *Store) GetJob(_ context.Context, tenant govsync.TenantID, id int64) (*govsync.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenant {
		return nil, govsync.JobNotFound(id)
	}
	out := cloneJob(job)
	return &out, nil
}

// UpdateJob implements govsync.Repository.
func (s *Store) UpdateJob(_ context.Context, job *govsync.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok || stored.TenantID != job.TenantID {
		return govsync.JobNotFound(job.ID)
	}
	if stored.Version != job.Version {
		return govsync.StaleJob(job.ID)
	}

	job.Version++
	stored.Status = job.Status
	stored.StartedAt = job.StartedAt
	stored.CompletedAt = job.CompletedAt
	stored.UpdatedAt = job.UpdatedAt
	stored.Version = job.Version
	s.jobs[job.ID] = cloneJob(stored)
	return nil
}

// InsertResult implements govsync.Repository.
func (s *Store) InsertResult(_ context.Context, res *govsync.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := resultKey{tenant: res.TenantID, key: res.IdempotencyKey}
	if _, dup := s.keys[k]; dup {
		return govsync.DuplicateResult(res.TenantID, res.IdempotencyKey, nil)
	}
	if job, ok := s.jobs[res.JobID]; !ok || job.TenantID != res.TenantID {
		return govsync.JobNotFound(res.JobID)
	}

	s.nextRes++
	res.ID = s.nextRes
	s.keys[k] = struct{}{}
	s.results = append(s.results, *res)
	return nil
}

// CountAttempts implements govsync.Repository.
func (s *Store) CountAttempts(_ context.Context, tenant govsync.TenantID, jobID int64, studentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.results {
		if r.TenantID == tenant && r.JobID == jobID && r.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

// CountResultsByStatus implements govsync.Repository.
func (s *Store) CountResultsByStatus(_ context.Context, tenant govsync.TenantID, jobID int64) (map[govsync.ResultStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[govsync.ResultStatus]int)
	for _, r := range s.results {
		if r.TenantID == tenant && r.JobID == jobID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

// ListResults implements govsync.Repository.
func (s *Store) ListResults(_ context.Context, tenant govsync.TenantID, jobID int64) ([]govsync.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []govsync.Result
	for _, r := range s.results {
		if r.TenantID == tenant && r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Ping implements govsync.Repository.
func (s *Store) Ping(context.Context) error {
	return nil
}

// cloneJob copies the timestamp pointers so callers cannot mutate stored state.
func cloneJob(j govsync.Job) govsync.Job {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
