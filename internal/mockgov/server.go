// Package mockgov is an in-process double of the government reporting API.
//
// It accepts batches on POST /batch and answers according to its mode:
// "ok" accepts every student, "fail" answers 500, "timeout" stalls for the
// configured delay before answering. A period id containing FAIL or TIMEOUT
// forces the matching behavior regardless of mode. Request counts per tenant
// are exposed on GET /stats so callers can assert how often the API was hit.
package mockgov

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitzu/luca-home-assessment/internal/govapi"
)

// DefaultDelay is how long timeout mode stalls a request.
const DefaultDelay = 250 * time.Millisecond

const maxBodySize = 1 << 20 // 1 MB

// Mode selects how the double answers batches.
type Mode string

const (
	ModeOK      Mode = "ok"
	ModeFail    Mode = "fail"
	ModeTimeout Mode = "timeout"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOK, ModeFail, ModeTimeout:
		return true
	}
	return false
}

// Stats is the observable state of the double.
type Stats struct {
	TotalRequests      int            `json:"totalRequests"`
	RequestsByTenantID map[string]int `json:"requestsByTenantId"`
	Mode               Mode           `json:"mode"`
}

// Server is the gov API double. The zero value is not usable; use New.
type Server struct {
	mu       sync.Mutex
	total    int
	byTenant map[string]int
	mode     Mode

	delay time.Duration
	mux   *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithDelay sets the stall used by timeout mode.
func WithDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// New creates a double in ok mode.
func New(opts ...Option) *Server {
	s := &Server{
		byTenant: make(map[string]int),
		mode:     ModeOK,
		delay:    DefaultDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /batch", s.handleBatch)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("POST /reset", s.handleReset)
	s.mux.HandleFunc("POST /mode", s.handleMode)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Stats returns a copy of the current counters and mode.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Calls returns how many batches tenantID has submitted since the last reset.
func (s *Server) Calls(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTenant[tenantID]
}

// SetMode switches the answering behavior.
func (s *Server) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("unknown mode %q, expected ok, fail or timeout", m)
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	return nil
}

// Reset clears counters and returns to ok mode.
func (s *Server) Reset() {
	s.mu.Lock()
	s.total = 0
	s.byTenant = make(map[string]int)
	s.mode = ModeOK
	s.mu.Unlock()
}

func (s *Server) statsLocked() Stats {
	return Stats{
		TotalRequests:      s.total,
		RequestsByTenantID: maps.Clone(s.byTenant),
		Mode:               s.mode,
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req govapi.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	s.mu.Lock()
	s.total++
	s.byTenant[req.TenantID]++
	mode := s.mode
	s.mu.Unlock()

	period := strings.ToUpper(req.PeriodID)
	if mode == ModeTimeout || strings.Contains(period, "TIMEOUT") {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}
	if mode == ModeFail || strings.Contains(period, "FAIL") {
		writeError(w, http.StatusInternalServerError, "Simulated gov API failure")
		return
	}

	batchID := fmt.Sprintf("batch-%s-%s-%s", req.TenantID, req.PeriodID, uuid.NewString())
	results := make([]govapi.BatchResultItem, 0, len(req.Students))
	for i, st := range req.Students {
		recordID := fmt.Sprintf("%s-rec-%d", batchID, i+1)
		results = append(results, govapi.BatchResultItem{
			StudentID:        st.StudentID,
			Status:           govapi.BatchAccepted,
			ExternalRecordID: &recordID,
		})
	}

	writeJSON(w, http.StatusOK, govapi.BatchResult{
		BatchID:  batchID,
		TenantID: req.TenantID,
		PeriodID: req.PeriodID,
		Status:   govapi.BatchAccepted,
		Results:  results,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var body struct {
		Mode Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.SetMode(body.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"statusCode": status,
		"message":    message,
		"error":      http.StatusText(status),
	})
}
