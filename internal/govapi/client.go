// Package govapi is the resilient client for the external government reporting API.
//
// Every tenant gets its own circuit breaker. A call first asks the tenant's
// breaker for permission; a refused call fails with ErrCircuitOpen without
// touching the network. An admitted call is bounded by the configured timeout
// and its outcome is recorded on the breaker before SendBatch returns.
package govapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hitzu/luca-home-assessment/pkg/circuitbreaker"
)

// maxResponseBytes caps how much of a gov API response is read.
const maxResponseBytes = 4 << 20 // 4 MB

// Call outcomes reported to metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "circuit_open"
	OutcomeTimeout   = "timeout"
	OutcomeUpstream  = "upstream_failure"
	OutcomeMalformed = "malformed_response"
)

// MetricsRecorder is an optional interface for recording client metrics.
type MetricsRecorder interface {
	RecordGovAPICall(ctx context.Context, outcome string, durationSeconds float64)
	RecordCircuitTransition(ctx context.Context, from, to string)
}

// CircuitStatus is the read-only view of one tenant's breaker.
type CircuitStatus struct {
	TenantID            string               `json:"tenantId"`
	State               circuitbreaker.State `json:"state"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	OpenedAt            *time.Time           `json:"openedAt"`
	ProbeInFlight       bool                 `json:"probeInFlight"`
	OpenRemainingMs     *int64               `json:"openRemainingMs"`
	openRemaining       *time.Duration
}

// OpenRemaining returns the time left before a probe is allowed, if open.
func (s CircuitStatus) OpenRemaining() (time.Duration, bool) {
	if s.openRemaining == nil {
		return 0, false
	}
	return *s.openRemaining, true
}

// Client submits batches to the gov API.
type Client struct {
	baseURL  string
	timeout  time.Duration
	idleTTL  time.Duration
	http     *http.Client
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewClient creates a new gov API client.
func NewClient(cfg Config, metrics MetricsRecorder) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		idleTTL: cfg.IdleTTL,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		metrics: metrics,
		logger:  slog.With("component", "govapi"),
	}
	c.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.FailureThreshold,
		OpenWindow:    cfg.OpenWindow,
		Now:           cfg.Now,
		OnStateChange: c.onStateChange,
	})
	return c, nil
}

// SendBatch submits one batch for a tenant and period.
//
// Errors carry one of the kinds declared in errors.go. The tenant's breaker
// has already been updated when SendBatch returns.
func (c *Client) SendBatch(ctx context.Context, tenantID, periodID string, students []StudentPayload) (*BatchResult, error) {
	breaker := c.breakers.Get(tenantID)

	permit, err := breaker.Allow()
	if err != nil {
		c.recordCall(ctx, OutcomeRejected, 0)
		return nil, c.rejection(tenantID, err)
	}

	logger := c.logger.With("tenantId", tenantID, "periodId", periodID, "probe", permit.Probe())

	start := time.Now()
	result, err := c.post(ctx, BatchRequest{TenantID: tenantID, PeriodID: periodID, Students: students})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		breaker.RecordFailure(permit)
		c.recordCall(ctx, outcomeOf(err), elapsed)
		logger.Warn("Gov API call failed", "error", err, "duration", elapsed)
		return nil, err
	}

	breaker.RecordSuccess(permit)
	c.recordCall(ctx, OutcomeSuccess, elapsed)
	logger.Debug("Gov API call succeeded", "batchId", result.BatchID, "status", result.Status)
	return result, nil
}

// CircuitStatus returns the tenant's breaker state. OpenRemaining is computed
// at call time.
func (c *Client) CircuitStatus(tenantID string) CircuitStatus {
	snap := c.breakers.Snapshot(tenantID)
	return CircuitStatus{
		TenantID:            tenantID,
		State:               snap.State,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		OpenedAt:            snap.OpenedAt,
		ProbeInFlight:       snap.ProbeInFlight,
		OpenRemainingMs:     snap.OpenRemainingMs(),
		openRemaining:       snap.OpenRemaining,
	}
}

// Breakers returns breaker registry statistics.
func (c *Client) Breakers() circuitbreaker.Stats {
	return c.breakers.Stats()
}

// RunEviction periodically drops idle, healthy breakers until ctx is done.
// It returns immediately when no idle TTL is configured.
func (c *Client) RunEviction(ctx context.Context) {
	if c.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(c.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.breakers.Prune(c.idleTTL); n > 0 {
				c.logger.Info("Evicted idle circuit breakers", "count", n)
			}
		}
	}
}

func (c *Client) rejection(tenantID string, cause error) error {
	if errors.Is(cause, circuitbreaker.ErrProbeInFlight) {
		// The probe is bounded by the call timeout
		return circuitOpenError(
			fmt.Sprintf("gov API circuit breaker half-open (probe in flight) for tenant %s", tenantID),
			c.timeout,
		)
	}
	var retryAfter time.Duration
	if remaining, ok := c.CircuitStatus(tenantID).OpenRemaining(); ok {
		retryAfter = remaining
	}
	return circuitOpenError(fmt.Sprintf("gov API circuit breaker open for tenant %s", tenantID), retryAfter)
}

func (c *Client) post(ctx context.Context, batch BatchRequest) (*BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, transportError(fmt.Errorf("failed to marshal batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch", bytes.NewReader(body))
	if err != nil {
		return nil, transportError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, errorDetail(raw))
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return nil, malformedError("response is not JSON", nil)
	}

	var result BatchResult
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&result); err != nil {
		return nil, malformedError(err.Error(), err)
	}
	if err := validateResult(&result); err != nil {
		return nil, malformedError(err.Error(), nil)
	}
	return &result, nil
}

// classifyTransport separates our own timeout from other transport failures.
func (c *Client) classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(c.timeout, err)
	}
	return transportError(err)
}

func (c *Client) onStateChange(tr circuitbreaker.Transition) {
	logger := c.logger.With("tenantId", tr.Key, "from", tr.From.String(), "to", tr.To.String())
	if tr.To == circuitbreaker.Open {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}
	if c.metrics != nil {
		c.metrics.RecordCircuitTransition(context.Background(), tr.From.String(), tr.To.String())
	}
}

func (c *Client) recordCall(ctx context.Context, outcome string, durationSeconds float64) {
	if c.metrics != nil {
		c.metrics.RecordGovAPICall(ctx, outcome, durationSeconds)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrMalformedResponse):
		return OutcomeMalformed
	default:
		return OutcomeUpstream
	}
}

func validateResult(r *BatchResult) error {
	if r.BatchID == "" {
		return errors.New("batchId is missing")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown batch status %q", r.Status)
	}
	for i, it := range r.Results {
		if it.StudentID == "" {
			return fmt.Errorf("results[%d].studentId is missing", i)
		}
		if !it.Status.Valid() {
			return fmt.Errorf("results[%d].status %q is unknown", i, it.Status)
		}
	}
	return nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// errorDetail pulls a message out of an error body, JSON or text.
func errorDetail(raw []byte) string {
	var body struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		var msg string
		if json.Unmarshal(body.Message, &msg) == nil && msg != "" {
			return msg
		}
		var msgs []string
		if json.Unmarshal(body.Message, &msgs) == nil && len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
