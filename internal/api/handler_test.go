package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzu/luca-home-assessment/internal/govapi"
	"github.com/hitzu/luca-home-assessment/internal/govsync"
	"github.com/hitzu/luca-home-assessment/internal/health"
	"github.com/hitzu/luca-home-assessment/internal/mockgov"
	"github.com/hitzu/luca-home-assessment/internal/store/memory"
	"github.com/hitzu/luca-home-assessment/pkg/backoff"
	"github.com/hitzu/luca-home-assessment/pkg/circuitbreaker"
)

type testServer struct {
	router http.Handler
	mock   *mockgov.Server
	store  *memory.Store
}

type routerOption func(*RouterConfig)

func newTestServer(t *testing.T, opts ...routerOption) *testServer {
	t.Helper()

	mock := mockgov.New(mockgov.WithDelay(200 * time.Millisecond))
	gov := httptest.NewServer(mock)
	t.Cleanup(gov.Close)

	client, err := govapi.NewClient(govapi.Config{
		BaseURL:          gov.URL,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 1,
		OpenWindow:       10 * time.Second,
	}, nil)
	require.NoError(t, err)

	store := memory.New()
	svc := govsync.NewService(store, client, govsync.Config{Backoff: backoff.Fixed(5 * time.Second)})

	cfg := RouterConfig{
		Service: svc,
		HealthChecker: health.NewChecker(health.Check{
			Name: "store", Probe: health.ReadinessFunc(store.Ping), Critical: true,
		}),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testServer{router: NewRouter(cfg), mock: mock, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHandler_StartAndGetJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":"2025-Q3"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[govsync.JobView](t, rec)
	assert.Equal(t, govsync.JobQueued, created.Status)
	assert.Equal(t, "Tenant1", created.TenantID)
	assert.Equal(t, "2025-07-01", created.WindowStart)
	assert.Equal(t, "2025-09-30", created.WindowEnd)
	assert.Equal(t, "/tenants/Tenant1/gov-sync/jobs/1", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, "/tenants/1/gov-sync/jobs/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[govsync.JobView](t, rec)
	assert.Equal(t, created.JobID, got.JobID)
	assert.Nil(t, got.Aggregates)
}

func TestHandler_ValidationErrors(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"invalid period", http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":"2025-Q5"}`, http.StatusBadRequest},
		{"missing period", http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{}`, http.StatusBadRequest},
		{"invalid tenant", http.MethodPost, "/tenants/abc/gov-sync/jobs", `{"periodId":"2025-Q1"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":`, http.StatusBadRequest},
		{"invalid job id", http.MethodGet, "/tenants/Tenant1/gov-sync/jobs/abc", "", http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/tenants/Tenant1/gov-sync/jobs/99", "", http.StatusNotFound},
		{"unknown job process", http.MethodPost, "/tenants/Tenant1/gov-sync/jobs/99/process", "", http.StatusNotFound},
		{"invalid tenant circuit", http.MethodGet, "/tenants/0/gov-sync/circuit", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandler_JobOfOtherTenantIsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":"2025-Q1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/tenants/Tenant2/gov-sync/jobs/1", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/tenants/Tenant2/gov-sync/jobs/1/process", "").Code)
}

func TestHandler_ProcessJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":"2025-Q1"}`).Code)

	rec := s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs/1/process", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[govsync.JobView](t, rec)
	assert.Equal(t, govsync.JobCompleted, view.Status)
	require.NotNil(t, view.Aggregates)
	assert.Equal(t, govsync.Aggregates{TotalItems: 1, ProcessedItems: 1}, *view.Aggregates)
	assert.Equal(t, 1, s.mock.Calls("Tenant1"))
}

func TestHandler_ProcessJob_CircuitOpen(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	require.NoError(t, s.mock.SetMode(mockgov.ModeFail))

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":"2025-Q1"}`).Code)

	rec := s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs/1/process", "")
	require.Equal(t, http.StatusOK, rec.Code, "upstream failures are recorded, not returned")
	assert.Equal(t, govsync.JobWaitingExternal, decodeBody[govsync.JobView](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs/1/process", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	retryAfter := rec.Header().Get("Retry-After")
	assert.Contains(t, []string{"9", "10"}, retryAfter)
	assert.Equal(t, "CIRCUIT_OPEN", decodeBody[ErrorResponse](t, rec).Code)
	assert.Equal(t, 1, s.mock.Calls("Tenant1"), "an open circuit makes no call")

	rec = s.do(t, http.MethodGet, "/tenants/Tenant1/gov-sync/jobs/1", "")
	assert.Equal(t, govsync.JobWaitingExternal, decodeBody[govsync.JobView](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/tenants/Tenant1/gov-sync/circuit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[govapi.CircuitStatus](t, rec)
	assert.Equal(t, circuitbreaker.Open, status.State)
	require.NotNil(t, status.OpenRemainingMs)
	assert.Positive(t, *status.OpenRemainingMs)

	rec = s.do(t, http.MethodGet, "/tenants/Tenant2/gov-sync/circuit", "")
	assert.Equal(t, circuitbreaker.Closed, decodeBody[govapi.CircuitStatus](t, rec).State)
}

func TestHandler_SendBatch(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	body := `{"periodId":"2025-Q2","students":[{"studentId":"s-1","payload":{"grade":9}},{"studentId":"s-2","payload":null}]}`
	rec := s.do(t, http.MethodPost, "/tenants/Tenant3/gov-sync/dev/send-batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[govapi.BatchResult](t, rec)
	assert.Equal(t, govapi.BatchAccepted, result.Status)
	assert.Len(t, result.Results, 2)
	assert.Equal(t, "Tenant3", result.TenantID)

	rec = s.do(t, http.MethodPost, "/tenants/Tenant3/gov-sync/dev/send-batch", `{"periodId":"2025-Q2-FAIL","students":[{"studentId":"s-1"}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	assert.Equal(t, "HTTP_500", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/tenants/Tenant3/gov-sync/dev/send-batch", `{"periodId":"2025-Q2","students":[{"studentId":""}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ProcessRateLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.Limiter = NewTenantLimiter(0.01, 1)
	})

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs", `{"periodId":"2025-Q1"}`).Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/tenants/Tenant2/gov-sync/jobs", `{"periodId":"2025-Q1"}`).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/tenants/Tenant1/gov-sync/jobs/1/process", "").Code)
	rec := s.do(t, http.MethodPost, "/tenants/1/gov-sync/jobs/1/process", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Limits are per tenant
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/tenants/Tenant2/gov-sync/jobs/2/process", "").Code)
}

func TestTenantLimiter_Disabled(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewTenantLimiter(0, 5))
}

func TestHandler_Probes(t *testing.T) {
	t.Parallel()

	handler := NewHandler(nil, health.NewChecker(), nil)

	rec := httptest.NewRecorder()
	handler.Livez(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	down := NewHandler(nil, health.NewChecker(health.Check{
		Name: "store", Critical: true,
		Probe: health.ReadinessFunc(func(context.Context) error { return errors.New("closed") }),
	}), nil)
	rec = httptest.NewRecorder()
	down.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "").Code)
}

type recordedRequest struct {
	method, path string
	status       int
}

type fakeHTTPMetrics struct{ requests []recordedRequest }

func (m *fakeHTTPMetrics) RecordHTTPRequest(_ context.Context, method, path string, status int, _ float64) {
	m.requests = append(m.requests, recordedRequest{method, path, status})
}

func TestRouter_MetricsAndAuth(t *testing.T) {
	t.Parallel()
	metrics := &fakeHTTPMetrics{}
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.Metrics = metrics
		cfg.APIKey = "k3y"
	})

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/tenants/Tenant1/gov-sync/circuit", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/livez", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/tenants/Tenant1/gov-sync/circuit", nil)
	req.Header.Set("Authorization", "Bearer k3y")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, metrics.requests, 3)
	assert.Equal(t, recordedRequest{http.MethodGet, "/tenants/Tenant1/gov-sync/circuit", http.StatusUnauthorized}, metrics.requests[0])
	assert.Equal(t, http.StatusOK, metrics.requests[2].status)
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	h := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		contentType string
		want        int
	}{
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"", http.StatusOK},
		{"text/plain", http.StatusUnsupportedMediaType},
		{"application/xml", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, tt.contentType)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	h := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight should not reach the handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/tenants/1/gov-sync/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	h := AuthMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := map[string]int{
		"":              http.StatusUnauthorized,
		"secret":        http.StatusUnauthorized,
		"Basic secret":  http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"Bearer secret": http.StatusNoContent,
		"bearer secret": http.StatusNoContent,
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}
}

func TestSetRetryAfter(t *testing.T) {
	t.Parallel()
	for d, want := range map[time.Duration]string{
		0:                       "1",
		300 * time.Millisecond:  "1",
		4100 * time.Millisecond: "5",
		10 * time.Second:        "10",
	} {
		rec := httptest.NewRecorder()
		setRetryAfter(rec, d)
		assert.Equal(t, want, rec.Header().Get("Retry-After"), d.String())
	}
}
