package api

import (
	"net/http"

	"github.com/hitzu/luca-home-assessment/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       SyncService
	Metrics       HTTPMetrics // optional
	HealthChecker *health.Checker
	Limiter       *TenantLimiter // optional
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker, cfg.Limiter)

	mux := http.NewServeMux()

	// Probes skip auth
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /tenants/{tenantId}/gov-sync/jobs", auth(http.HandlerFunc(handler.StartJob)))
	mux.Handle("GET /tenants/{tenantId}/gov-sync/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("POST /tenants/{tenantId}/gov-sync/jobs/{jobId}/process", auth(http.HandlerFunc(handler.ProcessJob)))
	mux.Handle("GET /tenants/{tenantId}/gov-sync/circuit", auth(http.HandlerFunc(handler.Circuit)))
	mux.Handle("POST /tenants/{tenantId}/gov-sync/dev/send-batch", auth(http.HandlerFunc(handler.SendBatch)))

	// Outermost last
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
