// govsync-service is the HTTP API server for syncing tenant student data
// with the government reporting API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitzu/luca-home-assessment/internal/api"
	"github.com/hitzu/luca-home-assessment/internal/config"
	"github.com/hitzu/luca-home-assessment/internal/govapi"
	"github.com/hitzu/luca-home-assessment/internal/govsync"
	"github.com/hitzu/luca-home-assessment/internal/health"
	"github.com/hitzu/luca-home-assessment/internal/notify"
	"github.com/hitzu/luca-home-assessment/internal/observability"
	"github.com/hitzu/luca-home-assessment/internal/store/sqlite"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stopEviction := context.WithCancel(context.Background())
	defer stopEviction()

	svcCfg := config.LoadServiceConfig()
	govCfg := govapi.LoadConfigFromEnv()
	syncCfg := govsync.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()

	if err := govCfg.Validate(); err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := sqlite.Open(ctx, svcCfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	slog.Info("Store ready", "path", svcCfg.DatabasePath)

	client, err := govapi.NewClient(govCfg, metrics)
	if err != nil {
		return err
	}
	if err := metrics.ObserveCircuits(func() (int, int, int) {
		s := client.Breakers()
		return s.Closed, s.Open, s.HalfOpen
	}); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	go client.RunEviction(ctx)

	notifier := notify.NewMemory(notifyCfg, metrics)
	if notifyCfg.URL == "" {
		slog.Info("Job events disabled - no CALLBACK_URL configured")
	}

	svc := govsync.NewService(store, client, syncCfg,
		govsync.WithNotifier(notifier),
		govsync.WithMetrics(metrics),
	)

	healthChecker := health.NewChecker(
		health.Check{Name: "store", Probe: health.ReadinessFunc(svc.Ping), Critical: true},
		health.Check{Name: "govapi", Probe: health.ReadinessFunc(func(context.Context) error {
			if open := client.Breakers().Open; open > 0 {
				return fmt.Errorf("%d tenant circuit(s) open", open)
			}
			return nil
		})},
	)

	router := api.NewRouter(api.RouterConfig{
		Service:       svc,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Limiter:       api.NewTenantLimiter(svcCfg.ProcessRateLimit, svcCfg.ProcessRateBurst),
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server",
			"port", svcCfg.Port,
			"govApi", govCfg.BaseURL,
			"timeout", govCfg.Timeout,
			"failureThreshold", govCfg.FailureThreshold,
			"openWindow", govCfg.OpenWindow,
		)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Fail readiness first so load balancers stop routing here
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	stopEviction()

	slog.Info("Draining job event queue")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete")
	return nil
}
