// mock-gov-api serves a stand-in for the government batch API for local
// runs and manual circuit breaker testing.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitzu/luca-home-assessment/internal/config"
	"github.com/hitzu/luca-home-assessment/internal/mockgov"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	port := config.GetEnv("PORT", "3001")
	delay := config.GetMillisEnv("MOCK_GOV_TIMEOUT_DELAY_MS", mockgov.DefaultDelay)
	mock := mockgov.New(mockgov.WithDelay(delay))

	if mode := mockgov.Mode(config.GetEnv("MOCK_GOV_MODE", string(mockgov.ModeOK))); mode != mockgov.ModeOK {
		if err := mock.SetMode(mode); err != nil {
			slog.Error("Invalid MOCK_GOV_MODE", "error", err)
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mock,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting mock gov API", "port", port, "mode", mock.Stats().Mode, "timeoutDelay", delay)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Mock gov API failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
