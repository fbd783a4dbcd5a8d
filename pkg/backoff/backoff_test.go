package backoff

import (
	"testing"
	"time"
)

func TestDelay_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped at max
		{50, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Delay(tt.attempt, Config{}); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_Fixed(t *testing.T) {
	t.Parallel()
	cfg := Fixed(5 * time.Second)

	for attempt := 1; attempt <= 5; attempt++ {
		if got := Delay(attempt, cfg); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestDelay_MaxBelowInitial(t *testing.T) {
	t.Parallel()
	cfg := Config{Initial: 2 * time.Second, Max: time.Second}

	if got := Delay(3, cfg); got != 2*time.Second {
		t.Errorf("Delay(3) = %v, want initial 2s", got)
	}
}

func TestDelay_Growing(t *testing.T) {
	t.Parallel()
	cfg := Config{Initial: 5 * time.Second, Max: 40 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 40 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt, cfg); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
