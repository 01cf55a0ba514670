package app

import (
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/config"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := Run([]string{"translate"}); code != 2 {
		t.Fatalf("Run(unknown) = %d, want 2", code)
	}
	if code := Run(nil); code != 2 {
		t.Fatalf("Run(nil) = %d, want 2", code)
	}
}

func TestParseUTCDateRangeIsHalfOpen(t *testing.T) {
	t.Parallel()

	from, to, err := parseUTCDateRange("2025-10-01", "2025-10-03")
	if err != nil {
		t.Fatalf("parseUTCDateRange() error = %v", err)
	}
	if !from.Equal(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("from = %v", from)
	}
	if !to.Equal(time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("to = %v, want the day after the inclusive bound", to)
	}

	if _, _, err := parseUTCDateRange("2025-10-03", "2025-10-01"); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestNewEngineLookback(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{LookbackDays: 14}
	eng, err := newEngine(cfg, zerolog.Nop(), "")
	if err != nil {
		t.Fatalf("newEngine() error = %v", err)
	}
	if eng.scoring.LookbackDays != 14 {
		t.Fatalf("lookback = %d, want LOOKBACK_DAYS", eng.scoring.LookbackDays)
	}
	if eng.scoring.Weights[dedup.DimensionCVE] != 0.45 {
		t.Fatalf("unexpected default weights: %#v", eng.scoring.Weights)
	}

	if _, err := newEngine(cfg, zerolog.Nop(), "/does/not/exist.yaml"); err == nil {
		t.Fatalf("expected error for missing scoring file")
	}
}

func TestNewArbiterRegistryDefault(t *testing.T) {
	t.Parallel()

	registry, err := newArbiterRegistry(&config.Config{})
	if err != nil {
		t.Fatalf("newArbiterRegistry() error = %v", err)
	}
	arbiter, err := registry.Arbiter("")
	if err != nil {
		t.Fatalf("Arbiter() error = %v", err)
	}
	if arbiter.Name() != "manual" {
		t.Fatalf("default arbiter = %s, want manual", arbiter.Name())
	}

	registry, err = newArbiterRegistry(&config.Config{ArbitrationEndpoint: "http://localhost:11434/v1"})
	if err != nil {
		t.Fatalf("newArbiterRegistry() error = %v", err)
	}
	arbiter, err = registry.Arbiter("")
	if err != nil {
		t.Fatalf("Arbiter() error = %v", err)
	}
	if arbiter.Name() != "http" {
		t.Fatalf("default arbiter = %s, want http", arbiter.Name())
	}
	if _, err := registry.Arbiter("manual"); err != nil {
		t.Fatalf("manual arbiter must stay registered: %v", err)
	}
}

func TestIsWatchedPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{event: fsnotify.Event{Name: "/in/a.json", Op: fsnotify.Create}, want: true},
		{event: fsnotify.Event{Name: "/in/a.JSON", Op: fsnotify.Write}, want: true},
		{event: fsnotify.Event{Name: "/in/a.json", Op: fsnotify.Remove}, want: false},
		{event: fsnotify.Event{Name: "/in/.a.json", Op: fsnotify.Create}, want: false},
		{event: fsnotify.Event{Name: "/in/a.txt", Op: fsnotify.Write}, want: false},
	}
	for _, tc := range tests {
		if got := isWatchedPayload(tc.event); got != tc.want {
			t.Fatalf("isWatchedPayload(%v) = %t, want %t", tc.event, got, tc.want)
		}
	}
}
