package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadReturnsDefaultsWithNoOverrides(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := DefaultConfig()
	if cfg.PredictionFactor != want.PredictionFactor {
		t.Fatalf("PredictionFactor = %v, want default %v", cfg.PredictionFactor, want.PredictionFactor)
	}
	if cfg.MaxZones != want.MaxZones {
		t.Fatalf("MaxZones = %v, want default %v", cfg.MaxZones, want.MaxZones)
	}
}

func TestLoadAppliesScrubPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("SCRUB_PREDICTION_FACTOR", "0.42")
	t.Setenv("SCRUB_MAX_ZONES", "7")
	t.Setenv("SCRUB_REVERSE_WATCHDOG_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.PredictionFactor != 0.42 {
		t.Fatalf("PredictionFactor = %v, want 0.42 from SCRUB_PREDICTION_FACTOR", cfg.PredictionFactor)
	}
	if cfg.MaxZones != 7 {
		t.Fatalf("MaxZones = %v, want 7 from SCRUB_MAX_ZONES", cfg.MaxZones)
	}
	if cfg.ReverseWatchdogTimeout != 750*time.Millisecond {
		t.Fatalf("ReverseWatchdogTimeout = %v, want 750ms from SCRUB_REVERSE_WATCHDOG_TIMEOUT", cfg.ReverseWatchdogTimeout)
	}
}

func TestLoadToleratesMissingConfigFile(t *testing.T) {
	if _, err := os.Stat("scrubd.yaml"); err == nil {
		t.Skip("a scrubd.yaml exists in the working directory")
	}
	if _, err := Load(); err != nil {
		t.Fatalf("Load with no config file present should not error, got %v", err)
	}
}
