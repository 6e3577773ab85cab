// Package config loads the scrub/playback scheduler's tunables (spec
// §6), following the same viper-backed, env-overridable pattern as
// LanternOps-breeze's apps/agent/internal/config package: a struct of
// mapstructure-tagged fields, a DefaultConfig with the spec's literal
// defaults, and a Load that layers an optional config file under
// SCRUB_-prefixed environment overrides.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime-tunable recognized by spec §6.
type Config struct {
	// Reader
	ReaderWindow time.Duration `mapstructure:"scrub_reader_window"`

	// Prediction
	PredictionFactor float64       `mapstructure:"prediction_factor"`
	PredictionClamp  time.Duration `mapstructure:"prediction_clamp"`

	// Velocity smoothing
	VelocityEMAAlpha   float64       `mapstructure:"velocity_ema_alpha"`
	VelocityHysteresis time.Duration `mapstructure:"velocity_hysteresis"`

	// Landing zone
	ReverseLZFrames  int     `mapstructure:"reverse_lz_frames"`
	ForwardLZFrames  int     `mapstructure:"forward_lz_frames"`
	AdaptiveLZMult   float64 `mapstructure:"adaptive_lz_mult"`
	AdaptiveLZMin    int     `mapstructure:"adaptive_lz_min"`
	AdaptiveLZMax    int     `mapstructure:"adaptive_lz_max"`
	MaxWarmWindowSec float64 `mapstructure:"max_warm_window_sec"`

	// Cache
	CacheBytesBudget   int64   `mapstructure:"cache_bytes_budget"`
	CacheBiasFrames    int     `mapstructure:"cache_bias_frames"`
	ByteWeight         float64 `mapstructure:"byte_weight"`
	ScrubPriorityBoost float64 `mapstructure:"scrub_priority_boost"`
	MaxAgeSec          float64 `mapstructure:"max_age_sec"`

	// Admission / rate gates
	MaxInFlightPerClip              int           `mapstructure:"max_in_flight_per_clip"`
	MaxInFlightBurstPerClip         int           `mapstructure:"max_in_flight_burst_per_clip"`
	BurstDuration                   time.Duration `mapstructure:"burst_duration"`
	MaxConcurrentDecodes            int           `mapstructure:"max_concurrent_decodes"`
	ReverseMinInterval              time.Duration `mapstructure:"reverse_min_interval"`
	ForwardMinInterval              time.Duration `mapstructure:"forward_min_interval"`
	ReverseRescueThreshold          time.Duration `mapstructure:"reverse_rescue_threshold"`
	ReverseCriticalSlotsPerClip     int           `mapstructure:"reverse_critical_slots_per_clip"`
	ReverseGlobalSlack              int           `mapstructure:"reverse_global_slack"`
	AdmissionNeverCancelRunning     bool          `mapstructure:"admission_never_cancel_running"`
	ReverseRateGateOverrideCount    int           `mapstructure:"reverse_rate_gate_override_count"`
	ReverseRateGateOverrideCooldown time.Duration `mapstructure:"reverse_rate_gate_override_cooldown"`
	ReverseFailureRecoveryThreshold int           `mapstructure:"reverse_failure_recovery_threshold"`
	ReverseFailureBackoff           time.Duration `mapstructure:"reverse_failure_backoff"`
	ReverseFailureMaxBackoff        time.Duration `mapstructure:"reverse_failure_max_backoff"`
	ReverseWatchdogTimeout          time.Duration `mapstructure:"reverse_watchdog_timeout"`
	DecoderMalfunctionRetries       int           `mapstructure:"decoder_malfunction_retries"`
	DecoderMalfunctionSleep         time.Duration `mapstructure:"decoder_malfunction_sleep"`

	// Stop / end-scrub
	StopIdleThreshold  time.Duration `mapstructure:"stop_idle_threshold"`
	StopDeadlineTarget time.Duration `mapstructure:"stop_deadline_target"`
	StopBackfillWindow time.Duration `mapstructure:"stop_backfill_window"`

	// Spot proxy
	MaxZones            int           `mapstructure:"max_zones"`
	ZoneTTL             time.Duration `mapstructure:"zone_ttl"`
	BucketSpanMs        int64         `mapstructure:"bucket_span_ms"`
	LateFrameThreshold  int           `mapstructure:"late_frame_threshold"`
	LateFrameWindowMs   int64         `mapstructure:"late_frame_window_ms"`
	ProxyExportMarginMs int64         `mapstructure:"proxy_export_margin_ms"`

	// State-change hysteresis for velocity-derived scrub state (spec §4.5).
	StateChangeHysteresis time.Duration `mapstructure:"state_change_hysteresis"`
}

// DefaultConfig returns the literal defaults enumerated in spec §6.
func DefaultConfig() *Config {
	return &Config{
		ReaderWindow: time.Second,

		PredictionFactor: 0.12,
		PredictionClamp:  500 * time.Millisecond,

		VelocityEMAAlpha:   0.3,
		VelocityHysteresis: 175 * time.Millisecond,

		ReverseLZFrames:  5,
		ForwardLZFrames:  2,
		AdaptiveLZMult:   0.5,
		AdaptiveLZMin:    2,
		AdaptiveLZMax:    12,
		MaxWarmWindowSec: 2.0,

		CacheBytesBudget:   200 * 1024 * 1024,
		CacheBiasFrames:    5,
		ByteWeight:         1.0,
		ScrubPriorityBoost: 500,
		MaxAgeSec:          0, // 0 disables the age cutoff

		MaxInFlightPerClip:              8,
		MaxInFlightBurstPerClip:         12,
		BurstDuration:                   250 * time.Millisecond,
		MaxConcurrentDecodes:            10,
		ReverseMinInterval:              8 * time.Millisecond,
		ForwardMinInterval:              33 * time.Millisecond,
		ReverseRescueThreshold:          100 * time.Millisecond,
		ReverseCriticalSlotsPerClip:     1,
		ReverseGlobalSlack:              2,
		AdmissionNeverCancelRunning:     true,
		ReverseRateGateOverrideCount:    5,
		ReverseRateGateOverrideCooldown: 500 * time.Millisecond,
		ReverseFailureRecoveryThreshold: 5,
		ReverseFailureBackoff:           20 * time.Millisecond,
		ReverseFailureMaxBackoff:        500 * time.Millisecond,
		ReverseWatchdogTimeout:          600 * time.Millisecond,
		DecoderMalfunctionRetries:       3,
		DecoderMalfunctionSleep:         15 * time.Millisecond,

		StopIdleThreshold:  200 * time.Millisecond,
		StopDeadlineTarget: 66 * time.Millisecond,
		StopBackfillWindow: 500 * time.Millisecond,

		MaxZones:            32,
		ZoneTTL:             1200 * time.Second,
		BucketSpanMs:        2000,
		LateFrameThreshold:  3,
		LateFrameWindowMs:   300,
		ProxyExportMarginMs: 1000,

		StateChangeHysteresis: 175 * time.Millisecond,
	}
}

// bindDefaults registers every mapstructure-tagged field of defaults as a
// viper default. AutomaticEnv only intercepts Get calls for keys viper
// already knows about; without this, Unmarshal never sees SCRUB_<NAME>
// overrides for a key that isn't also set by a config file.
func bindDefaults(v *viper.Viper, defaults *Config) {
	val := reflect.ValueOf(*defaults)
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		v.SetDefault(tag, val.Field(i).Interface())
	}
}

// Load layers an optional config file (name "scrubd", any viper-supported
// extension, searched in the working directory) under SCRUB_-prefixed
// environment variable overrides, then unmarshals into a fresh
// DefaultConfig. A missing config file is not an error, matching
// breeze's tolerant Load().
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("scrubd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SCRUB")
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("scrubcore/config: reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("scrubcore/config: unmarshal: %w", err)
	}

	return cfg, nil
}
