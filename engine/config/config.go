// Package config holds the operational tuning knobs for the collection and
// inspection engine: queue capacities, worker pacing, ring buffer ceilings,
// and telemetry toggles. Scheme and decoder manifest content never lives
// here — it arrives exclusively through the scheme manager's update entry
// points. Grounded on the teacher's engine.Config/Defaults shape.
package config

import (
	"fmt"
	"time"
)

// Config is the complete set of operational knobs for one engine instance.
type Config struct {
	// Worker pacing (spec.md §4.4/§6).
	IdleTimeMs             int64 `yaml:"idle_time_ms"`
	EvaluateIntervalMs     int64 `yaml:"evaluate_interval_ms"`
	InputBatchTriggerCount int   `yaml:"input_batch_trigger_count"`

	// Data reduction.
	DataReductionProbabilityDisabled bool `yaml:"data_reduction_probability_disabled"`

	// Rule compiler limits.
	MaxExpressionDepth int `yaml:"max_expression_depth"`

	// Signal history store.
	RingBufferCeilingSamples int `yaml:"ring_buffer_ceiling_samples"`

	// Scheme manager checkin cadence.
	CheckinIntervalMs int64 `yaml:"checkin_interval_ms"`

	// Queue capacities.
	SignalQueueCapacity     int `yaml:"signal_queue_capacity"`
	FrameQueueCapacity      int `yaml:"frame_queue_capacity"`
	DtcQueueCapacity        int `yaml:"dtc_queue_capacity"`
	OutputQueueCapacity     int `yaml:"output_queue_capacity"`
	SchemeUpdateQueueDepth  int `yaml:"scheme_update_queue_depth"`

	// Telemetry toggles.
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	MetricsBackend     string `yaml:"metrics_backend"` // "prometheus" | "otel" | "noop"
	TracingEnabled     bool   `yaml:"tracing_enabled"`
	TracingSamplePct   float64 `yaml:"tracing_sample_pct"`
	CardinalityLimit   int    `yaml:"cardinality_limit"`

	// Persistence.
	PersistenceDir string `yaml:"persistence_dir"`

	// HotReloadPath is the file Load read this Config from (empty for
	// Defaults). The engine does not watch it; reloads happen only through
	// a Watcher created with NewWatcher on that path.
	HotReloadPath string `yaml:"-"`
}

// Defaults returns a Config with the engine's baseline tuning values.
func Defaults() *Config {
	return &Config{
		IdleTimeMs:                        1000,
		EvaluateIntervalMs:                50,
		InputBatchTriggerCount:            256,
		DataReductionProbabilityDisabled:  false,
		MaxExpressionDepth:                10,
		RingBufferCeilingSamples:          1000,
		CheckinIntervalMs:                 60000,
		SignalQueueCapacity:               10000,
		FrameQueueCapacity:                10000,
		DtcQueueCapacity:                  1000,
		OutputQueueCapacity:               256,
		SchemeUpdateQueueDepth:            8,
		MetricsEnabled:                    true,
		MetricsBackend:                    "prometheus",
		TracingEnabled:                    false,
		TracingSamplePct:                  0,
		CardinalityLimit:                  100,
		PersistenceDir:                    "./data/edge-collector",
	}
}

// Validate rejects configurations that would make the engine unable to
// make forward progress.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if c.IdleTimeMs <= 0 {
		return fmt.Errorf("config: idle_time_ms must be positive, got %d", c.IdleTimeMs)
	}
	if c.EvaluateIntervalMs <= 0 {
		return fmt.Errorf("config: evaluate_interval_ms must be positive, got %d", c.EvaluateIntervalMs)
	}
	if c.InputBatchTriggerCount <= 0 {
		return fmt.Errorf("config: input_batch_trigger_count must be positive, got %d", c.InputBatchTriggerCount)
	}
	if c.MaxExpressionDepth <= 0 {
		return fmt.Errorf("config: max_expression_depth must be positive, got %d", c.MaxExpressionDepth)
	}
	if c.RingBufferCeilingSamples <= 0 {
		return fmt.Errorf("config: ring_buffer_ceiling_samples must be positive, got %d", c.RingBufferCeilingSamples)
	}
	if c.CheckinIntervalMs <= 0 {
		return fmt.Errorf("config: checkin_interval_ms must be positive, got %d", c.CheckinIntervalMs)
	}
	for name, v := range map[string]int{
		"signal_queue_capacity":    c.SignalQueueCapacity,
		"frame_queue_capacity":     c.FrameQueueCapacity,
		"dtc_queue_capacity":       c.DtcQueueCapacity,
		"output_queue_capacity":    c.OutputQueueCapacity,
		"scheme_update_queue_depth": c.SchemeUpdateQueueDepth,
	} {
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", name, v)
		}
	}
	if c.TracingSamplePct < 0 || c.TracingSamplePct > 100 {
		return fmt.Errorf("config: tracing_sample_pct must be within [0,100], got %v", c.TracingSamplePct)
	}
	switch c.MetricsBackend {
	case "prometheus", "otel", "noop":
	default:
		return fmt.Errorf("config: unknown metrics_backend %q", c.MetricsBackend)
	}
	return nil
}

// IdleTime returns IdleTimeMs as a time.Duration.
func (c *Config) IdleTime() time.Duration { return time.Duration(c.IdleTimeMs) * time.Millisecond }

// EvaluateInterval returns EvaluateIntervalMs as a time.Duration.
func (c *Config) EvaluateInterval() time.Duration {
	return time.Duration(c.EvaluateIntervalMs) * time.Millisecond
}

// CheckinInterval returns CheckinIntervalMs as a time.Duration.
func (c *Config) CheckinInterval() time.Duration {
	return time.Duration(c.CheckinIntervalMs) * time.Millisecond
}

// Clone returns a deep copy safe for concurrent mutation by the caller.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
