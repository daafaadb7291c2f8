// Package metrics defines a backend-agnostic instrumentation surface
// (counters, gauges, histograms, timers) with Prometheus and OpenTelemetry
// backends, grounded on the teacher's internal metrics abstraction.
package metrics

import "context"

// Provider is the metrics backend contract every subsystem instruments
// against; it never imports a concrete backend directly.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// Counter is a monotonically increasing instrument.
type Counter interface{ Inc(delta float64, labels ...string) }

// Gauge is a point-in-time instrument that can be set or adjusted.
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram observes a distribution of values.
type Histogram interface{ Observe(v float64, labels ...string) }

// Timer observes an elapsed duration, in seconds, when stopped.
type Timer interface{ ObserveDuration(labels ...string) }

// CommonOpts names and labels a metric.
type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// noop backend, used when metrics are disabled entirely.

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

// NewNoopProvider returns a Provider whose instruments discard every
// observation.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter     { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge           { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (noopProvider) Health(context.Context) error { return nil }

func (noopCounter) Inc(float64, ...string)       {}
func (noopGauge) Set(float64, ...string)         {}
func (noopGauge) Add(float64, ...string)         {}
func (noopHistogram) Observe(float64, ...string) {}
func (noopTimer) ObserveDuration(...string)      {}
