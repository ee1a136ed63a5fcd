package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "autopack"

// Metrics holds all autopack metric instruments.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	Attempts        metric.Int64Counter
	PhasesCompleted metric.Int64Counter
	PhasesFailed    metric.Int64Counter
	PhasesBlocked   metric.Int64Counter
	Tokens          metric.Int64Counter
	RunDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates all metric instruments on the given provider.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("autopack.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("autopack.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("autopack.runs.failed",
		metric.WithDescription("Number of runs failed or cancelled"))
	if err != nil {
		return nil, err
	}

	m.Attempts, err = meter.Int64Counter("autopack.attempts",
		metric.WithDescription("Number of phase attempts by action taken"))
	if err != nil {
		return nil, err
	}

	m.PhasesCompleted, err = meter.Int64Counter("autopack.phases.completed",
		metric.WithDescription("Number of phases completed"))
	if err != nil {
		return nil, err
	}

	m.PhasesFailed, err = meter.Int64Counter("autopack.phases.failed",
		metric.WithDescription("Number of phases failed"))
	if err != nil {
		return nil, err
	}

	m.PhasesBlocked, err = meter.Int64Counter("autopack.phases.blocked",
		metric.WithDescription("Number of phases blocked for governance"))
	if err != nil {
		return nil, err
	}

	m.Tokens, err = meter.Int64Counter("autopack.tokens",
		metric.WithDescription("Tokens consumed by role calls"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("autopack.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
