// Package observe records pipeline metrics through the OpenTelemetry
// metrics API. [InitProvider] bridges them to a Prometheus exporter so they
// can be scraped from /metrics.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

const meterName = "github.com/lokutor-ai/lokutor-duplex"

// Metrics holds the instruments for one process. It implements
// orchestrator.StageObserver.
type Metrics struct {
	// StageDuration is keyed by the stage and outcome attributes.
	StageDuration metric.Float64Histogram

	DroppedUnits  metric.Int64Counter
	Interruptions metric.Int64Counter
	Turns         metric.Int64Counter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10, 30,
}

var _ orchestrator.StageObserver = (*Metrics)(nil)

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("duplex.stage.duration",
		metric.WithDescription("Latency of one unit of work per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DroppedUnits, err = m.Int64Counter("duplex.units.dropped",
		metric.WithDescription("Text or audio units discarded before playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("duplex.interruptions",
		metric.WithDescription("Replies cut short by user speech."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("duplex.turns",
		metric.WithDescription("Completed dialogue turns by outcome."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) StageDone(stage orchestrator.Stage, d time.Duration, outcome orchestrator.Outcome) {
	m.StageDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("outcome", outcome.String()),
		),
	)
}

func (m *Metrics) UnitDropped(stage orchestrator.Stage, reason string) {
	m.DroppedUnits.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("reason", reason),
		),
	)
}

func (m *Metrics) Interruption() {
	m.Interruptions.Add(context.Background(), 1)
}

func (m *Metrics) TurnDone(outcome orchestrator.Outcome) {
	m.Turns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome.String())),
	)
}
