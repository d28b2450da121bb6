package observe

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestStageDone(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.StageDone(orchestrator.StageRecognize, 120*time.Millisecond, orchestrator.OutcomeOK)
	m.StageDone(orchestrator.StageRecognize, 80*time.Millisecond, orchestrator.OutcomeOK)
	m.StageDone(orchestrator.StageSynthesize, 2*time.Second, orchestrator.OutcomeFailed)

	rm := collect(t, reader)
	found := findMetric(rm, "duplex.stage.duration")
	if found == nil {
		t.Fatal("duplex.stage.duration not found")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", found.Data)
	}
	if len(hist.DataPoints) != 2 {
		t.Fatalf("expected 2 attribute sets, got %d", len(hist.DataPoints))
	}
	for _, dp := range hist.DataPoints {
		stage, _ := dp.Attributes.Value("stage")
		outcome, _ := dp.Attributes.Value("outcome")
		switch stage.AsString() {
		case "recognize":
			if dp.Count != 2 || outcome.AsString() != "ok" {
				t.Errorf("recognize: count=%d outcome=%s", dp.Count, outcome.AsString())
			}
		case "synthesize":
			if dp.Count != 1 || outcome.AsString() != "failed" {
				t.Errorf("synthesize: count=%d outcome=%s", dp.Count, outcome.AsString())
			}
		default:
			t.Errorf("unexpected stage %q", stage.AsString())
		}
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.UnitDropped(orchestrator.StageSynthesize, "stale")
	m.UnitDropped(orchestrator.StagePlayback, "stale")
	m.UnitDropped(orchestrator.StageSynthesize, "overflow")
	m.Interruption()
	m.Interruption()
	m.TurnDone(orchestrator.OutcomeOK)
	m.TurnDone(orchestrator.OutcomeCancelled)

	rm := collect(t, reader)

	dropped := findMetric(rm, "duplex.units.dropped")
	if dropped == nil {
		t.Fatal("duplex.units.dropped not found")
	}
	if got := sumFor(t, dropped, "reason", "stale"); got != 2 {
		t.Errorf("stale drops = %d, want 2", got)
	}
	if got := sumFor(t, dropped, "stage", "synthesize"); got != 2 {
		t.Errorf("synthesize drops = %d, want 2", got)
	}

	intr := findMetric(rm, "duplex.interruptions")
	if intr == nil {
		t.Fatal("duplex.interruptions not found")
	}
	if got := sumFor(t, intr, "", ""); got != 2 {
		t.Errorf("interruptions = %d, want 2", got)
	}

	turns := findMetric(rm, "duplex.turns")
	if turns == nil {
		t.Fatal("duplex.turns not found")
	}
	if got := sumFor(t, turns, "outcome", "cancelled"); got != 1 {
		t.Errorf("cancelled turns = %d, want 1", got)
	}
}

func TestInitProvider(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "target_info") {
		t.Errorf("expected exporter output, got:\n%s", rec.Body.String())
	}
}
