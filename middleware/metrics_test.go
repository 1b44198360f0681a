package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/imgdispatch"
	mw "github.com/xraph/imgdispatch/middleware"
)

// series keys a data point by its queue and status attributes.
type series struct{ queue, status string }

func seriesOf(t *testing.T, set attribute.Set) series {
	t.Helper()
	kind, _ := set.Value("kind")
	if kind.AsString() != "process_image" {
		t.Errorf("kind = %q, want process_image", kind.AsString())
	}
	queue, _ := set.Value("queue")
	status, _ := set.Value("status")
	return series{queue.AsString(), status.AsString()}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics_SeriesPerQueueAndOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m := mw.MetricsWithMeter(meter)

	// One job that fails twice then succeeds, and one on the default queue
	// whose input is gone.
	attempts := []struct {
		queue   string
		attempt int
		err     error
	}{
		{imgdispatch.QueueHighPriority, 1, fmt.Errorf("decode: %w", errUnidentified)},
		{imgdispatch.QueueHighPriority, 2, fmt.Errorf("decode: %w", errUnidentified)},
		{imgdispatch.QueueHighPriority, 3, nil},
		{imgdispatch.QueueDefault, 1, imgdispatch.ErrInputNotFound},
	}
	for _, a := range attempts {
		err := m(context.Background(), claimedAttempt(a.queue, a.attempt), func(context.Context) error {
			return a.err
		})
		if !errors.Is(err, a.err) {
			t.Fatalf("attempt %d: err = %v, want %v", a.attempt, err, a.err)
		}
	}

	want := map[series]int64{
		{imgdispatch.QueueHighPriority, "error"}: 2,
		{imgdispatch.QueueHighPriority, "ok"}:    1,
		{imgdispatch.QueueDefault, "error"}:      1,
	}
	data := collect(t, reader)

	sum, ok := data["imgdispatch.attempt.executions"].(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("executions = %T, want Sum[int64]", data["imgdispatch.attempt.executions"])
	}
	if !sum.IsMonotonic {
		t.Error("executions counter is not monotonic")
	}
	got := make(map[series]int64)
	for _, dp := range sum.DataPoints {
		got[seriesOf(t, dp.Attributes)] += dp.Value
	}
	for s, n := range want {
		if got[s] != n {
			t.Errorf("executions%v = %d, want %d", s, got[s], n)
		}
	}
	if len(got) != len(want) {
		t.Errorf("executions series = %v", got)
	}

	hist, ok := data["imgdispatch.attempt.duration"].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration = %T, want Histogram[float64]", data["imgdispatch.attempt.duration"])
	}
	counts := make(map[series]int64)
	for _, dp := range hist.DataPoints {
		counts[seriesOf(t, dp.Attributes)] += int64(dp.Count)
		if dp.Sum < 0 {
			t.Errorf("negative duration sum %v", dp.Sum)
		}
	}
	for s, n := range want {
		if counts[s] != n {
			t.Errorf("duration%v count = %d, want %d", s, counts[s], n)
		}
	}
}

func TestMetrics_GlobalNoopPassesThrough(t *testing.T) {
	called := false
	err := mw.Metrics()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err = %v called = %v", err, called)
	}
}
