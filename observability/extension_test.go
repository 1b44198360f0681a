package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/imgdispatch/ext"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/observability"
)

func newTestJob() *job.Record {
	return &job.Record{
		ID:    id.NewJobID(),
		Kind:  job.KindProcessImage,
		Queue: "high_priority",
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	e := observability.NewMetricsExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		fire    func(e *observability.MetricsExtension) error
		counter func(e *observability.MetricsExtension) *prometheus.CounterVec
	}{
		{
			"submitted",
			func(e *observability.MetricsExtension) error { return e.OnJobSubmitted(ctx, newTestJob()) },
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobSubmitted },
		},
		{
			"dispatched",
			func(e *observability.MetricsExtension) error { return e.OnJobDispatched(ctx, newTestJob()) },
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobDispatched },
		},
		{
			"started",
			func(e *observability.MetricsExtension) error { return e.OnJobStarted(ctx, newTestJob()) },
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobStarted },
		},
		{
			"succeeded",
			func(e *observability.MetricsExtension) error {
				return e.OnJobSucceeded(ctx, newTestJob(), 100*time.Millisecond)
			},
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobSucceeded },
		},
		{
			"retrying",
			func(e *observability.MetricsExtension) error {
				return e.OnJobRetrying(ctx, newTestJob(), 1, time.Now().Add(time.Second))
			},
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobRetried },
		},
		{
			"failed",
			func(e *observability.MetricsExtension) error {
				return e.OnJobFailed(ctx, newTestJob(), errors.New("boom"))
			},
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobFailed },
		},
		{
			"cancelled",
			func(e *observability.MetricsExtension) error { return e.OnJobCancelled(ctx, newTestJob()) },
			func(e *observability.MetricsExtension) *prometheus.CounterVec { return e.JobCancelled },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := observability.NewMetricsExtension()
			if err := tt.fire(e); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := testutil.ToFloat64(tt.counter(e).WithLabelValues("high_priority")); got != 1 {
				t.Errorf("want 1, got %v", got)
			}
		})
	}
}

func TestMetricsExtension_CronFired(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnCronFired(context.Background(), "thumbnails", id.NewJobID()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(e.CronFired.WithLabelValues("thumbnails")); got != 1 {
		t.Errorf("CronFired: want 1, got %v", got)
	}
}

func TestMetricsExtension_Register(t *testing.T) {
	e := observability.NewMetricsExtension()
	reg := prometheus.NewPedanticRegistry()
	e.MustRegister(reg)

	_ = e.OnJobSubmitted(context.Background(), newTestJob())
	_ = e.OnJobSucceeded(context.Background(), newTestJob(), time.Second)

	if n, err := testutil.GatherAndCount(reg, "imgdispatch_job_submitted_total"); err != nil || n != 1 {
		t.Errorf("submitted series: n=%d err=%v", n, err)
	}
	if n, err := testutil.GatherAndCount(reg, "imgdispatch_job_succeeded_attempt_seconds"); err != nil || n != 1 {
		t.Errorf("duration series: n=%d err=%v", n, err)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e := observability.NewMetricsExtension()

	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()

	reg.EmitJobSubmitted(ctx, j)
	reg.EmitJobDispatched(ctx, j)
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobRetrying(ctx, j, 1, time.Now())
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobSucceeded(ctx, j, 50*time.Millisecond)

	checks := []struct {
		name string
		vec  *prometheus.CounterVec
		want float64
	}{
		{"JobSubmitted", e.JobSubmitted, 1},
		{"JobDispatched", e.JobDispatched, 1},
		{"JobStarted", e.JobStarted, 2},
		{"JobRetried", e.JobRetried, 1},
		{"JobSucceeded", e.JobSucceeded, 1},
		{"JobFailed", e.JobFailed, 0},
	}

	for _, c := range checks {
		if got := testutil.ToFloat64(c.vec.WithLabelValues("high_priority")); got != c.want {
			t.Errorf("%s: want %v, got %v", c.name, c.want, got)
		}
	}
}
