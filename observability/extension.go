package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/imgdispatch/ext"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobSubmitted  = (*MetricsExtension)(nil)
	_ ext.JobDispatched = (*MetricsExtension)(nil)
	_ ext.JobStarted    = (*MetricsExtension)(nil)
	_ ext.JobSucceeded  = (*MetricsExtension)(nil)
	_ ext.JobRetrying   = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.JobCancelled  = (*MetricsExtension)(nil)
	_ ext.CronFired     = (*MetricsExtension)(nil)
)

const namespace = "imgdispatch"

// MetricsExtension records job lifecycle counters in Prometheus
// collectors, labelled by queue. Register it as an extension and expose
// its collectors through a registry served by promhttp.
type MetricsExtension struct {
	JobSubmitted  *prometheus.CounterVec
	JobDispatched *prometheus.CounterVec
	JobStarted    *prometheus.CounterVec
	JobSucceeded  *prometheus.CounterVec
	JobRetried    *prometheus.CounterVec
	JobFailed     *prometheus.CounterVec
	JobCancelled  *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	CronFired     *prometheus.CounterVec
}

func jobCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      name,
		Help:      help,
	}, []string{"queue"})
}

// NewMetricsExtension creates unregistered collectors. Call MustRegister
// or pass Collectors to your own registry.
func NewMetricsExtension() *MetricsExtension {
	return &MetricsExtension{
		JobSubmitted:  jobCounter("submitted_total", "Jobs accepted by the gateway."),
		JobDispatched: jobCounter("dispatched_total", "Jobs handed to the broker."),
		JobStarted:    jobCounter("attempts_total", "Attempts started by workers."),
		JobSucceeded:  jobCounter("succeeded_total", "Jobs that committed a result."),
		JobRetried:    jobCounter("retried_total", "Failed attempts that were scheduled again."),
		JobFailed:     jobCounter("failed_total", "Jobs that exhausted their attempts."),
		JobCancelled:  jobCounter("cancelled_total", "Jobs that were cancelled."),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "succeeded_attempt_seconds",
			Help:      "Duration of the attempt that succeeded.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"queue"}),
		CronFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "fired_total",
			Help:      "Periodic submissions by cron entry.",
		}, []string{"entry"}),
	}
}

// Collectors returns every collector for your own registry.
func (m *MetricsExtension) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobSubmitted, m.JobDispatched, m.JobStarted, m.JobSucceeded,
		m.JobRetried, m.JobFailed, m.JobCancelled, m.JobDuration, m.CronFired,
	}
}

// MustRegister registers every collector with reg.
func (m *MetricsExtension) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.Collectors()...)
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(_ context.Context, r *job.Record) error {
	m.JobSubmitted.WithLabelValues(r.Queue).Inc()
	return nil
}

// OnJobDispatched implements ext.JobDispatched.
func (m *MetricsExtension) OnJobDispatched(_ context.Context, r *job.Record) error {
	m.JobDispatched.WithLabelValues(r.Queue).Inc()
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(_ context.Context, r *job.Record) error {
	m.JobStarted.WithLabelValues(r.Queue).Inc()
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(_ context.Context, r *job.Record, elapsed time.Duration) error {
	m.JobSucceeded.WithLabelValues(r.Queue).Inc()
	m.JobDuration.WithLabelValues(r.Queue).Observe(elapsed.Seconds())
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(_ context.Context, r *job.Record, _ int, _ time.Time) error {
	m.JobRetried.WithLabelValues(r.Queue).Inc()
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(_ context.Context, r *job.Record, _ error) error {
	m.JobFailed.WithLabelValues(r.Queue).Inc()
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(_ context.Context, r *job.Record) error {
	m.JobCancelled.WithLabelValues(r.Queue).Inc()
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(_ context.Context, entryName string, _ id.JobID) error {
	m.CronFired.WithLabelValues(entryName).Inc()
	return nil
}
