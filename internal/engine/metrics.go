package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stagehand/stagehand/pkg/locks"
	"github.com/stagehand/stagehand/pkg/types"
)

// Metrics holds the engine's Prometheus collectors. Each engine registers
// into its own registry so isolated instances can coexist.
type Metrics struct {
	Registry *prometheus.Registry

	pending      prometheus.Gauge
	executing    prometheus.Gauge
	enqueued     *prometheus.CounterVec
	finished     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	lockEvents   *prometheus.CounterVec
	engineFaults prometheus.Counter
}

// NewMetrics registers collectors into reg, creating a registry if nil
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_queue_pending",
			Help: "Jobs waiting for their contention key, a lock or an approval",
		}),
		executing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_queue_executing",
			Help: "Jobs currently running or cancelling",
		}),
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_jobs_enqueued_total",
			Help: "Jobs accepted into the queue",
		}, []string{"kind"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		}, []string{"kind", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_job_duration_seconds",
			Help:    "Wall time from dispatch to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind", "status"}),
		lockEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_lock_events_total",
			Help: "Lock registry changes",
		}, []string{"event", "kind"}),
		engineFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_engine_faults_total",
			Help: "Jobs that ended errored because of infrastructure trouble",
		}),
	}
}

func (m *Metrics) observeDepth(pending, executing int) {
	m.pending.Set(float64(pending))
	m.executing.Set(float64(executing))
}

func (m *Metrics) observeEnqueued(job *types.Job) {
	m.enqueued.WithLabelValues(string(job.Kind)).Inc()
}

func (m *Metrics) observeFinished(job *types.Job) {
	m.finished.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	if job.StartedAt != nil {
		m.duration.WithLabelValues(string(job.Kind), string(job.Status)).Observe(job.Duration().Seconds())
	}
	if job.Status == types.JobStatusErrored {
		m.engineFaults.Inc()
	}
}

func (m *Metrics) observeLock(ev locks.Event) {
	m.lockEvents.WithLabelValues(string(ev.Type), string(ev.Lock.Kind)).Inc()
}
