package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid: every method no-ops, so callers never guard their call sites.
type Metrics struct {
	tasksTotal     *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	lockContention prometheus.Counter
	locksExpired   prometheus.Counter
	tasksRunning   prometheus.Gauge
	queueDepth     prometheus.Gauge
	agentsBusy     prometheus.Gauge
	taskDuration   prometheus.Histogram
}

// Opts configures collector registration.
type Opts struct {
	Namespace  string
	Subsystem  string
	Registerer prometheus.Registerer // defaults to prometheus.DefaultRegisterer
}

// New creates and registers the collectors. Collectors already present in
// the registry are reused, so two schedulers in one process can share a
// registry without colliding.
func New(opts Opts) (*Metrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "task_retries_total",
			Help:      "Failed attempts that were requeued.",
		}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "lock_contention_total",
			Help:      "Dispatch attempts skipped because a file was locked.",
		}),
		locksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "locks_expired_total",
			Help:      "Leases reclaimed by the expiry sweep.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "tasks_running",
			Help:      "Tasks currently executing.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the backlog.",
		}),
		agentsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "agents_busy",
			Help:      "Agents currently working.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "task_duration_seconds",
			Help:      "Wall time of finished task attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}),
	}

	collectors := []prometheus.Collector{
		m.tasksTotal, m.retriesTotal, m.lockContention, m.locksExpired,
		m.tasksRunning, m.queueDepth, m.agentsBusy, m.taskDuration,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			switch i {
			case 0:
				m.tasksTotal = are.ExistingCollector.(*prometheus.CounterVec)
			case 1:
				m.retriesTotal = are.ExistingCollector.(prometheus.Counter)
			case 2:
				m.lockContention = are.ExistingCollector.(prometheus.Counter)
			case 3:
				m.locksExpired = are.ExistingCollector.(prometheus.Counter)
			case 4:
				m.tasksRunning = are.ExistingCollector.(prometheus.Gauge)
			case 5:
				m.queueDepth = are.ExistingCollector.(prometheus.Gauge)
			case 6:
				m.agentsBusy = are.ExistingCollector.(prometheus.Gauge)
			case 7:
				m.taskDuration = are.ExistingCollector.(prometheus.Histogram)
			}
		}
	}
	return m, nil
}

// MustNew is New, panicking on registration failure.
func MustNew(opts Opts) *Metrics {
	m, err := New(opts)
	if err != nil {
		panic(err)
	}
	return m
}

// TaskFinished records a terminal status and the attempt's duration.
func (m *Metrics) TaskFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	if d > 0 {
		m.taskDuration.Observe(d.Seconds())
	}
}

// TaskRetried records a failed attempt going back into the queue.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// LockContention records a ready task skipped over a held file.
func (m *Metrics) LockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

// LockExpired records a lease reclaimed by the sweep.
func (m *Metrics) LockExpired() {
	if m == nil {
		return
	}
	m.locksExpired.Inc()
}

// SetRunning tracks the number of in-flight tasks.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.tasksRunning.Set(float64(n))
}

// SetQueueDepth tracks the backlog size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetAgentsBusy tracks how many agents are working.
func (m *Metrics) SetAgentsBusy(n int) {
	if m == nil {
		return
	}
	m.agentsBusy.Set(float64(n))
}
