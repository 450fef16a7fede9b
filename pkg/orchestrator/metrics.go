package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cogpy/lemonade-cog/pkg/agent"
)

const (
	metricsNamespace = "cog"
	metricsSubsystem = "orchestrator"
)

// Metrics exposes Prometheus collectors for queue, dispatch and workflow
// activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	workflowRuns   *prometheus.CounterVec
	logEvictions   prometheus.Counter
	queueDepth     prometheus.Gauge
	agents         *prometheus.GaugeVec
}

// MustNewMetrics registers the orchestrator collectors with reg (the default
// registerer when nil). Collectors already registered by an earlier instance
// are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		tasksSubmitted: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("tasks_submitted_total", "Tasks accepted by submit, by type.")),
			[]string{"type"})),
		tasksFinished: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("tasks_finished_total", "Tasks that reached a final status.")),
			[]string{"type", "status"})),
		taskDuration: mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_duration_seconds",
			Help:      "Time from task start to commit, by type and final status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "status"})),
		workflowRuns: mustRegister(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("workflow_runs_total", "Workflow invocations by workflow and report status.")),
			[]string{"workflow", "status"})),
		logEvictions: mustRegister(reg, prometheus.NewCounter(
			prometheus.CounterOpts(opts("completed_log_evictions_total", "Completed tasks dropped from the retention log.")))),
		queueDepth: mustRegister(reg, prometheus.NewGauge(
			prometheus.GaugeOpts(opts("queue_depth", "Pending tasks waiting for an agent.")))),
		agents: mustRegister(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts(opts("agents", "Agents by state.")),
			[]string{"state"})),
	}
}

func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: metricsNamespace, Subsystem: metricsSubsystem, Name: name, Help: help}
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) IncSubmitted(typ agent.TaskType) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(string(typ)).Inc()
}

// ObserveFinished counts a final status; d is zero for tasks that never ran.
func (m *Metrics) ObserveFinished(typ agent.TaskType, status agent.TaskStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(string(typ), string(status)).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(string(typ), string(status)).Observe(d.Seconds())
	}
}

func (m *Metrics) IncWorkflow(workflow, status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(workflow, status).Inc()
}

func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.logEvictions.Add(float64(n))
}

// SetQueue publishes queue depth and the per-state agent count.
func (m *Metrics) SetQueue(depth int, states map[agent.State]int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	for _, s := range allStates {
		m.agents.WithLabelValues(string(s)).Set(float64(states[s]))
	}
}

var allStates = []agent.State{
	agent.StateIdle, agent.StateActive, agent.StateLearning,
	agent.StateHealing, agent.StateMaintaining, agent.StateImproving,
}
