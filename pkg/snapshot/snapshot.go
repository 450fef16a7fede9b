// Package snapshot holds the read-only copy of orchestrator state handed to
// workflows and the cognitive engines. A Snapshot never aliases live state.
package snapshot

import (
	"maps"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/agent"
)

// Performance aggregates recent completed-task outcomes.
type Performance struct {
	// Throughput is finished tasks per second over the sampled span.
	Throughput  float64 `json:"throughput"`
	LatencyMS   float64 `json:"latency_ms"`
	SuccessRate float64 `json:"success_rate"`
	ErrorRate   float64 `json:"error_rate"`
	QueueDepth  int     `json:"queue_depth"`
	// Utilization is the share of agents with a bound task.
	Utilization float64 `json:"utilization"`
	Samples     int     `json:"samples"`
}

// Snapshot is a point-in-time copy of the system.
type Snapshot struct {
	TakenAt  time.Time    `json:"taken_at"`
	Agents   []agent.View `json:"agents"`
	Pending  []agent.Task `json:"pending"`
	InFlight []agent.Task `json:"in_flight"`
	// Recent is the completed-task log, oldest first.
	Recent []agent.Task `json:"recent"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`

	Resources            map[string]float64 `json:"resources"`
	Performance          Performance        `json:"performance"`
	KnowledgeEntries     int                `json:"knowledge_entries"`
	SynergyEnabled       bool               `json:"synergy_enabled"`
	Features             []string           `json:"features,omitempty"`
	MaintenanceRequested bool               `json:"maintenance_requested"`
}

// Agent returns the view of id.
func (s Snapshot) Agent(id string) (agent.View, bool) {
	for _, v := range s.Agents {
		if v.ID == id {
			return v, true
		}
	}
	return agent.View{}, false
}

// IdleAgents counts agents in the Idle state.
func (s Snapshot) IdleAgents() int {
	n := 0
	for _, v := range s.Agents {
		if v.State == agent.StateIdle {
			n++
		}
	}
	return n
}

// Metrics flattens the performance summary and resource metrics into one
// map keyed by metric name. Resource metrics win on a name clash.
func (s Snapshot) Metrics() map[string]float64 {
	p := s.Performance
	out := map[string]float64{
		"throughput":   p.Throughput,
		"latency_ms":   p.LatencyMS,
		"success_rate": p.SuccessRate,
		"error_rate":   p.ErrorRate,
		"queue_depth":  float64(p.QueueDepth),
		"utilization":  p.Utilization,
	}
	maps.Copy(out, s.Resources)
	return out
}

// Summarize computes Performance from finished tasks. Cancelled tasks are
// ignored; queue depth and utilization are filled by the caller.
func Summarize(recent []agent.Task) Performance {
	var (
		p              Performance
		ok             int
		latency        time.Duration
		first, lastEnd time.Time
	)
	for _, t := range recent {
		if t.Status != agent.StatusCompleted && t.Status != agent.StatusFailed {
			continue
		}
		p.Samples++
		if t.Status == agent.StatusCompleted {
			ok++
		}
		latency += t.Latency()
		if !t.StartedAt.IsZero() && (first.IsZero() || t.StartedAt.Before(first)) {
			first = t.StartedAt
		}
		if t.FinishedAt.After(lastEnd) {
			lastEnd = t.FinishedAt
		}
	}
	if p.Samples == 0 {
		return p
	}
	p.LatencyMS = float64(latency.Microseconds()) / 1000 / float64(p.Samples)
	p.SuccessRate = float64(ok) / float64(p.Samples)
	p.ErrorRate = 1 - p.SuccessRate
	if span := lastEnd.Sub(first); span > 0 {
		p.Throughput = float64(p.Samples) / span.Seconds()
	}
	return p
}
