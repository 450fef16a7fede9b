package orchestrator

import (
	"cmp"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/snapshot"
)

// Status is the compact system view returned by GetSystemStatus.
type Status struct {
	Agents           []agent.View `json:"agents"`
	QueueDepth       int          `json:"queue_depth"`
	InFlight         int          `json:"in_flight"`
	Submitted        uint64       `json:"submitted"`
	Completed        uint64       `json:"completed"`
	Failed           uint64       `json:"failed"`
	Cancelled        uint64       `json:"cancelled"`
	Retained         int          `json:"retained"`
	SynergyEnabled   bool         `json:"synergy_enabled"`
	KnowledgeEntries int          `json:"knowledge_entries"`
	Matching         string       `json:"role_matching"`
}

// GetSystemStatus returns agent views and queue counters.
func (o *Orchestrator) GetSystemStatus() Status {
	o.mu.Lock()
	s := Status{
		Agents:         o.viewsLocked(),
		QueueDepth:     len(o.pending),
		InFlight:       len(o.inflight),
		Submitted:      o.counts.submitted,
		Completed:      o.counts.completed,
		Failed:         o.counts.failed,
		Cancelled:      o.counts.cancelled,
		Retained:       o.completed.Len(),
		SynergyEnabled: o.synergyEnabled,
		Matching:       o.matching.String(),
	}
	o.mu.Unlock()
	s.KnowledgeEntries = o.synergy.Len()
	return s
}

func (o *Orchestrator) viewsLocked() []agent.View {
	out := make([]agent.View, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.agents[id].View())
	}
	return out
}

// Task looks a task up in the queue, among in-flight tasks and in the
// completed log.
func (o *Orchestrator) Task(id string) (agent.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := slices.IndexFunc(o.pending, func(t *agent.Task) bool { return t.ID == id }); i >= 0 {
		return o.pending[i].Clone(), true
	}
	if inf, ok := o.inflight[id]; ok {
		return o.inflightCopyLocked(inf), true
	}
	if t, ok := o.completed.Peek(id); ok {
		return t.Clone(), true
	}
	return agent.Task{}, false
}

func (o *Orchestrator) inflightCopyLocked(inf *inflight) agent.Task {
	t := inf.task.Clone()
	if inf.agent.View().Running {
		t.Status = agent.StatusRunning
	}
	return t
}

// Snapshot returns a deep, read-only copy of the system state for the
// workflows and the cognitive engines.
func (o *Orchestrator) Snapshot() snapshot.Snapshot {
	resources := o.readProbe()

	o.mu.Lock()
	snap := snapshot.Snapshot{
		TakenAt:              o.now(),
		Agents:               o.viewsLocked(),
		Pending:              make([]agent.Task, 0, len(o.pending)),
		InFlight:             make([]agent.Task, 0, len(o.inflight)),
		Recent:               o.completed.Values(),
		Submitted:            o.counts.submitted,
		Completed:            o.counts.completed,
		Failed:               o.counts.failed,
		Cancelled:            o.counts.cancelled,
		Resources:            resources,
		SynergyEnabled:       o.synergyEnabled,
		Features:             slices.Clone(o.features),
		MaintenanceRequested: len(o.maintenance) > 0,
	}
	for _, t := range o.pending {
		snap.Pending = append(snap.Pending, t.Clone())
	}
	for _, inf := range o.inflight {
		snap.InFlight = append(snap.InFlight, o.inflightCopyLocked(inf))
	}
	o.mu.Unlock()

	slices.SortFunc(snap.InFlight, func(a, b agent.Task) int { return cmp.Compare(a.Seq, b.Seq) })
	for i := range snap.Recent {
		snap.Recent[i] = snap.Recent[i].Clone()
	}
	busy := 0
	for _, v := range snap.Agents {
		if v.CurrentTask != "" {
			busy++
		}
	}
	snap.Performance = snapshot.Summarize(snap.Recent)
	snap.Performance.QueueDepth = len(snap.Pending)
	if len(snap.Agents) > 0 {
		snap.Performance.Utilization = float64(busy) / float64(len(snap.Agents))
	}
	snap.KnowledgeEntries = o.synergy.Len()
	return snap
}

// readProbe calls the resource probe. A panicking probe yields no metrics.
func (o *Orchestrator) readProbe() (out map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("resource probe panicked", zap.Any("panic", r))
			out = map[string]float64{}
		}
	}()
	if o.probe != nil {
		out = maps.Clone(o.probe())
	}
	if out == nil {
		out = map[string]float64{}
	}
	return out
}
