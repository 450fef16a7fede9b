package workflow

import (
	"context"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/snapshot"
)

// Checklist step names.
const (
	StepTrimCompletedLog      = "trim_completed_log"
	StepEvictExpiredKnowledge = "evict_expired_knowledge"
	StepCompactAgentMemory    = "compact_agent_memory"
)

// Step is one maintenance checklist item. Run returns how many items it
// cleaned up.
type Step struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Checklist returns the standard maintenance steps backed by m.
func Checklist(m Maintainer) []Step {
	return []Step{
		{Name: StepTrimCompletedLog, Run: m.TrimCompletedLog},
		{Name: StepEvictExpiredKnowledge, Run: m.EvictExpiredKnowledge},
		{Name: StepCompactAgentMemory, Run: m.CompactAgentMemory},
	}
}

// Maintain runs every step in order. A failing or panicking step is
// recorded and the remaining steps still run; TasksCompleted counts the
// steps that succeeded.
func Maintain(ctx context.Context, snap snapshot.Snapshot, steps []Step) Report {
	start := time.Now()
	r := Report{Workflow: NameMaintenance, At: snap.TakenAt, Actions: make([]Action, 0, len(steps))}
	for _, s := range steps {
		a := Action{Name: s.Name, Issue: -1}
		if s.Run == nil {
			a.Error = "step has no implementation"
		} else {
			n, err := apply(ctx, s.Run)
			record(&a, n, err)
		}
		if a.Success {
			r.TasksCompleted++
		}
		r.Actions = append(r.Actions, a)
	}
	r.Status = StatusOK
	if r.TasksCompleted < len(steps) {
		r.Status = StatusPartial
	}
	r.Duration = time.Since(start)
	return r
}
