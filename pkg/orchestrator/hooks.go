package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/snapshot"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

var (
	_ workflow.Actuator   = (*Orchestrator)(nil)
	_ workflow.Maintainer = (*Orchestrator)(nil)
	_ workflow.Tuner      = (*Orchestrator)(nil)
)

var spanNames = map[string]string{
	workflow.NameHealing:     "Orchestrator.RunHealing",
	workflow.NameMaintenance: "Orchestrator.RunMaintenance",
	workflow.NameImprovement: "Orchestrator.RunImprovement",
}

const issueWorkflowPanic = "workflow_panic"

// Adjustment actions that make idle agents rebuild their lessons.
var learningActions = []string{"reinforce_learning", "reinforce-learning", "learn-from-feedback"}

// RunHealing detects issues in a fresh snapshot and repairs them through
// the orchestrator itself.
func (o *Orchestrator) RunHealing(ctx context.Context) workflow.Report {
	return o.runWorkflow(ctx, workflow.NameHealing, agent.StateHealing, agent.TypeMonitoring,
		func(ctx context.Context, snap snapshot.Snapshot) workflow.Report {
			return workflow.Heal(ctx, snap, o.cfg.HealingThresholds, o)
		})
}

// RunMaintenance runs the maintenance checklist and clears any pending
// maintenance request.
func (o *Orchestrator) RunMaintenance(ctx context.Context) workflow.Report {
	r := o.runWorkflow(ctx, workflow.NameMaintenance, agent.StateMaintaining, agent.TypeOptimization,
		func(ctx context.Context, snap snapshot.Snapshot) workflow.Report {
			return workflow.Maintain(ctx, snap, workflow.Checklist(o))
		})
	o.mu.Lock()
	o.maintenance = nil
	o.mu.Unlock()
	return r
}

// RunImprovement compares performance with the configured targets and
// hands each miss to Tune.
func (o *Orchestrator) RunImprovement(ctx context.Context) workflow.Report {
	return o.runWorkflow(ctx, workflow.NameImprovement, agent.StateImproving, agent.TypeOptimization,
		func(ctx context.Context, snap snapshot.Snapshot) workflow.Report {
			return workflow.Improve(ctx, snap, o.cfg.Targets(), o)
		})
}

// runWorkflow attributes the run to an idle agent (preferring one matching
// prefer) held in state for the duration. With no idle agent the workflow
// still runs, unattributed. The orchestrator lock is not held while fn runs.
func (o *Orchestrator) runWorkflow(ctx context.Context, name string, state agent.State, prefer agent.TaskType,
	fn func(context.Context, snapshot.Snapshot) workflow.Report,
) workflow.Report {
	ctx, span := o.tracer.Start(ctx, spanNames[name])
	defer span.End()
	span.SetAttributes(attribute.String("workflow", name))

	o.mu.Lock()
	worker := o.pickWorkerLocked(prefer)
	if worker != nil {
		if err := worker.EnterWorkflow(state); err != nil {
			worker = nil
		}
	}
	o.publishLocked()
	o.mu.Unlock()

	if worker != nil {
		// Released on every exit path, panics included.
		defer func() {
			if err := worker.ExitWorkflow(); err != nil {
				o.logger.Warn("exit workflow", zap.String("agent.id", worker.ID()), zap.Error(err))
			}
			o.Dispatch()
		}()
	}

	r := o.runGuarded(ctx, name, fn, o.Snapshot())
	r.ID = uuid.NewString()
	if worker != nil {
		r.Agent = worker.ID()
	}
	span.SetAttributes(attribute.String("workflow.status", r.Status), attribute.Int("workflow.issues", len(r.Issues)))
	o.metrics.IncWorkflow(name, r.Status)
	o.logger.Info("workflow finished",
		zap.String("workflow", name),
		zap.String("status", r.Status),
		zap.String("agent.id", r.Agent),
		zap.Int("issues", len(r.Issues)),
		zap.Int("actions", len(r.Actions)),
		zap.Duration("duration", r.Duration),
	)
	return r
}

// runGuarded turns a panic in fn into a degraded report.
func (o *Orchestrator) runGuarded(ctx context.Context, name string,
	fn func(context.Context, snapshot.Snapshot) workflow.Report, snap snapshot.Snapshot,
) (r workflow.Report) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("workflow panicked", zap.String("workflow", name), zap.Any("panic", p))
			r = workflow.Report{
				Workflow: name,
				At:       snap.TakenAt,
				Status:   workflow.StatusDegraded,
				Issues: []workflow.Issue{{
					Kind:     issueWorkflowPanic,
					Severity: workflow.SeverityCritical,
					Detail:   fmt.Sprint(p),
				}},
			}
		}
	}()
	return fn(ctx, snap)
}

func (o *Orchestrator) pickWorkerLocked(prefer agent.TaskType) *agent.Agent {
	var fallback *agent.Agent
	for _, id := range o.order {
		a := o.agents[id]
		if a.State() != agent.StateIdle {
			continue
		}
		if a.Matches(prefer) {
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback
}

// ReleaseMemory drops every agent's experience memory. Lessons survive.
func (o *Orchestrator) ReleaseMemory(context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, id := range o.order {
		n += o.agents[id].ReleaseMemory()
	}
	return n, nil
}

// RequestMaintenance records reason; the scheduler runs maintenance on its
// next cycle.
func (o *Orchestrator) RequestMaintenance(_ context.Context, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maintenance = append(o.maintenance, reason)
	o.logger.Info("maintenance requested", zap.String("reason", reason))
	return nil
}

// TakeMaintenanceRequest reports and clears pending maintenance requests.
func (o *Orchestrator) TakeMaintenanceRequest() (bool, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reasons := o.maintenance
	o.maintenance = nil
	return len(reasons) > 0, reasons
}

// TrimCompletedLog drops completed tasks older than the retention TTL.
// The count cap is enforced on every insert.
func (o *Orchestrator) TrimCompletedLog(context.Context) (int, error) {
	ttl := o.cfg.Retention.TTL
	if ttl <= 0 {
		return 0, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-ttl)
	n := 0
	for _, id := range o.completed.Keys() {
		t, ok := o.completed.Peek(id)
		if !ok {
			continue
		}
		at := t.FinishedAt
		if at.IsZero() {
			at = t.SubmittedAt
		}
		if at.Before(cutoff) {
			o.completed.Remove(id)
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) EvictExpiredKnowledge(context.Context) (int, error) {
	return o.synergy.EvictExpired(), nil
}

// CompactAgentMemory merges repeated experiences in every agent's memory.
func (o *Orchestrator) CompactAgentMemory(context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, id := range o.order {
		n += o.agents[id].CompactMemory()
	}
	return n, nil
}

// Tune records adj. Learning actions make every idle agent reprocess its
// experience; other actions are recorded only.
func (o *Orchestrator) Tune(ctx context.Context, adj workflow.Adjustment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tunings = append(o.tunings, adj)
	if over := len(o.tunings) - tuningLogCap; over > 0 {
		o.tunings = slices.Delete(o.tunings, 0, over)
	}
	o.logger.Info("tuning applied", zap.String("source", adj.Source), zap.String("action", adj.Action),
		zap.String("metric", adj.Metric), zap.Float64("value", adj.Value), zap.Float64("target", adj.Target))
	if !slices.Contains(learningActions, adj.Action) {
		return nil
	}
	// Held under the orchestrator lock so no task can be assigned to an
	// agent while it is Learning.
	for _, id := range o.order {
		a := o.agents[id]
		if a.State() != agent.StateIdle {
			continue
		}
		if _, err := a.ProcessExperience(ctx); err != nil {
			o.logger.Debug("process experience", zap.String("agent.id", id), zap.Error(err))
		}
	}
	return nil
}

// Tunings returns the recorded adjustments, oldest first.
func (o *Orchestrator) Tunings() []workflow.Adjustment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.tunings)
}

// Now reads the orchestrator's clock.
func (o *Orchestrator) Now() time.Time { return o.now() }
