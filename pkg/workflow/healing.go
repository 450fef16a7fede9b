package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/snapshot"
)

// Issue kinds detected by Heal.
const (
	IssueHighMemory    = "high_memory"
	IssueStalledAgent  = "stalled_agent"
	IssueDegradedAgent = "degraded_agent"
	IssueQueueBacklog  = "queue_backlog"
	IssueNoAgents      = "no_agents"
)

// Repair action names.
const (
	RepairClearCache         = "clear_cache"
	RepairResetAgent         = "reset_agent"
	RepairRequestMaintenance = "request_maintenance"
)

// HealingThresholds configures issue detection. Comparisons are strict:
// a metric equal to its threshold is not an issue.
type HealingThresholds struct {
	MemoryWarning  float64       `yaml:"memory_usage_warning" json:"memory_usage_warning"`
	MemoryCritical float64       `yaml:"memory_usage_critical" json:"memory_usage_critical"`
	StallDuration  time.Duration `yaml:"stall_duration" json:"stall_duration"`
	FailureRate    float64       `yaml:"failure_rate" json:"failure_rate"`
	// FailureMinSamples is how many finished tasks an agent needs before its
	// failure rate is judged.
	FailureMinSamples int `yaml:"failure_min_samples" json:"failure_min_samples"`
	// QueueBacklog is the pending depth that counts as a backlog when no agent is idle.
	QueueBacklog int `yaml:"queue_backlog" json:"queue_backlog"`
}

func DefaultHealingThresholds() HealingThresholds {
	return HealingThresholds{
		MemoryWarning:     80,
		MemoryCritical:    95,
		StallDuration:     5 * time.Minute,
		FailureRate:       0.5,
		FailureMinSamples: 4,
		QueueBacklog:      10,
	}
}

// Detect lists the issues visible in snap. It does not act on them.
func Detect(snap snapshot.Snapshot, th HealingThresholds) []Issue {
	var issues []Issue

	if mem, ok := snap.Resources["memory_usage"]; ok {
		switch {
		case mem > th.MemoryCritical:
			issues = append(issues, Issue{Kind: IssueHighMemory, Severity: SeverityCritical, Subject: "memory_usage", Value: mem,
				Detail: fmt.Sprintf("memory usage %.1f above %.1f", mem, th.MemoryCritical)})
		case mem > th.MemoryWarning:
			issues = append(issues, Issue{Kind: IssueHighMemory, Severity: SeverityWarning, Subject: "memory_usage", Value: mem,
				Detail: fmt.Sprintf("memory usage %.1f above %.1f", mem, th.MemoryWarning)})
		}
	}

	for _, v := range snap.Agents {
		if v.State == agent.StateActive && th.StallDuration > 0 {
			if held := snap.TakenAt.Sub(v.StateSince); held > th.StallDuration {
				issues = append(issues, Issue{Kind: IssueStalledAgent, Severity: SeverityWarning, Subject: v.ID, Value: held.Seconds(),
					Detail: fmt.Sprintf("active on %s for %s", v.CurrentTask, held.Round(time.Second))})
			}
		}
		if n := v.Completed + v.Failed; n >= max(th.FailureMinSamples, 1) && v.FailureRate() > th.FailureRate {
			issues = append(issues, Issue{Kind: IssueDegradedAgent, Severity: SeverityWarning, Subject: v.ID, Value: v.FailureRate(),
				Detail: fmt.Sprintf("%d of %d tasks failed", v.Failed, n)})
		}
	}

	switch {
	case len(snap.Agents) == 0:
		issues = append(issues, Issue{Kind: IssueNoAgents, Severity: SeverityCritical, Value: float64(len(snap.Pending)),
			Detail: "no agents registered"})
	case th.QueueBacklog > 0 && len(snap.Pending) > th.QueueBacklog && snap.IdleAgents() == 0:
		issues = append(issues, Issue{Kind: IssueQueueBacklog, Severity: SeverityWarning, Value: float64(len(snap.Pending)),
			Detail: fmt.Sprintf("%d tasks pending with no idle agent", len(snap.Pending))})
	}
	return issues
}

// Heal detects issues in snap and applies the matching repair for each one
// through act. Issues without a repair (or with a nil actuator) are reported
// but left unrepaired.
func Heal(ctx context.Context, snap snapshot.Snapshot, th HealingThresholds, act Actuator) Report {
	start := time.Now()
	r := Report{Workflow: NameHealing, At: snap.TakenAt}
	r.Issues = Detect(snap, th)

	for i, is := range r.Issues {
		a, fn := repairFor(is, act)
		if fn == nil {
			continue
		}
		a.Issue = i
		n, err := apply(ctx, fn)
		record(&a, n, err)
		r.Actions = append(r.Actions, a)
		if a.Success {
			r.RepairsApplied = append(r.RepairsApplied, a)
			r.RepairsCount++
		}
	}

	switch {
	case len(r.Issues) == 0:
		r.Status = StatusHealthy
	case len(r.Unrepaired()) == 0:
		r.Status = StatusHealed
	default:
		r.Status = StatusDegraded
	}
	r.Duration = time.Since(start)
	return r
}

func repairFor(is Issue, act Actuator) (Action, func(context.Context) (int, error)) {
	if act == nil {
		return Action{}, nil
	}
	switch is.Kind {
	case IssueHighMemory:
		return Action{Name: RepairClearCache, Target: is.Subject}, act.ReleaseMemory
	case IssueStalledAgent:
		return Action{Name: RepairResetAgent, Target: is.Subject}, func(ctx context.Context) (int, error) {
			return 1, act.ResetAgent(ctx, is.Subject)
		}
	case IssueDegradedAgent:
		return Action{Name: RepairRequestMaintenance, Target: is.Subject}, func(ctx context.Context) (int, error) {
			return 1, act.RequestMaintenance(ctx, fmt.Sprintf("%s on %s", is.Kind, is.Subject))
		}
	}
	return Action{}, nil
}
