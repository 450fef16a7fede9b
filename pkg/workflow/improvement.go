package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/snapshot"
)

// Target is the goal for one metric and the tuning applied when missed.
type Target struct {
	Metric    string    `yaml:"metric" json:"metric"`
	Goal      float64   `yaml:"goal" json:"goal"`
	Direction Direction `yaml:"direction" json:"direction"`
	Action    string    `yaml:"action" json:"action"`
}

// Missed reports whether v is on the wrong side of the goal.
func (t Target) Missed(v float64) bool {
	if t.Direction == Minimize {
		return v > t.Goal
	}
	return v < t.Goal
}

// DefaultTargets keeps latency at or under 100ms and success rate at or
// above 95%.
func DefaultTargets() []Target {
	return []Target{
		{Metric: "latency_ms", Goal: 100, Direction: Minimize, Action: "reduce_latency"},
		{Metric: "success_rate", Goal: 0.95, Direction: Maximize, Action: "reinforce_learning"},
	}
}

var performanceMetrics = []string{"throughput", "latency_ms", "success_rate", "error_rate", "utilization"}

// Improve compares snapshot metrics against targets and, for every missed
// target, records an opportunity and hands an Adjustment to tuner. Metrics
// absent from the snapshot are skipped. Task-derived metrics are absent
// until at least one task finished. A nil tuner applies adjustments
// logically only.
func Improve(ctx context.Context, snap snapshot.Snapshot, targets []Target, tuner Tuner) Report {
	start := time.Now()
	r := Report{Workflow: NameImprovement, At: snap.TakenAt}

	metrics := snap.Metrics()
	if snap.Performance.Samples == 0 {
		for _, m := range performanceMetrics {
			if _, fromProbe := snap.Resources[m]; !fromProbe {
				delete(metrics, m)
			}
		}
	}

	for _, t := range targets {
		v, ok := metrics[t.Metric]
		if !ok || !t.Missed(v) {
			continue
		}
		action := t.Action
		if action == "" {
			action = "improve_" + t.Metric
		}
		r.Opportunities = append(r.Opportunities, Opportunity{
			Metric: t.Metric, Value: v, Target: t.Goal, Direction: t.Direction, Action: action,
		})
		r.Issues = append(r.Issues, Issue{
			Kind: "below_target", Severity: SeverityInfo, Subject: t.Metric, Value: v,
			Detail: fmt.Sprintf("%s=%.3f target %s %.3f", t.Metric, v, t.Direction, t.Goal),
		})
		a := Action{Name: action, Target: t.Metric, Issue: len(r.Issues) - 1}
		adj := Adjustment{Source: NameImprovement, Action: action, Metric: t.Metric, Value: v, Target: t.Goal}
		n, err := apply(ctx, func(ctx context.Context) (int, error) {
			if tuner == nil {
				return 1, nil
			}
			return 1, tuner.Tune(ctx, adj)
		})
		record(&a, n, err)
		if a.Success {
			r.ImprovementsMade++
		}
		r.Actions = append(r.Actions, a)
	}

	r.Status = StatusOK
	if r.ImprovementsMade < len(r.Opportunities) {
		r.Status = StatusPartial
	}
	r.Duration = time.Since(start)
	return r
}
