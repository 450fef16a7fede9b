// Package workflow implements the three system routines run against a
// snapshot: self-healing, maintenance and improvement.
//
// Each routine is a function of its snapshot and configuration. Side effects
// happen only through the hook interfaces (Actuator, Maintainer, Tuner) the
// caller passes in. A routine never fails its caller: hook errors and panics
// are captured per action in the returned Report.
package workflow

import (
	"context"
	"fmt"
	"time"
)

const (
	NameHealing     = "healing"
	NameMaintenance = "maintenance"
	NameImprovement = "improvement"
)

// Severity of a detected issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Report statuses.
const (
	StatusHealthy  = "healthy"
	StatusHealed   = "healed"
	StatusDegraded = "degraded"
	StatusOK       = "ok"
	StatusPartial  = "partial"
)

// Issue is one detected problem.
type Issue struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	// Subject is the agent id or metric name the issue is about.
	Subject string  `json:"subject,omitempty"`
	Detail  string  `json:"detail,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

// Action is one repair, checklist step or tuning applied by a workflow.
type Action struct {
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
	// Issue is the index into Report.Issues this action answers, -1 for none.
	Issue    int    `json:"issue"`
	Success  bool   `json:"success"`
	Affected int    `json:"affected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Direction says which way a metric should move.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Opportunity is a metric found on the wrong side of its target.
type Opportunity struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Target    float64   `json:"target"`
	Direction Direction `json:"direction"`
	Action    string    `json:"action"`
}

// Report is the immutable result of one workflow run.
type Report struct {
	ID       string        `json:"id,omitempty"`
	Workflow string        `json:"workflow"`
	Agent    string        `json:"agent,omitempty"`
	At       time.Time     `json:"timestamp"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`

	Issues        []Issue       `json:"issues_found"`
	Actions       []Action      `json:"actions"`
	Opportunities []Opportunity `json:"opportunities,omitempty"`

	// RepairsApplied holds the successful repairs; each names the issue it
	// answers by index into Issues.
	RepairsApplied   []Action `json:"repairs_applied,omitempty"`
	RepairsCount     int      `json:"repairs_count"`
	TasksCompleted   int      `json:"tasks_completed"`
	ImprovementsMade int      `json:"improvements_made"`
}

// Repairs returns the successful actions paired with an issue.
func (r Report) Repairs() []Action {
	var out []Action
	for _, a := range r.Actions {
		if a.Issue >= 0 && a.Success {
			out = append(out, a)
		}
	}
	return out
}

// Unrepaired returns indexes of issues no successful action answered.
func (r Report) Unrepaired() []int {
	fixed := make(map[int]bool, len(r.Actions))
	for _, a := range r.Actions {
		if a.Success {
			fixed[a.Issue] = true
		}
	}
	var out []int
	for i := range r.Issues {
		if !fixed[i] {
			out = append(out, i)
		}
	}
	return out
}

// Adjustment is a logical tuning request handed to a Tuner.
type Adjustment struct {
	Source string  `json:"source"`
	Action string  `json:"action"`
	Metric string  `json:"metric,omitempty"`
	Value  float64 `json:"value,omitempty"`
	Target float64 `json:"target,omitempty"`
}

// Tuner is the hook an integration layer implements to act on improvement
// and evolution decisions.
type Tuner interface {
	Tune(ctx context.Context, adj Adjustment) error
}

// TunerFunc adapts a function to Tuner.
type TunerFunc func(ctx context.Context, adj Adjustment) error

func (f TunerFunc) Tune(ctx context.Context, adj Adjustment) error { return f(ctx, adj) }

// Actuator carries out healing repairs.
type Actuator interface {
	// ResetAgent returns a stalled agent to Idle, requeueing its task.
	ResetAgent(ctx context.Context, id string) error
	// ReleaseMemory frees caches (agent memories, retained results) and
	// reports how many entries were dropped.
	ReleaseMemory(ctx context.Context) (int, error)
	// RequestMaintenance asks for a maintenance pass at the next opportunity.
	RequestMaintenance(ctx context.Context, reason string) error
}

// Maintainer carries out the maintenance checklist.
type Maintainer interface {
	TrimCompletedLog(ctx context.Context) (int, error)
	EvictExpiredKnowledge(ctx context.Context) (int, error)
	CompactAgentMemory(ctx context.Context) (int, error)
}

// apply runs fn, converting a panic into an error so one bad hook cannot
// unwind the workflow.
func apply(ctx context.Context, fn func(context.Context) (int, error)) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return fn(ctx)
}

func record(a *Action, n int, err error) {
	if err != nil {
		a.Error = err.Error()
		return
	}
	a.Success = true
	a.Affected = n
}
