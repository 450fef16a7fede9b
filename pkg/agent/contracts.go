// Package agent defines the cognitive agent: a worker with its own state
// machine and bounded experience memory that executes one task at a time
// through an external Executor.
//
// The package provides:
//   - the Agent state machine (Idle, Active, Learning, Healing, Maintaining, Improving)
//   - Task and its lifecycle statuses
//   - the Executor contract consumed for the actual work
//   - Experience records and the lessons derived from them
//   - a TypeRegistry that validates submitted payloads per task type
//
// Example usage:
//
//	a := agent.New("agent_0",
//		agent.WithRole("inference"),
//		agent.WithMemoryCap(100),
//		agent.WithExecutor(agent.NewRouter(nil)),
//	)
//	if err := a.Assign(task); err != nil {
//		// errmodel.IsInvalidState(err)
//	}
//	out, _ := a.Execute(ctx)
package agent

import (
	"context"
	"time"
)

// State is the operational state of an agent.
type State string

const (
	StateIdle        State = "idle"
	StateActive      State = "active"
	StateLearning    State = "learning"
	StateHealing     State = "healing"
	StateMaintaining State = "maintaining"
	StateImproving   State = "improving"
)

// IsWorkflow reports whether s is one of the workflow states.
func (s State) IsWorkflow() bool {
	return s == StateHealing || s == StateMaintaining || s == StateImproving
}

// TaskType tags a task's payload. The built-in set is closed; further types
// are added through a TypeRegistry.
type TaskType string

const (
	TypeInference    TaskType = "inference"
	TypeMonitoring   TaskType = "monitoring"
	TypeOptimization TaskType = "optimization"
	TypeCustom       TaskType = "custom"
)

// TaskStatus tracks a task from submission to its final outcome.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work. Payload is opaque to the core and never mutated
// after submission; status and result are written only by the dispatcher and
// the agent handling the task.
type Task struct {
	ID       string   `json:"id"`
	Type     TaskType `json:"type"`
	Payload  any      `json:"payload"`
	Priority int      `json:"priority"`
	// Requires lists capabilities the task declares as required.
	Requires []string `json:"requires,omitempty"`
	// Seq is the submission sequence number; it breaks ties within a priority tier.
	Seq         uint64    `json:"seq"`
	SubmittedAt time.Time `json:"submitted_at"`

	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Clone returns a copy that shares only the immutable payload.
func (t Task) Clone() Task {
	if t.Requires != nil {
		t.Requires = append([]string(nil), t.Requires...)
	}
	return t
}

// Latency is the time spent running, zero until the task finished.
func (t Task) Latency() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Result is what an Executor reports for one payload.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor is the external collaborator that performs a task's work
// (inference backend, monitor probe, ...). Implementations may block for an
// unbounded duration, must honor ctx where they can and are not assumed to be
// free of side effects.
type Executor interface {
	Execute(ctx context.Context, typ TaskType, payload any) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, typ TaskType, payload any) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, typ TaskType, payload any) (Result, error) {
	return f(ctx, typ, payload)
}

// OutcomeKind classifies an experience.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Experience is one entry of an agent's memory.
type Experience struct {
	TaskID    string        `json:"task_id"`
	TaskType  TaskType      `json:"task_type"`
	Outcome   OutcomeKind   `json:"outcome"`
	Lesson    string        `json:"lesson"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
	// Count is how many identical consecutive experiences were compacted into this one.
	Count int `json:"count"`
}

// Lesson is the knowledge an agent derives from its experiences for one task
// type. With cognitive synergy enabled lessons are shared under LessonKey.
type Lesson struct {
	TaskType  TaskType    `json:"task_type"`
	Agent     string      `json:"agent"`
	Outcome   OutcomeKind `json:"outcome"`
	Summary   string      `json:"summary"`
	Successes int         `json:"successes"`
	Failures  int         `json:"failures"`
	At        time.Time   `json:"at"`
}

// LessonKey is the synergy key lessons for typ are shared under.
func LessonKey(typ TaskType) string { return "lesson/" + string(typ) }

// KnowledgeSink is the agent's view of the shared knowledge store.
type KnowledgeSink interface {
	// Share upserts key with provenance source.
	Share(key string, value any, source string) error
	// Recall returns the current value and its source agent.
	Recall(key string) (value any, source string, ok bool)
}

// Messenger carries agent-to-agent messages into the knowledge store.
type Messenger interface {
	// Send posts a message without waiting for delivery; false means it was dropped.
	Send(from, to, key string, value any) bool
}

// Outcome is what Execute hands back to the dispatcher.
type Outcome struct {
	Task       Task       `json:"task"`
	Experience Experience `json:"experience"`
	// Err is the CollaboratorError recorded on a failed task.
	Err error `json:"-"`
	// Discarded is set when the task was unbound (reset, forced removal or
	// cancellation) while the executor was still running; the result was dropped.
	Discarded bool `json:"discarded"`
}

// View is a point-in-time copy of an agent's observable fields.
type View struct {
	ID           string        `json:"agent_id"`
	Role         string        `json:"role"`
	Capabilities []string      `json:"capabilities"`
	State        State         `json:"state"`
	StateSince   time.Time     `json:"state_since"`
	CurrentTask  string        `json:"current_task,omitempty"`
	Running      bool          `json:"running"`
	MemorySize   int           `json:"experience_count"`
	MemoryCap    int           `json:"memory_cap"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

// FailureRate is failed / (completed + failed), zero without samples.
func (v View) FailureRate() float64 {
	total := v.Completed + v.Failed
	if total == 0 {
		return 0
	}
	return float64(v.Failed) / float64(total)
}
