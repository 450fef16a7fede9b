package agent

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/errmodel"
)

// Agent is a cognitive worker. All fields are guarded by mu; id, role and
// capabilities are fixed at construction and may be read without it.
//
// Callers that also hold the orchestrator's lock must acquire it first.
type Agent struct {
	id           string
	role         string
	capabilities []string

	mu         sync.Mutex
	state      State
	stateSince time.Time
	// resume is the state ProcessExperience returns to.
	resume  State
	current *Task
	running bool

	memory    []Experience
	memoryCap int
	lessons   map[TaskType]Lesson

	completed    int
	failed       int
	latencyTotal time.Duration

	executor Executor
	sink     KnowledgeSink
	mailer   Messenger
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithRole sets the specialization tag matched against task types.
func WithRole(role string) Option { return func(a *Agent) { a.role = role } }

// WithCapabilities declares extra capabilities the dispatcher and autognosis see.
func WithCapabilities(caps ...string) Option {
	return func(a *Agent) { a.capabilities = append(a.capabilities, caps...) }
}

// WithMemoryCap bounds the experience memory; 0 keeps it unbounded.
func WithMemoryCap(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.memoryCap = n
		}
	}
}

func WithExecutor(e Executor) Option { return func(a *Agent) { a.executor = e } }

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithKnowledge attaches the shared knowledge sink at construction.
func WithKnowledge(k KnowledgeSink) Option { return func(a *Agent) { a.sink = k } }

// WithMessenger attaches the channel Communicate posts to.
func WithMessenger(m Messenger) Option { return func(a *Agent) { a.mailer = m } }

// New constructs an Idle agent.
func New(id string, opts ...Option) *Agent {
	a := &Agent{
		id:      id,
		state:   StateIdle,
		lessons: map[TaskType]Lesson{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.capabilities = dedupe(a.capabilities)
	a.stateSince = a.now()
	a.logger = a.logger.Named("agent").With(zap.String("agent.id", id))
	return a
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Role() string { return a.role }

// Capabilities returns a copy of the declared capabilities.
func (a *Agent) Capabilities() []string { return slices.Clone(a.capabilities) }

// Matches reports whether the agent's role or a declared capability names typ.
func (a *Agent) Matches(typ TaskType) bool {
	if a.role == string(typ) {
		return true
	}
	return slices.Contains(a.capabilities, string(typ))
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetKnowledge attaches or detaches (nil) the knowledge sink.
func (a *Agent) SetKnowledge(k KnowledgeSink) {
	a.mu.Lock()
	a.sink = k
	a.mu.Unlock()
}

// SetMessenger attaches or detaches (nil) the messenger.
func (a *Agent) SetMessenger(m Messenger) {
	a.mu.Lock()
	a.mailer = m
	a.mu.Unlock()
}

// SetExecutor replaces the executor used for subsequent tasks.
func (a *Agent) SetExecutor(e Executor) {
	a.mu.Lock()
	a.executor = e
	a.mu.Unlock()
}

func (a *Agent) Executor() Executor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executor
}

func (a *Agent) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.state = s
	a.stateSince = a.now()
}

// Assign binds t and moves the agent to Active. It fails with an
// InvalidStateError unless the agent is Idle.
func (a *Agent) Assign(t *Task) error {
	if t == nil {
		return errmodel.Validation("missing_task", "task is nil", map[string]any{"agent": a.id})
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return errmodel.InvalidState("not_idle", fmt.Sprintf("agent %s is %s", a.id, a.state),
			map[string]any{"agent": a.id, "state": string(a.state), "task": t.ID})
	}
	t.Status = StatusAssigned
	t.AssignedTo = a.id
	a.current = t
	a.setStateLocked(StateActive)
	return nil
}

// Execute runs the bound task through the executor. The agent lock is not
// held while the executor runs. Any executor error, panic or unsuccessful
// result becomes a Failed task carrying a CollaboratorError; the returned
// error is reserved for calling Execute in the wrong state.
func (a *Agent) Execute(ctx context.Context) (Outcome, error) {
	return a.execute(ctx, nil)
}

// ExecuteTask is Execute guarded against a stale caller: it fails with an
// InvalidStateError unless t is the task currently bound to the agent.
func (a *Agent) ExecuteTask(ctx context.Context, t *Task) (Outcome, error) {
	if t == nil {
		return Outcome{}, errmodel.Validation("missing_task", "task is nil", map[string]any{"agent": a.id})
	}
	return a.execute(ctx, t)
}

func (a *Agent) execute(ctx context.Context, want *Task) (Outcome, error) {
	a.mu.Lock()
	if want != nil && a.current != want {
		a.mu.Unlock()
		return Outcome{}, errmodel.InvalidState("not_bound", fmt.Sprintf("task %s is not bound to agent %s", want.ID, a.id),
			map[string]any{"agent": a.id, "task": want.ID})
	}
	if a.state != StateActive || a.current == nil {
		st := a.state
		a.mu.Unlock()
		return Outcome{}, errmodel.InvalidState("no_task", fmt.Sprintf("agent %s has no task to execute", a.id),
			map[string]any{"agent": a.id, "state": string(st)})
	}
	if a.running {
		a.mu.Unlock()
		return Outcome{}, errmodel.InvalidState("already_running", fmt.Sprintf("agent %s is already executing", a.id),
			map[string]any{"agent": a.id})
	}
	t := a.current
	a.running = true
	t.Status = StatusRunning
	t.StartedAt = a.now()
	t.Attempts++
	typ, payload, taskID := t.Type, t.Payload, t.ID
	exec, sink := a.executor, a.sink
	a.mu.Unlock()

	if sink != nil {
		if v, src, ok := sink.Recall(LessonKey(typ)); ok {
			ctx = WithHint(ctx, Hint{Key: LessonKey(typ), Value: v, Source: src})
		}
	}
	res, cerr := a.invoke(ctx, exec, typ, payload, taskID)

	a.mu.Lock()
	if a.current != t {
		// Unbound while running: the task belongs to someone else now.
		a.mu.Unlock()
		a.logger.Debug("discarding result of unbound task", zap.String("task.id", taskID))
		return Outcome{Discarded: true, Task: Task{ID: taskID, Type: typ}}, nil
	}
	t.FinishedAt = a.now()
	exp := Experience{TaskID: taskID, TaskType: typ, Latency: t.Latency(), Timestamp: t.FinishedAt, Count: 1}
	if cerr != nil {
		t.Status = StatusFailed
		t.Error = cerr.Error()
		t.Result = nil
		a.failed++
		exp.Outcome = OutcomeFailure
		exp.Lesson = fmt.Sprintf("failed %s: %s", typ, errmodel.From(cerr).Code)
	} else {
		t.Status = StatusCompleted
		t.Result = res.Output
		a.completed++
		exp.Outcome = OutcomeSuccess
		exp.Lesson = fmt.Sprintf("completed %s", typ)
	}
	a.latencyTotal += exp.Latency
	a.current = nil
	a.running = false
	if a.state == StateActive {
		a.setStateLocked(StateIdle)
	}
	out := Outcome{Task: t.Clone(), Experience: exp, Err: cerr}
	lesson, share := a.learnLocked(exp)
	a.mu.Unlock()

	if share != nil {
		a.shareLesson(share, lesson)
	}
	if cerr != nil {
		a.logger.Warn("task failed", zap.String("task.id", taskID), zap.Error(cerr))
	}
	return out, nil
}

func (a *Agent) invoke(ctx context.Context, exec Executor, typ TaskType, payload any, taskID string) (res Result, cerr error) {
	errCtx := map[string]any{"agent": a.id, "task": taskID, "type": string(typ)}
	defer func() {
		if r := recover(); r != nil {
			cerr = errmodel.Collaborator("execute_panic", fmt.Sprint(r), errCtx, nil)
		}
	}()
	if exec == nil {
		return Result{}, errmodel.Collaborator("no_executor", "agent has no executor", errCtx, nil)
	}
	res, err := exec.Execute(ctx, typ, payload)
	if err != nil {
		return res, errmodel.Collaborator("execute_failed", err.Error(), errCtx, err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return res, errmodel.Collaborator("execute_unsuccessful", msg, errCtx, nil)
	}
	return res, nil
}

// Learn appends exp to memory, evicting the oldest entries once the cap is
// exceeded. With a knowledge sink attached the derived lesson is shared.
func (a *Agent) Learn(exp Experience) {
	a.mu.Lock()
	if exp.Timestamp.IsZero() {
		exp.Timestamp = a.now()
	}
	if exp.Count == 0 {
		exp.Count = 1
	}
	lesson, share := a.learnLocked(exp)
	a.mu.Unlock()
	if share != nil {
		a.shareLesson(share, lesson)
	}
}

// learnLocked appends exp and refreshes the lesson for its type. It returns
// the sink to share with outside the lock, nil when synergy is off.
func (a *Agent) learnLocked(exp Experience) (Lesson, KnowledgeSink) {
	a.memory = append(a.memory, exp)
	if a.memoryCap > 0 && len(a.memory) > a.memoryCap {
		drop := len(a.memory) - a.memoryCap
		n := copy(a.memory, a.memory[drop:])
		clear(a.memory[n:])
		a.memory = a.memory[:n]
	}
	l := a.lessons[exp.TaskType]
	l.TaskType = exp.TaskType
	l.Agent = a.id
	l.Outcome = exp.Outcome
	l.Summary = exp.Lesson
	l.At = exp.Timestamp
	if exp.Outcome == OutcomeFailure {
		l.Failures += exp.Count
	} else {
		l.Successes += exp.Count
	}
	a.lessons[exp.TaskType] = l
	return l, a.sink
}

func (a *Agent) shareLesson(sink KnowledgeSink, l Lesson) {
	if err := sink.Share(LessonKey(l.TaskType), l, a.id); err != nil {
		a.logger.Warn("share lesson", zap.String("task.type", string(l.TaskType)), zap.Error(err))
	}
}

// Memory returns a copy of the experience memory, oldest first.
func (a *Agent) Memory() []Experience {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.memory)
}

// Lessons returns the per-type lessons derived so far.
func (a *Agent) Lessons() map[TaskType]Lesson {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[TaskType]Lesson, len(a.lessons))
	for k, v := range a.lessons {
		out[k] = v
	}
	return out
}

// ProcessExperience moves the agent through Learning: lessons are rebuilt
// from memory and shared when synergy is on. The agent returns to the state
// it was in. Only Idle agents and Active agents whose task has not started
// may learn.
func (a *Agent) ProcessExperience(ctx context.Context) ([]Lesson, error) {
	a.mu.Lock()
	if !(a.state == StateIdle || (a.state == StateActive && !a.running)) {
		st := a.state
		a.mu.Unlock()
		return nil, errmodel.InvalidState("cannot_learn", fmt.Sprintf("agent %s is %s", a.id, st),
			map[string]any{"agent": a.id, "state": string(st)})
	}
	a.resume = a.state
	a.setStateLocked(StateLearning)
	mem := slices.Clone(a.memory)
	a.mu.Unlock()

	derived := deriveLessons(a.id, mem)

	a.mu.Lock()
	for _, l := range derived {
		a.lessons[l.TaskType] = l
	}
	sink := a.sink
	if a.state == StateLearning {
		a.setStateLocked(a.resume)
	}
	a.mu.Unlock()

	if sink != nil {
		for _, l := range derived {
			if ctx.Err() != nil {
				break
			}
			a.shareLesson(sink, l)
		}
	}
	return derived, nil
}

func deriveLessons(agentID string, mem []Experience) []Lesson {
	byType := map[TaskType]*Lesson{}
	var order []TaskType
	for _, e := range mem {
		l, ok := byType[e.TaskType]
		if !ok {
			l = &Lesson{TaskType: e.TaskType, Agent: agentID}
			byType[e.TaskType] = l
			order = append(order, e.TaskType)
		}
		if e.Outcome == OutcomeFailure {
			l.Failures += e.Count
		} else {
			l.Successes += e.Count
		}
		l.Outcome = e.Outcome
		l.At = e.Timestamp
	}
	out := make([]Lesson, 0, len(order))
	for _, typ := range order {
		l := byType[typ]
		l.Summary = fmt.Sprintf("%s: %d/%d succeeded", typ, l.Successes, l.Successes+l.Failures)
		out = append(out, *l)
	}
	return out
}

// EnterWorkflow places the agent in a workflow state on behalf of a
// workflow invocation.
func (a *Agent) EnterWorkflow(s State) error {
	if !s.IsWorkflow() {
		return errmodel.Validation("bad_state", fmt.Sprintf("%s is not a workflow state", s), map[string]any{"agent": a.id})
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !(a.state == StateIdle || (a.state == StateActive && !a.running)) {
		return errmodel.InvalidState("not_available", fmt.Sprintf("agent %s is %s", a.id, a.state),
			map[string]any{"agent": a.id, "state": string(a.state)})
	}
	a.setStateLocked(s)
	return nil
}

// ExitWorkflow returns the agent to Idle, or to Active when a task is still bound.
func (a *Agent) ExitWorkflow() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.IsWorkflow() {
		return errmodel.InvalidState("not_in_workflow", fmt.Sprintf("agent %s is %s", a.id, a.state),
			map[string]any{"agent": a.id, "state": string(a.state)})
	}
	if a.current != nil {
		a.setStateLocked(StateActive)
	} else {
		a.setStateLocked(StateIdle)
	}
	return nil
}

// Communicate posts a knowledge message to peer without waiting for it to be
// delivered. It reports false when no messenger is attached or the message
// was dropped. Messaging does not depend on the knowledge sink.
func (a *Agent) Communicate(peer, key string, value any) bool {
	a.mu.Lock()
	m := a.mailer
	a.mu.Unlock()
	if m == nil {
		return false
	}
	return m.Send(a.id, peer, key, value)
}

// Reset unbinds the current task (if any) and returns the agent to Idle.
// A still-running executor call finishes in the background and its result is
// discarded. The returned task is owned by the caller.
func (a *Agent) Reset() *Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.current
	a.current = nil
	a.running = false
	a.setStateLocked(StateIdle)
	return t
}

// ReleaseMemory drops the whole experience memory and returns how many
// entries were freed. Lessons already derived are kept.
func (a *Agent) ReleaseMemory() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.memory)
	a.memory = nil
	return n
}

// CompactMemory merges runs of consecutive experiences with the same type,
// outcome and lesson into one entry that keeps the latest timestamp and the
// summed count. It returns how many entries were removed.
func (a *Agent) CompactMemory() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.memory) < 2 {
		return 0
	}
	out := a.memory[:1]
	for _, e := range a.memory[1:] {
		last := &out[len(out)-1]
		if last.TaskType == e.TaskType && last.Outcome == e.Outcome && last.Lesson == e.Lesson {
			last.Count += e.Count
			last.Timestamp = e.Timestamp
			last.Latency = e.Latency
			last.TaskID = e.TaskID
			continue
		}
		out = append(out, e)
	}
	removed := len(a.memory) - len(out)
	clear(a.memory[len(out):])
	a.memory = out
	return removed
}

// View returns a copy of the agent's observable state.
func (a *Agent) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := View{
		ID:           a.id,
		Role:         a.role,
		Capabilities: slices.Clone(a.capabilities),
		State:        a.state,
		StateSince:   a.stateSince,
		Running:      a.running,
		MemorySize:   len(a.memory),
		MemoryCap:    a.memoryCap,
		Completed:    a.completed,
		Failed:       a.failed,
	}
	if a.current != nil {
		v.CurrentTask = a.current.ID
	}
	if n := a.completed + a.failed; n > 0 {
		v.AvgLatency = a.latencyTotal / time.Duration(n)
	}
	return v
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
