package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/errmodel"
)

// Submission is a request to run a task. ID is generated when empty.
type Submission struct {
	ID       string         `json:"id,omitempty"`
	Type     agent.TaskType `json:"type"`
	Payload  any            `json:"payload"`
	Priority int            `json:"priority,omitempty"`
	// Requires names capabilities autognosis should confirm before the
	// caller submits; the dispatcher does not enforce it.
	Requires []string `json:"requires,omitempty"`
}

// Submit validates s, enqueues it as Pending and, with auto-dispatch on,
// immediately hands pending work to idle agents. It returns the task id.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (string, error) {
	_, span := o.tracer.Start(ctx, "Orchestrator.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", string(s.Type)))

	id, err := o.submit(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("task.id", id))
	return id, nil
}

func (o *Orchestrator) submit(s Submission) (string, error) {
	if strings.TrimSpace(string(s.Type)) == "" {
		return "", errmodel.Validation("missing_type", "task type is required", nil)
	}
	if s.Payload == nil {
		return "", errmodel.Validation("missing_payload", "task payload is required", map[string]any{"type": string(s.Type)})
	}
	if err := o.registry.Validate(s.Type, s.Payload); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", errmodel.InvalidState("shutting_down", "orchestrator is shut down", nil)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	} else if o.knownLocked(s.ID) {
		return "", errmodel.Validation("conflict", fmt.Sprintf("task %q already exists", s.ID), map[string]any{"task": s.ID})
	}
	o.seq++
	t := &agent.Task{
		ID:          s.ID,
		Type:        s.Type,
		Payload:     s.Payload,
		Priority:    s.Priority,
		Requires:    slices.Clone(s.Requires),
		Seq:         o.seq,
		SubmittedAt: o.now(),
		Status:      agent.StatusPending,
	}
	o.enqueueLocked(t)
	o.counts.submitted++
	o.metrics.IncSubmitted(t.Type)
	o.logger.Debug("task submitted", zap.String("task.id", t.ID), zap.String("task.type", string(t.Type)),
		zap.Int("priority", t.Priority))
	if o.autoDisp {
		o.dispatchLocked()
	} else {
		o.publishLocked()
	}
	return t.ID, nil
}

func (o *Orchestrator) knownLocked(id string) bool {
	if _, ok := o.inflight[id]; ok {
		return true
	}
	if o.completed.Contains(id) {
		return true
	}
	return slices.ContainsFunc(o.pending, func(t *agent.Task) bool { return t.ID == id })
}

// enqueueLocked inserts t keeping pending ordered by priority (high first),
// then submission sequence.
func (o *Orchestrator) enqueueLocked(t *agent.Task) {
	i, _ := slices.BinarySearchFunc(o.pending, t, func(a, b *agent.Task) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	o.pending = slices.Insert(o.pending, i, t)
}

// Dispatch hands pending tasks to idle agents and returns how many were assigned.
func (o *Orchestrator) Dispatch() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatchLocked()
}

// dispatchLocked pairs pending tasks with idle agents. With role matching
// each task first looks for a matching idle agent; in advisory mode the
// tasks still waiting then take any idle agent left, in order.
func (o *Orchestrator) dispatchLocked() int {
	defer o.publishLocked()
	if len(o.pending) == 0 || o.closed {
		return 0
	}
	var idle []*agent.Agent
	for _, id := range o.order {
		if a := o.agents[id]; a.State() == agent.StateIdle {
			idle = append(idle, a)
		}
	}
	if len(idle) == 0 {
		return 0
	}

	used := make([]bool, len(idle))
	pick := func(t *agent.Task, match bool) *agent.Agent {
		for i, a := range idle {
			if used[i] || (match && !a.Matches(t.Type)) {
				continue
			}
			used[i] = true
			return a
		}
		return nil
	}

	assigned := 0
	passes := []bool{true, false}
	switch o.matching {
	case MatchStrict:
		passes = []bool{true}
	case MatchNone:
		passes = []bool{false}
	}
	for _, match := range passes {
		var rest []*agent.Task
		for _, t := range o.pending {
			if assigned == len(idle) {
				rest = append(rest, t)
				continue
			}
			a := pick(t, match)
			if a == nil || !o.startLocked(a, t) {
				rest = append(rest, t)
				continue
			}
			assigned++
		}
		o.pending = rest
	}
	return assigned
}

func (o *Orchestrator) startLocked(a *agent.Agent, t *agent.Task) bool {
	if err := a.Assign(t); err != nil {
		o.logger.Debug("assign refused", zap.String("agent.id", a.ID()), zap.Error(err))
		return false
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	inf := &inflight{agent: a, bound: t, task: t.Clone(), cancel: cancel}
	o.inflight[t.ID] = inf
	o.wg.Add(1)
	go o.run(ctx, inf)
	return true
}

func (o *Orchestrator) run(ctx context.Context, inf *inflight) {
	defer o.wg.Done()
	defer inf.cancel()
	ctx, span := o.tracer.Start(ctx, "Orchestrator.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", inf.task.ID),
		attribute.String("task.type", string(inf.task.Type)),
		attribute.String("agent.id", inf.agent.ID()),
	)

	out, err := inf.agent.ExecuteTask(ctx, inf.bound)
	if err != nil {
		// Either the task was unbound before it started (and already
		// requeued) or the agent left Active under us; requeue in that case.
		o.mu.Lock()
		if o.inflight[inf.task.ID] == inf {
			o.logger.Warn("execution refused", zap.String("task.id", inf.task.ID), zap.Error(err))
			o.unbindLocked(inf.agent)
		}
		o.dispatchLocked()
		o.mu.Unlock()
		return
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	o.commit(inf, out)
}

// commit records a finished execution and dispatches the next pending task.
func (o *Orchestrator) commit(inf *inflight, out agent.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if out.Discarded || o.inflight[inf.task.ID] != inf {
		o.dispatchLocked()
		return
	}
	delete(o.inflight, inf.task.ID)
	t := out.Task
	if inf.cancelRequested {
		t.Status = agent.StatusCancelled
		t.Result = nil
		t.Error = ""
	}
	o.finishLocked(t)
	o.dispatchLocked()
}

// finishLocked counts a final task and appends it to the completed log.
func (o *Orchestrator) finishLocked(t agent.Task) {
	switch t.Status {
	case agent.StatusCompleted:
		o.counts.completed++
	case agent.StatusFailed:
		o.counts.failed++
	case agent.StatusCancelled:
		o.counts.cancelled++
	}
	o.completed.Add(t.ID, t)
	o.metrics.ObserveFinished(t.Type, t.Status, t.Latency())
	o.logger.Debug("task finished", zap.String("task.id", t.ID), zap.String("status", string(t.Status)),
		zap.String("agent.id", t.AssignedTo))
}

// unbindLocked resets a and puts its task back in the queue, or records it
// as cancelled when cancellation was already requested. It reports whether
// a task was bound.
func (o *Orchestrator) unbindLocked(a *agent.Agent) bool {
	t := a.Reset()
	if t == nil {
		return false
	}
	inf := o.inflight[t.ID]
	delete(o.inflight, t.ID)
	if inf != nil {
		inf.cancel()
	}
	if inf != nil && inf.cancelRequested {
		c := inf.task
		c.Status = agent.StatusCancelled
		c.FinishedAt = o.now()
		o.finishLocked(c)
		return true
	}
	// A fresh *Task makes the old Execute see itself as unbound.
	fresh := t.Clone()
	fresh.Status = agent.StatusPending
	fresh.AssignedTo = ""
	fresh.StartedAt = fresh.FinishedAt
	fresh.Result = nil
	fresh.Error = ""
	o.enqueueLocked(&fresh)
	o.logger.Info("task requeued", zap.String("task.id", fresh.ID), zap.String("agent.id", a.ID()))
	return true
}

// ResetAgent returns agent id to Idle. Its bound task, if any, goes back to
// Pending ahead of tasks submitted after it.
func (o *Orchestrator) ResetAgent(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	if !ok {
		return errmodel.Validation("not_found", fmt.Sprintf("agent %q not found", id), map[string]any{"agent": id})
	}
	o.unbindLocked(a)
	o.dispatchLocked()
	return nil
}

// Cancel cancels a pending or running task. A running task's executor
// context is cancelled and the task is recorded as Cancelled when it
// returns. Cancelling twice is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := slices.IndexFunc(o.pending, func(t *agent.Task) bool { return t.ID == id }); i >= 0 {
		t := *o.pending[i]
		o.pending = slices.Delete(o.pending, i, i+1)
		t.Status = agent.StatusCancelled
		t.FinishedAt = o.now()
		o.finishLocked(t)
		o.publishLocked()
		return nil
	}
	if inf, ok := o.inflight[id]; ok {
		if !inf.cancelRequested {
			inf.cancelRequested = true
			inf.cancel()
			o.logger.Info("cancel requested", zap.String("task.id", id))
		}
		return nil
	}
	if t, ok := o.completed.Peek(id); ok {
		if t.Status == agent.StatusCancelled {
			return nil
		}
		return errmodel.InvalidState("already_finished", fmt.Sprintf("task %s is %s", id, t.Status),
			map[string]any{"task": id, "status": string(t.Status)})
	}
	return errmodel.Validation("not_found", fmt.Sprintf("task %q not found", id), map[string]any{"task": id})
}

// publishLocked pushes queue depth and agent states to the metrics.
func (o *Orchestrator) publishLocked() {
	if o.metrics == nil {
		return
	}
	states := map[agent.State]int{}
	for _, a := range o.agents {
		states[a.State()]++
	}
	o.metrics.SetQueue(len(o.pending), states)
}
