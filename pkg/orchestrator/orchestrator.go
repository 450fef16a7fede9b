// Package orchestrator is the coordination point of the cognitive core. It
// owns the task queue, the agent table, the completed-task log and the
// synergy switch, and it runs the workflows against snapshots of that state.
//
// All shared state is guarded by a single mutex. Agent execution happens on
// its own goroutine and never holds that mutex while the executor runs; the
// result is committed under the mutex, which also triggers the next dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/config"
	"github.com/cogpy/lemonade-cog/pkg/errmodel"
	"github.com/cogpy/lemonade-cog/pkg/synergy"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

// RoleMatching selects how the dispatcher pairs task types with agents.
type RoleMatching int

const (
	// MatchAdvisory prefers matching agents and falls back to any idle agent.
	MatchAdvisory RoleMatching = iota
	// MatchStrict only hands a task to an agent whose role or capabilities match.
	MatchStrict
	// MatchNone ignores roles: oldest task to first idle agent.
	MatchNone
)

func (m RoleMatching) String() string {
	switch m {
	case MatchStrict:
		return "strict"
	case MatchNone:
		return "none"
	default:
		return "advisory"
	}
}

// DefaultCapabilities are given to the agents Initialize creates.
var DefaultCapabilities = []string{string(agent.TypeInference), string(agent.TypeMonitoring), string(agent.TypeOptimization)}

const tuningLogCap = 256

// inflight tracks a task handed to an agent. bound is the *Task the agent
// owns and is only compared, never read; task is a copy taken at assignment.
type inflight struct {
	agent           *agent.Agent
	bound           *agent.Task
	task            agent.Task
	cancel          context.CancelFunc
	cancelRequested bool
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg      config.Config
	matching RoleMatching
	executor agent.Executor
	registry *agent.TypeRegistry
	synergy  *synergy.Layer
	metrics  *Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	probe    func() map[string]float64
	features []string
	autoDisp bool

	mu             sync.Mutex
	agents         map[string]*agent.Agent
	order          []string
	pending        []*agent.Task
	inflight       map[string]*inflight
	completed      *simplelru.LRU[string, agent.Task]
	seq            uint64
	counts         counters
	synergyEnabled bool
	maintenance    []string
	tunings        []workflow.Adjustment
	closed         bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type counters struct {
	submitted, completed, failed, cancelled uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

// WithExecutor sets the executor given to agents created by the orchestrator
// and to added agents that have none.
func WithExecutor(e agent.Executor) Option { return func(o *Orchestrator) { o.executor = e } }

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithSynergy supplies the knowledge layer; by default one is built from
// the knowledge section of the configuration.
func WithSynergy(l *synergy.Layer) Option { return func(o *Orchestrator) { o.synergy = l } }

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithResourceProbe supplies resource metrics such as memory_usage for snapshots.
func WithResourceProbe(p func() map[string]float64) Option { return func(o *Orchestrator) { o.probe = p } }

// WithFeatures declares backend features (e.g. "npu") visible to autognosis.
func WithFeatures(f ...string) Option {
	return func(o *Orchestrator) { o.features = append(o.features, f...) }
}

func WithTypeRegistry(r *agent.TypeRegistry) Option { return func(o *Orchestrator) { o.registry = r } }

// WithAutoDispatch controls whether Submit dispatches immediately. Commits
// always dispatch.
func WithAutoDispatch(on bool) Option { return func(o *Orchestrator) { o.autoDisp = on } }

// WithRoleMatching overrides the matching mode derived from the configuration.
func WithRoleMatching(m RoleMatching) Option {
	return func(o *Orchestrator) { o.matching = m }
}

// New builds an orchestrator with no agents; call Initialize or AddAgent.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      config.Default(),
		matching: -1,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("orchestrator"),
		now:      time.Now,
		autoDisp: true,
		agents:   map[string]*agent.Agent{},
		inflight: map[string]*inflight{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	if o.matching < 0 {
		switch {
		case !o.cfg.DispatchRoleMatching:
			o.matching = MatchNone
		case o.cfg.DispatchRoleStrict:
			o.matching = MatchStrict
		default:
			o.matching = MatchAdvisory
		}
	}
	if o.registry == nil {
		o.registry = agent.NewTypeRegistry()
	}
	if o.executor == nil {
		o.executor = agent.NewRouter(o.probe).
			Handle(agent.TypeInference, agent.EchoExecutor{}).
			Handle(agent.TypeCustom, agent.EchoExecutor{})
	}
	if o.synergy == nil {
		k := o.cfg.Knowledge
		o.synergy = synergy.New(
			synergy.WithTTL(k.TTL),
			synergy.WithMailboxSize(k.MailboxSize),
			synergy.WithAuditCap(k.AuditCap),
			synergy.WithClock(o.now),
			synergy.WithLogger(o.logger),
		)
	}
	o.features = append(o.features, o.cfg.Features...)

	size := o.cfg.Retention.CompletedTaskCap
	if size <= 0 {
		size = math.MaxInt
	}
	// size is positive, so NewLRU cannot fail.
	o.completed, _ = simplelru.NewLRU[string, agent.Task](size, func(string, agent.Task) {
		o.metrics.AddEvictions(1)
	})
	o.baseCtx, o.stop = context.WithCancel(context.Background())
	return o
}

// Initialize creates num_agents default agents named agent_<i> plus the
// agents listed in the configuration.
func (o *Orchestrator) Initialize() error {
	var created []*agent.Agent
	for i := range o.cfg.NumAgents {
		created = append(created, o.newAgent(fmt.Sprintf("agent_%d", i), "", DefaultCapabilities))
	}
	for _, spec := range o.cfg.Agents {
		created = append(created, o.newAgent(spec.ID, spec.Role, spec.Capabilities))
	}
	for _, a := range created {
		if err := o.AddAgent(a); err != nil {
			return err
		}
	}
	o.logger.Info("initialized", zap.Int("agents", len(created)), zap.String("matching", o.matching.String()))
	return nil
}

func (o *Orchestrator) newAgent(id, role string, caps []string) *agent.Agent {
	return agent.New(id,
		agent.WithRole(role),
		agent.WithCapabilities(caps...),
		agent.WithMemoryCap(o.cfg.PerAgentMemoryCap),
		agent.WithExecutor(o.executor),
		agent.WithLogger(o.logger),
		agent.WithClock(o.now),
	)
}

// AddAgent registers a. It fails on a nil agent, a duplicate id or after shutdown.
func (o *Orchestrator) AddAgent(a *agent.Agent) error {
	if a == nil || a.ID() == "" {
		return errmodel.Validation("bad_agent", "agent is nil or has no id", nil)
	}
	if a.Executor() == nil {
		a.SetExecutor(o.executor)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errmodel.InvalidState("shutting_down", "orchestrator is shut down", nil)
	}
	if _, exists := o.agents[a.ID()]; exists {
		return errmodel.Validation("conflict", fmt.Sprintf("agent %q already exists", a.ID()), map[string]any{"agent": a.ID()})
	}
	a.SetMessenger(o.synergy)
	if o.synergyEnabled {
		a.SetKnowledge(o.synergy)
	}
	o.agents[a.ID()] = a
	o.order = append(o.order, a.ID())
	o.logger.Debug("agent added", zap.String("agent.id", a.ID()))
	o.dispatchLocked()
	return nil
}

// RemoveAgent removes id. A non-idle agent is only removed with force, in
// which case its task returns to Pending with its original position.
func (o *Orchestrator) RemoveAgent(id string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	if !ok {
		return errmodel.Validation("not_found", fmt.Sprintf("agent %q not found", id), map[string]any{"agent": id})
	}
	if st := a.State(); st != agent.StateIdle && !force {
		return errmodel.Busy(fmt.Sprintf("agent %s is %s", id, st), map[string]any{"agent": id, "state": string(st)})
	}
	o.unbindLocked(a)
	a.SetKnowledge(nil)
	a.SetMessenger(nil)
	delete(o.agents, id)
	o.order = slices.DeleteFunc(o.order, func(s string) bool { return s == id })
	o.logger.Info("agent removed", zap.String("agent.id", id), zap.Bool("force", force))
	o.dispatchLocked()
	return nil
}

// Agent returns the registered agent with id.
func (o *Orchestrator) Agent(id string) (*agent.Agent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	return a, ok
}

// Agents returns the registered agents in insertion order.
func (o *Orchestrator) Agents() []*agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*agent.Agent, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.agents[id])
	}
	return out
}

// EnableCognitiveSynergy makes every agent, now and added later, share its
// lessons through the knowledge layer and read its peers'. Messaging through
// Communicate works regardless. Calling it again has no effect.
func (o *Orchestrator) EnableCognitiveSynergy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.synergyEnabled {
		return
	}
	o.synergyEnabled = true
	for _, id := range o.order {
		o.agents[id].SetKnowledge(o.synergy)
	}
	o.logger.Info("cognitive synergy enabled")
}

func (o *Orchestrator) SynergyEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.synergyEnabled
}

// Synergy returns the knowledge layer.
func (o *Orchestrator) Synergy() *synergy.Layer { return o.synergy }

// Registry returns the task-type registry used by Submit.
func (o *Orchestrator) Registry() *agent.TypeRegistry { return o.registry }

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() config.Config { return o.cfg }

// Run dispatches on every dispatch interval until ctx is done. It is a
// safety net; submits and commits already dispatch.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.DispatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.Dispatch()
		}
	}
}

// Shutdown refuses new work, cancels running executions and waits for
// their goroutines or ctx, whichever comes first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}
