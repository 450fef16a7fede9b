// Package scheduler drives the cognitive cycle: introspection, healing,
// maintenance, evolution and improvement, either on demand through
// RunCycle or periodically on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/autogenesis"
	"github.com/cogpy/lemonade-cog/pkg/autognosis"
	"github.com/cogpy/lemonade-cog/pkg/config"
	"github.com/cogpy/lemonade-cog/pkg/snapshot"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

// System is the part of the orchestrator the scheduler drives.
type System interface {
	workflow.Tuner
	Snapshot() snapshot.Snapshot
	RunHealing(ctx context.Context) workflow.Report
	RunMaintenance(ctx context.Context) workflow.Report
	RunImprovement(ctx context.Context) workflow.Report
	TakeMaintenanceRequest() (bool, []string)
}

// Cycle is the outcome of one RunCycle.
type Cycle struct {
	ID         string                `json:"id"`
	Number     int                   `json:"number"`
	At         time.Time             `json:"timestamp"`
	Duration   time.Duration         `json:"duration"`
	Assessment autognosis.Assessment `json:"assessment"`
	Healing    workflow.Report       `json:"healing"`
	// Maintenance is nil when the cycle skipped it.
	Maintenance *workflow.Report    `json:"maintenance,omitempty"`
	Evolution   *autogenesis.Record `json:"evolution,omitempty"`
	Improvement workflow.Report     `json:"improvement"`
	Errors      []string            `json:"errors,omitempty"`
}

// Insights combines what autognosis knows with how autogenesis has grown.
type Insights struct {
	SelfKnowledge autognosis.SelfKnowledge `json:"self_knowledge"`
	Growth        autogenesis.Growth       `json:"growth"`
	Cycles        int                      `json:"cycles"`
	LastCycle     *Cycle                   `json:"last_cycle,omitempty"`
}

type Scheduler struct {
	sys        System
	gnosis     *autognosis.Engine
	genesis    *autogenesis.Engine
	schedule   config.Schedule
	historyCap int
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	// runMu serializes cycles and standalone jobs that share the engines.
	runMu sync.Mutex

	mu      sync.Mutex
	count   int
	cycles  []Cycle
	reports []workflow.Report

	cron     *cron.Cron
	started  bool
	stopped  chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAutognosis replaces the introspection engine built from the configuration.
func WithAutognosis(e *autognosis.Engine) Option { return func(s *Scheduler) { s.gnosis = e } }

// WithAutogenesis replaces the evolution engine built from the configuration.
func WithAutogenesis(e *autogenesis.Engine) Option { return func(s *Scheduler) { s.genesis = e } }

// New builds a scheduler for sys using the schedule, history cap and
// evolution targets of cfg.
func New(sys System, cfg config.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		sys:        sys,
		schedule:   cfg.Schedule,
		historyCap: cfg.HistoryCap,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("scheduler"),
		now:        time.Now,
		stopped:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.historyCap <= 0 {
		s.historyCap = 100
	}
	if s.gnosis == nil {
		s.gnosis = autognosis.New(autognosis.WithHistoryCap(s.historyCap))
	}
	if s.genesis == nil {
		s.genesis = autogenesis.New(cfg.Evolution)
	}
	s.logger = s.logger.Named("scheduler")
	s.cron = cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	return s
}

// RunCycle runs one full cognitive cycle. Maintenance runs every
// schedule.maintenance_every cycles, or whenever it was requested.
func (s *Scheduler) RunCycle(ctx context.Context) Cycle {
	ctx, span := s.tracer.Start(ctx, "Scheduler.RunCycle")
	defer span.End()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	s.count++
	c := Cycle{ID: uuid.NewString(), Number: s.count, At: s.now()}
	s.mu.Unlock()
	span.SetAttributes(attribute.String("cycle.id", c.ID), attribute.Int("cycle.number", c.Number))
	start := time.Now()

	c.Assessment = s.gnosis.Introspect(s.sys.Snapshot())
	c.Healing = s.sys.RunHealing(ctx)
	s.appendReport(c.Healing)

	requested, reasons := s.sys.TakeMaintenanceRequest()
	due := s.schedule.MaintenanceEvery > 0 && c.Number%s.schedule.MaintenanceEvery == 0
	if requested || due {
		r := s.sys.RunMaintenance(ctx)
		c.Maintenance = &r
		s.appendReport(r)
		if requested {
			s.logger.Info("maintenance ran on request", zap.Strings("reasons", reasons))
		}
	}

	if rec, err := s.genesis.Evolve(ctx, s.sys.Snapshot(), s.sys); err != nil {
		c.Errors = append(c.Errors, fmt.Sprintf("evolution: %v", err))
	} else {
		c.Evolution = &rec
	}

	c.Improvement = s.sys.RunImprovement(ctx)
	s.appendReport(c.Improvement)
	c.Duration = time.Since(start)

	s.mu.Lock()
	s.cycles = appendBounded(s.cycles, c, s.historyCap)
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("cycle.id", c.ID),
		zap.Int("cycle", c.Number),
		zap.String("healing", c.Healing.Status),
		zap.Bool("maintenance", c.Maintenance != nil),
		zap.String("improvement", c.Improvement.Status),
		zap.Duration("duration", c.Duration),
	}
	if c.Evolution != nil {
		fields = append(fields, zap.Int("generation", c.Evolution.Generation))
	}
	s.logger.Info("cycle finished", fields...)
	return c
}

// Evolve runs one autogenesis generation outside a full cycle.
func (s *Scheduler) Evolve(ctx context.Context) (autogenesis.Record, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.genesis.Evolve(ctx, s.sys.Snapshot(), s.sys)
}

// Introspect runs autognosis against a fresh snapshot.
func (s *Scheduler) Introspect() autognosis.Assessment {
	return s.gnosis.Introspect(s.sys.Snapshot())
}

// Readiness answers whether spec could run given the latest assessment.
func (s *Scheduler) Readiness(spec autognosis.TaskSpec) autognosis.Readiness {
	return s.gnosis.AssessReadiness(spec)
}

// Insights reports self-knowledge and growth.
func (s *Scheduler) Insights() Insights {
	in := Insights{
		SelfKnowledge: s.gnosis.SelfKnowledge(),
		Growth:        s.genesis.MeasureGrowth(),
	}
	s.mu.Lock()
	in.Cycles = s.count
	if n := len(s.cycles); n > 0 {
		last := s.cycles[n-1]
		in.LastCycle = &last
	}
	s.mu.Unlock()
	return in
}

// Cycles returns the retained cycles, oldest first.
func (s *Scheduler) Cycles() []Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cycles)
}

// Reports returns the retained workflow reports, oldest first.
func (s *Scheduler) Reports() []workflow.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reports)
}

func (s *Scheduler) appendReport(r workflow.Report) {
	s.mu.Lock()
	s.reports = appendBounded(s.reports, r, s.historyCap)
	s.mu.Unlock()
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if over := len(list) - limit; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	return list
}

// Start registers a cron job for every non-empty schedule entry and starts
// the cron runner. Jobs run with ctx; the scheduler stops when ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	jobs := []struct {
		name, spec string
		run        func()
	}{
		{"cycle", s.schedule.Cycle, func() { s.RunCycle(ctx) }},
		{"healing", s.schedule.Healing, func() { s.runJob(ctx, s.sys.RunHealing) }},
		{"maintenance", s.schedule.Maintenance, func() { s.runJob(ctx, s.sys.RunMaintenance) }},
		{"improvement", s.schedule.Improvement, func() { s.runJob(ctx, s.sys.RunImprovement) }},
		{"evolution", s.schedule.Evolution, func() {
			if _, err := s.Evolve(ctx); err != nil {
				s.logger.Warn("evolution", zap.Error(err))
			}
		}},
	}
	registered := 0
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		registered++
		s.logger.Info("job registered", zap.String("job", j.name), zap.String("spec", j.spec))
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", registered))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, fn func(context.Context) workflow.Report) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.appendReport(fn(ctx))
}

// Stop stops the cron runner and waits for running jobs. Safe to call more
// than once, and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Sugar().Debugw(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Sugar().Errorw(msg, append(kv, "error", err)...)
}
