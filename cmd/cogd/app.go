package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cogpy/lemonade-cog/pkg/adapters/llm"
	_ "github.com/cogpy/lemonade-cog/pkg/adapters/llm/gemini"
	_ "github.com/cogpy/lemonade-cog/pkg/adapters/llm/openai"
	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/config"
	"github.com/cogpy/lemonade-cog/pkg/orchestrator"
	"github.com/cogpy/lemonade-cog/pkg/scheduler"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

// resourceFlags feed static resource metrics into snapshots. A negative
// value leaves the metric out.
type resourceFlags struct {
	memory float64
	cpu    float64
}

func (r *resourceFlags) bind(fs *pflag.FlagSet) {
	fs.Float64Var(&r.memory, "memory-usage", -1, "memory usage percentage reported to the workflows")
	fs.Float64Var(&r.cpu, "cpu-usage", -1, "cpu usage percentage reported to the workflows")
}

func (r resourceFlags) probe() map[string]float64 {
	m := map[string]float64{}
	if r.memory >= 0 {
		m["memory_usage"] = r.memory
	}
	if r.cpu >= 0 {
		m["cpu_usage"] = r.cpu
	}
	return m
}

// app is the wired orchestration core shared by serve and the one-shot
// commands.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(c config.Log, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// newApp builds the orchestrator with an inference backend from
// cfg.Backend, initializes its agents and attaches a scheduler.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, probe func() map[string]float64) (*app, error) {
	backend, err := llm.Open(ctx, cfg.Backend.Provider, map[string]any{"model": cfg.Backend.Model})
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", cfg.Backend.Provider, err)
	}
	opts := []llm.ExecutorOption{llm.WithLogger(logger)}
	if cfg.Backend.Model != "" {
		est, err := llm.NewTikTokenEstimator(cfg.Backend.Model)
		if err != nil {
			logger.Warn("token estimator unavailable, approximating", zap.Error(err))
		} else {
			opts = append(opts, llm.WithEstimator(est))
		}
	}
	exec := agent.NewRouter(probe).
		Handle(agent.TypeInference, llm.NewExecutor(backend, opts...)).
		Handle(agent.TypeCustom, agent.EchoExecutor{})

	reg := prometheus.NewRegistry()
	o := orchestrator.New(
		orchestrator.WithConfig(cfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithExecutor(exec),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(reg)),
		orchestrator.WithResourceProbe(probe),
	)
	if err := o.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	o.EnableCognitiveSynergy()
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		orch:     o,
		sched:    scheduler.New(o, cfg, scheduler.WithLogger(logger)),
	}, nil
}

func (a *app) heal(ctx context.Context) workflow.Report     { return a.orch.RunHealing(ctx) }
func (a *app) maintain(ctx context.Context) workflow.Report { return a.orch.RunMaintenance(ctx) }
func (a *app) improve(ctx context.Context) workflow.Report  { return a.orch.RunImprovement(ctx) }

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.sched.Stop()
	return a.orch.Shutdown(ctx)
}
