package agent

import (
	"context"
	"sync"
)

// Router is an Executor that dispatches on task type. Types without a
// handler yield an unsuccessful result rather than an error.
type Router struct {
	mu     sync.RWMutex
	routes map[TaskType]Executor
}

// NewRouter returns a router with the built-in monitoring and optimization
// handlers. probe may be nil.
func NewRouter(probe func() map[string]float64) *Router {
	r := &Router{routes: map[TaskType]Executor{}}
	r.Handle(TypeMonitoring, MonitorExecutor{Probe: probe})
	r.Handle(TypeOptimization, OptimizeExecutor{})
	return r
}

// Handle installs e for typ, replacing any previous handler.
func (r *Router) Handle(typ TaskType, e Executor) *Router {
	r.mu.Lock()
	r.routes[typ] = e
	r.mu.Unlock()
	return r
}

func (r *Router) Execute(ctx context.Context, typ TaskType, payload any) (Result, error) {
	r.mu.RLock()
	e, ok := r.routes[typ]
	r.mu.RUnlock()
	if !ok || e == nil {
		return Result{Success: false, Error: "unknown_task_type"}, nil
	}
	return e.Execute(ctx, typ, payload)
}

// MemoryHighWater is the memory_usage percentage at which the monitor
// reports a degraded system.
const MemoryHighWater = 90.0

// MonitorExecutor reports system health from a resource probe.
type MonitorExecutor struct {
	Probe func() map[string]float64
}

func (m MonitorExecutor) Execute(ctx context.Context, _ TaskType, _ any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	out := map[string]any{"health_status": "healthy"}
	if m.Probe != nil {
		metrics := m.Probe()
		out["metrics"] = metrics
		if metrics["memory_usage"] > MemoryHighWater {
			out["health_status"] = "degraded"
		}
	}
	return Result{Success: true, Output: out}, nil
}

// OptimizeExecutor acknowledges an optimization request. Payload keys are
// echoed back as the applied adjustments.
type OptimizeExecutor struct{}

func (OptimizeExecutor) Execute(ctx context.Context, _ TaskType, payload any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	out := map[string]any{"status": "completed"}
	if m, ok := payload.(map[string]any); ok && len(m) > 0 {
		out["applied"] = m
	}
	return Result{Success: true, Output: out}, nil
}

// EchoExecutor completes every task with its payload as output. It stands in
// for an inference backend when none is configured.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, typ TaskType, payload any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	out := map[string]any{"status": "completed", "type": string(typ), "echo": payload}
	if h, ok := HintFromContext(ctx); ok {
		out["hint_from"] = h.Source
	}
	return Result{Success: true, Output: out}, nil
}
