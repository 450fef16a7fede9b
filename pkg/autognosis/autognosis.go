// Package autognosis derives the system's self-assessment from snapshots:
// what it can do, what limits it, how it is performing and whether it is
// ready for a given task.
package autognosis

import (
	"slices"
	"sync"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/snapshot"
)

// Derived capability and limitation names.
const (
	CapLLMInference   = "llm_inference"
	CapMultiAgent     = "multi_agent_coordination"
	CapSelfHealing    = "self_healing"
	CapSynergy        = "cognitive_synergy"
	LimitMemory       = "limited_memory"
	LimitNoGPU        = "no_gpu_acceleration"
	LimitMemPressure  = "memory_pressure"
	LimitNoAgents     = "no_agents"
	limitMissingRole  = "missing_role:"
	defaultHistoryCap = 100
)

// Assessment is the result of one introspection.
type Assessment struct {
	At           time.Time            `json:"timestamp"`
	Capabilities []string             `json:"capabilities"`
	Limitations  []string             `json:"limitations"`
	Performance  snapshot.Performance `json:"performance"`
	Metrics      map[string]float64   `json:"metrics"`
	Agents       int                  `json:"agents"`
	States       map[agent.State]int  `json:"states"`
}

// TaskSpec is what a caller intends to run.
type TaskSpec struct {
	Type     agent.TaskType `json:"type,omitempty"`
	Requires []string       `json:"requires,omitempty"`
}

// Readiness is the verdict for a TaskSpec.
type Readiness struct {
	Ready   bool     `json:"ready"`
	Missing []string `json:"missing,omitempty"`
	// Capabilities are those of the assessment the verdict was based on.
	Capabilities []string  `json:"capabilities"`
	AssessedAt   time.Time `json:"assessed_at"`
}

// Sample is one entry of the performance history.
type Sample struct {
	At          time.Time            `json:"timestamp"`
	Performance snapshot.Performance `json:"performance"`
}

// SelfKnowledge is everything the engine currently believes about the system.
type SelfKnowledge struct {
	Capabilities []string `json:"capabilities"`
	Limitations  []string `json:"limitations"`
	History      []Sample `json:"performance_history"`
	Assessments  int      `json:"assessments"`
}

// Engine is safe for concurrent use.
type Engine struct {
	expectedRoles []string
	memoryFloor   float64
	pressureAt    float64
	historyCap    int

	mu          sync.RWMutex
	latest      *Assessment
	history     []Sample
	assessments int
}

type Option func(*Engine)

// WithExpectedRoles sets the roles whose absence is a limitation.
func WithExpectedRoles(roles ...string) Option {
	return func(e *Engine) { e.expectedRoles = slices.Clone(roles) }
}

// WithHistoryCap bounds the retained performance samples.
func WithHistoryCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// WithMemoryPressure sets the memory_usage above which memory_pressure is reported.
func WithMemoryPressure(pct float64) Option { return func(e *Engine) { e.pressureAt = pct } }

func New(opts ...Option) *Engine {
	e := &Engine{
		expectedRoles: []string{string(agent.TypeInference), string(agent.TypeMonitoring), string(agent.TypeOptimization)},
		memoryFloor:   1000,
		pressureAt:    80,
		historyCap:    defaultHistoryCap,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Introspect assesses snap and records the result as the latest
// assessment. It only reads the snapshot.
func (e *Engine) Introspect(snap snapshot.Snapshot) Assessment {
	a := Assessment{
		At:          snap.TakenAt,
		Performance: snap.Performance,
		Metrics:     snap.Metrics(),
		Agents:      len(snap.Agents),
		States:      map[agent.State]int{},
	}

	caps := map[string]bool{CapSelfHealing: true}
	present := map[string]bool{}
	for _, v := range snap.Agents {
		a.States[v.State]++
		if v.Role != "" {
			caps[v.Role] = true
			present[v.Role] = true
		}
		for _, c := range v.Capabilities {
			caps[c] = true
			present[c] = true
		}
		if v.Role == string(agent.TypeInference) || slices.Contains(v.Capabilities, string(agent.TypeInference)) {
			caps[CapLLMInference] = true
		}
	}
	for _, f := range snap.Features {
		caps[f] = true
	}
	if len(snap.Agents) > 1 {
		caps[CapMultiAgent] = true
	}
	if snap.SynergyEnabled {
		caps[CapSynergy] = true
	}
	a.Capabilities = sortedKeys(caps)

	var limits []string
	if len(snap.Agents) == 0 {
		limits = append(limits, LimitNoAgents)
	}
	for _, r := range e.expectedRoles {
		if !present[r] {
			limits = append(limits, limitMissingRole+r)
		}
	}
	if avail, ok := snap.Resources["memory_available"]; ok && avail < e.memoryFloor {
		limits = append(limits, LimitMemory)
	}
	if snap.Resources["gpu_available"] <= 0 && !slices.Contains(snap.Features, "gpu") {
		limits = append(limits, LimitNoGPU)
	}
	if snap.Resources["memory_usage"] > e.pressureAt {
		limits = append(limits, LimitMemPressure)
	}
	slices.Sort(limits)
	a.Limitations = limits

	e.mu.Lock()
	e.latest = &a
	e.assessments++
	e.history = append(e.history, Sample{At: snap.TakenAt, Performance: snap.Performance})
	if len(e.history) > e.historyCap {
		drop := len(e.history) - e.historyCap
		n := copy(e.history, e.history[drop:])
		e.history = e.history[:n]
	}
	e.mu.Unlock()
	return a.clone()
}

// Latest returns the most recent assessment.
func (e *Engine) Latest() (Assessment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return Assessment{}, false
	}
	return e.latest.clone(), true
}

// AssessReadiness is true iff every capability spec requires is in the
// latest assessment. Before any introspection nothing is present.
func (e *Engine) AssessReadiness(spec TaskSpec) Readiness {
	e.mu.RLock()
	var r Readiness
	if e.latest != nil {
		r.Capabilities = slices.Clone(e.latest.Capabilities)
		r.AssessedAt = e.latest.At
	}
	e.mu.RUnlock()

	for _, req := range spec.Requires {
		if !slices.Contains(r.Capabilities, req) && !slices.Contains(r.Missing, req) {
			r.Missing = append(r.Missing, req)
		}
	}
	r.Ready = len(r.Missing) == 0
	return r
}

// SelfKnowledge returns the latest capabilities and limitations with the
// bounded performance history.
func (e *Engine) SelfKnowledge() SelfKnowledge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sk := SelfKnowledge{History: slices.Clone(e.history), Assessments: e.assessments}
	if e.latest != nil {
		sk.Capabilities = slices.Clone(e.latest.Capabilities)
		sk.Limitations = slices.Clone(e.latest.Limitations)
	}
	return sk
}

func (a Assessment) clone() Assessment {
	a.Capabilities = slices.Clone(a.Capabilities)
	a.Limitations = slices.Clone(a.Limitations)
	m := make(map[string]float64, len(a.Metrics))
	for k, v := range a.Metrics {
		m[k] = v
	}
	a.Metrics = m
	st := make(map[agent.State]int, len(a.States))
	for k, v := range a.States {
		st[k] = v
	}
	a.States = st
	return a
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
