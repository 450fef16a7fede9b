// Package autogenesis tracks the system's evolution across generations.
// Each Evolve compares current performance with the previous generation,
// picks strategies from a fixed catalog keyed by the detected gaps, hands
// them to a tuning hook and appends a Record. Growth is a fold over the
// recorded history.
package autogenesis

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/snapshot"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

// Gap is a kind of shortfall Evolve can detect.
type Gap string

const (
	GapLatency     Gap = "latency"
	GapReliability Gap = "reliability"
	GapThroughput  Gap = "throughput"
	GapBacklog     Gap = "backlog"
	GapCapability  Gap = "capability"
	GapFeedback    Gap = "feedback"
)

// Catalog maps each gap to the strategy applied for it.
var Catalog = map[Gap]string{
	GapLatency:     "optimize-dispatch",
	GapReliability: "reinforce-learning",
	GapThroughput:  "scale-agents",
	GapBacklog:     "adapt-to-workload",
	GapCapability:  "enhance-capabilities",
	GapFeedback:    "learn-from-feedback",
}

// Targets configures gap detection.
type Targets struct {
	LatencyMS   float64 `yaml:"latency_target_ms" json:"latency_target_ms"`
	SuccessRate float64 `yaml:"success_rate_target" json:"success_rate_target"`
	// Throughput in tasks per second; 0 disables the throughput gap.
	Throughput        float64  `yaml:"throughput_target" json:"throughput_target"`
	QueueBacklog      int      `yaml:"queue_backlog" json:"queue_backlog"`
	RequestedFeatures []string `yaml:"requested_features" json:"requested_features,omitempty"`
}

func DefaultTargets() Targets {
	return Targets{LatencyMS: 100, SuccessRate: 0.95, QueueBacklog: 10}
}

// Metrics is the per-generation performance reading deltas are computed on.
type Metrics struct {
	LatencyMS   float64 `json:"latency_ms"`
	SuccessRate float64 `json:"success_rate"`
	Throughput  float64 `json:"throughput"`
	QueueDepth  int     `json:"queue_depth"`
	Samples     int     `json:"samples"`
}

func metricsOf(s snapshot.Snapshot) Metrics {
	p := s.Performance
	return Metrics{
		LatencyMS:   p.LatencyMS,
		SuccessRate: p.SuccessRate,
		Throughput:  p.Throughput,
		QueueDepth:  len(s.Pending),
		Samples:     p.Samples,
	}
}

// Improvement is one strategy applied in a generation.
type Improvement struct {
	Strategy string `json:"strategy"`
	Gap      Gap    `json:"gap"`
	Detail   string `json:"detail"`
	Applied  bool   `json:"applied"`
	Error    string `json:"error,omitempty"`
}

// Record is one generation.
type Record struct {
	Generation   int           `json:"generation"`
	At           time.Time     `json:"timestamp"`
	Improvements []Improvement `json:"improvements"`
	// Before is the previous generation's After (this generation's own
	// reading for the first one).
	Before Metrics `json:"before"`
	After  Metrics `json:"after"`
	Delta  float64 `json:"delta"`
}

// Strategies lists the strategy names in application order.
func (r Record) Strategies() []string {
	out := make([]string, len(r.Improvements))
	for i, im := range r.Improvements {
		out[i] = im.Strategy
	}
	return out
}

// Growth summarizes the whole history.
type Growth struct {
	Generations       int      `json:"evolution_generations"`
	TotalImprovements int      `json:"total_improvements"`
	Magnitude         float64  `json:"growth"`
	ActiveStrategies  []string `json:"active_strategies"`
}

// Engine is safe for concurrent use.
type Engine struct {
	targets Targets

	// evolveMu serializes generations; mu guards history and is never held
	// while the tuning hook runs.
	evolveMu sync.Mutex
	mu       sync.Mutex
	history  []Record
}

func New(t Targets) *Engine {
	return &Engine{targets: t}
}

// Evolve runs one generation against snap. Adjustments go to tuner; a nil
// tuner applies them logically. A cancelled ctx aborts without recording.
func (e *Engine) Evolve(ctx context.Context, snap snapshot.Snapshot, tuner workflow.Tuner) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	after := metricsOf(snap)

	e.evolveMu.Lock()
	defer e.evolveMu.Unlock()

	e.mu.Lock()
	before := after
	if n := len(e.history); n > 0 {
		before = e.history[n-1].After
	}
	gen := len(e.history) + 1
	e.mu.Unlock()

	rec := Record{
		Generation: gen,
		At:         snap.TakenAt,
		Before:     before,
		After:      after,
		Delta:      delta(before, after),
	}
	for _, g := range e.gaps(snap, before, after) {
		im := Improvement{Strategy: Catalog[g.kind], Gap: g.kind, Detail: g.detail}
		if tuner != nil {
			err := tuner.Tune(ctx, workflow.Adjustment{
				Source: "autogenesis",
				Action: im.Strategy,
				Metric: g.metric,
				Value:  g.value,
				Target: g.target,
			})
			if err != nil {
				im.Error = err.Error()
			}
		}
		im.Applied = im.Error == ""
		rec.Improvements = append(rec.Improvements, im)
	}
	e.mu.Lock()
	e.history = append(e.history, rec)
	e.mu.Unlock()
	return cloneRecord(rec), nil
}

type gap struct {
	kind          Gap
	metric        string
	value, target float64
	detail        string
}

func (e *Engine) gaps(snap snapshot.Snapshot, before, after Metrics) []gap {
	t := e.targets
	var out []gap
	if after.Samples > 0 {
		switch {
		case t.LatencyMS > 0 && after.LatencyMS > t.LatencyMS:
			out = append(out, gap{GapLatency, "latency_ms", after.LatencyMS, t.LatencyMS,
				fmt.Sprintf("latency %.1fms above %.1fms", after.LatencyMS, t.LatencyMS)})
		case before.Samples > 0 && after.LatencyMS > before.LatencyMS*1.1:
			out = append(out, gap{GapLatency, "latency_ms", after.LatencyMS, before.LatencyMS,
				fmt.Sprintf("latency regressed from %.1fms to %.1fms", before.LatencyMS, after.LatencyMS)})
		}
		if after.SuccessRate < t.SuccessRate {
			out = append(out, gap{GapReliability, "success_rate", after.SuccessRate, t.SuccessRate,
				fmt.Sprintf("success rate %.2f below %.2f", after.SuccessRate, t.SuccessRate)})
		}
		if t.Throughput > 0 && after.Throughput < t.Throughput {
			out = append(out, gap{GapThroughput, "throughput", after.Throughput, t.Throughput,
				fmt.Sprintf("throughput %.2f/s below %.2f/s", after.Throughput, t.Throughput)})
		}
	}
	if t.QueueBacklog > 0 && after.QueueDepth > t.QueueBacklog {
		out = append(out, gap{GapBacklog, "queue_depth", float64(after.QueueDepth), float64(t.QueueBacklog),
			fmt.Sprintf("%d tasks pending", after.QueueDepth)})
	}
	if missing := missingFeatures(snap, t.RequestedFeatures); len(missing) > 0 {
		out = append(out, gap{kind: GapCapability, detail: fmt.Sprintf("missing %v", missing)})
	}
	out = append(out, gap{kind: GapFeedback, detail: "fold agent lessons into dispatch"})
	return out
}

func missingFeatures(snap snapshot.Snapshot, want []string) []string {
	var missing []string
	for _, f := range want {
		if slices.Contains(snap.Features, f) {
			continue
		}
		found := false
		for _, v := range snap.Agents {
			if v.Role == f || slices.Contains(v.Capabilities, f) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, f)
		}
	}
	return missing
}

// delta scores the change from before to after: relative latency drop,
// success rate gain and relative throughput gain. Positive is better.
func delta(before, after Metrics) float64 {
	if before.Samples == 0 || after.Samples == 0 {
		return 0
	}
	d := after.SuccessRate - before.SuccessRate
	if before.LatencyMS > 0 {
		d += (before.LatencyMS - after.LatencyMS) / before.LatencyMS
	}
	if before.Throughput > 0 {
		d += (after.Throughput - before.Throughput) / before.Throughput
	}
	return d
}

// MeasureGrowth folds the history: generation count, number of strategies
// applied, summed deltas and the distinct strategies ever applied.
func (e *Engine) MeasureGrowth() Growth {
	e.mu.Lock()
	defer e.mu.Unlock()
	var g Growth
	g.Generations = len(e.history)
	if g.Generations > 0 {
		g.Generations = e.history[len(e.history)-1].Generation
	}
	seen := map[string]bool{}
	for _, r := range e.history {
		g.Magnitude += r.Delta
		for _, im := range r.Improvements {
			if !im.Applied {
				continue
			}
			g.TotalImprovements++
			if !seen[im.Strategy] {
				seen[im.Strategy] = true
				g.ActiveStrategies = append(g.ActiveStrategies, im.Strategy)
			}
		}
	}
	return g
}

// Generation is the current generation counter.
func (e *Engine) Generation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// History returns copies of every record, oldest first.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	for i, r := range e.history {
		out[i] = cloneRecord(r)
	}
	return out
}

func cloneRecord(r Record) Record {
	r.Improvements = slices.Clone(r.Improvements)
	return r
}
