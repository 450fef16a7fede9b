package snapshot

import (
	"math"
	"testing"
	"time"

	"github.com/cogpy/lemonade-cog/pkg/agent"
)

func task(status agent.TaskStatus, start time.Time, d time.Duration) agent.Task {
	return agent.Task{Status: status, StartedAt: start, FinishedAt: start.Add(d)}
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := []agent.Task{
		task(agent.StatusCompleted, t0, 100*time.Millisecond),
		task(agent.StatusCompleted, t0.Add(time.Second), 300*time.Millisecond),
		task(agent.StatusFailed, t0.Add(2*time.Second), 200*time.Millisecond),
		task(agent.StatusCancelled, t0, 0),
		task(agent.StatusCompleted, t0.Add(3*time.Second), 200*time.Millisecond),
	}
	p := Summarize(recent)
	if p.Samples != 4 {
		t.Fatalf("samples=%d want 4", p.Samples)
	}
	if p.LatencyMS != 200 {
		t.Fatalf("latency_ms=%v want 200", p.LatencyMS)
	}
	if p.SuccessRate != 0.75 || p.ErrorRate != 0.25 {
		t.Fatalf("success=%v error=%v", p.SuccessRate, p.ErrorRate)
	}
	// 4 samples across 3.2s
	if math.Abs(p.Throughput-1.25) > 1e-9 {
		t.Fatalf("throughput=%v", p.Throughput)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if p := Summarize(nil); p != (Performance{}) {
		t.Fatalf("want zero performance, got %+v", p)
	}
}

func TestMetricsOverlayResources(t *testing.T) {
	s := Snapshot{
		Performance: Performance{LatencyMS: 40, SuccessRate: 1, QueueDepth: 3},
		Resources:   map[string]float64{"memory_usage": 70, "latency_ms": 55},
	}
	m := s.Metrics()
	if m["memory_usage"] != 70 || m["queue_depth"] != 3 {
		t.Fatalf("metrics=%v", m)
	}
	if m["latency_ms"] != 55 {
		t.Fatalf("resource metric should win, got %v", m["latency_ms"])
	}
}

func TestAgentLookup(t *testing.T) {
	s := Snapshot{Agents: []agent.View{{ID: "a", State: agent.StateIdle}, {ID: "b", State: agent.StateActive}}}
	if v, ok := s.Agent("b"); !ok || v.State != agent.StateActive {
		t.Fatalf("lookup b: %+v %v", v, ok)
	}
	if _, ok := s.Agent("c"); ok {
		t.Fatal("unexpected agent c")
	}
	if s.IdleAgents() != 1 {
		t.Fatalf("idle=%d want 1", s.IdleAgents())
	}
}
