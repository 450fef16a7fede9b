package autognosis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/snapshot"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func twoAgents() snapshot.Snapshot {
	return snapshot.Snapshot{
		TakenAt: t0,
		Agents: []agent.View{
			{ID: "a0", Role: "inference", State: agent.StateIdle},
			{ID: "a1", Role: "monitoring", Capabilities: []string{"summarize"}, State: agent.StateActive},
		},
		Resources: map[string]float64{"memory_available": 512, "memory_usage": 90},
		Features:  []string{"npu"},
	}
}

func TestIntrospectCapabilitiesAndLimitations(t *testing.T) {
	e := New()
	a := e.Introspect(twoAgents())

	assert.Equal(t, []string{"inference", CapLLMInference, "monitoring", CapMultiAgent, "npu", CapSelfHealing, "summarize"}, a.Capabilities)
	assert.Equal(t, []string{LimitMemory, LimitMemPressure, "missing_role:optimization", LimitNoGPU}, a.Limitations)
	assert.Equal(t, 2, a.Agents)
	assert.Equal(t, 1, a.States[agent.StateActive])
}

func TestIntrospectEmptySystem(t *testing.T) {
	e := New(WithExpectedRoles())
	a := e.Introspect(snapshot.Snapshot{TakenAt: t0, Resources: map[string]float64{"gpu_available": 1}})
	assert.Equal(t, []string{CapSelfHealing}, a.Capabilities)
	assert.Equal(t, []string{LimitNoAgents}, a.Limitations)
}

func TestAssessReadiness(t *testing.T) {
	e := New()
	r := e.AssessReadiness(TaskSpec{Requires: []string{"inference"}})
	assert.False(t, r.Ready, "nothing is known before introspection")

	e.Introspect(twoAgents())
	r = e.AssessReadiness(TaskSpec{Type: agent.TypeInference, Requires: []string{"inference", "summarize"}})
	assert.True(t, r.Ready)
	assert.Empty(t, r.Missing)

	r = e.AssessReadiness(TaskSpec{Requires: []string{"vision", "inference", "vision", "gpu"}})
	assert.False(t, r.Ready)
	assert.Equal(t, []string{"vision", "gpu"}, r.Missing)

	assert.True(t, e.AssessReadiness(TaskSpec{}).Ready)
}

func TestIntrospectDoesNotAliasSnapshot(t *testing.T) {
	e := New()
	snap := twoAgents()
	a := e.Introspect(snap)
	a.Capabilities[0] = "mutated"
	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, "inference", latest.Capabilities[0])
}

func TestSelfKnowledgeHistoryBounded(t *testing.T) {
	e := New(WithHistoryCap(3))
	for i := range 5 {
		snap := twoAgents()
		snap.TakenAt = t0.Add(time.Duration(i) * time.Minute)
		snap.Performance = snapshot.Performance{Samples: i}
		e.Introspect(snap)
	}
	sk := e.SelfKnowledge()
	require.Len(t, sk.History, 3)
	assert.Equal(t, 2, sk.History[0].Performance.Samples)
	assert.Equal(t, 5, sk.Assessments)
	assert.Contains(t, sk.Capabilities, CapMultiAgent)
}
