package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/autogenesis"
	"github.com/cogpy/lemonade-cog/pkg/autognosis"
	"github.com/cogpy/lemonade-cog/pkg/config"
	"github.com/cogpy/lemonade-cog/pkg/orchestrator"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSystem(t *testing.T, cfg config.Config) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(orchestrator.WithConfig(cfg))
	require.NoError(t, o.Initialize())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, o.Shutdown(ctx))
	})
	return o
}

func runTasks(t *testing.T, o *orchestrator.Orchestrator, n int) {
	t.Helper()
	for i := range n {
		_, err := o.Submit(t.Context(), orchestrator.Submission{Type: agent.TypeInference, Payload: i})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return o.GetSystemStatus().Completed == uint64(n)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunCycle(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.MaintenanceEvery = 2
	o := newSystem(t, cfg)
	runTasks(t, o, 3)
	s := New(o, cfg)

	first := s.RunCycle(t.Context())
	assert.Equal(t, 1, first.Number)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 3, first.Assessment.Agents)
	assert.Equal(t, workflow.StatusHealthy, first.Healing.Status)
	assert.Nil(t, first.Maintenance, "maintenance is due every second cycle")
	require.NotNil(t, first.Evolution)
	assert.Equal(t, 1, first.Evolution.Generation)
	assert.Contains(t, first.Evolution.Strategies(), autogenesis.Catalog[autogenesis.GapFeedback])
	assert.Equal(t, workflow.NameImprovement, first.Improvement.Workflow)
	assert.Empty(t, first.Errors)

	second := s.RunCycle(t.Context())
	require.NotNil(t, second.Maintenance)
	assert.Equal(t, workflow.StatusOK, second.Maintenance.Status)
	assert.Equal(t, 2, second.Evolution.Generation)

	in := s.Insights()
	assert.Equal(t, 2, in.Cycles)
	assert.Equal(t, 2, in.Growth.Generations)
	require.NotNil(t, in.LastCycle)
	assert.Equal(t, second.ID, in.LastCycle.ID)
	assert.Contains(t, in.SelfKnowledge.Capabilities, autognosis.CapMultiAgent)
	assert.Len(t, s.Reports(), 5)
}

func TestRequestedMaintenanceRunsNextCycle(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.MaintenanceEvery = 0
	o := newSystem(t, cfg)
	s := New(o, cfg)

	assert.Nil(t, s.RunCycle(t.Context()).Maintenance)
	require.NoError(t, o.RequestMaintenance(t.Context(), "degraded_agent on agent_1"))
	assert.NotNil(t, s.RunCycle(t.Context()).Maintenance)
	assert.Nil(t, s.RunCycle(t.Context()).Maintenance, "the request is consumed")
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := config.Default()
	cfg.HistoryCap = 2
	o := newSystem(t, cfg)
	s := New(o, cfg)

	for range 3 {
		s.RunCycle(t.Context())
	}
	cycles := s.Cycles()
	require.Len(t, cycles, 2)
	assert.Equal(t, 2, cycles[0].Number)
	assert.Equal(t, 3, cycles[1].Number)
	assert.Len(t, s.Reports(), 2)
	assert.Equal(t, 3, s.Insights().Cycles)
}

func TestCancelledCycleRecordsEvolutionError(t *testing.T) {
	cfg := config.Default()
	o := newSystem(t, cfg)
	s := New(o, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	c := s.RunCycle(ctx)
	assert.Nil(t, c.Evolution)
	require.Len(t, c.Errors, 1)
	assert.Contains(t, c.Errors[0], "evolution")
}

func TestStandaloneEvolveAndReadiness(t *testing.T) {
	cfg := config.Default()
	o := newSystem(t, cfg)
	s := New(o, cfg)

	rec, err := s.Evolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Generation)

	s.Introspect()
	r := s.Readiness(autognosis.TaskSpec{Requires: []string{string(agent.TypeMonitoring)}})
	assert.True(t, r.Ready)
}

func TestStartRunsCronJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule = config.Schedule{Healing: "@every 1s"}
	o := newSystem(t, cfg)
	s := New(o, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	require.Eventually(t, func() bool { return len(s.Reports()) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, workflow.NameHealing, s.Reports()[0].Workflow)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	s.Stop()
}

func TestStartRejectsBadSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule = config.Schedule{Maintenance: "whenever"}
	s := New(newSystem(t, cfg), cfg)
	assert.Error(t, s.Start(t.Context()))
	s.Stop()
}
