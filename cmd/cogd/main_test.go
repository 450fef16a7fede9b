package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/agent"
	"github.com/cogpy/lemonade-cog/pkg/config"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	if got := getEnv("FOO", "default"); got != "bar" {
		t.Fatalf("getEnv returned %q, want %q", got, "bar")
	}
	if got := getEnv("MISSING", "default"); got != "default" {
		t.Fatalf("getEnv returned %q, want %q", got, "default")
	}
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Schedule = config.Schedule{}
	probe := resourceFlags{memory: 40, cpu: -1}.probe
	a, err := newApp(t.Context(), cfg, zap.NewNop(), probe)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.close()) })
	return a
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestControlPlane_TaskLifecycle(t *testing.T) {
	a := testApp(t)
	srv := httptest.NewServer(buildMux(a))
	defer srv.Close()

	res := postJSON(t, srv.URL+"/api/tasks", `{"type":"inference","payload":"hello there"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	require.NotEmpty(t, created.TaskID)

	require.Eventually(t, func() bool {
		res, err := http.Get(srv.URL + "/api/tasks?id=" + created.TaskID)
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var task agent.Task
		if json.NewDecoder(res.Body).Decode(&task) != nil {
			return false
		}
		return task.Status == agent.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	res = postJSON(t, srv.URL+"/api/tasks/cancel", `{"task_id":"`+created.TaskID+`"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode, "finished tasks cannot be cancelled")

	res, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	var status struct {
		Completed uint64 `json:"completed"`
		Agents    []any  `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, uint64(1), status.Completed)
	assert.Len(t, status.Agents, 3)
}

func TestControlPlane_Errors(t *testing.T) {
	a := testApp(t)
	srv := httptest.NewServer(buildMux(a))
	defer srv.Close()

	cases := []struct {
		path, body string
		want       int
	}{
		{"/api/tasks", `{"type":"inference"}`, http.StatusBadRequest},
		{"/api/tasks", `not json`, http.StatusBadRequest},
		{"/api/tasks/cancel", `{}`, http.StatusBadRequest},
		{"/api/tasks/cancel", `{"task_id":"nope"}`, http.StatusNotFound},
	}
	for _, c := range cases {
		res := postJSON(t, srv.URL+c.path, c.body)
		assert.Equal(t, c.want, res.StatusCode, "%s %s", c.path, c.body)
		var env struct {
			Error struct {
				Category string `json:"category"`
			} `json:"error"`
		}
		require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
		assert.Equal(t, "validation", env.Error.Category)
	}

	res, err := http.Get(srv.URL + "/api/tasks?id=missing")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestControlPlane_ReportsInsightsMetrics(t *testing.T) {
	a := testApp(t)
	a.sched.RunCycle(t.Context())
	srv := httptest.NewServer(buildMux(a))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/reports")
	require.NoError(t, err)
	defer res.Body.Close()
	var reports []workflow.Report
	require.NoError(t, json.NewDecoder(res.Body).Decode(&reports))
	require.NotEmpty(t, reports)
	assert.Equal(t, workflow.NameHealing, reports[0].Workflow)

	res2, err := http.Get(srv.URL + "/api/insights")
	require.NoError(t, err)
	defer res2.Body.Close()
	var in struct {
		Cycles int `json:"cycles"`
	}
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&in))
	assert.Equal(t, 1, in.Cycles)

	res3, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res3.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(res3.Body)
	assert.Contains(t, buf.String(), "cog_orchestrator_workflow_runs_total")
}

func TestResourceFlagsProbe(t *testing.T) {
	assert.Equal(t, map[string]float64{"memory_usage": 85}, resourceFlags{memory: 85, cpu: -1}.probe())
	assert.Empty(t, resourceFlags{memory: -1, cpu: -1}.probe())
}

func TestOneShotCommands(t *testing.T) {
	for _, args := range [][]string{
		{"status"},
		{"heal", "--memory-usage", "95"},
		{"maintain"},
		{"improve"},
		{"introspect"},
		{"evolve", "-n", "2"},
		{"version"},
	} {
		t.Run(args[0], func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCmd()
			cmd.SetOut(&out)
			cmd.SetArgs(args)
			require.NoError(t, cmd.ExecuteContext(t.Context()))
			if args[0] == "version" {
				assert.True(t, strings.HasPrefix(out.String(), "cogd dev"))
				return
			}
			var v map[string]any
			require.NoError(t, json.Unmarshal(out.Bytes(), &v), out.String())
			assert.NotEmpty(t, v)
		})
	}
}

func TestHealCommandReportsMemoryPressure(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"heal", "--memory-usage", "95"})
	require.NoError(t, cmd.ExecuteContext(t.Context()))

	var r workflow.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &r))
	assert.Equal(t, workflow.NameHealing, r.Workflow)
	assert.NotEmpty(t, r.Issues)
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := loadConfig(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}
