package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.NumAgents)
	assert.Equal(t, 80.0, cfg.HealingThresholds.MemoryWarning)
	assert.Equal(t, 95.0, cfg.HealingThresholds.MemoryCritical)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	p := writeFile(t, `
num_agents: 2
dispatch_role_strict: true
agents:
  - id: npu-0
    role: inference
    capabilities: [npu]
healing_thresholds:
  memory_usage_warning: 70
  stall_duration: 90s
retention:
  ttl: 15m
improvement_targets:
  accuracy: {goal: 0.9}
schedule:
  healing: "*/5 * * * *"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NumAgents)
	assert.True(t, cfg.DispatchRoleStrict)
	assert.True(t, cfg.DispatchRoleMatching, "unset keys keep their defaults")
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, []string{"npu"}, cfg.Agents[0].Capabilities)
	assert.Equal(t, 70.0, cfg.HealingThresholds.MemoryWarning)
	assert.Equal(t, 95.0, cfg.HealingThresholds.MemoryCritical)
	assert.Equal(t, 90*time.Second, cfg.HealingThresholds.StallDuration)
	assert.Equal(t, 15*time.Minute, cfg.Retention.TTL)
	assert.Equal(t, 1000, cfg.Retention.CompletedTaskCap)
	assert.Equal(t, "@every 10m", cfg.Schedule.Cycle)

	targets := cfg.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "accuracy", targets[0].Metric)
	assert.Equal(t, workflow.Maximize, targets[0].Direction)
	assert.Equal(t, "latency_ms", targets[1].Metric)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"negative agents":     func(c *Config) { c.NumAgents = -1 },
		"negative cap":        func(c *Config) { c.PerAgentMemoryCap = -5 },
		"inverted thresholds": func(c *Config) { c.HealingThresholds.MemoryWarning = 96 },
		"failure rate":        func(c *Config) { c.HealingThresholds.FailureRate = 1.5 },
		"strict without role": func(c *Config) { c.DispatchRoleMatching = false; c.DispatchRoleStrict = true },
		"bad cron":            func(c *Config) { c.Schedule.Healing = "every now and then" },
		"duplicate agent":     func(c *Config) { c.Agents = []AgentSpec{{ID: "a"}, {ID: "a"}} },
		"bad direction": func(c *Config) {
			c.ImprovementTargets["x"] = TargetSpec{Goal: 1, Direction: "sideways"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "num_agents: [oops"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "num_agents: -2"))
	assert.ErrorContains(t, err, "num_agents")
}
