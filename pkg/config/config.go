// Package config loads the YAML configuration of the orchestration core.
// Default returns a complete configuration; Load overlays a file on it.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/cogpy/lemonade-cog/pkg/autogenesis"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

// CronParser accepts five-field specs and descriptors such as "@every 10m".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	NumAgents         int `yaml:"num_agents"`
	PerAgentMemoryCap int `yaml:"per_agent_memory_cap"`
	// DispatchRoleMatching prefers agents whose role or capabilities match
	// the task type. DispatchRoleStrict forbids the fallback to any idle agent.
	DispatchRoleMatching bool          `yaml:"dispatch_role_matching"`
	DispatchRoleStrict   bool          `yaml:"dispatch_role_strict"`
	DispatchInterval     time.Duration `yaml:"dispatch_interval"`
	Agents               []AgentSpec   `yaml:"agents"`

	HealingThresholds  workflow.HealingThresholds `yaml:"healing_thresholds"`
	Retention          Retention                  `yaml:"retention"`
	Knowledge          Knowledge                  `yaml:"knowledge"`
	ImprovementTargets map[string]TargetSpec      `yaml:"improvement_targets"`
	Evolution          autogenesis.Targets        `yaml:"evolution"`
	Schedule           Schedule                   `yaml:"schedule"`
	HistoryCap         int                        `yaml:"history_cap"`
	Features           []string                   `yaml:"features"`

	Backend   Backend   `yaml:"backend"`
	Telemetry Telemetry `yaml:"telemetry"`
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
}

// AgentSpec declares an agent created at initialization in addition to the
// num_agents defaults.
type AgentSpec struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
}

// Retention bounds the completed-task log. Either bound may be zero (off).
type Retention struct {
	CompletedTaskCap int           `yaml:"completed_task_cap"`
	TTL              time.Duration `yaml:"ttl"`
}

type Knowledge struct {
	TTL         time.Duration `yaml:"ttl"`
	MailboxSize int           `yaml:"mailbox_size"`
	AuditCap    int           `yaml:"audit_cap"`
}

type TargetSpec struct {
	Goal      float64            `yaml:"goal"`
	Direction workflow.Direction `yaml:"direction"`
	Action    string             `yaml:"action"`
}

// Schedule holds cron specs; an empty spec disables the job.
type Schedule struct {
	Cycle       string `yaml:"cycle"`
	Healing     string `yaml:"healing"`
	Maintenance string `yaml:"maintenance"`
	Improvement string `yaml:"improvement"`
	Evolution   string `yaml:"evolution"`
	// MaintenanceEvery makes every Nth cycle include maintenance.
	MaintenanceEvery int `yaml:"maintenance_every"`
}

type Backend struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type Telemetry struct {
	ServiceName string `yaml:"service_name"`
	Stdout      bool   `yaml:"stdout"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		NumAgents:            3,
		PerAgentMemoryCap:    100,
		DispatchRoleMatching: true,
		DispatchInterval:     time.Second,
		HealingThresholds:    workflow.DefaultHealingThresholds(),
		Retention:            Retention{CompletedTaskCap: 1000, TTL: time.Hour},
		Knowledge:            Knowledge{TTL: 24 * time.Hour, MailboxSize: 256, AuditCap: 1024},
		ImprovementTargets: map[string]TargetSpec{
			"latency_ms":   {Goal: 100, Direction: workflow.Minimize, Action: "reduce_latency"},
			"success_rate": {Goal: 0.95, Direction: workflow.Maximize, Action: "reinforce_learning"},
		},
		Evolution:  autogenesis.DefaultTargets(),
		Schedule:   Schedule{Cycle: "@every 10m", Healing: "@every 1m", MaintenanceEvery: 6},
		HistoryCap: 100,
		Backend:    Backend{Provider: "echo"},
		Telemetry:  Telemetry{ServiceName: "cogd"},
		HTTP:       HTTP{Addr: ":8080"},
		Log:        Log{Level: "info"},
	}
}

// Load reads path and overlays it on Default. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.NumAgents < 0 {
		bad("num_agents must not be negative")
	}
	if c.PerAgentMemoryCap < 0 {
		bad("per_agent_memory_cap must not be negative")
	}
	if c.DispatchInterval < 0 {
		bad("dispatch_interval must not be negative")
	}
	if c.DispatchRoleStrict && !c.DispatchRoleMatching {
		bad("dispatch_role_strict requires dispatch_role_matching")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			bad("agents[%d]: id is empty", i)
			continue
		}
		if seen[id] {
			bad("agents[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}

	h := c.HealingThresholds
	if h.MemoryWarning < 0 || h.MemoryCritical > 100 || h.MemoryWarning >= h.MemoryCritical {
		bad("healing_thresholds: need 0 <= memory_usage_warning < memory_usage_critical <= 100")
	}
	if h.FailureRate < 0 || h.FailureRate > 1 {
		bad("healing_thresholds.failure_rate must be within [0,1]")
	}
	if h.StallDuration < 0 || h.FailureMinSamples < 0 || h.QueueBacklog < 0 {
		bad("healing_thresholds: durations and counts must not be negative")
	}
	if c.Retention.CompletedTaskCap < 0 || c.Retention.TTL < 0 {
		bad("retention: completed_task_cap and ttl must not be negative")
	}
	if c.Knowledge.TTL < 0 || c.Knowledge.MailboxSize < 0 || c.Knowledge.AuditCap < 0 {
		bad("knowledge: values must not be negative")
	}
	for name, t := range c.ImprovementTargets {
		if t.Direction != "" && t.Direction != workflow.Maximize && t.Direction != workflow.Minimize {
			bad("improvement_targets.%s: direction %q is neither maximize nor minimize", name, t.Direction)
		}
	}
	if c.HistoryCap < 0 || c.Schedule.MaintenanceEvery < 0 {
		bad("history_cap and schedule.maintenance_every must not be negative")
	}
	for name, spec := range map[string]string{
		"cycle": c.Schedule.Cycle, "healing": c.Schedule.Healing, "maintenance": c.Schedule.Maintenance,
		"improvement": c.Schedule.Improvement, "evolution": c.Schedule.Evolution,
	} {
		if spec == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			bad("schedule.%s: %v", name, err)
		}
	}
	return errors.Join(errs...)
}

// Targets returns the improvement targets ordered by metric name.
func (c Config) Targets() []workflow.Target {
	names := make([]string, 0, len(c.ImprovementTargets))
	for n := range c.ImprovementTargets {
		names = append(names, n)
	}
	slices.Sort(names)
	out := make([]workflow.Target, 0, len(names))
	for _, n := range names {
		t := c.ImprovementTargets[n]
		dir := t.Direction
		if dir == "" {
			dir = workflow.Maximize
		}
		out = append(out, workflow.Target{Metric: n, Goal: t.Goal, Direction: dir, Action: t.Action})
	}
	return out
}
