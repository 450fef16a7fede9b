package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/agent"
)

// Executor runs inference tasks through an LLM. It implements agent.Executor.
//
// Accepted payloads: a prompt string, a []Message, or a map with "prompt"
// (or "messages"), and optional "system" and "model" keys.
type Executor struct {
	model    LLM
	estimate TokenEstimator
	timeout  time.Duration
	logger   *zap.Logger
}

type ExecutorOption func(*Executor)

// WithEstimator counts tokens when the provider reports no usage.
func WithEstimator(est TokenEstimator) ExecutorOption {
	return func(e *Executor) { e.estimate = est }
}

// WithTimeout bounds a single generation; zero leaves it to the caller's context.
func WithTimeout(d time.Duration) ExecutorOption { return func(e *Executor) { e.timeout = d } }

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewExecutor(m LLM, opts ...ExecutorOption) *Executor {
	e := &Executor{model: m, logger: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	if e.estimate == nil {
		e.estimate = approxTokens
	}
	e.logger = e.logger.Named("llm").With(zap.String("provider", m.Name()))
	return e
}

func (e *Executor) Execute(ctx context.Context, typ agent.TaskType, payload any) (agent.Result, error) {
	messages, opts, err := parsePayload(payload)
	if err != nil {
		return agent.Result{}, err
	}
	if h, ok := agent.HintFromContext(ctx); ok {
		messages = append([]Message{{Role: "system", Content: hintText(h)}}, messages...)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.model.Generate(ctx, messages, opts)
	if err != nil {
		return agent.Result{}, fmt.Errorf("%s generate: %w", e.model.Name(), err)
	}
	estimated := false
	if res.TotalTokens == 0 {
		estimated = true
		for _, m := range messages {
			res.PromptTokens += e.estimate(m.Content)
		}
		res.OutputTokens = e.estimate(res.Text)
		res.TotalTokens = res.PromptTokens + res.OutputTokens
	}
	e.logger.Debug("generated",
		zap.String("task.type", string(typ)),
		zap.String("model", res.Model),
		zap.Int("tokens", res.TotalTokens),
		zap.Bool("estimated", estimated),
		zap.Duration("took", time.Since(start)),
	)
	return agent.Result{Success: true, Output: map[string]any{
		"text":             res.Text,
		"model":            res.Model,
		"provider":         e.model.Name(),
		"prompt_tokens":    res.PromptTokens,
		"output_tokens":    res.OutputTokens,
		"total_tokens":     res.TotalTokens,
		"tokens_estimated": estimated,
	}}, nil
}

func hintText(h agent.Hint) string {
	if l, ok := h.Value.(agent.Lesson); ok {
		return fmt.Sprintf("Experience shared by %s: %s", h.Source, l.Summary)
	}
	return fmt.Sprintf("Experience shared by %s: %v", h.Source, h.Value)
}

func parsePayload(payload any) ([]Message, map[string]any, error) {
	opts := map[string]any{}
	switch p := payload.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return nil, nil, fmt.Errorf("empty prompt")
		}
		return []Message{{Role: "user", Content: p}}, opts, nil
	case []Message:
		if len(p) == 0 {
			return nil, nil, fmt.Errorf("no messages")
		}
		return p, opts, nil
	case map[string]any:
		var msgs []Message
		if s, ok := p["system"].(string); ok && s != "" {
			msgs = append(msgs, Message{Role: "system", Content: s})
		}
		if raw, ok := p["messages"].([]any); ok {
			for i, r := range raw {
				m, ok := r.(map[string]any)
				if !ok {
					return nil, nil, fmt.Errorf("messages[%d] is %T, want object", i, r)
				}
				role, _ := m["role"].(string)
				content, _ := m["content"].(string)
				if role == "" {
					role = "user"
				}
				msgs = append(msgs, Message{Role: role, Content: content})
			}
		}
		if prompt, ok := p["prompt"].(string); ok && prompt != "" {
			msgs = append(msgs, Message{Role: "user", Content: prompt})
		}
		if len(msgs) == 0 || msgs[len(msgs)-1].Role == "system" {
			return nil, nil, fmt.Errorf("payload has no prompt or messages")
		}
		if model, ok := p["model"].(string); ok && model != "" {
			opts["model"] = model
		}
		return msgs, opts, nil
	default:
		return nil, nil, fmt.Errorf("unsupported inference payload %T", payload)
	}
}
