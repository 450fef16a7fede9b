package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogpy/lemonade-cog/pkg/agent"
)

type recorder struct {
	got    []Message
	opts   map[string]any
	result GenerateResult
	err    error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Generate(_ context.Context, messages []Message, opts map[string]any) (GenerateResult, error) {
	r.got = messages
	r.opts = opts
	return r.result, r.err
}

func TestRegistry(t *testing.T) {
	assert.Error(t, Register("", func(context.Context, map[string]any) (LLM, error) { return Echo{}, nil }))
	assert.Error(t, Register("nil-factory", nil))
	assert.Error(t, Register("echo", func(context.Context, map[string]any) (LLM, error) { return Echo{}, nil }),
		"echo is registered at init")
	assert.Contains(t, Providers(), "echo")

	m, err := Open(t.Context(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Name())

	_, err = Open(t.Context(), "nope", nil)
	assert.ErrorContains(t, err, "unknown provider")
}

func TestExecutorPayloadShapes(t *testing.T) {
	r := &recorder{result: GenerateResult{Text: "ok", Model: "m", PromptTokens: 3, OutputTokens: 1, TotalTokens: 4}}
	e := NewExecutor(r)

	res, err := e.Execute(t.Context(), agent.TypeInference, "hello")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []Message{{Role: "user", Content: "hello"}}, r.got)
	out := res.Output.(map[string]any)
	assert.Equal(t, "ok", out["text"])
	assert.Equal(t, 4, out["total_tokens"])
	assert.Equal(t, false, out["tokens_estimated"])

	_, err = e.Execute(t.Context(), agent.TypeInference, map[string]any{
		"system": "be brief",
		"prompt": "why?",
		"model":  "small",
	})
	require.NoError(t, err)
	assert.Equal(t, []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "why?"}}, r.got)
	assert.Equal(t, "small", r.opts["model"])

	_, err = e.Execute(t.Context(), agent.TypeInference, map[string]any{
		"messages": []any{map[string]any{"role": "assistant", "content": "hi"}, map[string]any{"content": "more"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []Message{{Role: "assistant", Content: "hi"}, {Role: "user", Content: "more"}}, r.got)

	for _, bad := range []any{"  ", 42, map[string]any{"system": "only"}, []Message{}} {
		_, err := e.Execute(t.Context(), agent.TypeInference, bad)
		assert.Error(t, err, "%#v", bad)
	}
}

func TestExecutorEstimatesMissingUsage(t *testing.T) {
	r := &recorder{result: GenerateResult{Text: "four words right here"}}
	words := func(s string) int { return len(strings.Fields(s)) }
	e := NewExecutor(r, WithEstimator(words))

	res, err := e.Execute(t.Context(), agent.TypeInference, "two words")
	require.NoError(t, err)
	out := res.Output.(map[string]any)
	assert.Equal(t, 2, out["prompt_tokens"])
	assert.Equal(t, 4, out["output_tokens"])
	assert.Equal(t, 6, out["total_tokens"])
	assert.Equal(t, true, out["tokens_estimated"])
}

func TestExecutorPrependsPeerHint(t *testing.T) {
	r := &recorder{result: GenerateResult{Text: "x", TotalTokens: 1}}
	e := NewExecutor(r)
	ctx := agent.WithHint(t.Context(), agent.Hint{
		Key:    agent.LessonKey(agent.TypeInference),
		Value:  agent.Lesson{Summary: "inference: 3/4 succeeded"},
		Source: "agent_2",
	})

	_, err := e.Execute(ctx, agent.TypeInference, "q")
	require.NoError(t, err)
	require.Len(t, r.got, 2)
	assert.Equal(t, "system", r.got[0].Role)
	assert.Contains(t, r.got[0].Content, "agent_2")
	assert.Contains(t, r.got[0].Content, "3/4 succeeded")
}

func TestExecutorWrapsProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	e := NewExecutor(&recorder{err: boom})
	_, err := e.Execute(t.Context(), agent.TypeInference, "q")
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "recorder generate")
}

func TestEchoThroughAgent(t *testing.T) {
	a := agent.New("a", agent.WithExecutor(NewExecutor(Echo{})))
	task := &agent.Task{ID: "t1", Type: agent.TypeInference, Payload: "  ping  "}
	require.NoError(t, a.Assign(task))
	out, err := a.Execute(t.Context())
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, agent.StatusCompleted, out.Task.Status)
	assert.Equal(t, "ping", out.Task.Result.(map[string]any)["text"])
}

func TestNewTikTokenEstimator(t *testing.T) {
	est, err := NewTikTokenEstimator("gpt-4")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	assert.Positive(t, est("hello world"))
	assert.Equal(t, 3, approxTokens("hello world"))
}
