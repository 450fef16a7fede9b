package llm

import (
	"context"
	"strings"
)

// Echo is an offline provider that answers with the last user message. It
// needs no credentials and backs the default configuration.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Generate(ctx context.Context, messages []Message, opts map[string]any) (GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResult{}, err
	}
	var last string
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	model, _ := opts["model"].(string)
	if model == "" {
		model = "echo"
	}
	return GenerateResult{Text: strings.TrimSpace(last), Model: model}, nil
}

func init() {
	_ = Register("echo", func(context.Context, map[string]any) (LLM, error) { return Echo{}, nil })
}
