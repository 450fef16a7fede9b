// Package openai provides the OpenAI chat provider and the "lemonade"
// provider, which speaks the same API to a local Lemonade server.
package openai

import (
	"context"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/cogpy/lemonade-cog/pkg/adapters/llm"
)

const (
	defaultModel = "gpt-5-nano"
	// LemonadeBaseURL is where a local Lemonade server serves its
	// OpenAI-compatible API by default.
	LemonadeBaseURL = "http://localhost:8000/api/v1/"
	lemonadeModel   = "Llama-3.2-1B-Instruct-Hybrid"
)

type clientWrapper struct {
	name   string
	client oa.Client
	model  string
}

func (c *clientWrapper) Name() string { return c.name }

func (c *clientWrapper) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	model := c.model
	if v, ok := opts["model"].(string); ok && v != "" {
		model = v
	}

	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			mm = append(mm, oa.SystemMessage(m.Content))
		case "assistant":
			mm = append(mm, oa.AssistantMessage(m.Content))
		default:
			mm = append(mm, oa.UserMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: mm,
	})
	if err != nil {
		return llm.GenerateResult{}, err
	}
	var out string
	if len(resp.Choices) > 0 {
		out = resp.Choices[0].Message.Content
	}
	if resp.Model != "" {
		model = resp.Model
	}
	return llm.GenerateResult{
		Text:         out,
		PromptTokens: int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
		Model:        model,
	}, nil
}

func str(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Factory builds the OpenAI provider. cfg keys: api_key, model, base_url.
func Factory(_ context.Context, cfg map[string]any) (llm.LLM, error) {
	apiKey := str(cfg, "api_key", os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if u := str(cfg, "base_url", ""); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	return &clientWrapper{name: "openai", client: oa.NewClient(opts...), model: str(cfg, "model", defaultModel)}, nil
}

// LemonadeFactory builds a provider for a local Lemonade server. cfg keys:
// base_url (LEMONADE_BASE_URL), model, api_key. No key is required.
func LemonadeFactory(_ context.Context, cfg map[string]any) (llm.LLM, error) {
	base := os.Getenv("LEMONADE_BASE_URL")
	if base == "" {
		base = LemonadeBaseURL
	}
	base = str(cfg, "base_url", base)
	c := oa.NewClient(
		option.WithBaseURL(base),
		option.WithAPIKey(str(cfg, "api_key", "lemonade")),
		option.WithMaxRetries(1),
	)
	return &clientWrapper{name: "lemonade", client: c, model: str(cfg, "model", lemonadeModel)}, nil
}

func init() {
	_ = llm.Register("openai", Factory)
	_ = llm.Register("lemonade", LemonadeFactory)
}
