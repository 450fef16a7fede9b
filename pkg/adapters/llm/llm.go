// Package llm defines the text-generation provider interface, a provider
// registry, and the Executor that runs inference tasks through a provider.
package llm

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateResult is the model's text output and token usage if reported.
type GenerateResult struct {
	Text         string
	PromptTokens int
	OutputTokens int
	TotalTokens  int
	Model        string
}

// LLM is a minimal chat generation interface.
type LLM interface {
	// Name returns the provider name (e.g. "openai").
	Name() string
	// Generate creates a completion from messages. Pure-completion providers
	// may ignore everything but the text.
	Generate(ctx context.Context, messages []Message, opts map[string]any) (GenerateResult, error)
}

// Factory constructs an LLM from provider-specific config.
type Factory func(ctx context.Context, cfg map[string]any) (LLM, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an LLM factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("llm: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("llm: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("llm: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Providers lists the registered provider names, sorted.
func Providers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Open resolves provider and builds it with cfg.
func Open(ctx context.Context, provider string, cfg map[string]any) (LLM, error) {
	f, ok := Resolve(provider)
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q (registered: %v)", provider, Providers())
	}
	return f(ctx, cfg)
}
