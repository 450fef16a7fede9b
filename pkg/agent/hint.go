package agent

import "context"

// Hint is shared knowledge a peer recorded for the task type being executed.
type Hint struct {
	Key    string
	Value  any
	Source string
}

type hintKey struct{}

// WithHint returns a context carrying h.
func WithHint(ctx context.Context, h Hint) context.Context {
	return context.WithValue(ctx, hintKey{}, h)
}

// HintFromContext returns the hint attached by the executing agent, if any.
func HintFromContext(ctx context.Context) (Hint, bool) {
	h, ok := ctx.Value(hintKey{}).(Hint)
	return h, ok
}
