package llm

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts the tokens of text.
type TokenEstimator func(text string) int

// NewTikTokenEstimator returns a TokenEstimator backed by tiktoken-go for
// model, falling back to the cl100k_base encoding for models tiktoken does
// not know (local models, Gemini).
func NewTikTokenEstimator(model string) (TokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// approxTokens is the estimator of last resort: about four bytes per token.
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
