package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	genai "google.golang.org/genai"

	"github.com/cogpy/lemonade-cog/pkg/adapters/llm"
)

func TestToContents(t *testing.T) {
	contents, system := toContents([]llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "system", Content: "no emoji"},
		{Role: "user", Content: "status?"},
	})
	assert.Equal(t, "be terse\nno emoji", system)
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, "status?", contents[2].Parts[0].Text)
}

func TestFactoryNeedsKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	_, err := Factory(t.Context(), nil)
	assert.ErrorContains(t, err, "missing API key")
}
