package gemini

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabridge/backend/internal/llm"
)

func TestGenerationConfig(t *testing.T) {
	gc := generationConfig(llm.GenerateRequest{Prompt: "What is OOP?"}, Config{Temperature: 0.7, MaxTokens: 200})
	require.NotNil(t, gc.Temperature)
	assert.InDelta(t, 0.7, *gc.Temperature, 1e-6)
	require.NotNil(t, gc.MaxOutputTokens)
	assert.Equal(t, int32(200), *gc.MaxOutputTokens)

	gc = generationConfig(llm.GenerateRequest{Prompt: "hello", Temperature: 0.2}, Config{Temperature: 0.7, MaxTokens: 200})
	assert.InDelta(t, 0.2, *gc.Temperature, 1e-6)
	assert.Equal(t, int32(30), *gc.MaxOutputTokens)
}

func TestResponseText(t *testing.T) {
	_, err := responseText(&genai.GenerateContentResponse{})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))

	text, err := responseText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("OOP is "), genai.Text("a paradigm")}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "OOP is a paradigm", text)
}
