package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/pkg/circuitbreaker"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL + "/v1",
		APIKey:         "test",
		Model:          "base",
		EmbeddingModel: "embed",
		Timeout:        5 * time.Second,
		Temperature:    0.7,
		MaxTokens:      200,
	})
}

func TestGenerateUsesActiveModelAndPostProcesses(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "Assistant: OOP is a paradigm"},
			}},
		})
	})
	c.WithModelSource(func() string { return "final-best-model-v3" })

	gen, err := c.Generate(context.Background(), GenerateRequest{Prompt: "What is OOP?", Language: models.LanguageSecondary})
	require.NoError(t, err)

	assert.Equal(t, "OOP is a paradigm.", gen.Text)
	assert.Equal(t, "final-best-model-v3", gen.Model)
	assert.Equal(t, "final-best-model-v3", got.Model)
	assert.Equal(t, 200, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, SystemPrompt(models.LanguageSecondary), got.Messages[0].Content)
}

func TestGenerateCapsGreetings(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Merhaba!"}}},
		})
	})

	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "merhaba", Language: models.LanguagePrimary, Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, 30, got.MaxTokens)
	assert.Equal(t, "m", got.Model)
}

func TestGenerateServerErrorIsTransient(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGenerateBadRequestIsPermanent(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"error":{"message":"bad prompt","type":"invalid_request_error"}}`)
	})

	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestEmbedOrdersByIndex(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 1, Embedding: []float32{0, 1}},
				{Index: 0, Embedding: []float32{1, 0}},
			},
		})
	})

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"marked", Transient(errors.New("x")), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"breaker open", circuitbreaker.ErrCircuitOpen, true},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"gemini unavailable", &googleapi.Error{Code: 503}, true},
		{"gemini invalid", &googleapi.Error{Code: 400}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestPostProcess(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello", "Hello."},
		{"Student: hi\nAssistant: Sure. Student: more", "Sure."},
		{"One. Two. Three. Four. Five.", "One. Two. Three."},
		{"Is it A? Or B? Maybe C", "Is it A? Or B."},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PostProcess(tt.in), tt.in)
	}
}
