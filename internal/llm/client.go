package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/pkg/circuitbreaker"
	"github.com/qabridge/backend/pkg/logger"
	"github.com/qabridge/backend/pkg/retry"
)

// GenerateRequest is one call to the inference capability.
type GenerateRequest struct {
	Prompt      string
	Language    models.Language
	MaxTokens   int
	Temperature float32
	// Model overrides the configured or active model when set.
	Model string
}

type Generation struct {
	Text  string
	Model string
	Usage Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generator is the text generation capability: prompt in, text out.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
}

// ModelSource names the model to serve; it returns "" when nothing is active.
type ModelSource func() string

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	Temperature    float32
	MaxTokens      int
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	activeModel    ModelSource
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        IsTransient,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      IsTransient,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("base_url", oc.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// WithModelSource makes the client serve whatever model src reports, falling
// back to the configured model.
func (c *Client) WithModelSource(src ModelSource) *Client {
	c.activeModel = src
	return c
}

func (c *Client) Name() string { return "openai" }

func (c *Client) modelFor(req GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if c.activeModel != nil {
		if m := c.activeModel(); m != "" {
			return m
		}
	}
	return c.model
}

// Generate runs one chat completion. It does not retry: the worker pool owns
// retries so that a failing item can be requeued instead of holding a worker.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := TokenBudget(req.Prompt, firstPositive(req.MaxTokens, c.maxTokens))
	model := c.modelFor(req)

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: SystemPrompt(req.Language),
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		},
	}

	var result *Generation
	start := time.Now()

	err := c.cb.Execute(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model:       model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}

		logger.Debug("LLM completion generated",
			zap.String("model", model),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		result = &Generation{
			Text:  PostProcess(resp.Choices[0].Message.Content),
			Model: model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.InferenceDuration.WithLabelValues(c.Name(), status).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Embed returns one embedding per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embeddings [][]float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: texts,
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate embeddings: %w", err)
			}
			if len(resp.Data) != len(texts) {
				return fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
			}

			data := resp.Data
			sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

			embeddings = make([][]float32, len(data))
			for i, d := range data {
				embeddings[i] = d.Embedding
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
