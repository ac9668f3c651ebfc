// Package gemini serves inference through the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/qabridge/backend/internal/llm"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/pkg/circuitbreaker"
)

type Config struct {
	APIKey      string
	ModelName   string
	Temperature float32
	MaxTokens   int
}

type Client struct {
	client    *genai.Client
	modelName string
	cfg       Config
	cb        *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-1.5-flash"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("gemini", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        llm.IsTransient,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger,
	})

	logger.Info("Gemini client initialized", zap.String("model", cfg.ModelName))

	return &Client{client: client, modelName: cfg.ModelName, cfg: cfg, cb: cb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.Generation, error) {
	modelName := c.modelName
	if req.Model != "" {
		modelName = req.Model
	}

	model := c.client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(llm.SystemPrompt(req.Language))},
	}
	model.GenerationConfig = generationConfig(req, c.cfg)

	var out *llm.Generation
	start := time.Now()

	err := c.cb.Execute(ctx, func() error {
		resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
		if err != nil {
			return fmt.Errorf("gemini API error: %w", err)
		}

		text, err := responseText(resp)
		if err != nil {
			return err
		}

		out = &llm.Generation{Text: llm.PostProcess(text), Model: modelName}
		if resp.UsageMetadata != nil {
			out.Usage = llm.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		return nil
	})

	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Warn("Gemini generation failed", zap.String("model", modelName), zap.Error(err))
	}
	metrics.InferenceDuration.WithLabelValues(c.Name(), status).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return out, nil
}

func generationConfig(req llm.GenerateRequest, cfg Config) genai.GenerationConfig {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.MaxTokens
	}
	maxTokens = llm.TokenBudget(req.Prompt, maxTokens)

	gc := genai.GenerationConfig{
		Temperature: genai.Ptr(temperature),
	}
	if maxTokens > 0 {
		gc.MaxOutputTokens = genai.Ptr(int32(maxTokens))
	}
	return gc
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		// An empty candidate list is usually a safety block or overload.
		return "", llm.Transient(fmt.Errorf("empty response from gemini"))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini response has no text parts")
	}
	return b.String(), nil
}
