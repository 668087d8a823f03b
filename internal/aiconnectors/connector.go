package aiconnectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/valenai/internal/logging"
)

// ModelConfig contains the generation parameters for a single call
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// CallOptions converts the config into langchaingo call options. Zero values are left unset.
func (m ModelConfig) CallOptions() []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(m.Temperature)}
	if m.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.MaxTokens))
	}
	if m.TopP > 0 {
		opts = append(opts, llms.WithTopP(m.TopP))
	}
	if m.TopK > 0 {
		opts = append(opts, llms.WithTopK(m.TopK))
	}
	if m.Model != "" {
		opts = append(opts, llms.WithModel(m.Model))
	}
	return opts
}

// ModelFactory builds a model client bound to one API key.
type ModelFactory func(ctx context.Context, apiKey, model string) (llms.Model, error)

// NewGeminiModel is the ModelFactory backed by the Google AI API.
func NewGeminiModel(ctx context.Context, apiKey, model string) (llms.Model, error) {
	log.Debug().
		Str("api_key", logging.MaskSecret(apiKey)).
		Str("model", model).
		Msg("Creating Gemini model")

	opts := []googleai.Option{googleai.WithAPIKey(apiKey)}
	if model != "" {
		opts = append(opts, googleai.WithDefaultModel(model))
	}
	m, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return m, nil
}

// Connector completes prompts with whichever API key the caller chooses,
// keeping one model client per key.
type Connector struct {
	factory ModelFactory
	model   string

	mu      sync.Mutex
	clients map[string]llms.Model
}

// NewConnector creates a connector for model. A nil factory selects NewGeminiModel.
func NewConnector(model string, factory ModelFactory) *Connector {
	if factory == nil {
		factory = NewGeminiModel
	}
	return &Connector{
		factory: factory,
		model:   model,
		clients: make(map[string]llms.Model),
	}
}

func (c *Connector) client(ctx context.Context, apiKey string) (llms.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.clients[apiKey]; ok {
		return m, nil
	}
	m, err := c.factory(ctx, apiKey, c.model)
	if err != nil {
		return nil, err
	}
	c.clients[apiKey] = m
	return m, nil
}

// Complete sends prompt to the model using apiKey.
func (c *Connector) Complete(ctx context.Context, apiKey, prompt string, cfg ModelConfig) (string, error) {
	m, err := c.client(ctx, apiKey)
	if err != nil {
		return "", err
	}
	if cfg.Model == "" {
		cfg.Model = c.model
	}

	log.Debug().
		Str("api_key", logging.MaskSecret(apiKey)).
		Str("model", cfg.Model).
		Int("prompt_len", len(prompt)).
		Msg("Sending completion request")

	return llms.GenerateFromSinglePrompt(ctx, m, prompt, cfg.CallOptions()...)
}

// ValidateAPIKey makes a tiny completion call with apiKey. It reports false
// without an error when the key is rejected.
func (c *Connector) ValidateAPIKey(ctx context.Context, apiKey string) (bool, error) {
	_, err := c.Complete(ctx, apiKey, "test", ModelConfig{MaxTokens: 10})
	if err == nil {
		return true, nil
	}

	log.Debug().Err(err).
		Str("api_key", logging.MaskSecret(apiKey)).
		Msg("API key validation failed")

	if IsQuotaError(err) {
		return false, fmt.Errorf("quota exceeded - this typically means the API key is valid but has reached its rate limit: %w", err)
	}
	return false, nil
}
