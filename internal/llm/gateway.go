package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valenai/internal/aiconnectors"
	"github.com/valenai/internal/retry"
)

// Completer sends a single prompt upstream with a specific API key.
type Completer interface {
	Complete(ctx context.Context, apiKey, prompt string, cfg aiconnectors.ModelConfig) (string, error)
}

// Options configures a Gateway.
type Options struct {
	AssistantName string
	// Timeout bounds each upstream call. Zero means no limit.
	Timeout time.Duration
	// Title overrides the generation parameters of title calls.
	Title aiconnectors.ModelConfig
}

// DefaultTitleConfig is used for title calls unless Options.Title is set.
var DefaultTitleConfig = aiconnectors.ModelConfig{Temperature: 0.4, MaxTokens: 64}

// Gateway calls the completion service, rotating API keys when one is
// rejected or out of quota.
type Gateway struct {
	completer Completer
	keys      *KeyRing
	opts      Options
}

func NewGateway(completer Completer, keys *KeyRing, opts Options) *Gateway {
	if opts.Title == (aiconnectors.ModelConfig{}) {
		opts.Title = DefaultTitleConfig
	}
	return &Gateway{completer: completer, keys: keys, opts: opts}
}

// Generate returns the cleaned reply for prompt.
func (g *Gateway) Generate(ctx context.Context, prompt string, cfg aiconnectors.ModelConfig) (string, error) {
	raw, err := g.complete(ctx, prompt, cfg)
	if err != nil {
		return "", err
	}
	text := CleanResponse(raw, g.opts.AssistantName)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// complete tries each key at most once, starting from the ring's current key.
// Only credential and quota failures move on to the next key.
func (g *Gateway) complete(ctx context.Context, prompt string, cfg aiconnectors.ModelConfig) (string, error) {
	start, _ := g.keys.Current()
	n := g.keys.Len()

	rc := retry.ImmediateConfig(n - 1)
	rc.Operation = "completion"

	var reply string
	rotated := false
	result := retry.RetryWithBackoffAndReason(ctx, rc, func(attempt int) (string, error) {
		idx := (start + attempt) % n
		callCtx := ctx
		if g.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()
		}

		text, err := g.completer.Complete(callCtx, g.keys.At(idx), prompt, cfg)
		rotated = false
		switch {
		case err == nil:
			reply = text
			return "", nil
		case aiconnectors.IsCredentialError(err):
			g.keys.MarkFailed(idx)
			rotated = true
			return "invalid_credential", err
		case aiconnectors.IsQuotaError(err):
			g.keys.MarkFailed(idx)
			rotated = true
			return "quota_exceeded", err
		default:
			return "generation_failed", retry.Permanent(err)
		}
	})

	if result.Success {
		return reply, nil
	}
	if rotated && result.Attempts == n {
		log.Error().
			Err(result.LastError).
			Int("keys", n).
			Strs("reasons", result.RetryReasons).
			Msg("All API keys exhausted")
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, result.LastError)
	}

	log.Warn().
		Err(result.LastError).
		Int("attempts", result.Attempts).
		Msg("Completion failed")
	return "", fmt.Errorf("%w: %v", ErrGenerationFailed, result.LastError)
}
