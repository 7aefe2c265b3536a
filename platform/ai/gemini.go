// Package ai provides the content generation adapter.
// This is part of the platform layer and contains no business logic.
package ai

import (
	"context"
	"fmt"
	"time"

	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"

	"google.golang.org/genai"
)

// Generated is the result of a content generation call.
type Generated struct {
	Text     string
	CostUSD  float64
	Duration time.Duration
}

// Generator produces reply text from a prompt within a bounded timeout.
// Callers must never invoke it while holding an entity lock longer than
// strictly necessary; the call is network-bound and its latency is capped
// only by the configured timeout.
type Generator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

// NewGenerator creates a Gemini-backed generator. Returns nil when no API key
// is configured; callers treat a nil generator as "feature disabled".
func NewGenerator(ctx context.Context, cfg config.AIConfig, log *logger.Logger) (*Generator, error) {
	if !cfg.IsAIEnabled() {
		return nil, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GetGeminiAPIKey(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Generator{
		client:  client,
		model:   cfg.GetGenerateModel(),
		timeout: cfg.GetGenerateTimeout(),
		log:     log,
	}, nil
}

// Generate produces reply text for the given prompt. The call is bounded by
// the configured timeout regardless of the caller's context.
func (g *Generator) Generate(ctx context.Context, prompt string) (Generated, error) {
	if g == nil {
		return Generated{}, fmt.Errorf("content generation disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return Generated{}, fmt.Errorf("generate content: %w", err)
	}

	elapsed := time.Since(start)
	text := resp.Text()
	if text == "" {
		return Generated{}, fmt.Errorf("generate content: empty response")
	}

	return Generated{
		Text:     text,
		CostUSD:  estimateCost(resp),
		Duration: elapsed,
	}, nil
}

// estimateCost derives an approximate dollar cost from usage metadata.
// Flash-tier pricing; good enough for the per-lead cumulative counters.
func estimateCost(resp *genai.GenerateContentResponse) float64 {
	if resp == nil || resp.UsageMetadata == nil {
		return 0
	}
	in := float64(resp.UsageMetadata.PromptTokenCount)
	out := float64(resp.UsageMetadata.CandidatesTokenCount)
	return in*0.10/1e6 + out*0.40/1e6
}
