package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is the Gemini model the bridge talks to unless configured
// otherwise.
const DefaultModel = "gemini-2.0-flash"

// Gemini is the default external agent: a Gemini model reached through the
// genai SDK, its streamed reply delivered as paragraph blocks.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

// Dispatch implements the Capabilities.Dispatch contract: stream the model's
// reply and deliver it block by block.
func (g *Gemini) Dispatch(ctx context.Context, route Route, prompt string, deliver func(block string)) error {
	started := time.Now()
	dispatcher := NewBlockDispatcher(deliver)

	stream := g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), nil)
	for resp, err := range stream {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		dispatcher.Write(resp.Text())
	}
	dispatcher.Flush()

	g.logger.Debug("agent turn complete",
		"agent_id", route.AgentID,
		"session_key", route.SessionKey,
		"model", g.model,
		"took", time.Since(started))
	return nil
}
