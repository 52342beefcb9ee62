package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	Model       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config. An explicit model
// wins over the configured one.
func OptionsFromConfig(cfg config.LLMConfig, model string) Request {
	req := Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if model != "" {
		req.Model = model
	}
	return req
}

// Complete runs req to completion and returns the concatenated output.
func Complete(ctx context.Context, gen Generator, req Request) (string, error) {
	var sb strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

// FromConfig selects the generator for cfg.Mode.
func FromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return NewMockGenerator(), nil
	}
}
