package translate

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/llm"
)

const (
	translatePrompt = "Translate the following text from %s to %s. Only return the translated text.\nText: %s"
	refinePrompt    = "You are an expert translator. Refine the following translation to make it more natural and accurate while maintaining the original meaning.\nOriginal (%s): %s\nCurrent Translation (%s): %s\nOnly return the refined translation text."
)

// LLM translates and refines through a language model backend.
type LLM struct {
	gen llm.Generator
	cfg config.LLMConfig
}

func NewLLM(gen llm.Generator, cfg config.LLMConfig) *LLM {
	return &LLM{gen: gen, cfg: cfg}
}

func (l *LLM) Name() string { return "llm" }

func (l *LLM) Translate(ctx context.Context, text, from, to string) (string, error) {
	req := llm.OptionsFromConfig(l.cfg, "")
	req.Prompt = fmt.Sprintf(translatePrompt, from, to, text)
	return llm.Complete(ctx, l.gen, req)
}

func (l *LLM) Refine(ctx context.Context, original, translated, from, to, model string) (string, error) {
	req := llm.OptionsFromConfig(l.cfg, model)
	req.Prompt = fmt.Sprintf(refinePrompt, from, original, to, translated)
	return llm.Complete(ctx, l.gen, req)
}
