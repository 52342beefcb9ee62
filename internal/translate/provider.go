// Package translate runs caption text through a prioritized chain of machine
// translation providers with optional LLM refinement.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider translates text between base language tags ("en", "zh").
type Provider interface {
	Name() string
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Refiner polishes an existing translation with an LLM.
type Refiner interface {
	Refine(ctx context.Context, original, translated, from, to, model string) (string, error)
}

var errEmptyResult = errors.New("provider returned empty translation")

// BaseLanguage reduces a BCP 47 tag to its primary subtag. Empty input means
// auto-detect.
func BaseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "auto"
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

type mockProvider struct{}

// NewMockProvider returns a provider that tags text with the target language.
func NewMockProvider() Provider { return mockProvider{} }

func (mockProvider) Name() string { return "mock" }

func (mockProvider) Translate(ctx context.Context, text, _, to string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", to, text), nil
}
