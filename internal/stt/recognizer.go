package stt

import (
	"context"
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Audio is one fixed-length chunk handed to a batch recognizer.
type Audio struct {
	Data       []byte
	Encoding   string
	SampleRate int
	Channels   int
	Language   string
}

// Recognizer abstracts batch STT backends used by the cloud adapter.
type Recognizer interface {
	Recognize(ctx context.Context, audio Audio) (TranscriptResult, error)
}

// NewRecognizer builds the backend named by cfg.Recognizer.
func NewRecognizer(ctx context.Context, cfg config.CloudConfig) (Recognizer, error) {
	switch cfg.Recognizer {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "google":
		return NewGoogleRecognizer(ctx, cfg)
	case "gemini":
		return NewGeminiRecognizer(cfg, &http.Client{})
	default:
		return nil, fmt.Errorf("unknown recognizer %q", cfg.Recognizer)
	}
}
