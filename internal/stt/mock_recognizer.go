package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Recognize(_ context.Context, audio Audio) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", audio.Language, len(audio.Data)),
		Confidence: 0,
	}, nil
}
