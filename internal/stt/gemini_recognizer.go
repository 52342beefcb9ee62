package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/config"
)

const geminiPrompt = "Transcribe this %s audio. Return only the spoken text, with no notes, labels or commentary."

// GeminiRecognizer transcribes each chunk with a Gemini generateContent call
// carrying the audio inline.
type GeminiRecognizer struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

func NewGeminiRecognizer(cfg config.CloudConfig, client *http.Client) (*GeminiRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini recognizer requires stt.cloud.api_key")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiRecognizer{
		endpoint: strings.TrimRight(cfg.Gemini.Endpoint, "/"),
		model:    cfg.Gemini.Model,
		apiKey:   cfg.APIKey,
		client:   client,
	}, nil
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *GeminiRecognizer) Recognize(ctx context.Context, chunk Audio) (TranscriptResult, error) {
	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{
		{InlineData: &geminiInlineData{
			MimeType: geminiMimeType(chunk.Encoding),
			Data:     base64.StdEncoding.EncodeToString(chunk.Data),
		}},
		{Text: fmt.Sprintf(geminiPrompt, chunk.Language)},
	}}}})
	if err != nil {
		return TranscriptResult{}, err
	}

	target := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.endpoint, url.PathEscape(g.model), url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	var payload geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if payload.Error != nil {
			return TranscriptResult{}, fmt.Errorf("gemini returned status %s: %s", resp.Status, payload.Error.Message)
		}
		return TranscriptResult{}, fmt.Errorf("gemini returned status %s", resp.Status)
	}

	if len(payload.Candidates) == 0 {
		return TranscriptResult{}, nil
	}
	var sb strings.Builder
	for _, p := range payload.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return TranscriptResult{Text: strings.TrimSpace(sb.String())}, nil
}

func geminiMimeType(encoding string) string {
	switch strings.ToLower(encoding) {
	case "ogg_opus":
		return "audio/ogg"
	case "linear16", "pcm", "pcm16":
		return "audio/pcm"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "mp3":
		return "audio/mp3"
	default:
		return "audio/webm"
	}
}
