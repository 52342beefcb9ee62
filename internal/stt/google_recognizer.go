package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/loqalabs/loqa-captions/internal/config"
	"google.golang.org/api/option"
)

type speechClient interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// GoogleRecognizer sends each chunk to Cloud Speech-to-Text synchronous
// recognition.
type GoogleRecognizer struct {
	client speechClient
}

func NewGoogleRecognizer(ctx context.Context, cfg config.CloudConfig) (*GoogleRecognizer, error) {
	var opts []option.ClientOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &GoogleRecognizer{client: client}, nil
}

func (g *GoogleRecognizer) Recognize(ctx context.Context, chunk Audio) (TranscriptResult, error) {
	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   googleEncoding(chunk.Encoding),
			SampleRateHertz:            int32(chunk.SampleRate),
			AudioChannelCount:          int32(chunk.Channels),
			LanguageCode:               chunk.Language,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: chunk.Data},
		},
	}
	resp, err := g.client.Recognize(ctx, req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("speech recognize: %w", err)
	}

	var parts []string
	var confidence float64
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if text := strings.TrimSpace(alts[0].GetTranscript()); text != "" {
			parts = append(parts, text)
		}
		if confidence == 0 {
			confidence = float64(alts[0].GetConfidence())
		}
	}
	return TranscriptResult{Text: strings.Join(parts, " "), Confidence: confidence}, nil
}

func (g *GoogleRecognizer) Close() error {
	return g.client.Close()
}

func googleEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(encoding) {
	case "webm_opus":
		return speechpb.RecognitionConfig_WEBM_OPUS
	case "ogg_opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "linear16", "pcm", "pcm_s16le":
		return speechpb.RecognitionConfig_LINEAR16
	case "flac":
		return speechpb.RecognitionConfig_FLAC
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}
