package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/loqalabs/loqa-captions/internal/config"
)

type fakeSpeechClient struct {
	req  *speechpb.RecognizeRequest
	resp *speechpb.RecognizeResponse
	err  error
}

func (f *fakeSpeechClient) Recognize(_ context.Context, req *speechpb.RecognizeRequest, _ ...gax.CallOption) (*speechpb.RecognizeResponse, error) {
	f.req = req
	return f.resp, f.err
}

func (f *fakeSpeechClient) Close() error { return nil }

func TestGoogleRecognizerJoinsResults(t *testing.T) {
	client := &fakeSpeechClient{resp: &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "Good morning.", Confidence: 0.9}}},
			{Alternatives: nil},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " Welcome back "}}},
		},
	}}
	g := &GoogleRecognizer{client: client}

	res, err := g.Recognize(context.Background(), Audio{
		Data:       []byte{1, 2, 3},
		Encoding:   "webm_opus",
		SampleRate: 48000,
		Channels:   1,
		Language:   "en-US",
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "Good morning. Welcome back" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	cfg := client.req.GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_WEBM_OPUS || cfg.GetLanguageCode() != "en-US" || cfg.GetSampleRateHertz() != 48000 {
		t.Fatalf("unexpected request config %+v", cfg)
	}
	if string(client.req.GetAudio().GetContent()) != "\x01\x02\x03" {
		t.Fatal("audio content not forwarded")
	}
}

func TestGoogleRecognizerError(t *testing.T) {
	g := &GoogleRecognizer{client: &fakeSpeechClient{err: errors.New("quota")}}
	if _, err := g.Recognize(context.Background(), Audio{}); err == nil {
		t.Fatal("expected error")
	}
}

// TestExecRecognizerHelper stands in for an external recognizer command.
func TestExecRecognizerHelper(t *testing.T) {
	if os.Getenv("GO_WANT_EXEC_RECOGNIZER") != "1" {
		return
	}
	var audioPath, language string
	args := os.Args
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--audio":
			audioPath = args[i+1]
		case "--language":
			language = args[i+1]
		}
	}
	data, err := os.ReadFile(audioPath)
	if err != nil || len(data) < 12 {
		fmt.Println(`{"text":""}`)
		os.Exit(0)
	}
	fmt.Printf("{\"text\":\"%s %s %d\",\"confidence\":0.5}\n", language, string(data[0:4]), len(data))
	os.Exit(0)
}

func TestExecRecognizerStagesWav(t *testing.T) {
	t.Setenv("GO_WANT_EXEC_RECOGNIZER", "1")
	cfg := config.CloudConfig{
		Recognizer: "exec",
		Command:    fmt.Sprintf("%q -test.run=TestExecRecognizerHelper --", os.Args[0]),
	}
	r, err := NewRecognizer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}

	pcm := make([]byte, 320)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(i))
	}
	res, err := r.Recognize(context.Background(), Audio{
		Data:       pcm,
		Encoding:   "linear16",
		SampleRate: 16000,
		Channels:   1,
		Language:   "de-DE",
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if !strings.HasPrefix(res.Text, "de-DE RIFF ") || res.Confidence != 0.5 {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := r.Recognize(context.Background(), Audio{Data: []byte{1, 2, 3}, Encoding: "linear16", SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected error for misaligned pcm")
	}
}

func TestUnknownRecognizer(t *testing.T) {
	if _, err := NewRecognizer(context.Background(), config.CloudConfig{Recognizer: "whisper-cloud"}); err == nil {
		t.Fatal("expected error for unknown recognizer")
	}
}
