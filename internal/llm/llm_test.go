package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestOllamaCompleteAccumulatesStream(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		fmt.Fprintln(w, `{"response":"Bonjour","done":false}`)
		fmt.Fprintln(w, `{"response":" le monde","done":true,"eval_count":3}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "default-model")
	out, err := Complete(context.Background(), gen, Request{Model: "qwen2.5:7b", Prompt: "hello world"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Bonjour le monde" {
		t.Fatalf("unexpected output %q", out)
	}
	if gotModel != "qwen2.5:7b" {
		t.Fatalf("expected request model to win, got %q", gotModel)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestMockGenerator(t *testing.T) {
	out, err := Complete(context.Background(), NewMockGenerator(), Request{Model: "m", Prompt: " hi "})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(out, "hi") {
		t.Fatalf("unexpected mock output %q", out)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.LLMConfig{Model: "base", MaxTokens: 64, Temperature: 0.3}
	if req := OptionsFromConfig(cfg, ""); req.Model != "base" || req.MaxTokens != 64 {
		t.Fatalf("unexpected defaults %+v", req)
	}
	if req := OptionsFromConfig(cfg, "override"); req.Model != "override" {
		t.Fatalf("expected override model, got %q", req.Model)
	}
}

func TestFromConfigRejectsEmptyExec(t *testing.T) {
	if _, err := FromConfig(config.LLMConfig{Mode: "exec", Command: ""}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}
