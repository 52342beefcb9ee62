package translate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubProvider struct {
	name  string
	out   string
	err   error
	block bool

	mu    sync.Mutex
	calls int
	from  string
	to    string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Translate(ctx context.Context, text, from, to string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.from, s.to = from, to
	s.mu.Unlock()
	if s.block {
		select {}
	}
	return s.out, s.err
}

func (s *stubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubRefiner struct {
	out string
	err error
}

func (r stubRefiner) Refine(context.Context, string, string, string, string, string) (string, error) {
	return r.out, r.err
}

func TestCascadeFallsThroughToNextProvider(t *testing.T) {
	first := &stubProvider{name: "baidu", err: errors.New("rate limited")}
	second := &stubProvider{name: "llm", out: "  "}
	third := &stubProvider{name: "google", out: "你好"}
	c := NewCascade([]Provider{first, second, third}, nil, Options{Timeout: time.Second}, newLogger())

	res := c.TranslateResult(context.Background(), "hello", "en-US", "zh-CN", "none")
	if res.Text != "你好" || res.Provider != "google" {
		t.Fatalf("unexpected result %+v", res)
	}
	if first.Calls() != 1 || second.Calls() != 1 {
		t.Fatalf("expected each earlier provider tried once")
	}
	if third.from != "en" || third.to != "zh" {
		t.Fatalf("expected base language tags, got %s -> %s", third.from, third.to)
	}
}

func TestCascadeReturnsOriginalWhenEveryProviderFails(t *testing.T) {
	providers := []Provider{
		&stubProvider{name: "baidu", err: errors.New("down")},
		&stubProvider{name: "google", err: errors.New("down")},
	}
	c := NewCascade(providers, nil, Options{Timeout: time.Second}, newLogger())

	res := c.TranslateResult(context.Background(), "keep me", "en", "ja", "")
	if res.Text != "keep me" {
		t.Fatalf("expected original text, got %q", res.Text)
	}
	if res.Provider != ProviderOriginal {
		t.Fatalf("expected original provider marker, got %q", res.Provider)
	}
}

func TestCascadeWithNoProviders(t *testing.T) {
	c := NewCascade(nil, nil, Options{}, newLogger())
	if got := c.Translate(context.Background(), "text", "en", "zh", "none"); got != "text" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestCascadeOverrideGoesFirst(t *testing.T) {
	baidu := &stubProvider{name: "baidu", out: "from baidu"}
	google := &stubProvider{name: "google", out: "from google"}
	c := NewCascade([]Provider{baidu, google}, nil, Options{
		Timeout:   time.Second,
		Overrides: map[string]string{"ja-JP": "google"},
	}, newLogger())

	if got := c.Translate(context.Background(), "hi", "en", "ja", ""); got != "from google" {
		t.Fatalf("expected override provider, got %q", got)
	}
	if baidu.Calls() != 0 {
		t.Fatalf("expected baidu skipped after override success")
	}
	if got := c.Translate(context.Background(), "hi", "en", "zh", ""); got != "from baidu" {
		t.Fatalf("expected default order for zh, got %q", got)
	}
}

func TestCascadeHungProviderTimesOut(t *testing.T) {
	hung := &stubProvider{name: "baidu", block: true}
	next := &stubProvider{name: "google", out: "ok"}
	c := NewCascade([]Provider{hung, next}, nil, Options{Timeout: 50 * time.Millisecond}, newLogger())

	start := time.Now()
	if got := c.Translate(context.Background(), "hi", "en", "fr", ""); got != "ok" {
		t.Fatalf("expected fallback after timeout, got %q", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("hung provider delayed fallback for %v", elapsed)
	}
}

func TestCascadeRefinement(t *testing.T) {
	base := &stubProvider{name: "google", out: "rough"}

	c := NewCascade([]Provider{base}, stubRefiner{out: "polished"}, Options{Timeout: time.Second}, newLogger())
	res := c.TranslateResult(context.Background(), "src", "en", "zh", "gemini-flash")
	if res.Text != "polished" || !res.Refined {
		t.Fatalf("expected refined text, got %+v", res)
	}

	if got := c.Translate(context.Background(), "src", "en", "zh", "none"); got != "rough" {
		t.Fatalf("expected no refinement for none, got %q", got)
	}

	failing := NewCascade([]Provider{base}, stubRefiner{err: errors.New("quota")}, Options{Timeout: time.Second}, newLogger())
	if got := failing.Translate(context.Background(), "src", "en", "zh", "gemini-flash"); got != "rough" {
		t.Fatalf("expected pre-refinement text on failure, got %q", got)
	}
}

func TestCascadeBreakerSkipsFailingProvider(t *testing.T) {
	flaky := &stubProvider{name: "baidu", err: errors.New("down")}
	backup := &stubProvider{name: "google", out: "ok"}
	c := NewCascade([]Provider{flaky, backup}, nil, Options{
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	}, newLogger())

	for i := 0; i < 5; i++ {
		if got := c.Translate(context.Background(), "hi", "en", "zh", ""); got != "ok" {
			t.Fatalf("call %d: expected backup result, got %q", i, got)
		}
	}
	if flaky.Calls() != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, got %d", flaky.Calls())
	}
}

func TestBaseLanguage(t *testing.T) {
	cases := map[string]string{"zh-CN": "zh", "en_US": "en", "": "auto", "JA": "ja"}
	for in, want := range cases {
		if got := BaseLanguage(in); got != want {
			t.Fatalf("BaseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
