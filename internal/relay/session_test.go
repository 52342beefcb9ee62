package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/quota"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeMerger struct {
	mu     sync.Mutex
	events []protocol.RecognitionEvent
	langs  transcript.Languages
	limit  int
	resets int
}

func (m *fakeMerger) Ingest(ev protocol.RecognitionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *fakeMerger) SetLanguages(l transcript.Languages) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.langs = l
}

func (m *fakeMerger) SetLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = n
}

func (m *fakeMerger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *fakeMerger) Languages() transcript.Languages {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.langs
}

type fakeAdapter struct {
	name     string
	startErr error

	mu         sync.Mutex
	state      stt.State
	starts     int
	stops      int
	lastConfig stt.StartConfig
	reconfigs  []stt.StartConfig
	chunks     int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(_ context.Context, cfg stt.StartConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.lastConfig = cfg
	f.state = stt.StateListening
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stt.StateListening {
		f.stops++
	}
	f.state = stt.StateStopped
	return nil
}

func (f *fakeAdapter) State() stt.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAdapter) Reconfigure(cfg stt.StartConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigs = append(f.reconfigs, cfg)
	return nil
}

func (f *fakeAdapter) PushChunk([]byte, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks++
	return nil
}

func newSession(t *testing.T) (*Session, *fakeMerger) {
	t.Helper()
	m := &fakeMerger{}
	s := New(context.Background(), m, Settings{SourceLanguage: "en-US", TargetLanguage: "zh", RefineModel: "none"}, newLogger())
	t.Cleanup(s.Close)
	return s, m
}

func TestModeSwitchStopsPreviousAdapter(t *testing.T) {
	s, _ := newSession(t)
	browser := &fakeAdapter{name: "browser"}
	native := &fakeAdapter{name: "native"}
	s.Register(browser)
	s.Register(native)

	if err := s.Start("browser", Settings{}); err != nil {
		t.Fatalf("start browser: %v", err)
	}
	if err := s.Start("native", Settings{SourceLanguage: "ja-JP"}); err != nil {
		t.Fatalf("start native: %v", err)
	}
	if browser.State() != stt.StateStopped || browser.stops != 1 {
		t.Fatal("previous adapter must be stopped on mode switch")
	}
	if native.lastConfig.Language != "ja-JP" || native.lastConfig.TargetLanguage != "zh" {
		t.Fatalf("unexpected start config %+v", native.lastConfig)
	}
	if st := s.Status(); st.Mode != "native" || st.State != "listening" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUnknownModeAndStartFailure(t *testing.T) {
	s, _ := newSession(t)
	if err := s.Start("telepathy", Settings{}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected unknown mode, got %v", err)
	}

	broken := &fakeAdapter{name: "satellite", startErr: &stt.UnavailableError{Adapter: "satellite", Reason: "none connected"}}
	s.Register(broken)
	err := s.Start("satellite", Settings{})
	if !errors.Is(err, stt.ErrAdapterUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if st := s.Status(); st.Mode != "" {
		t.Fatalf("failed start must leave no active adapter, got %+v", st)
	}
}

func TestEmitFeedsMerger(t *testing.T) {
	s, m := newSession(t)
	s.Emit(protocol.RecognitionEvent{Text: "hello", IsFinal: true})
	if len(m.events) != 1 || m.events[0].Text != "hello" {
		t.Fatalf("unexpected merger events %+v", m.events)
	}
}

func TestTerminalFailureStopsSession(t *testing.T) {
	s, _ := newSession(t)
	cloud := &fakeAdapter{name: "cloud"}
	s.Register(cloud)
	if err := s.Start("cloud", Settings{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Fail(&quota.ExceededError{Limit: 8, Used: 8, Requested: 4})
	select {
	case err := <-s.Errors():
		if !errors.Is(err, quota.ErrQuotaExceeded) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure not surfaced")
	}
	if st := s.Status(); st.Mode != "" || cloud.State() != stt.StateStopped {
		t.Fatalf("session should be stopped, got %+v", st)
	}
}

func TestUpdateSettingsReconfiguresActiveAdapter(t *testing.T) {
	s, m := newSession(t)
	sat := &fakeAdapter{name: "satellite"}
	s.Register(sat)
	if err := s.Start("satellite", Settings{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.UpdateSettings(Settings{TargetLanguage: "ko", RefineModel: "llama3.2:latest", MaxEntries: 10}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(sat.reconfigs) != 1 || sat.reconfigs[0].TargetLanguage != "ko" || sat.reconfigs[0].Language != "en-US" {
		t.Fatalf("unexpected reconfigure calls %+v", sat.reconfigs)
	}
	if l := m.Languages(); l.To != "ko" || l.Model != "llama3.2:latest" {
		t.Fatalf("merger languages not updated: %+v", l)
	}
	if m.limit != 10 {
		t.Fatalf("expected limit 10, got %d", m.limit)
	}
}

func TestPushAudioRequiresAudioAdapter(t *testing.T) {
	s, _ := newSession(t)
	if err := s.PushAudio([]byte("x"), ""); !errors.Is(err, ErrNotCloud) {
		t.Fatalf("expected ErrNotCloud without active adapter, got %v", err)
	}
	cloud := &fakeAdapter{name: "cloud"}
	s.Register(cloud)
	if err := s.Start("cloud", Settings{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.PushAudio([]byte("x"), "webm_opus"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if cloud.chunks != 1 {
		t.Fatalf("expected chunk forwarded")
	}
}
