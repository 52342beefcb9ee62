// Package relay owns one captioning session: the active recognition adapter,
// the transcript merger it feeds and the settings they share.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/quota"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

var (
	ErrUnknownMode = errors.New("unknown recognition mode")
	ErrNotCloud    = errors.New("active recognition mode does not accept audio")
)

// Settings are the user-facing session options.
type Settings struct {
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	RefineModel    string `json:"refine_model"`
	MaxEntries     int    `json:"max_entries,omitempty"`
	Credential     string `json:"-"`
}

// Status describes the session for control clients.
type Status struct {
	Mode     string   `json:"mode"`
	State    string   `json:"state"`
	Settings Settings `json:"settings"`
}

// Merger is the part of transcript.Merger the session drives.
type Merger interface {
	Ingest(protocol.RecognitionEvent)
	SetLanguages(transcript.Languages)
	SetLimit(int)
	Reset()
}

type audioSink interface {
	PushChunk(data []byte, encoding string) error
}

// Session switches between adapters and forwards their output to the merger.
// It is the Emitter handed to every adapter.
type Session struct {
	merger Merger
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failures chan error
	errs     chan error

	mu       sync.Mutex
	adapters map[string]stt.Adapter
	active   stt.Adapter
	settings Settings
}

func New(parent context.Context, merger Merger, settings Settings, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		merger:   merger,
		log:      log.With(slog.String("component", "relay-session")),
		ctx:      ctx,
		cancel:   cancel,
		failures: make(chan error, 16),
		errs:     make(chan error, 16),
		adapters: make(map[string]stt.Adapter),
		settings: settings,
	}
	s.applySettingsLocked()
	s.wg.Add(1)
	go s.watchFailures()
	return s
}

// Register makes an adapter selectable by its name.
func (s *Session) Register(a stt.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Name()] = a
}

// Emit implements stt.Emitter.
func (s *Session) Emit(ev protocol.RecognitionEvent) {
	s.merger.Ingest(ev)
}

// Fail implements stt.Emitter. Adapters may call it from inside their own
// control path, so handling is deferred to watchFailures.
func (s *Session) Fail(err error) {
	select {
	case s.failures <- err:
	default:
		s.log.Error("dropping adapter failure, queue full", slogError(err))
	}
}

// Errors delivers adapter failures that ended the session.
func (s *Session) Errors() <-chan error {
	return s.errs
}

func (s *Session) watchFailures() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.failures:
			s.log.Error("recognition stopped", slogError(err))
			if errors.Is(err, stt.ErrAdapterUnavailable) || errors.Is(err, quota.ErrQuotaExceeded) {
				if stopErr := s.Stop(); stopErr != nil {
					s.log.Warn("stop after failure", slogError(stopErr))
				}
			}
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

// Start stops whatever is running and starts the adapter for mode.
func (s *Session) Start(mode string, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if err := s.active.Stop(); err != nil {
			s.log.Warn("failed to stop previous adapter", slog.String("adapter", s.active.Name()), slogError(err))
		}
		s.active = nil
	}

	a, ok := s.adapters[mode]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	s.mergeSettingsLocked(settings)
	if err := a.Start(s.ctx, s.startConfigLocked()); err != nil {
		return fmt.Errorf("start %s: %w", mode, err)
	}
	s.active = a
	s.log.Info("session started",
		slog.String("mode", mode),
		slog.String("source", s.settings.SourceLanguage),
		slog.String("target", s.settings.TargetLanguage))
	return nil
}

// Stop ends the active adapter. The transcript history is kept.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	err := s.active.Stop()
	s.log.Info("session stopped", slog.String("mode", s.active.Name()))
	s.active = nil
	return err
}

// UpdateSettings applies new languages, model or history size without
// stopping recognition.
func (s *Session) UpdateSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeSettingsLocked(settings)
	if s.active == nil {
		return nil
	}
	if r, ok := s.active.(stt.Reconfigurer); ok {
		return r.Reconfigure(s.startConfigLocked())
	}
	return nil
}

// PushAudio forwards an uploaded chunk to the active adapter when it takes
// audio.
func (s *Session) PushAudio(data []byte, encoding string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	sink, ok := active.(audioSink)
	if !ok {
		return ErrNotCloud
	}
	return sink.PushChunk(data, encoding)
}

// ClearHistory drops the transcript.
func (s *Session) ClearHistory() {
	s.merger.Reset()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: stt.StateStopped.String(), Settings: s.settings}
	if s.active != nil {
		st.Mode = s.active.Name()
		st.State = s.active.State().String()
	}
	return st
}

// Close stops recognition and the failure watcher.
func (s *Session) Close() {
	if err := s.Stop(); err != nil {
		s.log.Warn("stop on close", slogError(err))
	}
	s.cancel()
	s.wg.Wait()
}

// mergeSettingsLocked overlays the non-empty fields of next.
func (s *Session) mergeSettingsLocked(next Settings) {
	if next.SourceLanguage != "" {
		s.settings.SourceLanguage = next.SourceLanguage
	}
	if next.TargetLanguage != "" {
		s.settings.TargetLanguage = next.TargetLanguage
	}
	if next.RefineModel != "" {
		s.settings.RefineModel = next.RefineModel
	}
	if next.MaxEntries > 0 {
		s.settings.MaxEntries = next.MaxEntries
	}
	if next.Credential != "" {
		s.settings.Credential = next.Credential
	}
	s.applySettingsLocked()
}

func (s *Session) applySettingsLocked() {
	s.merger.SetLanguages(transcript.Languages{
		From:  s.settings.SourceLanguage,
		To:    s.settings.TargetLanguage,
		Model: s.settings.RefineModel,
	})
	if s.settings.MaxEntries > 0 {
		s.merger.SetLimit(s.settings.MaxEntries)
	}
}

func (s *Session) startConfigLocked() stt.StartConfig {
	return stt.StartConfig{
		Language:       s.settings.SourceLanguage,
		TargetLanguage: s.settings.TargetLanguage,
		Model:          s.settings.RefineModel,
		Credential:     s.settings.Credential,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
