package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Presence answers whether any satellite could take a session.
type Presence interface {
	HasHealthy() bool
}

// SatelliteAdapter hands recognition to remote satellite browsers over the
// bus and relays their transcripts back.
type SatelliteAdapter struct {
	lifecycle
	cfg      config.SatelliteConfig
	bus      *bus.Client
	presence Presence
	emitter  Emitter
	log      *slog.Logger

	mu        sync.Mutex
	sub       *nats.Subscription
	sessionID string
	settings  StartConfig
}

func NewSatellite(cfg config.SatelliteConfig, busClient *bus.Client, presence Presence, emitter Emitter, log *slog.Logger) *SatelliteAdapter {
	return &SatelliteAdapter{
		cfg:      cfg,
		bus:      busClient,
		presence: presence,
		emitter:  emitter,
		log:      log.With(slog.String("component", "stt-satellite")),
	}
}

func (s *SatelliteAdapter) Name() string { return "satellite" }

func (s *SatelliteAdapter) Start(_ context.Context, sc StartConfig) error {
	if !s.beginStart() {
		return errAlreadyStarted
	}
	if s.bus == nil || !s.presence.HasHealthy() {
		s.stopped()
		return &UnavailableError{Adapter: s.Name(), Reason: "no healthy satellite connected"}
	}

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSatelliteTranscript, s.handleTranscript)
	if err != nil {
		s.stopped()
		return fmt.Errorf("subscribe satellite transcripts: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.sessionID = uuid.NewString()
	s.settings = sc
	s.mu.Unlock()

	if err := s.sendCommand(protocol.SatelliteCommandStart); err != nil {
		_ = sub.Unsubscribe()
		s.stopped()
		return err
	}
	if !s.started() {
		return errNotListening
	}
	s.log.Info("satellite recognition listening", slog.String("language", sc.Language))
	return nil
}

// Reconfigure re-sends the start command so satellites pick up new settings.
func (s *SatelliteAdapter) Reconfigure(sc StartConfig) error {
	s.mu.Lock()
	s.settings = sc
	s.mu.Unlock()
	if !s.listening() {
		return nil
	}
	return s.sendCommand(protocol.SatelliteCommandStart)
}

func (s *SatelliteAdapter) sendCommand(command string) error {
	s.mu.Lock()
	msg := protocol.SatelliteCommand{
		Command:   command,
		SessionID: s.sessionID,
		Config: protocol.SatelliteConfig{
			SourceLang: s.settings.Language,
			TargetLang: s.settings.TargetLanguage,
			LLMModel:   s.settings.Model,
		},
	}
	s.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn := s.bus.Conn()
	if err := conn.Publish(protocol.SubjectSatelliteCommand, payload); err != nil {
		return fmt.Errorf("publish satellite %s: %w", command, err)
	}
	timeout := time.Duration(s.cfg.CommandTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush satellite %s: %w", command, err)
	}
	return nil
}

func (s *SatelliteAdapter) handleTranscript(msg *nats.Msg) {
	if !s.listening() {
		return
	}
	var t protocol.SatelliteTranscript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.log.Warn("invalid satellite transcript", slogError(err))
		return
	}
	if strings.TrimSpace(t.Transcript) == "" {
		return
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.emitter.Emit(protocol.RecognitionEvent{
		SourceID:  "satellite:" + t.SatelliteID,
		Text:      t.Transcript,
		IsFinal:   t.IsFinal,
		Timestamp: ts,
	})
}

func (s *SatelliteAdapter) Stop() error {
	if !s.beginStop() {
		return nil
	}
	if err := s.sendCommand(protocol.SatelliteCommandStop); err != nil {
		s.log.Warn("failed to stop satellites", slogError(err))
	}
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.stopped()
	s.log.Info("satellite recognition stopped")
	return nil
}
