package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/quota"
)

// QuotaGate admits billable recognition time.
type QuotaGate interface {
	CheckAndIncrement(ctx context.Context, credential string, seconds int) (int, error)
}

// CloudAdapter recognizes uploaded audio chunks through a billable backend.
// Every chunk is charged against the daily quota before it is sent.
type CloudAdapter struct {
	lifecycle
	cfg        config.CloudConfig
	recognizer Recognizer
	quota      QuotaGate
	emitter    Emitter
	log        *slog.Logger

	mu       sync.Mutex
	settings StartConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewCloud(cfg config.CloudConfig, recognizer Recognizer, gate QuotaGate, emitter Emitter, log *slog.Logger) *CloudAdapter {
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = quota.SecondsPerChunk
	}
	return &CloudAdapter{
		cfg:        cfg,
		recognizer: recognizer,
		quota:      gate,
		emitter:    emitter,
		log:        log.With(slog.String("component", "stt-cloud")),
	}
}

func (c *CloudAdapter) Name() string { return "cloud" }

func (c *CloudAdapter) Start(ctx context.Context, sc StartConfig) error {
	if !c.beginStart() {
		return errAlreadyStarted
	}
	if sc.Credential == "" {
		sc.Credential = c.cfg.APIKey
	}
	c.mu.Lock()
	c.settings = sc
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if !c.started() {
		return errNotListening
	}
	c.log.Info("cloud recognition listening", slog.String("language", sc.Language))
	return nil
}

func (c *CloudAdapter) Reconfigure(sc StartConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.Credential == "" {
		sc.Credential = c.settings.Credential
	}
	c.settings = sc
	return nil
}

// PushChunk charges one chunk against the quota and recognizes it in the
// background. Only quota exhaustion is returned; recognizer failures skip
// the chunk.
func (c *CloudAdapter) PushChunk(data []byte, encoding string) error {
	c.mu.Lock()
	if !c.listening() {
		c.mu.Unlock()
		return errNotListening
	}
	ctx := c.ctx
	settings := c.settings
	c.mu.Unlock()

	if _, err := c.quota.CheckAndIncrement(ctx, settings.Credential, c.cfg.ChunkSeconds); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			c.log.Warn("daily recognition quota exhausted, stopping", slogError(err))
			_ = c.Stop()
			c.emitter.Fail(err)
		}
		return err
	}

	if encoding == "" {
		encoding = c.cfg.Encoding
	}
	chunk := Audio{
		Data:       data,
		Encoding:   encoding,
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
		Language:   settings.Language,
	}

	// Stop moves the state under c.mu, so once it is waiting no new
	// recognition can be added.
	c.mu.Lock()
	if !c.listening() {
		c.mu.Unlock()
		return errNotListening
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		timeout := time.Duration(c.cfg.RecognizeTime) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := c.recognizer.Recognize(rctx, chunk)
		if err != nil {
			c.log.Warn("cloud recognition failed, chunk skipped", slogError(err))
			return
		}
		text := strings.TrimSpace(result.Text)
		if text == "" || !c.listening() {
			return
		}
		c.emitter.Emit(protocol.RecognitionEvent{
			SourceID:  "cloud",
			Text:      text,
			IsFinal:   true,
			Timestamp: time.Now(),
		})
	}()
	return nil
}

func (c *CloudAdapter) Stop() error {
	c.mu.Lock()
	if !c.beginStop() {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.stopped()
	c.log.Info("cloud recognition stopped")
	return nil
}
