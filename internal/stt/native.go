package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/supervisor"
)

const maxNativeBackoff = 10 * time.Second

// NativeAdapter drives the platform recognizer helper through a supervisor.
// A helper that exits while listening is restarted with exponential backoff
// until the restart budget runs out.
type NativeAdapter struct {
	lifecycle
	cfg     config.NativeConfig
	sup     *supervisor.Supervisor
	emitter Emitter
	log     *slog.Logger

	// mu serialises the control path: Start, Stop and scheduled restarts.
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	language string
	restarts int
	retry    *time.Timer
}

func NewNative(cfg config.NativeConfig, emitter Emitter, log *slog.Logger) (*NativeAdapter, error) {
	a := &NativeAdapter{
		cfg:     cfg,
		emitter: emitter,
		log:     log.With(slog.String("component", "stt-native")),
	}
	sup, err := supervisor.New(cfg.Command, supervisor.Options{
		OnLine: a.handleLine,
		OnExit: a.handleExit,
	}, log)
	if err != nil {
		return nil, err
	}
	a.sup = sup
	return a, nil
}

func (a *NativeAdapter) Name() string { return "native" }

func (a *NativeAdapter) Start(ctx context.Context, sc StartConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.beginStart() {
		return errAlreadyStarted
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.language = sc.Language
	a.restarts = 0

	if err := a.sup.Start(a.ctx, a.language); err != nil {
		a.cancel()
		a.stopped()
		if errors.Is(err, supervisor.ErrNotFound) {
			return &UnavailableError{Adapter: a.Name(), Reason: "recognizer binary not found", Err: err}
		}
		return err
	}
	if !a.started() {
		return errNotListening
	}
	a.log.Info("native recognition listening", slog.String("language", a.language))
	return nil
}

// Reconfigure restarts the helper with the new locale.
func (a *NativeAdapter) Reconfigure(sc StartConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening() || sc.Language == a.language {
		a.language = sc.Language
		return nil
	}
	a.language = sc.Language
	return a.sup.Start(a.ctx, a.language)
}

func (a *NativeAdapter) handleLine(line supervisor.Line) {
	if !a.listening() {
		return
	}
	if line.Error != "" {
		a.log.Warn("native recognizer reported error", slog.String("error", line.Error))
		return
	}
	if strings.TrimSpace(line.Transcript) == "" {
		return
	}
	a.emitter.Emit(protocol.RecognitionEvent{
		SourceID:  "native",
		Text:      line.Transcript,
		IsFinal:   line.IsFinal,
		Timestamp: time.Now(),
	})
}

func (a *NativeAdapter) handleExit(exitErr error) {
	if err := a.scheduleRestart(exitErr); err != nil {
		a.emitter.Fail(err)
	}
}

// scheduleRestart returns the terminal error once the restart budget is spent.
func (a *NativeAdapter) scheduleRestart(exitErr error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening() {
		return nil
	}
	a.restarts++
	if a.cfg.MaxRestarts >= 0 && a.restarts > a.cfg.MaxRestarts {
		a.log.Error("native recognizer keeps exiting, giving up", slog.Int("restarts", a.restarts-1))
		a.halt()
		return &UnavailableError{
			Adapter: a.Name(),
			Reason:  fmt.Sprintf("recognizer exited %d times", a.restarts),
			Err:     exitErr,
		}
	}
	delay := a.backoff()
	a.log.Warn("native recognizer exited, restarting",
		slog.Int("attempt", a.restarts),
		slog.Duration("backoff", delay),
		slog.Any("exit", exitErr))
	a.retry = time.AfterFunc(delay, a.restart)
	return nil
}

func (a *NativeAdapter) restart() {
	if err := a.relaunch(); err != nil {
		a.emitter.Fail(err)
	}
}

func (a *NativeAdapter) relaunch() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening() {
		return nil
	}
	if err := a.sup.Start(a.ctx, a.language); err != nil {
		a.log.Error("native recognizer restart failed", slogError(err))
		a.halt()
		return &UnavailableError{Adapter: a.Name(), Reason: "restart failed", Err: err}
	}
	return nil
}

// halt ends a listening session from inside the adapter. Callers hold mu.
func (a *NativeAdapter) halt() {
	a.beginStop()
	a.cancel()
	a.stopped()
}

func (a *NativeAdapter) backoff() time.Duration {
	base := time.Duration(a.cfg.RestartBackoffMS) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << (a.restarts - 1)
	if d <= 0 || d > maxNativeBackoff {
		d = maxNativeBackoff
	}
	return d
}

func (a *NativeAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.beginStop() {
		return nil
	}
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	a.sup.Stop()
	a.cancel()
	a.stopped()
	a.log.Info("native recognition stopped")
	return nil
}
