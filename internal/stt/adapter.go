// Package stt turns every supported speech recognizer into one stream of
// recognition events.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// ErrAdapterUnavailable marks errors after which the adapter cannot be used
// until the environment changes.
var ErrAdapterUnavailable = errors.New("recognition adapter unavailable")

var (
	errAlreadyStarted = errors.New("adapter already started")
	errNotListening   = errors.New("adapter not listening")
)

// UnavailableError is the typed form of ErrAdapterUnavailable.
type UnavailableError struct {
	Adapter string
	Reason  string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter unavailable: %s: %v", e.Adapter, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s adapter unavailable: %s", e.Adapter, e.Reason)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrAdapterUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// StartConfig carries the session settings an adapter needs.
type StartConfig struct {
	Language       string
	TargetLanguage string
	Model          string
	Credential     string
}

// Adapter is one recognition source.
type Adapter interface {
	Name() string
	Start(ctx context.Context, cfg StartConfig) error
	Stop() error
	State() State
}

// Reconfigurer is implemented by adapters that can apply new settings
// without a full restart.
type Reconfigurer interface {
	Reconfigure(cfg StartConfig) error
}

// Emitter receives adapter output. Fail is only called with errors that
// ended the adapter.
type Emitter interface {
	Emit(protocol.RecognitionEvent)
	Fail(error)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
