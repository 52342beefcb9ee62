package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-captions/internal/quota"
	"github.com/loqalabs/loqa-captions/internal/relay"
	"github.com/loqalabs/loqa-captions/internal/stt"
)

const maxChunkBytes = 8 << 20

type sessionControl interface {
	Start(mode string, settings relay.Settings) error
	Stop() error
	UpdateSettings(settings relay.Settings) error
	PushAudio(data []byte, encoding string) error
	ClearHistory()
	Status() relay.Status
}

type usageReporter interface {
	MaskedUsage(ctx context.Context) quota.Usage
}

// api serves the control endpoints used by the caption page and overlays.
type api struct {
	session sessionControl
	usage   usageReporter
	log     *slog.Logger
}

type startRequest struct {
	Mode     string         `json:"mode"`
	Settings relay.Settings `json:"settings"`
	APIKey   string         `json:"api_key"`
}

type settingsRequest struct {
	Settings relay.Settings `json:"settings"`
	APIKey   string         `json:"api_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/usage", a.handleUsage)
	mux.HandleFunc("GET /api/session", a.handleStatus)
	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/stop", a.handleStop)
	mux.HandleFunc("POST /api/session/settings", a.handleSettings)
	mux.HandleFunc("POST /api/session/clear", a.handleClear)
	mux.HandleFunc("POST /api/stt/chunk", a.handleChunk)
}

func (a *api) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.usage.MaskedUsage(r.Context()))
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Settings.Credential = req.APIKey
	if err := a.session.Start(req.Mode, req.Settings); err != nil {
		a.log.Warn("session start failed", slog.String("mode", req.Mode), slogError(err))
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.session.Stop(); err != nil {
		a.log.Warn("session stop failed", slogError(err))
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *api) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Settings.Credential = req.APIKey
	if err := a.session.UpdateSettings(req.Settings); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *api) handleClear(w http.ResponseWriter, _ *http.Request) {
	a.session.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleChunk(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "audio chunk too large"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty audio chunk"})
		return
	}
	if err := a.session.PushAudio(data, r.URL.Query().Get("encoding")); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrNotCloud):
		return http.StatusConflict
	case errors.Is(err, relay.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, stt.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
