package stt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

const (
	browserWriteWait  = 5 * time.Second
	maxBrowserBackoff = 5 * time.Second
)

var errNoBrowser = errors.New("presenter page not connected")

var browserUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// browserMessage is what the presenter page sends: a transcript, an "end"
// event from its recognizer, or an error code such as "not-allowed".
type browserMessage struct {
	Transcript string `json:"transcript,omitempty"`
	IsFinal    bool   `json:"isFinal,omitempty"`
	Event      string `json:"event,omitempty"`
	Error      string `json:"error,omitempty"`
}

type browserCommand struct {
	Command string `json:"command"`
	Lang    string `json:"lang,omitempty"`
}

type browserHandler interface {
	handleBrowserMessage(browserMessage)
	handleBrowserConnect()
}

// BrowserLink holds the websocket to the presenter page, whose Web Speech
// recognizer does the actual recognition. The most recent page wins.
type BrowserLink struct {
	log *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler browserHandler

	writeMu sync.Mutex
}

func NewBrowserLink(log *slog.Logger) *BrowserLink {
	return &BrowserLink{log: log.With(slog.String("component", "stt-browser-link"))}
}

func (l *BrowserLink) setHandler(h browserHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *BrowserLink) currentHandler() browserHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// Connected reports whether a presenter page is attached.
func (l *BrowserLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *BrowserLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := browserUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("presenter upgrade failed", slogError(err))
		return
	}

	l.mu.Lock()
	prev := l.conn
	l.conn = conn
	l.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	l.log.Info("presenter page connected", slog.String("remote", r.RemoteAddr))
	if h := l.currentHandler(); h != nil {
		h.handleBrowserConnect()
	}

	go l.readLoop(conn)
}

func (l *BrowserLink) readLoop(conn *websocket.Conn) {
	defer func() {
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		_ = conn.Close()
		l.log.Info("presenter page disconnected")
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg browserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Warn("invalid presenter message", slogError(err))
			continue
		}
		if h := l.currentHandler(); h != nil {
			h.handleBrowserMessage(msg)
		}
	}
}

func (l *BrowserLink) send(cmd browserCommand) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errNoBrowser
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(browserWriteWait))
	return conn.WriteJSON(cmd)
}

// Close drops the current page connection.
func (l *BrowserLink) Close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// BrowserAdapter controls the presenter page recognizer. The page stops
// recognizing on its own after silence; the adapter re-arms it for as long
// as it is listening.
type BrowserAdapter struct {
	lifecycle
	cfg     config.BrowserConfig
	link    *BrowserLink
	emitter Emitter
	log     *slog.Logger

	mu       sync.Mutex
	language string
	failures int
	rearm    *time.Timer
}

func NewBrowser(cfg config.BrowserConfig, link *BrowserLink, emitter Emitter, log *slog.Logger) *BrowserAdapter {
	a := &BrowserAdapter{
		cfg:     cfg,
		link:    link,
		emitter: emitter,
		log:     log.With(slog.String("component", "stt-browser")),
	}
	link.setHandler(a)
	return a
}

func (a *BrowserAdapter) Name() string { return "browser" }

func (a *BrowserAdapter) Start(_ context.Context, sc StartConfig) error {
	if !a.beginStart() {
		return errAlreadyStarted
	}
	a.mu.Lock()
	a.language = sc.Language
	a.failures = 0
	a.mu.Unlock()

	if err := a.link.send(browserCommand{Command: "start", Lang: sc.Language}); err != nil {
		a.stopped()
		if errors.Is(err, errNoBrowser) {
			return &UnavailableError{Adapter: a.Name(), Reason: "presenter page not connected"}
		}
		return err
	}
	if !a.started() {
		return errNotListening
	}
	a.log.Info("browser recognition listening", slog.String("language", sc.Language))
	return nil
}

func (a *BrowserAdapter) Reconfigure(sc StartConfig) error {
	a.mu.Lock()
	changed := a.language != sc.Language
	a.language = sc.Language
	a.mu.Unlock()
	if !changed || !a.listening() {
		return nil
	}
	_ = a.link.send(browserCommand{Command: "stop"})
	return a.link.send(browserCommand{Command: "start", Lang: sc.Language})
}

func (a *BrowserAdapter) handleBrowserConnect() {
	if a.listening() {
		a.arm()
	}
}

func (a *BrowserAdapter) handleBrowserMessage(msg browserMessage) {
	if !a.listening() {
		return
	}
	switch {
	case msg.Error != "":
		a.handleError(msg.Error)
	case msg.Event == "end":
		a.scheduleRearm()
	case strings.TrimSpace(msg.Transcript) != "":
		a.mu.Lock()
		a.failures = 0
		a.mu.Unlock()
		a.emitter.Emit(protocol.RecognitionEvent{
			SourceID:  "browser",
			Text:      msg.Transcript,
			IsFinal:   msg.IsFinal,
			Timestamp: time.Now(),
		})
	}
}

func (a *BrowserAdapter) handleError(code string) {
	switch code {
	case "not-allowed", "service-not-allowed":
		a.log.Error("microphone permission denied", slog.String("code", code))
		_ = a.Stop()
		a.emitter.Fail(&UnavailableError{Adapter: a.Name(), Reason: "microphone permission denied: " + code})
	default:
		// network, no-speech, aborted: the page follows up with "end".
		a.mu.Lock()
		a.failures++
		a.mu.Unlock()
		a.log.Warn("browser recognizer error", slog.String("code", code))
	}
}

func (a *BrowserAdapter) scheduleRearm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rearm != nil {
		a.rearm.Stop()
	}
	a.rearm = time.AfterFunc(a.backoffLocked(), a.arm)
}

func (a *BrowserAdapter) backoffLocked() time.Duration {
	base := time.Duration(a.cfg.RestartBackoffMS) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if a.failures == 0 {
		return base
	}
	d := base << min(a.failures, 8)
	if d > maxBrowserBackoff {
		d = maxBrowserBackoff
	}
	return d
}

func (a *BrowserAdapter) arm() {
	if !a.listening() {
		return
	}
	a.mu.Lock()
	lang := a.language
	a.mu.Unlock()
	if err := a.link.send(browserCommand{Command: "start", Lang: lang}); err != nil {
		a.log.Warn("could not re-arm browser recognizer", slogError(err))
	}
}

func (a *BrowserAdapter) Stop() error {
	if !a.beginStop() {
		return nil
	}
	a.mu.Lock()
	if a.rearm != nil {
		a.rearm.Stop()
		a.rearm = nil
	}
	a.mu.Unlock()
	if err := a.link.send(browserCommand{Command: "stop"}); err != nil && !errors.Is(err, errNoBrowser) {
		a.log.Warn("failed to stop browser recognizer", slogError(err))
	}
	a.stopped()
	a.log.Info("browser recognition stopped")
	return nil
}
