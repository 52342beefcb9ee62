package stt

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/config"
)

type presenterPage struct {
	t    *testing.T
	conn *websocket.Conn
}

func connectPage(t *testing.T, link *BrowserLink) *presenterPage {
	t.Helper()
	srv := httptest.NewServer(link)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitFor(t, link.Connected)
	return &presenterPage{t: t, conn: conn}
}

func (p *presenterPage) expectCommand(command string) browserCommand {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd browserCommand
	if err := p.conn.ReadJSON(&cmd); err != nil {
		p.t.Fatalf("read command: %v", err)
	}
	if cmd.Command != command {
		p.t.Fatalf("expected %q command, got %+v", command, cmd)
	}
	return cmd
}

func (p *presenterPage) send(msg browserMessage) {
	p.t.Helper()
	if err := p.conn.WriteJSON(msg); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func TestBrowserStartWithoutPageIsUnavailable(t *testing.T) {
	link := NewBrowserLink(newLogger())
	a := NewBrowser(config.BrowserConfig{RestartBackoffMS: 1}, link, newRecordingEmitter(), newLogger())
	err := a.Start(context.Background(), StartConfig{Language: "en-US"})
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", a.State())
	}
}

func TestBrowserRelaysTranscriptsAndRearmsOnEnd(t *testing.T) {
	link := NewBrowserLink(newLogger())
	emitter := newRecordingEmitter()
	a := NewBrowser(config.BrowserConfig{RestartBackoffMS: 1}, link, emitter, newLogger())
	page := connectPage(t, link)

	if err := a.Start(context.Background(), StartConfig{Language: "ko-KR"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if cmd := page.expectCommand("start"); cmd.Lang != "ko-KR" {
		t.Fatalf("expected language in start command, got %+v", cmd)
	}

	page.send(browserMessage{Transcript: "annyeong", IsFinal: false})
	page.send(browserMessage{Transcript: "annyeong haseyo", IsFinal: true})
	waitFor(t, func() bool { return len(emitter.Events()) == 2 })
	if ev := emitter.Events()[1]; !ev.IsFinal || ev.SourceID != "browser" {
		t.Fatalf("unexpected event %+v", ev)
	}

	page.send(browserMessage{Error: "network"})
	page.send(browserMessage{Event: "end"})
	page.expectCommand("start")
	if len(emitter.Fails()) != 0 {
		t.Fatal("network errors are transient")
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	page.expectCommand("stop")

	page.send(browserMessage{Transcript: "after stop", IsFinal: true})
	page.send(browserMessage{Event: "end"})
	time.Sleep(30 * time.Millisecond)
	if len(emitter.Events()) != 2 {
		t.Fatal("events after stop must be dropped")
	}
}

func TestBrowserPermissionDeniedIsTerminal(t *testing.T) {
	link := NewBrowserLink(newLogger())
	emitter := newRecordingEmitter()
	a := NewBrowser(config.BrowserConfig{RestartBackoffMS: 1}, link, emitter, newLogger())
	page := connectPage(t, link)

	if err := a.Start(context.Background(), StartConfig{Language: "en-US"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	page.expectCommand("start")

	page.send(browserMessage{Error: "not-allowed"})
	waitFor(t, func() bool { return len(emitter.Fails()) == 1 })
	if !errors.Is(emitter.Fails()[0], ErrAdapterUnavailable) {
		t.Fatalf("expected unavailable, got %v", emitter.Fails()[0])
	}
	if a.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", a.State())
	}
	page.expectCommand("stop")
}
