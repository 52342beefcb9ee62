package surface

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket pushes snapshots as JSON text frames to one connected display.
type WebSocket struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewWebSocket wraps an upgraded connection and starts draining its read side
// so close frames and pongs are processed.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	s := &WebSocket{
		id:   "ws:" + uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()
	return s
}

func (s *WebSocket) ID() string { return s.id }

func (s *WebSocket) Done() <-chan struct{} { return s.done }

func (s *WebSocket) Push(snap protocol.Snapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(snap); err != nil {
		s.Close()
		return err
	}
	return nil
}

func (s *WebSocket) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *WebSocket) readLoop() {
	defer s.Close()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocket) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.Close()
				return
			}
		}
	}
}

// Handler upgrades requests to websocket surfaces attached to b.
func Handler(b *Broadcaster, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("component", "surface-websocket"))
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", slogError(err))
			return
		}
		s := NewWebSocket(conn)
		log.Info("display connected", slog.String("surface", s.ID()), slog.String("remote", r.RemoteAddr))
		b.Attach(s)
	}
}
