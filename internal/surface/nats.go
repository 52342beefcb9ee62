package surface

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATS publishes every snapshot on a bus subject for remote overlays.
type NATS struct {
	conn    *nats.Conn
	subject string
	dropped atomic.Int64
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = protocol.SubjectCaptionSnapshot
	}
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) ID() string { return "nats:" + n.subject }

// Done is nil: the bus surface lives until detached.
func (n *NATS) Done() <-chan struct{} { return nil }

// Push publishes snap. While the connection is reconnecting, or when a
// single snapshot is too large, the snapshot is dropped and the surface stays
// attached: every snapshot carries the full history, so the next one
// catches overlays up. Only a closed connection prunes the surface.
func (n *NATS) Push(snap protocol.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = n.conn.Publish(n.subject, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrReconnectBufExceeded),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrMaxPayload):
		n.dropped.Add(1)
		return nil
	default:
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
}

// Dropped counts snapshots skipped while the bus was unavailable.
func (n *NATS) Dropped() int64 { return n.dropped.Load() }
