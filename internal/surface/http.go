package surface

import (
	"encoding/json"
	"net/http"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// BridgeHandler serves the newest caption line for polling clients.
func BridgeHandler(b *Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, b.Latest().Head())
	}
}

// HistoryHandler serves the full latest snapshot.
func HistoryHandler(b *Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := b.Latest()
		if snap.Entries == nil {
			snap.Entries = []protocol.TranscriptEntry{}
		}
		writeJSON(w, snap)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(v)
}
