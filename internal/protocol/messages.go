package protocol

import "time"

// RecognitionEvent is the canonical recognizer output. Text is cumulative for
// the current utterance, not a delta.
type RecognitionEvent struct {
	SourceID  string    `json:"source_id"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptEntry is one caption line as seen by display surfaces.
type TranscriptEntry struct {
	ID         string    `json:"id"`
	Original   string    `json:"original"`
	Translated string    `json:"translated"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is a read-only copy of the transcript history, newest first.
type Snapshot struct {
	Entries   []TranscriptEntry `json:"entries"`
	Timestamp time.Time         `json:"timestamp"`
	// Version increases with every state change published by the merger.
	// Zero means unversioned.
	Version uint64 `json:"version,omitempty"`
}

// BridgeView is the single-line caption polled by bridge clients.
type BridgeView struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Timestamp  int64  `json:"timestamp"`
}

// Head returns the newest entry in bridge form.
func (s Snapshot) Head() BridgeView {
	var view BridgeView
	if !s.Timestamp.IsZero() {
		view.Timestamp = s.Timestamp.UnixMilli()
	}
	if len(s.Entries) == 0 {
		return view
	}
	head := s.Entries[0]
	view.Original = head.Original
	view.Translated = head.Translated
	if !head.Timestamp.IsZero() {
		view.Timestamp = head.Timestamp.UnixMilli()
	}
	return view
}

// SatelliteTranscript is published by satellite browsers.
type SatelliteTranscript struct {
	SatelliteID string    `json:"satellite_id"`
	Transcript  string    `json:"transcript"`
	IsFinal     bool      `json:"is_final"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// SatelliteAnnounce is published once when a satellite connects.
type SatelliteAnnounce struct {
	SatelliteID string    `json:"satellite_id"`
	Name        string    `json:"name,omitempty"`
	Languages   []string  `json:"languages,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SatelliteHeartbeat keeps a satellite marked healthy.
type SatelliteHeartbeat struct {
	SatelliteID string    `json:"satellite_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// SatelliteCommand instructs satellites to start or stop recognizing.
type SatelliteCommand struct {
	Command   string          `json:"command"`
	SessionID string          `json:"session_id,omitempty"`
	Config    SatelliteConfig `json:"config,omitempty"`
}

type SatelliteConfig struct {
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
	LLMModel   string `json:"llm_model,omitempty"`
}

const (
	SatelliteCommandStart = "start"
	SatelliteCommandStop  = "stop"
)

const (
	SubjectSatelliteTranscript      = "satellite.transcript"
	SubjectSatelliteCommand         = "satellite.command"
	SubjectSatelliteAnnounce        = "satellite.announce"
	SubjectSatelliteHeartbeatPrefix = "satellite.heartbeat"
	SubjectCaptionSnapshot          = "captions.snapshot"
)
