package stt

import "sync"

// State is an adapter's lifecycle position.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// lifecycle guards state transitions. Only adapter methods move it.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) listening() bool {
	return l.State() == StateListening
}

// beginStart moves Stopped to Starting.
func (l *lifecycle) beginStart() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return false
	}
	l.state = StateStarting
	return true
}

// started moves Starting to Listening. It fails if Stop ran in between.
func (l *lifecycle) started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting {
		return false
	}
	l.state = StateListening
	return true
}

// beginStop moves Starting or Listening to Stopping.
func (l *lifecycle) beginStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting && l.state != StateListening {
		return false
	}
	l.state = StateStopping
	return true
}

func (l *lifecycle) stopped() {
	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
}
