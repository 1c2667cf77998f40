// state.go defines the session lifecycle state machine.
//
// Each profile has exactly one lifecycle state at any time. Transitions are
// expressed as a pure function over (state, event) so the registry can apply
// them under its lock and derive side effects from the edge taken, keeping
// the machine itself testable in isolation. Invalid edges are dropped, not
// fatal. Transitions are recorded in a per-profile ring buffer (50 entries)
// for debugging.

package session

import (
	"sync"
	"time"
)

// ProfileID names a configured remote-desktop target. IDs are supplied
// externally and never generated by the core.
type ProfileID string

// State is the coarse-grained lifecycle phase of a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateActive // window is the user's foreground focus
	StateDisconnecting
	StateClosedPendingCleanup
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosedPendingCleanup:
		return "closed_pending_cleanup"
	default:
		return "unknown"
	}
}

// Live reports whether the state represents a session worth returning from
// acquire as-is rather than rebuilding.
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateActive
}

// Event is a lifecycle trigger, either caller-initiated or reported by an
// external collaborator.
type Event int

const (
	EventConnectRequested Event = iota
	EventConnected              // external: connected
	EventConnectFailed          // external: failed while connecting
	EventWindowOpened
	EventWindowClosed
	EventDisconnectRequested
	EventDisconnected // external: disconnected
	EventFailed       // external: failed, from any state
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventConnectRequested:
		return "connect_requested"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventWindowOpened:
		return "window_opened"
	case EventWindowClosed:
		return "window_closed"
	case EventDisconnectRequested:
		return "disconnect_requested"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// nextState implements the transition table. The second return value is
// false when the edge is invalid for the current state; callers drop such
// edges with a diagnostic, never an error.
func nextState(from State, ev Event) (State, bool) {
	switch ev {
	case EventConnectRequested:
		if from == StateIdle {
			return StateConnecting, true
		}
	case EventConnected:
		if from == StateConnecting {
			return StateConnected, true
		}
	case EventConnectFailed:
		if from == StateConnecting {
			return StateIdle, true
		}
	case EventWindowOpened:
		if from == StateConnected {
			return StateActive, true
		}
	case EventWindowClosed, EventDisconnectRequested:
		if from == StateConnected || from == StateActive {
			return StateDisconnecting, true
		}
	case EventDisconnected:
		if from == StateDisconnecting || from == StateClosedPendingCleanup {
			return StateIdle, true
		}
	case EventFailed:
		if from != StateIdle {
			return StateIdle, true
		}
	}
	return from, false
}

// transitionBufferSize is the maximum number of transitions stored per profile.
const transitionBufferSize = 50

// Transition records a single lifecycle state change for debugging.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Event     Event     `json:"event"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// historyRing is a fixed-size ring buffer of Transitions for one profile.
type historyRing struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (r *historyRing) record(tr Transition) {
	r.entries[r.head] = tr
	r.head = (r.head + 1) % transitionBufferSize
	if r.count < transitionBufferSize {
		r.count++
	}
}

// history returns transitions in chronological order (oldest first).
func (r *historyRing) history() []Transition {
	if r.count == 0 {
		return nil
	}
	result := make([]Transition, r.count)
	if r.count < transitionBufferSize {
		copy(result, r.entries[:r.count])
	} else {
		n := copy(result, r.entries[r.head:])
		copy(result[n:], r.entries[:r.head])
	}
	return result
}

// historyLog holds per-profile transition history. Unlike the session map,
// history survives cleanup so it stays available for debugging.
type historyLog struct {
	mu    sync.RWMutex
	rings map[ProfileID]*historyRing
}

func newHistoryLog() *historyLog {
	return &historyLog{rings: make(map[ProfileID]*historyRing)}
}

func (h *historyLog) record(id ProfileID, tr Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[id]
	if !ok {
		ring = &historyRing{}
		h.rings[id] = ring
	}
	ring.record(tr)
}

func (h *historyLog) history(id ProfileID) []Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring, ok := h.rings[id]
	if !ok {
		return nil
	}
	return ring.history()
}
