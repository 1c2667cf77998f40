// Package diag implements the diagnostics sink consumed by the orchestration
// core. Events are leveled, correlated by profile ID, and stored in a
// per-profile ring buffer (100 entries) for retrieval over the API. Emission
// is fire-and-forget: it never blocks and never fails the caller, and
// subscribers that fall behind lose events rather than stalling the core.
package diag

import (
	"log"
	"sync"
	"time"

	"github.com/deskmux/deskmux/internal/logutil"
)

// Level indicates event severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one correlated trace event.
type Event struct {
	ProfileID string    `json:"profile_id"`
	Level     Level     `json:"level"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// eventBufferSize is the maximum number of events stored per profile.
const eventBufferSize = 100

// eventBuffer is a fixed-size ring buffer of Events for one profile.
type eventBuffer struct {
	events [eventBufferSize]Event
	head   int // next write position
	count  int // total entries written (capped at buffer size for reads)
}

func (b *eventBuffer) record(event Event) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full — head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

// Sink receives diagnostics events from the core and fans them out to
// ring buffers, the process log, and any live subscribers.
type Sink struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer
	subs    map[int]chan Event
	nextSub int
}

// NewSink creates an initialized Sink.
func NewSink() *Sink {
	return &Sink{
		buffers: make(map[string]*eventBuffer),
		subs:    make(map[int]chan Event),
	}
}

// Emit records one event. It never blocks: subscribers with a full channel
// miss the event.
func (s *Sink) Emit(profileID string, level Level, phase, message string) {
	event := Event{
		ProfileID: profileID,
		Level:     level,
		Phase:     phase,
		Message:   message,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	buf, ok := s.buffers[profileID]
	if !ok {
		buf = &eventBuffer{}
		s.buffers[profileID] = buf
	}
	buf.record(event)
	subs := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}

	log.Printf("[diag] %s %s/%s: %s", level, logutil.SanitizeForLog(profileID), phase, logutil.SanitizeForLog(message))
}

// Events returns the event history for a profile in chronological order.
func (s *Sink) Events(profileID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[profileID]
	if !ok {
		return nil
	}
	return buf.history()
}

// Remove deletes the event history for a profile.
func (s *Sink) Remove(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, profileID)
}

// Subscribe registers a live event feed with the given channel capacity.
// The returned cancel function unsubscribes and closes the channel.
func (s *Sink) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
