package diag

import (
	"fmt"
	"testing"
)

func TestEventsChronologicalOrder(t *testing.T) {
	s := NewSink()
	s.Emit("p1", LevelInfo, "connect", "first")
	s.Emit("p1", LevelWarn, "connect", "second")
	s.Emit("p2", LevelInfo, "connect", "other profile")

	events := s.Events("p1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events for p1, got %d", len(events))
	}
	if events[0].Message != "first" || events[1].Message != "second" {
		t.Errorf("events out of order: %q, %q", events[0].Message, events[1].Message)
	}
	if events[1].Level != LevelWarn {
		t.Errorf("level = %s, want warn", events[1].Level)
	}
}

func TestRingBufferWraps(t *testing.T) {
	s := NewSink()
	for i := 0; i < eventBufferSize+10; i++ {
		s.Emit("p1", LevelDebug, "probe", fmt.Sprintf("msg-%d", i))
	}

	events := s.Events("p1")
	if len(events) != eventBufferSize {
		t.Fatalf("expected %d events, got %d", eventBufferSize, len(events))
	}
	// Oldest surviving entry is msg-10.
	if events[0].Message != "msg-10" {
		t.Errorf("oldest event = %q, want msg-10", events[0].Message)
	}
	if events[len(events)-1].Message != fmt.Sprintf("msg-%d", eventBufferSize+9) {
		t.Errorf("newest event = %q", events[len(events)-1].Message)
	}
}

func TestEmitNeverBlocksOnSlowSubscriber(t *testing.T) {
	s := NewSink()
	ch, cancel := s.Subscribe(1)
	defer cancel()

	// Fill the subscriber channel, then keep emitting. Emit must not block.
	for i := 0; i < 50; i++ {
		s.Emit("p1", LevelInfo, "flood", "event")
	}

	// The subscriber sees at most its buffer capacity.
	if len(ch) != 1 {
		t.Errorf("subscriber channel length = %d, want 1", len(ch))
	}
}

func TestSubscribeCancelCloses(t *testing.T) {
	s := NewSink()
	ch, cancel := s.Subscribe(4)
	cancel()
	cancel() // second cancel is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Emitting after cancel must not panic.
	s.Emit("p1", LevelInfo, "after", "cancel")
}

func TestRemove(t *testing.T) {
	s := NewSink()
	s.Emit("p1", LevelInfo, "connect", "hello")
	s.Remove("p1")
	if events := s.Events("p1"); events != nil {
		t.Errorf("expected nil events after Remove, got %d", len(events))
	}
	s.Remove("p1") // idempotent
}
