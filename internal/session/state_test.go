package session

import (
	"fmt"
	"testing"
	"time"
)

func TestNextStateValidEdges(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		want State
	}{
		{StateIdle, EventConnectRequested, StateConnecting},
		{StateConnecting, EventConnected, StateConnected},
		{StateConnecting, EventConnectFailed, StateIdle},
		{StateConnected, EventWindowOpened, StateActive},
		{StateConnected, EventWindowClosed, StateDisconnecting},
		{StateActive, EventWindowClosed, StateDisconnecting},
		{StateConnected, EventDisconnectRequested, StateDisconnecting},
		{StateActive, EventDisconnectRequested, StateDisconnecting},
		{StateDisconnecting, EventDisconnected, StateIdle},
		{StateClosedPendingCleanup, EventDisconnected, StateIdle},
		{StateConnecting, EventFailed, StateIdle},
		{StateConnected, EventFailed, StateIdle},
		{StateActive, EventFailed, StateIdle},
		{StateDisconnecting, EventFailed, StateIdle},
		{StateClosedPendingCleanup, EventFailed, StateIdle},
	}
	for _, c := range cases {
		got, ok := nextState(c.from, c.ev)
		if !ok {
			t.Errorf("%s + %s: edge rejected, want %s", c.from, c.ev, c.want)
			continue
		}
		if got != c.want {
			t.Errorf("%s + %s = %s, want %s", c.from, c.ev, got, c.want)
		}
	}
}

func TestNextStateInvalidEdgesDropped(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{StateConnecting, EventConnectRequested}, // double connect
		{StateConnected, EventConnectRequested},
		{StateIdle, EventConnected},
		{StateIdle, EventDisconnected}, // duplicate external disconnect
		{StateIdle, EventFailed},       // failure after cleanup already ran
		{StateConnecting, EventWindowOpened},
		{StateConnecting, EventDisconnectRequested},
		{StateDisconnecting, EventDisconnectRequested}, // disconnect is idempotent
		{StateActive, EventWindowOpened},
		{StateIdle, EventWindowClosed},
	}
	for _, c := range cases {
		got, ok := nextState(c.from, c.ev)
		if ok {
			t.Errorf("%s + %s: expected drop, got transition to %s", c.from, c.ev, got)
		}
		if got != c.from {
			t.Errorf("%s + %s: dropped edge must not change state, got %s", c.from, c.ev, got)
		}
	}
}

func TestStateLive(t *testing.T) {
	live := map[State]bool{
		StateIdle:                 false,
		StateConnecting:           true,
		StateConnected:            true,
		StateActive:               true,
		StateDisconnecting:        false,
		StateClosedPendingCleanup: false,
	}
	for s, want := range live {
		if got := s.Live(); got != want {
			t.Errorf("%s.Live() = %v, want %v", s, got, want)
		}
	}
}

func TestHistoryRingWraps(t *testing.T) {
	ring := &historyRing{}
	total := transitionBufferSize + 10
	for i := 0; i < total; i++ {
		ring.record(Transition{Reason: fmt.Sprintf("t-%d", i), Timestamp: time.Now()})
	}

	got := ring.history()
	if len(got) != transitionBufferSize {
		t.Fatalf("history length = %d, want %d", len(got), transitionBufferSize)
	}
	if got[0].Reason != fmt.Sprintf("t-%d", total-transitionBufferSize) {
		t.Errorf("oldest entry = %s, want t-%d", got[0].Reason, total-transitionBufferSize)
	}
	if got[len(got)-1].Reason != fmt.Sprintf("t-%d", total-1) {
		t.Errorf("newest entry = %s, want t-%d", got[len(got)-1].Reason, total-1)
	}
}

func TestHistoryLogPerProfile(t *testing.T) {
	log := newHistoryLog()
	log.record("a", Transition{From: StateIdle, To: StateConnecting})
	log.record("b", Transition{From: StateIdle, To: StateConnecting})
	log.record("a", Transition{From: StateConnecting, To: StateConnected})

	if got := log.history("a"); len(got) != 2 {
		t.Errorf("profile a history = %d entries, want 2", len(got))
	}
	if got := log.history("b"); len(got) != 1 {
		t.Errorf("profile b history = %d entries, want 1", len(got))
	}
	if got := log.history("missing"); got != nil {
		t.Errorf("unknown profile history = %v, want nil", got)
	}
}
