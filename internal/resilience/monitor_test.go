package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deskmux/deskmux/internal/diag"
	"github.com/deskmux/deskmux/internal/errclass"
	"github.com/deskmux/deskmux/internal/session"
)

type fakeProbe struct {
	mu           sync.Mutex
	pingErr      error
	tunnelAlive  bool
	reconnectErr error

	pings      atomic.Int32
	reconnects atomic.Int32
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{tunnelAlive: true}
}

func (p *fakeProbe) set(pingErr, reconnectErr error, tunnelAlive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingErr = pingErr
	p.reconnectErr = reconnectErr
	p.tunnelAlive = tunnelAlive
}

func (p *fakeProbe) Ping(_ context.Context, _ session.ProfileID) error {
	p.pings.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingErr
}

func (p *fakeProbe) TunnelAlive(session.ProfileID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunnelAlive
}

func (p *fakeProbe) Reconnect(_ context.Context, _ session.ProfileID) error {
	p.reconnects.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnectErr
}

func fastOptions() Options {
	return Options{
		Interval:             20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHealthLoopMarksConnected(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	m.Register("p1")
	waitFor(t, time.Second, func() bool {
		rec, ok := m.Record("p1")
		return ok && rec.Status == "connected"
	}, "health loop never observed the session connected")
}

func TestGraceDelayBeforeFirstCheck(t *testing.T) {
	probe := newFakeProbe()
	opts := fastOptions()
	opts.Interval = 100 * time.Millisecond
	m := NewMonitor(probe, diag.NewSink(), opts)
	defer m.Close()

	m.Register("p1")
	time.Sleep(50 * time.Millisecond)
	if n := probe.pings.Load(); n != 0 {
		t.Errorf("probe ran %d times inside the grace window, want 0", n)
	}
}

func TestReconnectionRecoversSession(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	var failures atomic.Int32
	m.OnFailure(func(session.ProfileID, error) { failures.Add(1) })

	m.Register("p1")
	m.ReportStatus("p1", StatusConnected, nil)
	// Session drops while the tunnel stays alive: reconnection kicks in and
	// the first attempt succeeds.
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))

	waitFor(t, time.Second, func() bool {
		rec, ok := m.Record("p1")
		return ok && rec.Status == "connected"
	}, "reconnection never recovered the session")

	if n := probe.reconnects.Load(); n != 1 {
		t.Errorf("reconnect attempts = %d, want 1 (stop early on success)", n)
	}
	if failures.Load() != 0 {
		t.Error("successful recovery must not report a terminal failure")
	}
}

func TestReconnectionExhaustionReportsFailed(t *testing.T) {
	probe := newFakeProbe()
	probe.set(nil, errors.New("dial tcp: connection refused"), true)
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	type failure struct {
		id  session.ProfileID
		err error
	}
	failed := make(chan failure, 1)
	m.OnFailure(func(id session.ProfileID, err error) { failed <- failure{id, err} })

	m.Register("p1")
	m.ReportStatus("p1", StatusConnected, nil)
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))

	select {
	case f := <-failed:
		if f.id != "p1" {
			t.Errorf("failure for %s, want p1", f.id)
		}
		if kind := errclass.KindOf(f.err); kind != errclass.KindNetworkUnreachable {
			t.Errorf("failure kind = %s, want network_unreachable", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("exhausted reconnection never reported failure")
	}

	if n := probe.reconnects.Load(); n != 2 {
		t.Errorf("reconnect attempts = %d, want exactly the bound of 2", n)
	}
}

func TestNoReconnectionWhenTunnelDead(t *testing.T) {
	probe := newFakeProbe()
	probe.set(nil, nil, false)
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	failed := make(chan error, 1)
	m.OnFailure(func(_ session.ProfileID, err error) { failed <- err })

	m.Register("p1")
	m.ReportStatus("p1", StatusConnected, nil)
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("dead tunnel should fail immediately, skipping reconnection")
	}
	if n := probe.reconnects.Load(); n != 0 {
		t.Errorf("reconnect attempts = %d, want 0 with a dead tunnel", n)
	}
}

func TestAuthFailureNeverRetried(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	failed := make(chan error, 1)
	m.OnFailure(func(_ session.ProfileID, err error) { failed <- err })

	m.Register("p1")
	m.ReportStatus("p1", StatusConnected, nil)
	m.ReportStatus("p1", StatusDisconnected,
		errclass.New(errclass.KindAuthFailed, "server rejected password"))

	select {
	case err := <-failed:
		if kind := errclass.KindOf(err); kind != errclass.KindAuthFailed {
			t.Errorf("failure kind = %s, want auth_failed", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("auth failure never reported as terminal")
	}
	if n := probe.reconnects.Load(); n != 0 {
		t.Errorf("reconnect attempts = %d, want 0 for an auth failure", n)
	}
}

func TestUnregisterCancelsReconnection(t *testing.T) {
	probe := newFakeProbe()
	probe.set(nil, errors.New("dial tcp: connection refused"), true)
	opts := fastOptions()
	opts.ReconnectDelay = 50 * time.Millisecond
	m := NewMonitor(probe, diag.NewSink(), opts)
	defer m.Close()

	var failures atomic.Int32
	m.OnFailure(func(session.ProfileID, error) { failures.Add(1) })

	m.Register("p1")
	m.ReportStatus("p1", StatusConnected, nil)
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))
	// Unregister lands inside the first reconnect delay.
	m.Unregister("p1")

	time.Sleep(150 * time.Millisecond)
	if n := probe.reconnects.Load(); n != 0 {
		t.Errorf("reconnect attempts = %d, want 0 after unregister", n)
	}
	if failures.Load() != 0 {
		t.Error("cancelled reconnection must not report failure")
	}
	if _, ok := m.Record("p1"); ok {
		t.Error("record should be removed by unregister")
	}
}

func TestUnregisterCancelsSuccessorSequence(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	var failures atomic.Int32
	m.OnFailure(func(session.ProfileID, error) { failures.Add(1) })

	m.Register("p1")
	m.ReportStatus("p1", StatusConnected, nil)
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))
	waitFor(t, time.Second, func() bool {
		rec, ok := m.Record("p1")
		return ok && rec.Status == "connected"
	}, "first reconnection never recovered the session")

	// A second drop starts a fresh sequence while the first sequence's
	// goroutine may still be winding down. Unregister must cancel the fresh
	// one; the old goroutine's exit must not strip its registration.
	probe.set(nil, errors.New("dial tcp: connection refused"), true)
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))
	m.Unregister("p1")

	time.Sleep(50 * time.Millisecond)
	if n := probe.reconnects.Load(); n != 1 {
		t.Errorf("reconnect attempts = %d, want only the first sequence's single attempt", n)
	}
	if failures.Load() != 0 {
		t.Error("cancelled successor sequence must not report failure")
	}
}

func TestDisconnectedWithoutPriorConnectedIgnored(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	m.Register("p1")
	// Still Connecting: a disconnect report must not start reconnection.
	m.ReportStatus("p1", StatusDisconnected, errors.New("read: connection reset"))

	time.Sleep(50 * time.Millisecond)
	if n := probe.reconnects.Load(); n != 0 {
		t.Errorf("reconnect attempts = %d, want 0 without a prior connected status", n)
	}
}

func TestReportStatusUnknownProfileIsNoop(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	m.ReportStatus("ghost", StatusConnected, nil)
	if _, ok := m.Record("ghost"); ok {
		t.Error("reporting for an unregistered profile must not create a record")
	}
}

func TestRecordsSnapshot(t *testing.T) {
	probe := newFakeProbe()
	m := NewMonitor(probe, diag.NewSink(), fastOptions())
	defer m.Close()

	m.Register("a")
	m.Register("b")
	if got := len(m.Records()); got != 2 {
		t.Errorf("records = %d, want 2", got)
	}
	m.Unregister("a")
	if got := len(m.Records()); got != 1 {
		t.Errorf("records after unregister = %d, want 1", got)
	}
}
