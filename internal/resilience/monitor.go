// Package resilience detects silent session death and attempts bounded
// recovery. Each registered profile gets a periodic health-check loop; an
// observed Connected to Disconnected drop while the tunnel transport is
// still alive triggers a bounded reconnection sequence. Permanent failures
// (authentication rejections, exhausted retries) are reported upward as
// terminal rather than masked as transient.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deskmux/deskmux/internal/diag"
	"github.com/deskmux/deskmux/internal/errclass"
	"github.com/deskmux/deskmux/internal/session"
)

// Status is the monitor's view of one session's health.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusFailed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthRecord is the monitor-owned health state for one profile.
type HealthRecord struct {
	ProfileID         session.ProfileID `json:"profile_id"`
	Status            string            `json:"status"`
	LastError         string            `json:"last_error,omitempty"`
	LastChecked       time.Time         `json:"last_checked"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
}

type healthRecord struct {
	status      Status
	lastErr     error
	lastChecked time.Time
	attempts    int
}

// SessionProbe is the slice of registry capability the monitor drives.
type SessionProbe interface {
	Ping(ctx context.Context, id session.ProfileID) error
	TunnelAlive(id session.ProfileID) bool
	Reconnect(ctx context.Context, id session.ProfileID) error
}

// FailureCallback receives terminal failures the monitor will not retry.
type FailureCallback func(id session.ProfileID, err error)

// Options tune the monitor's timing and retry bounds.
type Options struct {
	// Interval between health checks; also the initial grace delay before
	// the first check of a freshly registered profile.
	Interval time.Duration
	// MaxReconnectAttempts bounds one reconnection sequence.
	MaxReconnectAttempts int
	// ReconnectDelay precedes every reconnection attempt.
	ReconnectDelay time.Duration
}

// reconnectSeq identifies one reconnection sequence so a finished loop can
// tell whether the map entry for its profile is still its own.
type reconnectSeq struct {
	cancel context.CancelFunc
}

// Monitor owns the per-profile health records and loops.
type Monitor struct {
	mu         sync.Mutex
	records    map[session.ProfileID]*healthRecord
	loops      map[session.ProfileID]context.CancelFunc
	reconnects map[session.ProfileID]*reconnectSeq

	probe    SessionProbe
	sink     *diag.Sink
	onFailed FailureCallback

	interval    time.Duration
	maxAttempts int
	delay       time.Duration

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor driving the given probe.
func NewMonitor(probe SessionProbe, sink *diag.Sink, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 2
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	return &Monitor{
		records:     make(map[session.ProfileID]*healthRecord),
		loops:       make(map[session.ProfileID]context.CancelFunc),
		reconnects:  make(map[session.ProfileID]*reconnectSeq),
		probe:       probe,
		sink:        sink,
		interval:    opts.Interval,
		maxAttempts: opts.MaxReconnectAttempts,
		delay:       opts.ReconnectDelay,
	}
}

// OnFailure registers the terminal-failure callback. Must be called before
// the first Register.
func (m *Monitor) OnFailure(cb FailureCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = cb
}

// Register creates a HealthRecord in Connecting and starts the health-check
// loop. The first check runs only after a grace delay equal to the interval
// so a session still handshaking is not flagged dead. Registering an
// already-registered profile restarts its loop.
func (m *Monitor) Register(id session.ProfileID) {
	m.mu.Lock()
	if cancel, ok := m.loops[id]; ok {
		cancel()
	}
	m.records[id] = &healthRecord{status: StatusConnecting, lastChecked: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())
	m.loops[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.healthLoop(ctx, id)
}

// Unregister cancels the health loop and any in-flight reconnection and
// removes the record. Safe to call for an unknown profile.
func (m *Monitor) Unregister(id session.ProfileID) {
	m.mu.Lock()
	if cancel, ok := m.loops[id]; ok {
		cancel()
		delete(m.loops, id)
	}
	if seq, ok := m.reconnects[id]; ok {
		seq.cancel()
		delete(m.reconnects, id)
	}
	delete(m.records, id)
	m.mu.Unlock()
}

// Close stops every loop and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	for id, cancel := range m.loops {
		cancel()
		delete(m.loops, id)
	}
	for id, seq := range m.reconnects {
		seq.cancel()
		delete(m.reconnects, id)
	}
	m.records = make(map[session.ProfileID]*healthRecord)
	m.mu.Unlock()
	m.wg.Wait()
}

// healthLoop probes the session every interval. The ticker's first fire
// doubles as the initial grace delay.
func (m *Monitor) healthLoop(ctx context.Context, id session.ProfileID) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		_, registered := m.records[id]
		_, reconnecting := m.reconnects[id]
		m.mu.Unlock()
		if !registered {
			return
		}
		if reconnecting {
			// The reconnection sequence owns the session until it resolves.
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		err := m.probe.Ping(probeCtx, id)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.ReportStatus(id, StatusDisconnected, err)
		} else {
			m.ReportStatus(id, StatusConnected, nil)
		}
	}
}

// ReportStatus updates the health record from an externally-observed status
// change. A Connected to Disconnected drop while the tunnel is still alive
// triggers the bounded reconnection sequence; a drop into Failed is terminal
// and reported upward without retry.
func (m *Monitor) ReportStatus(id session.ProfileID, status Status, err error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	prev := rec.status
	rec.status = status
	rec.lastErr = err
	rec.lastChecked = time.Now()
	if status == StatusConnected {
		rec.attempts = 0
	}
	m.mu.Unlock()

	switch status {
	case StatusFailed:
		m.reportTerminal(id, err)
	case StatusDisconnected:
		if prev != StatusConnected {
			return
		}
		// Authentication rejections are permanent: retrying would just
		// lock the account.
		if errclass.Classify(err) == errclass.KindAuthFailed {
			m.ReportStatus(id, StatusFailed, err)
			return
		}
		if !m.probe.TunnelAlive(id) {
			m.sink.Emit(string(id), diag.LevelWarn, "health",
				"session dropped with dead tunnel, not attempting reconnection")
			m.ReportStatus(id, StatusFailed, err)
			return
		}
		m.startReconnect(id, err)
	}
}

// startReconnect launches the bounded reconnection sequence, cancelling any
// prior sequence for the same profile first.
func (m *Monitor) startReconnect(id session.ProfileID, cause error) {
	m.mu.Lock()
	if prev, ok := m.reconnects[id]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	seq := &reconnectSeq{cancel: cancel}
	m.reconnects[id] = seq
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop(ctx, id, cause, seq)
}

// reconnectLoop runs up to maxAttempts reconnection attempts, each preceded
// by a fixed delay, stopping early on success or cancellation. Exhausting
// the bound reports Failed with the last observed error.
func (m *Monitor) reconnectLoop(ctx context.Context, id session.ProfileID, cause error, seq *reconnectSeq) {
	defer m.wg.Done()
	defer func() {
		// A successor sequence may already own the entry; only remove our own.
		m.mu.Lock()
		if m.reconnects[id] == seq {
			delete(m.reconnects, id)
		}
		m.mu.Unlock()
	}()

	lastErr := cause
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.delay):
		}

		m.mu.Lock()
		rec, ok := m.records[id]
		if ok {
			rec.attempts = attempt
		}
		m.mu.Unlock()
		if !ok {
			return
		}

		m.sink.Emit(string(id), diag.LevelInfo, "reconnect",
			fmt.Sprintf("attempt %d/%d", attempt, m.maxAttempts))

		err := m.probe.Reconnect(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.ReportStatus(id, StatusConnected, nil)
			return
		}
		lastErr = err
		// Only transient failures are worth further attempts; an auth
		// rejection or protocol fault will not heal with a redial.
		if !errclass.Transient(errclass.Classify(err)) {
			break
		}
	}

	kind := errclass.Classify(lastErr)
	m.ReportStatus(id, StatusFailed,
		errclass.Wrap(kind, fmt.Errorf("reconnection exhausted after %d attempts: %w", m.maxAttempts, lastErr)))
}

// reportTerminal surfaces a failure the monitor will not retry.
func (m *Monitor) reportTerminal(id session.ProfileID, err error) {
	kind := errclass.Classify(err)
	m.sink.Emit(string(id), diag.LevelError, "health", errclass.UserMessage(kind))

	m.mu.Lock()
	cb := m.onFailed
	m.mu.Unlock()
	if cb != nil {
		cb(id, errclass.Wrap(kind, err))
	}
}

// Record returns the health record for a profile.
func (m *Monitor) Record(id session.ProfileID) (HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return HealthRecord{}, false
	}
	return exportRecord(id, rec), true
}

// Records returns a snapshot of every health record.
func (m *Monitor) Records() []HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]HealthRecord, 0, len(m.records))
	for id, rec := range m.records {
		result = append(result, exportRecord(id, rec))
	}
	return result
}

func exportRecord(id session.ProfileID, rec *healthRecord) HealthRecord {
	out := HealthRecord{
		ProfileID:         id,
		Status:            rec.status.String(),
		LastChecked:       rec.lastChecked,
		ReconnectAttempts: rec.attempts,
	}
	if rec.lastErr != nil {
		out.LastError = rec.lastErr.Error()
	}
	return out
}
