// registry.go implements the session registry, the single source of truth
// for session lifecycle state.
//
// All state mutation happens under one mutex so concurrent callers observe a
// total order per profile; this is the invariant protecting against the
// "two clients for one profile" and "double-leased port" bug classes.
// Side-effect notifications (transition and cleanup callbacks) fire outside
// the lock so listeners can safely call back into the registry.

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskmux/deskmux/internal/diag"
	"github.com/deskmux/deskmux/internal/errclass"
	"github.com/deskmux/deskmux/internal/ports"
)

// RemoteSession is the per-profile state holder. Owned exclusively by the
// Registry; external code sees SessionInfo snapshots.
type RemoteSession struct {
	profileID  ProfileID
	generation string // one protocol-handle generation per Idle→Connecting cycle
	state      State

	lease  *ports.Lease
	tunnel Tunnel
	handle ProtocolHandle

	// Connect target and credentials, retained for monitor-driven
	// reconnection within the same generation.
	connectHost string
	connectPort int
	creds       Credentials

	createdAt        time.Time
	lastTransitionAt time.Time
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	ProfileID        ProfileID `json:"profile_id"`
	Generation       string    `json:"generation"`
	State            string    `json:"state"`
	Port             int       `json:"port,omitempty"` // leased tunnel port, 0 if none
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// TransitionCallback is invoked after every applied lifecycle transition.
// Callbacks run outside the registry lock and may call back into it.
type TransitionCallback func(id ProfileID, from, to State, reason string)

// CleanupCallback is invoked after a session's cleanup completed.
type CleanupCallback func(id ProfileID)

// Registry owns the profile-to-session mapping and enforces at-most-one
// session per profile.
type Registry struct {
	mu       sync.Mutex
	sessions map[ProfileID]*RemoteSession
	history  *historyLog

	allocator *ports.Allocator
	store     ProfileStore
	tunnels   TunnelOpener
	protocol  ProtocolClient
	sink      *diag.Sink

	cbMu          sync.RWMutex
	transitionCbs []TransitionCallback
	cleanupCbs    []CleanupCallback
}

// NewRegistry creates a Registry with its collaborators injected.
func NewRegistry(allocator *ports.Allocator, store ProfileStore, tunnels TunnelOpener, protocol ProtocolClient, sink *diag.Sink) *Registry {
	return &Registry{
		sessions:  make(map[ProfileID]*RemoteSession),
		history:   newHistoryLog(),
		allocator: allocator,
		store:     store,
		tunnels:   tunnels,
		protocol:  protocol,
		sink:      sink,
	}
}

// OnTransition registers a callback fired on every applied transition.
func (r *Registry) OnTransition(cb TransitionCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.transitionCbs = append(r.transitionCbs, cb)
}

// OnCleanup registers a callback fired after a session has been cleaned up.
func (r *Registry) OnCleanup(cb CleanupCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.cleanupCbs = append(r.cleanupCbs, cb)
}

func (r *Registry) notifyTransition(id ProfileID, from, to State, reason string) {
	r.cbMu.RLock()
	cbs := make([]TransitionCallback, len(r.transitionCbs))
	copy(cbs, r.transitionCbs)
	r.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(id, from, to, reason)
	}
}

func (r *Registry) notifyCleanup(id ProfileID) {
	r.cbMu.RLock()
	cbs := make([]CleanupCallback, len(r.cleanupCbs))
	copy(cbs, r.cleanupCbs)
	r.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(id)
	}
}

// applyLocked applies one event to the session. Invalid edges are dropped
// with a diagnostic. Caller must hold r.mu.
func (r *Registry) applyLocked(sess *RemoteSession, ev Event, reason string) (from, to State, applied bool) {
	from = sess.state
	to, applied = nextState(from, ev)
	if !applied {
		r.sink.Emit(string(sess.profileID), diag.LevelWarn, "lifecycle",
			fmt.Sprintf("dropped invalid edge %s in state %s", ev, from))
		return from, from, false
	}
	sess.state = to
	sess.lastTransitionAt = time.Now()
	r.history.record(sess.profileID, Transition{
		From:      from,
		To:        to,
		Event:     ev,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return from, to, true
}

// cleanupLocked releases every resource owned by the session and removes it
// from the registry. Idempotent: re-entrant calls after cleanup already ran
// find no session and return. The port lease is released here and nowhere
// else, so a port only frees up once its session fully reached Idle.
// Caller must hold r.mu.
func (r *Registry) cleanupLocked(id ProfileID) bool {
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	if sess.lease != nil {
		r.allocator.Release(sess.lease.Port)
		sess.lease = nil
	}
	if sess.tunnel != nil {
		sess.tunnel.Close()
		sess.tunnel = nil
	}
	if sess.handle != nil {
		sess.handle.Disconnect()
		sess.handle = nil
	}
	sess.creds = Credentials{}
	delete(r.sessions, id)
	return true
}

// acquire returns the generation of a live session (fresh=false), or tears
// down any stale session and creates a fresh Idle→Connecting one
// (fresh=true). Never yields two live sessions for the same profile.
func (r *Registry) acquire(id ProfileID) (generation string, fresh bool) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		if sess.state.Live() {
			gen := sess.generation
			r.mu.Unlock()
			return gen, false
		}
		// Stale: Disconnecting with its handle already gone, or
		// ClosedPendingCleanup. Tear down synchronously before rebuilding.
		r.history.record(id, Transition{
			From: sess.state, To: StateIdle, Event: EventDisconnected,
			Reason: "stale session torn down by acquire", Timestamp: time.Now(),
		})
		r.cleanupLocked(id)
	}

	sess := &RemoteSession{
		profileID:  id,
		generation: uuid.NewString(),
		state:      StateIdle,
		createdAt:  time.Now(),
	}
	r.sessions[id] = sess
	gen := sess.generation
	from, to, _ := r.applyLocked(sess, EventConnectRequested, "connect requested")
	r.mu.Unlock()

	r.notifyTransition(id, from, to, "connect requested")
	return gen, true
}

// abortConnect fails a pending connect attempt for the given generation and
// returns the classified error. A stale generation is ignored.
func (r *Registry) abortConnect(id ProfileID, generation string, err error) error {
	kind := errclass.Classify(err)
	classified := errclass.Wrap(kind, err)

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.generation != generation {
		r.mu.Unlock()
		return classified
	}
	from, to, applied := r.applyLocked(sess, EventConnectFailed, err.Error())
	cleaned := false
	if applied && to == StateIdle {
		cleaned = r.cleanupLocked(id)
	}
	r.mu.Unlock()

	if applied {
		r.notifyTransition(id, from, to, err.Error())
	}
	if cleaned {
		r.notifyCleanup(id)
	}
	r.sink.Emit(string(id), diag.LevelError, "connect", errclass.UserMessage(kind)+": "+err.Error())
	return classified
}

// Connect drives the full connect sequence for one profile: acquire, port
// lease and tunnel when the profile requires one, then the protocol connect.
// A profile that already has a live session returns immediately with nil.
// The otp argument is injected into the credentials for this attempt only.
func (r *Registry) Connect(ctx context.Context, id ProfileID, otp string) error {
	generation, fresh := r.acquire(id)
	if !fresh {
		r.sink.Emit(string(id), diag.LevelDebug, "connect", "already live, acquire returned existing session")
		return nil
	}

	profile, err := r.store.Profile(ctx, id)
	if err != nil {
		return r.abortConnect(id, generation, fmt.Errorf("lookup profile: %w", err))
	}
	creds, err := r.store.Credentials(ctx, id)
	if err != nil {
		return r.abortConnect(id, generation, fmt.Errorf("lookup credentials: %w", err))
	}
	creds.OTP = otp

	host, port := profile.Host, profile.Port
	var lease *ports.Lease
	var tun Tunnel
	if profile.TunnelRequired() {
		l, err := r.allocator.Lease(string(id))
		if err != nil {
			return r.abortConnect(id, generation, err)
		}
		lease = &l

		r.sink.Emit(string(id), diag.LevelDebug, "tunnel",
			fmt.Sprintf("leased local port %d for %s:%d", l.Port, profile.SSHHost, profile.SSHPort))

		tun, err = r.tunnels.Open(ctx, TunnelSpec{
			LocalPort:   l.Port,
			SSHHost:     profile.SSHHost,
			SSHPort:     profile.SSHPort,
			TargetHost:  profile.Host,
			TargetPort:  profile.Port,
			Credentials: creds,
		})
		if err != nil {
			r.allocator.Release(l.Port)
			return r.abortConnect(id, generation, errclass.Wrap(errclass.KindTunnelFailed, err))
		}
		host, port = "127.0.0.1", l.Port
	}

	if !r.attachTransport(id, generation, lease, tun) {
		if tun != nil {
			tun.Close()
		}
		if lease != nil {
			r.allocator.Release(lease.Port)
		}
		return errclass.New(errclass.KindCancelled, "session superseded during connect")
	}

	handle, err := r.protocol.Connect(ctx, host, port, creds)
	if err != nil {
		return r.abortConnect(id, generation, err)
	}

	if !r.commitConnected(id, generation, handle, host, port, creds) {
		handle.Disconnect()
		return errclass.New(errclass.KindCancelled, "session superseded during connect")
	}
	r.sink.Emit(string(id), diag.LevelInfo, "connect", "session connected")
	return nil
}

// attachTransport stores the lease and tunnel on the session if the
// generation is still current. Returns false if the session was superseded.
func (r *Registry) attachTransport(id ProfileID, generation string, lease *ports.Lease, tun Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || sess.generation != generation {
		return false
	}
	sess.lease = lease
	sess.tunnel = tun
	return true
}

// commitConnected applies the external connected event and stores the
// protocol handle. Returns false if the session was superseded mid-connect.
func (r *Registry) commitConnected(id ProfileID, generation string, handle ProtocolHandle, host string, port int, creds Credentials) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.generation != generation {
		r.mu.Unlock()
		return false
	}
	sess.handle = handle
	sess.connectHost = host
	sess.connectPort = port
	sess.creds = creds
	from, to, applied := r.applyLocked(sess, EventConnected, "external: connected")
	r.mu.Unlock()

	if applied {
		r.notifyTransition(id, from, to, "external: connected")
	}
	return applied
}

// Transition applies a single lifecycle event. Invalid edges for the current
// state are dropped with a diagnostic, never an error. Reaching Idle from a
// non-Idle state runs cleanup.
func (r *Registry) Transition(id ProfileID, ev Event, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.sink.Emit(string(id), diag.LevelDebug, "lifecycle",
			fmt.Sprintf("dropped event %s: no session", ev))
		return
	}
	from, to, applied := r.applyLocked(sess, ev, reason)
	cleaned := false
	if applied && to == StateIdle {
		cleaned = r.cleanupLocked(id)
	}
	r.mu.Unlock()

	if applied {
		r.notifyTransition(id, from, to, reason)
	}
	if cleaned {
		r.notifyCleanup(id)
	}
}

// MarkWindowOpened reflects the session's window gaining foreground focus.
func (r *Registry) MarkWindowOpened(id ProfileID) {
	r.Transition(id, EventWindowOpened, "window opened")
}

// MarkWindowClosed tears the session down when it is Connected or Active.
// Closing the window of an already-idle session is a no-op.
func (r *Registry) MarkWindowClosed(id ProfileID) {
	r.shutdown(id, EventWindowClosed, "window closed")
}

// Disconnect is the user-initiated teardown. Calling it twice in a row, or
// on an idle profile, has the same observable effect as calling it once.
func (r *Registry) Disconnect(id ProfileID) {
	r.shutdown(id, EventDisconnectRequested, "disconnect requested")
}

// shutdown moves a live session to Disconnecting, requests external
// teardown, and completes the transition to Idle. The disconnected event is
// self-reported once teardown returns; a duplicate event from an external
// collaborator is later dropped as an invalid edge.
func (r *Registry) shutdown(id ProfileID, ev Event, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sess.state == StateDisconnecting {
		r.mu.Unlock()
		return
	}
	from, to, applied := r.applyLocked(sess, ev, reason)
	if !applied {
		r.mu.Unlock()
		return
	}
	handle := sess.handle
	sess.handle = nil
	tun := sess.tunnel
	sess.tunnel = nil
	r.mu.Unlock()

	r.notifyTransition(id, from, to, reason)

	if handle != nil {
		if err := handle.Disconnect(); err != nil {
			r.sink.Emit(string(id), diag.LevelWarn, "disconnect", "protocol teardown: "+err.Error())
		}
	}
	if tun != nil {
		tun.Close()
	}
	r.Transition(id, EventDisconnected, "teardown complete")
}

// State returns the lifecycle state for a profile. Profiles without a
// session are Idle.
func (r *Registry) State(id ProfileID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return StateIdle
	}
	return sess.state
}

// Has reports whether a session currently exists for the profile.
func (r *Registry) Has(id ProfileID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// ActiveProfileIDs returns the profiles whose sessions are Connected or
// Active: the externally-visible "ready" set.
func (r *Registry) ActiveProfileIDs() []ProfileID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []ProfileID
	for id, sess := range r.sessions {
		if sess.state == StateConnected || sess.state == StateActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sessions returns a snapshot of every current session.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		result = append(result, snapshotLocked(sess))
	}
	return result
}

// Info returns a snapshot of one session.
func (r *Registry) Info(id ProfileID) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return snapshotLocked(sess), true
}

func snapshotLocked(sess *RemoteSession) SessionInfo {
	info := SessionInfo{
		ProfileID:        sess.profileID,
		Generation:       sess.generation,
		State:            sess.state.String(),
		CreatedAt:        sess.createdAt,
		LastTransitionAt: sess.lastTransitionAt,
	}
	if sess.lease != nil {
		info.Port = sess.lease.Port
	}
	return info
}

// History returns the transition history for a profile, oldest first.
func (r *Registry) History(id ProfileID) []Transition {
	return r.history.history(id)
}

// Ping runs the protocol-level health probe for a session.
func (r *Registry) Ping(ctx context.Context, id ProfileID) error {
	r.mu.Lock()
	var handle ProtocolHandle
	if sess, ok := r.sessions[id]; ok {
		handle = sess.handle
	}
	r.mu.Unlock()

	if handle == nil {
		return errclass.New(errclass.KindProtocolError, "no live protocol handle")
	}
	return handle.Ping(ctx)
}

// TunnelAlive probes the session's tunnel transport. Sessions connected
// directly (no tunnel) report alive: there is no tunnel to have died.
func (r *Registry) TunnelAlive(id ProfileID) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	var tun Tunnel
	if ok {
		tun = sess.tunnel
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if tun == nil {
		return true
	}
	return tun.Alive()
}

// Reconnect redials the protocol for an existing session within its current
// generation, reusing the stored target and credentials. Used by the
// resilience monitor; the tunnel is left untouched.
func (r *Registry) Reconnect(ctx context.Context, id ProfileID) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errclass.New(errclass.KindCancelled, "no session to reconnect")
	}
	generation := sess.generation
	host, port, creds := sess.connectHost, sess.connectPort, sess.creds
	old := sess.handle
	sess.handle = nil
	r.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	handle, err := r.protocol.Connect(ctx, host, port, creds)
	if err != nil {
		return err
	}

	r.mu.Lock()
	sess, ok = r.sessions[id]
	if !ok || sess.generation != generation {
		r.mu.Unlock()
		handle.Disconnect()
		return errclass.New(errclass.KindCancelled, "session superseded during reconnect")
	}
	sess.handle = handle
	r.mu.Unlock()

	r.sink.Emit(string(id), diag.LevelInfo, "reconnect", "protocol handle re-established")
	return nil
}

// HandleExternalFailure is invoked on a terminal collaborator failure. The
// session drops to Idle and is cleaned up from any state.
func (r *Registry) HandleExternalFailure(id ProfileID, err error) {
	reason := "external: failed"
	if err != nil {
		reason = "external: " + err.Error()
		kind := errclass.Classify(err)
		r.sink.Emit(string(id), diag.LevelError, "failure", errclass.UserMessage(kind)+": "+err.Error())
	}
	r.Transition(id, EventFailed, reason)
}

// CloseAll tears down every session. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]ProfileID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}
