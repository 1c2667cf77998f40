// Package rdclient provides the transport-level remote-desktop protocol
// client. It establishes and holds the TCP connection to the desktop
// endpoint (directly or through a tunnel's local port) and probes it for
// liveness; pixel handling happens in the viewer, not here.
package rdclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/deskmux/deskmux/internal/errclass"
	"github.com/deskmux/deskmux/internal/session"
)

const (
	connectTimeout = 10 * time.Second
	probeTimeout   = 5 * time.Second
)

// Client implements session.ProtocolClient over plain TCP.
type Client struct{}

// NewClient creates a Client.
func NewClient() *Client {
	return &Client{}
}

// Connect dials the desktop endpoint and returns a handle holding the
// connection open for the session's lifetime.
func (c *Client) Connect(ctx context.Context, host string, port int, creds session.Credentials) (session.ProtocolHandle, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errclass.Wrap(errclass.Classify(err), fmt.Errorf("dial %s: %w", addr, err))
	}
	return &Handle{addr: addr, conn: conn}, nil
}

// Handle is one held desktop connection.
type Handle struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Ping verifies the endpoint still accepts connections. The held connection
// alone cannot prove the remote side is healthy (a dead peer looks idle), so
// the probe dials a short-lived second connection.
func (h *Handle) Ping(ctx context.Context) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errclass.New(errclass.KindProtocolError, "handle closed")
	}

	dialer := &net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return errclass.Wrap(errclass.Classify(err), fmt.Errorf("probe %s: %w", h.addr, err))
	}
	return conn.Close()
}

// Disconnect closes the held connection. Idempotent.
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}
