package rdclient

import (
	"context"
	"net"
	"testing"

	"github.com/deskmux/deskmux/internal/errclass"
	"github.com/deskmux/deskmux/internal/session"
)

// startAcceptServer accepts and holds connections on an ephemeral port.
func startAcceptServer(t *testing.T) (port int, cleanup func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	var conns []net.Conn
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				close(done)
				return
			}
			conns = append(conns, conn)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	}
}

func TestConnectAndPing(t *testing.T) {
	port, cleanup := startAcceptServer(t)
	defer cleanup()

	handle, err := NewClient().Connect(context.Background(), "127.0.0.1", port, session.Credentials{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Disconnect()

	if err := handle.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestConnectRefusedIsClassified(t *testing.T) {
	// Grab a port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, err = NewClient().Connect(context.Background(), "127.0.0.1", port, session.Credentials{})
	if err == nil {
		t.Fatal("expected connect error")
	}
	if kind := errclass.KindOf(err); kind != errclass.KindNetworkUnreachable {
		t.Errorf("kind = %s, want network_unreachable", kind)
	}
}

func TestPingFailsWhenEndpointGone(t *testing.T) {
	port, cleanup := startAcceptServer(t)

	handle, err := NewClient().Connect(context.Background(), "127.0.0.1", port, session.Credentials{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Disconnect()

	cleanup()
	if err := handle.Ping(context.Background()); err == nil {
		t.Error("ping against a closed endpoint should fail")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	port, cleanup := startAcceptServer(t)
	defer cleanup()

	handle, err := NewClient().Connect(context.Background(), "127.0.0.1", port, session.Credentials{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
	if err := handle.Disconnect(); err != nil {
		t.Errorf("second Disconnect should be a no-op, got %v", err)
	}
	if err := handle.Ping(context.Background()); err == nil {
		t.Error("ping after disconnect should fail")
	}
}
