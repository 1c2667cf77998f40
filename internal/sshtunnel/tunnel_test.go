package sshtunnel

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/deskmux/deskmux/internal/session"
)

const testPassword = "hunter2"

// startTestSSHServer starts a minimal SSH server with password auth that
// handles direct-tcpip channel requests (used by ssh.Client.Dial).
func startTestSSHServer(t *testing.T) (host string, port int, cleanup func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
			if string(password) != testPassword {
				return nil, fmt.Errorf("wrong password for %s", conn.User())
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ssh server listen: %v", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, cfg)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { listener.Close() }
}

func serveSSHConn(netConn net.Conn, cfg *gossh.ServerConfig) {
	defer netConn.Close()

	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()

	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go serveDirectTCPIP(newChan)
	}
}

// directTCPIPData matches the SSH wire format for direct-tcpip extra data.
type directTCPIPData struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func serveDirectTCPIP(newChan gossh.NewChannel) {
	var data directTCPIPData
	if err := gossh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "invalid payload")
		return
	}

	dest, err := net.Dial("tcp", net.JoinHostPort(data.DestHost, strconv.Itoa(int(data.DestPort))))
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, err.Error())
		return
	}
	defer dest.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go gossh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, dest); done <- struct{}{} }()
	go func() { io.Copy(dest, ch); done <- struct{}{} }()
	<-done
}

// startEchoServer starts a TCP echo server on an ephemeral port.
func startEchoServer(t *testing.T) (port int, cleanup func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port, func() { l.Close() }
}

// freePort grabs an ephemeral port and releases it for the tunnel to bind.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func testSpec(t *testing.T, sshHost string, sshPort, targetPort int) session.TunnelSpec {
	t.Helper()
	return session.TunnelSpec{
		LocalPort:  freePort(t),
		SSHHost:    sshHost,
		SSHPort:    sshPort,
		TargetHost: "127.0.0.1",
		TargetPort: targetPort,
		Credentials: session.Credentials{
			Username: "operator",
			Password: testPassword,
		},
	}
}

func TestTunnelForwardsTraffic(t *testing.T) {
	sshHost, sshPort, stopSSH := startTestSSHServer(t)
	defer stopSSH()
	echoPort, stopEcho := startEchoServer(t)
	defer stopEcho()

	spec := testSpec(t, sshHost, sshPort, echoPort)
	tun, err := NewOpener().Open(context.Background(), spec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tun.Close()

	if tun.LocalPort() != spec.LocalPort {
		t.Errorf("LocalPort = %d, want %d", tun.LocalPort(), spec.LocalPort)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", spec.LocalPort), 5*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, "round trip"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "round trip\n" {
		t.Errorf("echoed %q, want %q", line, "round trip\n")
	}
}

func TestTunnelAliveAndClose(t *testing.T) {
	sshHost, sshPort, stopSSH := startTestSSHServer(t)
	defer stopSSH()
	echoPort, stopEcho := startEchoServer(t)
	defer stopEcho()

	tun, err := NewOpener().Open(context.Background(), testSpec(t, sshHost, sshPort, echoPort))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if !tun.Alive() {
		t.Error("fresh tunnel should be alive")
	}
	if err := tun.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if tun.Alive() {
		t.Error("closed tunnel should not be alive")
	}
	if err := tun.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestOpenRejectsBadPassword(t *testing.T) {
	sshHost, sshPort, stopSSH := startTestSSHServer(t)
	defer stopSSH()

	spec := testSpec(t, sshHost, sshPort, 5900)
	spec.Credentials.Password = "wrong"

	if _, err := NewOpener().Open(context.Background(), spec); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestOpenHonorsCancelledContext(t *testing.T) {
	sshHost, sshPort, stopSSH := startTestSSHServer(t)
	defer stopSSH()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewOpener().Open(ctx, testSpec(t, sshHost, sshPort, 5900)); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
