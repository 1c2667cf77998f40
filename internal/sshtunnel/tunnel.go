// Package sshtunnel provides the SSH-backed tunnel transport. Each tunnel is
// a local listener on a leased port forwarding connections to the remote
// desktop endpoint through one SSH client connection.
package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/deskmux/deskmux/internal/logutil"
	"github.com/deskmux/deskmux/internal/session"
)

const dialTimeout = 10 * time.Second

// Opener implements session.TunnelOpener over SSH port forwarding.
type Opener struct{}

// NewOpener creates an Opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Open dials the SSH endpoint and starts a local forward listener on
// spec.LocalPort. The returned tunnel owns both the listener and the SSH
// client; closing it releases both.
func (o *Opener) Open(ctx context.Context, spec session.TunnelSpec) (session.Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User: spec.Credentials.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(spec.Credentials.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(spec.SSHHost, fmt.Sprintf("%d", spec.SSHPort))

	// ssh.Dial has no context variant; run it in a goroutine so caller
	// cancellation is honored.
	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, config)
	}()

	select {
	case <-ctx.Done():
		go func() {
			<-dialDone
			if client != nil {
				client.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), ctx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), dialErr)
		}
	}

	listenAddr := fmt.Sprintf("127.0.0.1:%d", spec.LocalPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	forwardCtx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		localPort: spec.LocalPort,
		target:    net.JoinHostPort(spec.TargetHost, fmt.Sprintf("%d", spec.TargetPort)),
		client:    client,
		listener:  listener,
		cancel:    cancel,
	}
	go t.acceptLoop(forwardCtx)

	log.Printf("[tunnel] forward tunnel up: local:%d -> %s via %s",
		spec.LocalPort, logutil.SanitizeForLog(t.target), logutil.SanitizeForLog(addr))
	return t, nil
}

// Tunnel is one running forward tunnel.
type Tunnel struct {
	localPort int
	target    string

	client   *ssh.Client
	listener net.Listener
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// LocalPort returns the local listener port.
func (t *Tunnel) LocalPort() int { return t.localPort }

// Alive probes the SSH transport with a keepalive request. A closed tunnel
// is never alive.
func (t *Tunnel) Alive() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	client := t.client
	t.mu.Unlock()

	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close shuts down the listener and the SSH client. Idempotent.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	err := t.listener.Close()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// acceptLoop forwards each local connection to the target through SSH.
func (t *Tunnel) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Deadline so context cancellation is noticed between connections.
		if dl, ok := t.listener.(*net.TCPListener); ok {
			dl.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[tunnel] accept error on local:%d: %v", t.localPort, err)
			return
		}

		remote, err := t.client.Dial("tcp", t.target)
		if err != nil {
			log.Printf("[tunnel] SSH dial to %s failed: %v", logutil.SanitizeForLog(t.target), err)
			conn.Close()
			continue
		}

		go bidirectionalCopy(ctx, conn, remote)
	}
}

// bidirectionalCopy pipes data between two connections until one side closes
// or errors.
func bidirectionalCopy(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	// Wait for the second copy to finish
	<-done
}
