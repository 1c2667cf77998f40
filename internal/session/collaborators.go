// collaborators.go declares the external capabilities the registry depends
// on. The remote-desktop wire protocol and the tunnel transport are opaque:
// the core only drives connect/disconnect and consumes their outcomes.

package session

import "context"

// ProfileInfo is the read-only connection configuration for one target.
type ProfileInfo struct {
	ID       ProfileID
	Name     string
	Host     string // remote-desktop host
	Port     int    // remote-desktop port
	SSHHost  string // tunnel endpoint; empty means connect directly
	SSHPort  int
	Username string
	// OTPRequired marks profiles whose authentication needs a one-time
	// password on top of the stored credentials.
	OTPRequired bool
}

// TunnelRequired reports whether connections to this profile go through a
// tunnel endpoint.
func (p ProfileInfo) TunnelRequired() bool { return p.SSHHost != "" }

// Credentials carries the secrets for one connection attempt. OTP is set
// only for the attempt it was supplied for and is never persisted.
type Credentials struct {
	Username string
	Password string
	OTP      string
}

// ProfileStore is the read-only profile/credential lookup collaborator.
type ProfileStore interface {
	Profile(ctx context.Context, id ProfileID) (ProfileInfo, error)
	Credentials(ctx context.Context, id ProfileID) (Credentials, error)
}

// TunnelSpec describes one desired tunnel: a local listener on LocalPort
// forwarding to TargetHost:TargetPort through the SSH endpoint.
type TunnelSpec struct {
	LocalPort   int
	SSHHost     string
	SSHPort     int
	TargetHost  string
	TargetPort  int
	Credentials Credentials
}

// Tunnel is a running tunnel owned by the opener.
type Tunnel interface {
	LocalPort() int
	// Alive probes the underlying transport. The resilience monitor only
	// attempts session reconnection while the tunnel reports alive.
	Alive() bool
	Close() error
}

// TunnelOpener is the tunnel transport collaborator.
type TunnelOpener interface {
	Open(ctx context.Context, spec TunnelSpec) (Tunnel, error)
}

// ProtocolHandle is one established remote-desktop connection. A handle
// belongs to exactly one session generation and is never reused across
// generations.
type ProtocolHandle interface {
	// Ping verifies the connection end to end; used as the health probe.
	Ping(ctx context.Context) error
	Disconnect() error
}

// ProtocolClient is the remote-desktop protocol collaborator.
type ProtocolClient interface {
	Connect(ctx context.Context, host string, port int, creds Credentials) (ProtocolHandle, error)
}
