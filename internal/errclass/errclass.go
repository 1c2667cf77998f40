// Package errclass defines the closed error taxonomy surfaced by the
// orchestration core. Raw collaborator errors are classified into one of a
// fixed set of kinds; the raw error is preserved for diagnostics while the
// kind drives retry policy and user-facing messages.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind identifies a category of failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindPortExhausted
	KindTunnelFailed
	KindAuthFailed
	KindNetworkUnreachable
	KindProtocolError
	KindTimeout
	KindCancelled
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPortExhausted:
		return "port_exhausted"
	case KindTunnelFailed:
		return "tunnel_failed"
	case KindAuthFailed:
		return "auth_failed"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindProtocolError:
		return "protocol_error"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a static message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind attached to err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Classify derives a kind from a raw collaborator error. An already
// classified error keeps its kind. Unrecognized errors map to KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if k := KindOf(err); k != KindUnknown {
		return k
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return KindNetworkUnreachable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "auth"):
		return KindAuthFailed
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return KindNetworkUnreachable
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "unexpected"), strings.Contains(msg, "protocol"):
		return KindProtocolError
	}
	return KindUnknown
}

// Transient reports whether failures of this kind are worth retrying.
// Authentication rejections are never transient.
func Transient(kind Kind) bool {
	switch kind {
	case KindNetworkUnreachable, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// UserMessage returns the user-facing description attached to a terminal
// failure of the given kind.
func UserMessage(kind Kind) string {
	switch kind {
	case KindPortExhausted:
		return "No local port available for the tunnel"
	case KindTunnelFailed:
		return "Secure tunnel could not be established"
	case KindAuthFailed:
		return "Authentication failed: check password or OTP"
	case KindNetworkUnreachable:
		return "No route to host"
	case KindProtocolError:
		return "The remote desktop sent an unexpected response"
	case KindTimeout:
		return "Connection timed out"
	case KindCancelled:
		return "Connection cancelled"
	default:
		return "Connection failed"
	}
}
