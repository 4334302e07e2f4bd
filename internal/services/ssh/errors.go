package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrAuthenticationFailed is wrapped by every AuthError.
	ErrAuthenticationFailed = errors.New("SSH authentication failed")
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("SSH session is closed")
)

// AuthError reports a rejected credential or unusable key. Never retried.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuthenticationFailed, e.Err} }

// HostKeyError reports a host key that does not match known_hosts.
type HostKeyError struct {
	Host string
	Err  error
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key verification for %s failed: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

// TunnelErrorKind classifies a failure to reach a host through a relay.
type TunnelErrorKind string

// Tunnel error kinds.
const (
	TunnelParentClosed TunnelErrorKind = "parent_closed"
	TunnelUnreachable  TunnelErrorKind = "unreachable"
	TunnelTimeout      TunnelErrorKind = "timeout"
)

// TunnelError reports a failure to open a transport to Target. Via is empty
// for a direct dial.
type TunnelError struct {
	Kind   TunnelErrorKind
	Via    string
	Target string
	Err    error
}

func (e *TunnelError) Error() string {
	if e.Via == "" {
		return fmt.Sprintf("dial %s: %s: %v", e.Target, e.Kind, e.Err)
	}
	return fmt.Sprintf("dial %s via %s: %s: %v", e.Target, e.Via, e.Kind, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// CommandError reports a command that could not be run to completion. Soft
// for shutdown commands.
type CommandError struct {
	Host    string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q on %s: %v", e.Command, e.Host, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsTunnelError reports whether err is a TunnelError of the given kind.
func IsTunnelError(err error, kind TunnelErrorKind) bool {
	var te *TunnelError
	return errors.As(err, &te) && te.Kind == kind
}

func classifyDialError(err error, via, target string, parentClosed bool) error {
	kind := TunnelUnreachable
	var openErr *ssh.OpenChannelError
	var netErr net.Error
	switch {
	case parentClosed, errors.Is(err, ErrSessionClosed):
		kind = TunnelParentClosed
	case errors.As(err, &openErr):
		kind = TunnelUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		kind = TunnelTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = TunnelTimeout
	case via != "" && isConnectionClosed(err):
		kind = TunnelParentClosed
	}
	return &TunnelError{Kind: kind, Via: via, Target: target, Err: err}
}

func classifyHandshakeError(err error, host string) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) || strings.Contains(err.Error(), "knownhosts: key") {
		return &HostKeyError{Host: host, Err: err}
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return &AuthError{Host: host, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TunnelError{Kind: TunnelTimeout, Target: host, Err: err}
	}
	return &TunnelError{Kind: TunnelUnreachable, Target: host, Err: fmt.Errorf("handshake: %w", err)}
}

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection already closed")
}
