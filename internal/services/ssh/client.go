// Package ssh provides authenticated SSH sessions that can be stacked into
// multi-hop tunnels.
package ssh

import (
	"context"
	"io"
	"net"

	"golang.org/x/crypto/ssh"
)

// SSHClient wraps ssh.Client for mocking. Implementations must be safe for
// concurrent use, as *ssh.Client is.
type SSHClient interface {
	NewSession() (SSHSession, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	RequestPty(term string, h, w int, modes ssh.TerminalModes) error
	StdinPipe() (io.WriteCloser, error)
	SetOutput(stdout, stderr io.Writer)
	Run(cmd string) error
	Close() error
}

// ClientFactory runs the SSH handshake over an already open transport.
type ClientFactory interface {
	NewClient(conn net.Conn, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// TransportDialer opens the first hop. *net.Dialer satisfies it.
type TransportDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client on top of conn.
func (f *DefaultClientFactory) NewClient(conn net.Conn, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.client.DialContext(ctx, network, addr)
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) RequestPty(term string, h, w int, modes ssh.TerminalModes) error {
	return s.session.RequestPty(term, h, w, modes)
}

func (s *defaultSSHSession) StdinPipe() (io.WriteCloser, error) {
	return s.session.StdinPipe()
}

func (s *defaultSSHSession) SetOutput(stdout, stderr io.Writer) {
	s.session.Stdout = stdout
	s.session.Stderr = stderr
}

func (s *defaultSSHSession) Run(cmd string) error {
	return s.session.Run(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}
