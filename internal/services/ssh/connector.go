package ssh

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Service defines the interface for opening sessions, directly or through a
// relay session.
type Service interface {
	Connect(ctx context.Context, target models.HostSpec) (Session, error)
	ConnectVia(ctx context.Context, parent Session, target models.HostSpec) (Session, error)
	DialThrough(ctx context.Context, parent Session, host string, port int) (net.Conn, error)
}

// Connector implements the SSH Service interface.
type Connector struct {
	dialer         TransportDialer
	clientFactory  ClientFactory
	timeouts       models.Timeouts
	knownHostsPath string
	logger         zerolog.Logger
}

// New creates a new connector.
func New(logger zerolog.Logger, timeouts models.Timeouts, knownHostsPath string) *Connector {
	return &Connector{
		dialer:         &net.Dialer{Timeout: timeouts.Connect},
		clientFactory:  &DefaultClientFactory{},
		timeouts:       timeouts,
		knownHostsPath: knownHostsPath,
		logger:         logger,
	}
}

// NewWithFactories creates a new connector with a custom dialer and client factory (for testing).
func NewWithFactories(
	logger zerolog.Logger,
	timeouts models.Timeouts,
	knownHostsPath string,
	dialer TransportDialer,
	factory ClientFactory,
) *Connector {
	return &Connector{
		dialer:         dialer,
		clientFactory:  factory,
		timeouts:       timeouts,
		knownHostsPath: knownHostsPath,
		logger:         logger,
	}
}

// Connect dials target directly and authenticates.
func (c *Connector) Connect(ctx context.Context, target models.HostSpec) (Session, error) {
	sshConfig, err := c.buildConfig(target)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("host", target.Name).
		Str("addr", target.Addr()).
		Str("user", target.User).
		Msg("dialing")

	dialCtx := ctx
	if c.timeouts.Connect > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeouts.Connect)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(dialCtx, "tcp", target.Addr())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, classifyDialError(err, "", target.Name, false)
	}

	return c.open(ctx, conn, target, "", sshConfig)
}

// ConnectVia opens a forwarded channel to target through parent and
// authenticates over it.
func (c *Connector) ConnectVia(ctx context.Context, parent Session, target models.HostSpec) (Session, error) {
	sshConfig, err := c.buildConfig(target)
	if err != nil {
		return nil, err
	}

	conn, err := c.DialThrough(ctx, parent, target.Host, target.Port)
	if err != nil {
		return nil, err
	}

	return c.open(ctx, conn, target, parent.Name(), sshConfig)
}

// DialThrough opens a forwarded connection to host:port over parent's
// encrypted session.
func (c *Connector) DialThrough(ctx context.Context, parent Session, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.logger.Debug().
		Str("via", parent.Name()).
		Str("addr", addr).
		Msg("opening forwarded channel")

	dialCtx := ctx
	if c.timeouts.ChannelOpen > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeouts.ChannelOpen)
		defer cancel()
	}

	conn, err := parent.Dial(dialCtx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, classifyDialError(err, parent.Name(), host, errors.Is(err, ErrSessionClosed))
	}
	return conn, nil
}

func (c *Connector) open(
	ctx context.Context,
	conn net.Conn,
	target models.HostSpec,
	via string,
	sshConfig *ssh.ClientConfig,
) (Session, error) {
	start := time.Now()
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout(c.timeouts))
	defer cancel()

	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := c.clientFactory.NewClient(conn, target.Addr(), sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	select {
	case <-hsCtx.Done():
		_ = conn.Close()
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, withVia(classifyHandshakeError(hsCtx.Err(), target.Name), via)
	case res := <-clientChan:
		if res.err != nil {
			_ = conn.Close()
			return nil, withVia(classifyHandshakeError(res.err, target.Name), via)
		}
		c.logger.Debug().
			Str("host", target.Name).
			Str("via", via).
			Dur("elapsed", time.Since(start)).
			Msg("authenticated")
		return newClientSession(target.Name, res.client, c.logger), nil
	}
}

func withVia(err error, via string) error {
	var te *TunnelError
	if errors.As(err, &te) {
		te.Via = via
	}
	return err
}
