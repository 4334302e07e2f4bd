package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Session is an authenticated single-hop connection to one host. It does not
// know how many hops its transport went through.
type Session interface {
	// Name is the host name the session was opened for.
	Name() string
	// Run executes one command and collects its exit status and output.
	Run(ctx context.Context, cmd string, opts RunOptions) (*models.CommandResult, error)
	// Dial opens a forwarded connection to addr through this host.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Close releases the session. Every session tunneled through it stops
	// working.
	Close() error
}

// RunOptions controls how a command is run.
type RunOptions struct {
	Sudo         bool
	SudoPassword string
	PTY          bool
}

type clientSession struct {
	name   string
	client SSHClient
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientSession(name string, client SSHClient, logger zerolog.Logger) *clientSession {
	return &clientSession{
		name:   name,
		client: client,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (s *clientSession) Name() string { return s.name }

func (s *clientSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *clientSession) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	conn, err := s.client.DialContext(ctx, network, addr)
	if err != nil && ctx.Err() == nil && s.isClosed() {
		return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return conn, err
}

// newSession opens a session channel, bounded by ctx. A channel that opens
// after ctx is done is closed.
func (s *clientSession) newSession(ctx context.Context) (SSHSession, error) {
	type opened struct {
		session SSHSession
		err     error
	}
	openChan := make(chan opened, 1)
	go func() {
		session, err := s.client.NewSession()
		openChan <- opened{session, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-openChan; res.session != nil {
				_ = res.session.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-openChan:
		return res.session, res.err
	}
}

func (s *clientSession) Run(ctx context.Context, cmd string, opts RunOptions) (*models.CommandResult, error) {
	displayCmd := cmd
	if opts.Sudo {
		displayCmd = "sudo -S " + cmd
	}
	result := &models.CommandResult{Command: displayCmd, ExitCode: -1}

	if s.isClosed() {
		return result, &CommandError{Host: s.name, Command: displayCmd, Err: ErrSessionClosed}
	}

	session, err := s.newSession(ctx)
	if err != nil {
		return result, &CommandError{Host: s.name, Command: displayCmd, Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	if opts.PTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", 40, 120, modes); err != nil {
			return result, &CommandError{Host: s.name, Command: displayCmd, Err: fmt.Errorf("failed to request pty: %w", err)}
		}
	}

	var stdout, stderr bytes.Buffer
	var outW, errW io.Writer = &stdout, &stderr
	remoteCmd := cmd
	var stdin io.WriteCloser
	if opts.Sudo {
		remoteCmd = sudoCommand(cmd)
		stdin, err = session.StdinPipe()
		if err != nil {
			return result, &CommandError{Host: s.name, Command: displayCmd, Err: fmt.Errorf("failed to open stdin: %w", err)}
		}
		responder := newPromptResponder(stdin, opts.SudoPassword)
		outW = responder.watch(&stdout)
		errW = responder.watch(&stderr)
	}
	session.SetOutput(outW, errW)

	s.logger.Debug().Str("host", s.name).Str("command", displayCmd).Msg("running remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(remoteCmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Close()
		result.Duration = time.Since(start)
		return result, &CommandError{Host: s.name, Command: displayCmd, Err: ctx.Err()}
	case runErr = <-done:
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	result.Duration = time.Since(start)
	result.Stdout = cleanOutput(stdout.String(), opts.SudoPassword)
	result.Stderr = cleanOutput(stderr.String(), opts.SudoPassword)

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.As(runErr, &missingErr), isConnectionClosed(runErr):
		result.Disconnected = true
	default:
		return result, &CommandError{Host: s.name, Command: displayCmd, Err: runErr}
	}

	return result, nil
}

func (s *clientSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if cerr := s.client.Close(); cerr != nil && !isConnectionClosed(cerr) {
			err = cerr
		}
		s.logger.Debug().Str("host", s.name).Msg("session closed")
	})
	return err
}

func cleanOutput(out, secret string) string {
	out = strings.ReplaceAll(out, sudoPromptMarker, "")
	if secret != "" {
		out = strings.ReplaceAll(out, secret, "********")
	}
	return strings.TrimSpace(out)
}
