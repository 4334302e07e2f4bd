package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Mock implementations
type mockSSHSession struct {
	requestPtyFunc func(term string, h, w int, modes ssh.TerminalModes) error
	stdinPipeFunc  func() (io.WriteCloser, error)
	runFunc        func(cmd string, stdout, stderr io.Writer) error
	closeFunc      func() error

	stdout io.Writer
	stderr io.Writer
}

func (m *mockSSHSession) RequestPty(term string, h, w int, modes ssh.TerminalModes) error {
	if m.requestPtyFunc != nil {
		return m.requestPtyFunc(term, h, w, modes)
	}
	return nil
}

func (m *mockSSHSession) StdinPipe() (io.WriteCloser, error) {
	if m.stdinPipeFunc != nil {
		return m.stdinPipeFunc()
	}
	return &bufferCloser{}, nil
}

func (m *mockSSHSession) SetOutput(stdout, stderr io.Writer) {
	m.stdout = stdout
	m.stderr = stderr
}

func (m *mockSSHSession) Run(cmd string) error {
	if m.runFunc != nil {
		return m.runFunc(cmd, m.stdout, m.stderr)
	}
	return nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	dialFunc       func(ctx context.Context, network, addr string) (net.Conn, error)
	closeFunc      func() error
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if m.dialFunc != nil {
		return m.dialFunc(ctx, network, addr)
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func (m *mockSSHClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type bufferCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferCloser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufferCloser) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func sessionWith(sess *mockSSHSession) *clientSession {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) { return sess, nil },
	}
	return newClientSession("node1", client, testLogger())
}

func TestRun_Success(t *testing.T) {
	var captured string
	sess := &mockSSHSession{
		runFunc: func(cmd string, stdout, _ io.Writer) error {
			captured = cmd
			_, _ = io.WriteString(stdout, "up 3 days\n")
			return nil
		},
	}

	result, err := sessionWith(sess).Run(context.Background(), "uptime", RunOptions{})

	require.NoError(t, err)
	assert.Equal(t, "uptime", captured)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "up 3 days", result.Stdout)
	assert.False(t, result.Disconnected)
}

func TestRun_ConnectionDropped(t *testing.T) {
	sess := &mockSSHSession{
		runFunc: func(string, io.Writer, io.Writer) error {
			return &ssh.ExitMissingError{}
		},
	}

	result, err := sessionWith(sess).Run(context.Background(), "shutdown -h now", RunOptions{})

	require.NoError(t, err)
	assert.True(t, result.Disconnected)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRun_EOFIsDisconnect(t *testing.T) {
	sess := &mockSSHSession{
		runFunc: func(string, io.Writer, io.Writer) error { return io.EOF },
	}

	result, err := sessionWith(sess).Run(context.Background(), "shutdown -h now", RunOptions{})

	require.NoError(t, err)
	assert.True(t, result.Disconnected)
}

func TestRun_OtherErrorIsCommandError(t *testing.T) {
	sess := &mockSSHSession{
		runFunc: func(string, io.Writer, io.Writer) error { return errors.New("exec request rejected") },
	}

	_, err := sessionWith(sess).Run(context.Background(), "uptime", RunOptions{})

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "node1", cmdErr.Host)
	assert.Equal(t, "uptime", cmdErr.Command)
}

func TestRun_NewSessionFailed(t *testing.T) {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) { return nil, errors.New("channel refused") },
	}
	s := newClientSession("node1", client, testLogger())

	_, err := s.Run(context.Background(), "uptime", RunOptions{})

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, err.Error(), "failed to create session")
}

func TestRun_SudoAnswersPromptOnce(t *testing.T) {
	stdin := &bufferCloser{}
	var captured string
	sess := &mockSSHSession{
		stdinPipeFunc: func() (io.WriteCloser, error) { return stdin, nil },
		runFunc: func(cmd string, stdout, stderr io.Writer) error {
			captured = cmd
			// marker split across two writes, then repeated
			_, _ = io.WriteString(stderr, sudoPromptMarker[:5])
			_, _ = io.WriteString(stderr, sudoPromptMarker[5:])
			_, _ = io.WriteString(stderr, sudoPromptMarker)
			_, _ = io.WriteString(stdout, "echoed s3cret back\n")
			return nil
		},
	}

	result, err := sessionWith(sess).Run(context.Background(), "shutdown -h now", RunOptions{
		Sudo:         true,
		SudoPassword: "s3cret",
	})

	require.NoError(t, err)
	assert.Equal(t, "s3cret\n", stdin.String())
	assert.True(t, stdin.closed)
	assert.True(t, strings.HasPrefix(captured, "sudo -S -p "))
	assert.True(t, strings.HasSuffix(captured, " shutdown -h now"))
	assert.Equal(t, "sudo -S shutdown -h now", result.Command)
	assert.NotContains(t, result.Stdout, "s3cret")
	assert.NotContains(t, result.Stderr, sudoPromptMarker)
}

func TestRun_SudoWithoutPromptSendsNothing(t *testing.T) {
	stdin := &bufferCloser{}
	sess := &mockSSHSession{
		stdinPipeFunc: func() (io.WriteCloser, error) { return stdin, nil },
		runFunc: func(_ string, stdout, _ io.Writer) error {
			_, _ = io.WriteString(stdout, "done")
			return nil
		},
	}

	_, err := sessionWith(sess).Run(context.Background(), "shutdown -h now", RunOptions{
		Sudo:         true,
		SudoPassword: "s3cret",
	})

	require.NoError(t, err)
	assert.Empty(t, stdin.String())
}

func TestRun_SudoEmptySecretClosesStdin(t *testing.T) {
	stdin := &bufferCloser{}
	var closedAtPrompt bool
	sess := &mockSSHSession{
		stdinPipeFunc: func() (io.WriteCloser, error) { return stdin, nil },
		runFunc: func(_ string, _, stderr io.Writer) error {
			_, _ = io.WriteString(stderr, sudoPromptMarker)
			closedAtPrompt = stdin.closed
			return nil
		},
	}

	_, err := sessionWith(sess).Run(context.Background(), "shutdown -h now", RunOptions{Sudo: true})

	require.NoError(t, err)
	assert.True(t, closedAtPrompt)
	assert.Empty(t, stdin.String())
}

func TestRun_RequestsPty(t *testing.T) {
	var term string
	sess := &mockSSHSession{
		requestPtyFunc: func(name string, _, _ int, _ ssh.TerminalModes) error {
			term = name
			return nil
		},
	}

	_, err := sessionWith(sess).Run(context.Background(), "uptime", RunOptions{PTY: true})

	require.NoError(t, err)
	assert.Equal(t, "xterm", term)
}

func TestRun_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	sess := &mockSSHSession{
		runFunc: func(string, io.Writer, io.Writer) error {
			<-release
			return io.EOF
		},
		closeFunc: func() error {
			once.Do(func() { close(release) })
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sessionWith(sess).Run(ctx, "sleep 100", RunOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_ClosedSession(t *testing.T) {
	s := sessionWith(&mockSSHSession{})
	require.NoError(t, s.Close())

	_, err := s.Run(context.Background(), "uptime", RunOptions{})

	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestClose_Idempotent(t *testing.T) {
	calls := 0
	client := &mockSSHClient{closeFunc: func() error {
		calls++
		return nil
	}}
	s := newClientSession("gw", client, testLogger())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
}

func TestDial_ClosedSession(t *testing.T) {
	s := sessionWith(&mockSSHSession{})
	require.NoError(t, s.Close())

	_, err := s.Dial(context.Background(), "tcp", "node1:22")

	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestDial_ContextDeadline(t *testing.T) {
	client := &mockSSHClient{
		dialFunc: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := newClientSession("gw", client, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Dial(ctx, "tcp", "node1:22")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_NotBlockedByStuckDial(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	dialing := make(chan struct{})

	client := &mockSSHClient{
		// a channel open the remote never answers
		dialFunc: func(context.Context, string, string) (net.Conn, error) {
			close(dialing)
			<-release
			return nil, errors.New("late")
		},
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{}, nil
		},
	}
	s := newClientSession("ws-a", client, testLogger())

	go func() {
		_, _ = s.Dial(context.Background(), "tcp", "node1:22")
	}()
	<-dialing

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, "shutdown -h now", RunOptions{})
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked behind a pending channel open")
	}
}

func TestRun_StuckSessionOpenHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			<-release
			return &mockSSHSession{}, nil
		},
	}
	s := newClientSession("ws-a", client, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Run(ctx, "shutdown -h now", RunOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSudoCommand(t *testing.T) {
	cmd := sudoCommand("shutdown -h now")

	args, err := shellquote.Split(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo", "-S", "-p", sudoPromptMarker, "shutdown", "-h", "now"}, args)
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name   string
		out    string
		secret string
		want   string
	}{
		{"strips marker", sudoPromptMarker + "ok\n", "", "ok"},
		{"redacts secret", "pw is hunter2", "hunter2", "pw is ********"},
		{"empty secret leaves text", "nothing to hide", "", "nothing to hide"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanOutput(tt.out, tt.secret))
		})
	}
}
