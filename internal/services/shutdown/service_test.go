package shutdown

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	runFunc func(ctx context.Context, cmd string, opts ssh.RunOptions) (*models.CommandResult, error)
	runs    int
}

func (m *mockSession) Name() string { return "node1" }

func (m *mockSession) Run(ctx context.Context, cmd string, opts ssh.RunOptions) (*models.CommandResult, error) {
	m.runs++
	if m.runFunc != nil {
		return m.runFunc(ctx, cmd, opts)
	}
	return &models.CommandResult{Command: cmd}, nil
}

func (m *mockSession) Dial(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("not implemented")
}

func (m *mockSession) Close() error { return nil }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func nodeSpec(needsSudo bool) models.HostSpec {
	return models.HostSpec{
		Name:              "node1",
		Role:              models.RoleNode,
		Host:              "node1",
		Port:              22,
		User:              "ops",
		Credential:        models.PasswordCredential("pw"),
		NeedsSudoPassword: needsSudo,
		SudoPassword:      "pw",
	}
}

func TestShutdown_Success(t *testing.T) {
	var capturedCmd string
	var capturedOpts ssh.RunOptions
	sess := &mockSession{
		runFunc: func(_ context.Context, cmd string, opts ssh.RunOptions) (*models.CommandResult, error) {
			capturedCmd = cmd
			capturedOpts = opts
			return &models.CommandResult{Command: "sudo -S " + cmd, Stdout: "bye"}, nil
		},
	}

	svc := New(testLogger(), "poweroff", time.Second)
	result, err := svc.Shutdown(context.Background(), sess, nodeSpec(true))

	require.NoError(t, err)
	assert.Equal(t, "poweroff", capturedCmd)
	assert.True(t, capturedOpts.Sudo)
	assert.Equal(t, "pw", capturedOpts.SudoPassword)
	assert.True(t, capturedOpts.PTY)
	assert.True(t, result.CommandRun)
	assert.False(t, result.DryRun)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "bye", result.Output)
	assert.Nil(t, result.Error)
}

func TestShutdown_DefaultCommandWithoutSudo(t *testing.T) {
	var capturedCmd string
	var capturedOpts ssh.RunOptions
	sess := &mockSession{
		runFunc: func(_ context.Context, cmd string, opts ssh.RunOptions) (*models.CommandResult, error) {
			capturedCmd = cmd
			capturedOpts = opts
			return &models.CommandResult{Command: cmd}, nil
		},
	}

	_, err := New(testLogger(), "", time.Second).Shutdown(context.Background(), sess, nodeSpec(false))

	require.NoError(t, err)
	assert.Equal(t, DefaultCommand, capturedCmd)
	assert.False(t, capturedOpts.Sudo)
}

func TestShutdown_NonZeroExitIsSoft(t *testing.T) {
	sess := &mockSession{
		runFunc: func(_ context.Context, cmd string, _ ssh.RunOptions) (*models.CommandResult, error) {
			return &models.CommandResult{Command: cmd, ExitCode: 1, Stderr: "sudo: 1 incorrect password attempt"}, nil
		},
	}

	result, err := New(testLogger(), "", time.Second).Shutdown(context.Background(), sess, nodeSpec(true))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Output, "incorrect password")
}

func TestShutdown_DisconnectIsSoft(t *testing.T) {
	sess := &mockSession{
		runFunc: func(_ context.Context, cmd string, _ ssh.RunOptions) (*models.CommandResult, error) {
			return &models.CommandResult{Command: cmd, ExitCode: -1, Disconnected: true}, nil
		},
	}

	result, err := New(testLogger(), "", time.Second).Shutdown(context.Background(), sess, nodeSpec(false))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
}

func TestShutdown_CommandErrorIsRecorded(t *testing.T) {
	sess := &mockSession{
		runFunc: func(_ context.Context, cmd string, _ ssh.RunOptions) (*models.CommandResult, error) {
			return &models.CommandResult{Command: cmd, ExitCode: -1},
				&ssh.CommandError{Host: "node1", Command: cmd, Err: errors.New("channel refused")}
		},
	}

	result, err := New(testLogger(), "", time.Second).Shutdown(context.Background(), sess, nodeSpec(false))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	var cmdErr *ssh.CommandError
	assert.ErrorAs(t, result.Error, &cmdErr)
}

func TestShutdown_IgnoresRunCancellation(t *testing.T) {
	var ctxErr error
	var hasDeadline bool
	sess := &mockSession{
		runFunc: func(ctx context.Context, cmd string, _ ssh.RunOptions) (*models.CommandResult, error) {
			ctxErr = ctx.Err()
			_, hasDeadline = ctx.Deadline()
			return &models.CommandResult{Command: cmd}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := New(testLogger(), "", time.Second).Shutdown(ctx, sess, nodeSpec(false))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.NoError(t, ctxErr)
	assert.True(t, hasDeadline)
}

func TestDryRun_NeverRuns(t *testing.T) {
	sess := &mockSession{}

	result, err := NewDryRun(testLogger(), "").Shutdown(context.Background(), sess, nodeSpec(true))

	require.NoError(t, err)
	assert.Equal(t, 0, sess.runs)
	assert.True(t, result.DryRun)
	assert.False(t, result.CommandRun)
	assert.Equal(t, "sudo -S "+DefaultCommand, result.Command)
}

func TestJoinOutput(t *testing.T) {
	assert.Equal(t, "", joinOutput("", ""))
	assert.Equal(t, "a", joinOutput("a", ""))
	assert.Equal(t, "b", joinOutput("", "b"))
	assert.Equal(t, "a\nb", joinOutput("a", "b"))
}
