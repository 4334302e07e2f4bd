// Package shutdown sends power-off commands over established sessions.
package shutdown

import (
	"context"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"github.com/rs/zerolog"
)

// DefaultCommand is sent when no power-off command is configured.
const DefaultCommand = "shutdown -h now"

// Executor defines the interface for issuing a power-off command.
type Executor interface {
	Shutdown(ctx context.Context, session ssh.Session, target models.HostSpec) (*models.ShutdownResult, error)
}

// Impl is the live executor.
type Impl struct {
	command string
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a live executor that sends command verbatim, bounding each
// command by timeout.
func New(logger zerolog.Logger, command string, timeout time.Duration) *Impl {
	if command == "" {
		command = DefaultCommand
	}
	return &Impl{
		command: command,
		timeout: timeout,
		logger:  logger,
	}
}

// Shutdown runs the power-off command on session. The command is not aborted
// when ctx is cancelled; only the command timeout bounds it. A non-zero exit,
// a dropped connection or a failed command is recorded on the result.
func (s *Impl) Shutdown(ctx context.Context, session ssh.Session, target models.HostSpec) (*models.ShutdownResult, error) {
	result := &models.ShutdownResult{
		Host:     target.Name,
		Command:  s.command,
		ExitCode: -1,
	}

	runCtx := context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
		defer cancel()
	}

	s.logger.Info().
		Str("host", target.Name).
		Str("role", string(target.Role)).
		Str("command", s.command).
		Bool("sudo", target.NeedsSudoPassword).
		Msg("issuing shutdown")

	out, err := session.Run(runCtx, s.command, ssh.RunOptions{
		Sudo:         target.NeedsSudoPassword,
		SudoPassword: target.SudoPassword,
		PTY:          true,
	})
	if out != nil {
		result.Command = out.Command
		result.ExitCode = out.ExitCode
		result.Output = joinOutput(out.Stdout, out.Stderr)
	}
	if err != nil {
		result.Error = err
		s.logger.Warn().Err(err).Str("host", target.Name).Msg("shutdown command failed, host may still go down")
		return result, nil //nolint:nilerr // error is stored in result
	}

	result.CommandRun = true
	switch {
	case out.Disconnected:
		s.logger.Info().Str("host", target.Name).Msg("connection dropped during shutdown")
	case out.ExitCode != 0:
		s.logger.Warn().
			Str("host", target.Name).
			Int("exit_code", out.ExitCode).
			Str("output", result.Output).
			Msg("shutdown command exited non-zero")
	default:
		s.logger.Debug().Str("host", target.Name).Msg("shutdown command accepted")
	}

	return result, nil
}

// DryRun logs what would be sent and never touches the session.
type DryRun struct {
	command string
	logger  zerolog.Logger
}

// NewDryRun creates an executor that only reports the command.
func NewDryRun(logger zerolog.Logger, command string) *DryRun {
	if command == "" {
		command = DefaultCommand
	}
	return &DryRun{command: command, logger: logger}
}

// Shutdown records the command that would have been sent.
func (s *DryRun) Shutdown(_ context.Context, _ ssh.Session, target models.HostSpec) (*models.ShutdownResult, error) {
	cmd := s.command
	if target.NeedsSudoPassword {
		cmd = "sudo -S " + cmd
	}

	s.logger.Info().
		Str("host", target.Name).
		Str("role", string(target.Role)).
		Str("command", cmd).
		Msg("dry run: would issue shutdown")

	return &models.ShutdownResult{
		Host:    target.Name,
		Command: cmd,
		DryRun:  true,
	}, nil
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
