// Package diagnose checks name resolution and TCP reachability from a relay
// after a hop through it failed, and turns the failure into a reason and a
// hint for the operator.
package diagnose

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Service defines the interface for relay-side diagnostics.
type Service interface {
	Diagnose(ctx context.Context, relay ssh.Session, target string, port int) *models.Diagnosis
}

// Impl implements the diagnose Service interface.
type Impl struct {
	cmdTimeout time.Duration
	ncTimeout  time.Duration
	logger     zerolog.Logger
}

// New creates a new diagnose service.
func New(logger zerolog.Logger, timeouts models.Timeouts) *Impl {
	cmdTimeout := timeouts.DiagCommand
	if cmdTimeout <= 0 {
		cmdTimeout = 10 * time.Second
	}
	ncTimeout := timeouts.NC
	if ncTimeout < time.Second {
		ncTimeout = 3 * time.Second
	}
	return &Impl{
		cmdTimeout: cmdTimeout,
		ncTimeout:  ncTimeout,
		logger:     logger,
	}
}

// Diagnose runs the checks on relay. Checks that cannot run leave their
// fields nil.
func (s *Impl) Diagnose(ctx context.Context, relay ssh.Session, target string, port int) *models.Diagnosis {
	diag := &models.Diagnosis{Target: target, Via: relay.Name()}
	if !models.ValidHost(target) {
		s.logger.Warn().Str("target", target).Str("via", diag.Via).Msg("not a valid host name, skipping diagnostics")
		return diag
	}

	quoted := shellquote.Join(target)
	dnsCmds := []string{
		"getent hosts " + quoted,
		"getent ahosts " + quoted,
		"nslookup " + quoted + " 2>/dev/null | awk '/^Address[[:space:]]*:/{print $2}'",
	}

	dnsOK := false
	for _, cmd := range dnsCmds {
		out, ok := s.run(ctx, relay, cmd)
		if !ok {
			continue
		}
		if ips := parseIPs(out); len(ips) > 0 {
			dnsOK = true
			diag.DNSIPs = ips
			break
		}
	}
	diag.DNSOK = &dnsOK

	ncCmd := fmt.Sprintf("command -v nc >/dev/null 2>&1 && nc -zw%d %s %d && echo OK || echo NG",
		int(s.ncTimeout/time.Second), quoted, port)
	tcpOK := false
	if out, ok := s.run(ctx, relay, ncCmd); ok && strings.Contains(out, "OK") {
		tcpOK = true
		diag.TCPMethod = "nc"
	} else {
		script := fmt.Sprintf("exec 3<>/dev/tcp/%s/%d && echo OK || echo NG", target, port)
		if out, ok := s.run(ctx, relay, "bash -lc "+shellquote.Join(script)); ok && strings.Contains(out, "OK") {
			tcpOK = true
			diag.TCPMethod = "/dev/tcp"
		} else {
			diag.TCPMethod = "nc|/dev/tcp"
		}
	}
	diag.TCPOK = &tcpOK

	s.logger.Info().
		Str("target", target).
		Str("via", diag.Via).
		Bool("dns_ok", dnsOK).
		Strs("dns_ips", diag.DNSIPs).
		Bool("tcp_ok", tcpOK).
		Str("tcp_method", diag.TCPMethod).
		Msg("diagnostics finished")

	return diag
}

func (s *Impl) run(ctx context.Context, relay ssh.Session, cmd string) (string, bool) {
	runCtx, cancel := context.WithTimeout(ctx, s.cmdTimeout)
	defer cancel()

	out, err := relay.Run(runCtx, cmd, ssh.RunOptions{})
	if err != nil {
		s.logger.Debug().Err(err).Str("via", relay.Name()).Str("command", cmd).Msg("diagnostic command failed")
		return "", false
	}
	return out.Stdout, true
}

func parseIPs(out string) []string {
	seen := make(map[string]bool)
	var ips []string
	for _, tok := range strings.Fields(out) {
		if net.ParseIP(tok) == nil || seen[tok] {
			continue
		}
		seen[tok] = true
		ips = append(ips, tok)
	}
	return ips
}
