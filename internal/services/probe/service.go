// Package probe waits for hosts to become unreachable (or reachable) by
// repeatedly opening fresh connections to them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/rs/zerolog"
)

// ErrInconclusive is wrapped when an attempt could not tell whether the target
// is reachable, for example because the relay itself went away.
var ErrInconclusive = errors.New("probe inconclusive")

// DialFunc makes one reachability attempt. It returns an error only when the
// attempt was inconclusive.
type DialFunc func(ctx context.Context) (reachable bool, err error)

// Request describes one wait.
type Request struct {
	Target         string
	Dial           DialFunc
	Timeout        time.Duration // overall budget
	Interval       time.Duration // pause between attempts
	AttemptTimeout time.Duration // bound on a single attempt
	OnAttempt      func(attempt int, reachable bool)
}

// Service defines the interface for reachability probes.
type Service interface {
	AwaitUnreachable(ctx context.Context, req Request) (*models.ProbeResult, error)
	AwaitReachable(ctx context.Context, req Request) (*models.ProbeResult, error)
}

// Impl implements the probe Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new probe service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// AwaitUnreachable polls until the target stops accepting connections or the
// timeout elapses. At least one attempt is always made.
func (s *Impl) AwaitUnreachable(ctx context.Context, req Request) (*models.ProbeResult, error) {
	return s.await(ctx, req, false)
}

// AwaitReachable polls until the target accepts a connection or the timeout
// elapses.
func (s *Impl) AwaitReachable(ctx context.Context, req Request) (*models.ProbeResult, error) {
	return s.await(ctx, req, true)
}

func (s *Impl) await(ctx context.Context, req Request, want bool) (*models.ProbeResult, error) {
	result := &models.ProbeResult{Target: req.Target, Verdict: models.VerdictTimedOut}
	if req.Dial == nil {
		return result, fmt.Errorf("probe %s: no dial function", req.Target)
	}

	interval := req.Interval
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	deadline := start.Add(req.Timeout)

	s.logger.Debug().
		Str("target", req.Target).
		Bool("want_reachable", want).
		Dur("timeout", req.Timeout).
		Dur("interval", interval).
		Msg("probing")

	for {
		reachable, err := s.attempt(ctx, req)
		result.Attempts++
		result.Elapsed = time.Since(start)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		if err != nil {
			return result, fmt.Errorf("%w: %s: %w", ErrInconclusive, req.Target, err)
		}
		if req.OnAttempt != nil {
			req.OnAttempt(result.Attempts, reachable)
		}

		if reachable == want {
			if want {
				result.Verdict = models.VerdictUp
			} else {
				result.Verdict = models.VerdictDown
			}
			s.logger.Debug().
				Str("target", req.Target).
				Str("verdict", string(result.Verdict)).
				Int("attempts", result.Attempts).
				Dur("elapsed", result.Elapsed).
				Msg("probe finished")
			return result, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.logger.Debug().
				Str("target", req.Target).
				Int("attempts", result.Attempts).
				Msg("probe timed out")
			return result, nil
		}

		wait := interval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Impl) attempt(ctx context.Context, req Request) (bool, error) {
	if req.AttemptTimeout <= 0 {
		return req.Dial(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, req.AttemptTimeout)
	defer cancel()
	return req.Dial(attemptCtx)
}
