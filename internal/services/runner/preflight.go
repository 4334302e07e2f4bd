package runner

import (
	"context"
	"fmt"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/probe"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"golang.org/x/sync/errgroup"
)

// preflightParallelism bounds concurrent reachability checks through the gateway.
const preflightParallelism = 4

// preflight checks that every workstation answers through the gateway before
// anything is shut down. It returns an error when the run must abort.
func (r *run) preflight(ctx context.Context, gw ssh.Session) error {
	fleets := r.plan.Fleets
	results := make([]*models.ProbeResult, len(fleets))
	errs := make([]error, len(fleets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preflightParallelism)
	for i, fleet := range fleets {
		spec := fleet.WorkstationSpec()
		g.Go(func() error {
			results[i], errs[i] = r.svc.prober.AwaitReachable(gctx, probe.Request{
				Target:         spec.Name,
				Dial:           probe.ThroughRelay(r.svc.connector, gw, spec.Host, spec.Port),
				Timeout:        r.plan.Timeouts.Probe,
				Interval:       r.plan.Run.PollInterval,
				AttemptTimeout: r.plan.Timeouts.Probe,
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled during preflight: %w", err)
	}

	// events and decisions are made in fleet order on the driving goroutine
	for i, fleet := range fleets {
		spec := fleet.WorkstationSpec()
		res, err := results[i], errs[i]
		if err == nil && res != nil && res.Verdict == models.VerdictUp {
			r.emit(models.Event{
				Kind: models.EventPreflight, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: gw.Name(),
				Message: "reachable",
			})
			continue
		}

		cause := err
		if cause == nil {
			cause = fmt.Errorf("workstation %s did not answer through %s", spec.Name, gw.Name())
		}
		r.emit(models.Event{
			Kind: models.EventPreflight, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: gw.Name(),
			Message: "unreachable", Err: cause,
		})
		r.recordIssue(ctx, spec, gw, &ssh.TunnelError{
			Kind: ssh.TunnelUnreachable, Via: gw.Name(), Target: spec.Name, Err: cause,
		})

		if r.decide(StagePreflight, spec, cause) == Abort {
			return fmt.Errorf("preflight: %w", cause)
		}
		r.warn("preflight: workstation %s unreachable: %s", spec.Name, r.lastReason())
	}
	return nil
}
