// Package runner orchestrates a shutdown run: nodes first, then their
// workstation, and the gateway last.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/diagnose"
	"github.com/fgeck/fleet-shutdown/internal/services/events"
	"github.com/fgeck/fleet-shutdown/internal/services/probe"
	"github.com/fgeck/fleet-shutdown/internal/services/shutdown"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"github.com/fgeck/fleet-shutdown/internal/services/telegram"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service defines the interface for the shutdown runner.
type Service interface {
	Run(ctx context.Context, plan models.Plan) (*models.RunReport, error)
}

// State is the position of a run in its lifecycle.
type State string

// Run states.
const (
	StateInit                State = "init"
	StateGatewayConnected    State = "gateway_connected"
	StateFleetInProgress     State = "fleet_in_progress"
	StateShuttingDownGateway State = "shutting_down_gateway"
	StateDone                State = "done"
	StateAborted             State = "aborted"
)

// Impl implements the runner Service interface.
type Impl struct {
	connector   ssh.Service
	executor    shutdown.Executor
	dryRun      shutdown.Executor
	prober      probe.Service
	diagnoser   diagnose.Service
	telegramSvc telegram.Service
	sink        events.Sink
	logger      zerolog.Logger
}

// New creates a new runner for plan's timeouts and run settings. Events go to
// sink and to the log.
func New(logger zerolog.Logger, plan models.Plan, sink events.Sink) *Impl {
	return &Impl{
		connector:   ssh.New(logger, plan.Timeouts, plan.Run.KnownHostsPath),
		executor:    shutdown.New(logger, plan.Run.PowerOffCommand, plan.Timeouts.Command),
		dryRun:      shutdown.NewDryRun(logger, plan.Run.PowerOffCommand),
		prober:      probe.New(logger),
		diagnoser:   diagnose.New(logger, plan.Timeouts),
		telegramSvc: telegram.New(logger),
		sink:        events.Multi{events.NewLogSink(logger), sink},
		logger:      logger,
	}
}

// NewWithServices creates a new runner with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	connector ssh.Service,
	executor shutdown.Executor,
	dryRun shutdown.Executor,
	prober probe.Service,
	diagnoser diagnose.Service,
	telegramSvc telegram.Service,
	sink events.Sink,
) *Impl {
	return &Impl{
		connector:   connector,
		executor:    executor,
		dryRun:      dryRun,
		prober:      prober,
		diagnoser:   diagnoser,
		telegramSvc: telegramSvc,
		sink:        sink,
		logger:      logger,
	}
}

// Run shuts down every host of plan. The returned error is only set for an
// invalid plan; everything that happens during the run is in the report.
func (s *Impl) Run(ctx context.Context, plan models.Plan) (*models.RunReport, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	r := s.newRun(plan)

	s.logger.Info().
		Str("run_id", r.report.RunID).
		Str("gateway", plan.Gateway.Host).
		Int("fleets", len(plan.Fleets)).
		Bool("dry_run", plan.Run.DryRun).
		Str("policy", r.policy.Name()).
		Msg("starting shutdown run")

	r.execute(ctx)

	if plan.Telegram != nil && s.telegramSvc != nil {
		s.sendNotification(ctx, *plan.Telegram, *r.report)
	}

	return r.report, nil
}

func validatePlan(plan models.Plan) error {
	if plan.Gateway.Host == "" {
		return fmt.Errorf("invalid plan: gateway host is required")
	}
	if !models.ValidHost(plan.Gateway.Host) {
		return fmt.Errorf("invalid plan: gateway host %q is not a valid host name", plan.Gateway.Host)
	}
	seen := make(map[string]bool)
	for i, f := range plan.Fleets {
		if f.Name == "" {
			return fmt.Errorf("invalid plan: fleet %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("invalid plan: duplicate fleet %q", f.Name)
		}
		seen[f.Name] = true
		if ws := f.WorkstationSpec(); !models.ValidHost(ws.Host) {
			return fmt.Errorf("invalid plan: fleet %q host %q is not a valid host name", f.Name, ws.Host)
		}
		nodes := make(map[string]bool, len(f.Nodes))
		for _, node := range f.Nodes {
			if !models.ValidHost(node) {
				return fmt.Errorf("invalid plan: node %q in fleet %q is not a valid host name", node, f.Name)
			}
			if nodes[node] {
				return fmt.Errorf("invalid plan: duplicate node %q in fleet %q", node, f.Name)
			}
			nodes[node] = true
		}
	}
	return nil
}

// run holds the mutable state of one invocation.
type run struct {
	svc      *Impl
	plan     models.Plan
	policy   ContinuationPolicy
	executor shutdown.Executor
	report   *models.RunReport
	state    State
	sessions []ssh.Session // acquisition order
	started  time.Time
}

func (s *Impl) newRun(plan models.Plan) *run {
	report := &models.RunReport{
		RunID:     uuid.NewString(),
		DryRun:    plan.Run.DryRun,
		StartedAt: time.Now(),
	}
	for _, f := range plan.Fleets {
		for _, node := range f.Nodes {
			report.Hosts = append(report.Hosts, models.HostReport{
				Name: node, Role: models.RoleNode, Fleet: f.Name, Status: models.StatusPending,
			})
		}
		report.Hosts = append(report.Hosts, models.HostReport{
			Name: f.Name, Role: models.RoleWorkstation, Fleet: f.Name, Status: models.StatusPending,
		})
	}
	report.Hosts = append(report.Hosts, models.HostReport{
		Name: plan.Gateway.Host, Role: models.RoleGateway, Status: models.StatusPending,
	})

	executor := s.executor
	if plan.Run.DryRun {
		executor = s.dryRun
	}

	return &run{
		svc:      s,
		plan:     plan,
		policy:   PolicyFor(plan.Run.Strict),
		executor: executor,
		report:   report,
		state:    StateInit,
		started:  report.StartedAt,
	}
}

func (r *run) execute(ctx context.Context) {
	defer r.finish()

	gwSpec := r.plan.GatewaySpec()
	gw, err := r.connect(ctx, gwSpec, nil)
	if err != nil {
		r.abort(fmt.Errorf("gateway %s: %w", gwSpec.Name, err))
		return
	}
	r.transition(StateGatewayConnected)

	if r.plan.Run.Preflight {
		if err := r.preflight(ctx, gw); err != nil {
			r.abort(err)
			return
		}
	}

	for _, fleet := range r.plan.Fleets {
		if err := ctx.Err(); err != nil {
			r.abort(fmt.Errorf("cancelled before fleet %s: %w", fleet.Name, err))
			return
		}
		r.transition(StateFleetInProgress)
		if err := r.runFleet(ctx, gw, fleet); err != nil {
			r.abort(err)
			return
		}
	}

	if err := ctx.Err(); err != nil {
		r.abort(fmt.Errorf("cancelled before gateway shutdown: %w", err))
		return
	}

	r.transition(StateShuttingDownGateway)
	status := models.StatusShutdownIssued
	if r.plan.Run.DryRun {
		status = models.StatusDryRun
	}
	res := r.shutdown(ctx, gw, gwSpec, "")
	r.setStatus(gwSpec, status, shutdownNote(res))
	r.release(gw)
	r.transition(StateDone)
}

// runFleet returns an error only when the run must abort.
func (r *run) runFleet(ctx context.Context, gw ssh.Session, fleet models.FleetConfig) error {
	wsSpec := fleet.WorkstationSpec()

	ws, err := r.connect(ctx, wsSpec, gw)
	if err != nil {
		r.setStatus(wsSpec, models.StatusUnreachable, r.lastReason())
		if ctx.Err() != nil || r.decide(StageConnect, wsSpec, err) == Abort {
			return fmt.Errorf("workstation %s: %w", wsSpec.Name, err)
		}
		r.warn("workstation %s unreachable, skipped fleet %s: %s", wsSpec.Name, fleet.Name, r.lastReason())
		for _, node := range fleet.Nodes {
			r.skip(fleet.NodeSpec(node), "workstation unreachable")
		}
		r.emit(models.Event{Kind: models.EventFleetFinished, Fleet: fleet.Name, Message: "fleet skipped"})
		return nil
	}

	for _, node := range fleet.Nodes {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before node %s: %w", node, err)
		}
		if err := r.runNode(ctx, ws, fleet.NodeSpec(node)); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled before workstation %s: %w", wsSpec.Name, err)
	}

	if err := r.shutdownAndConfirm(ctx, gw, ws, wsSpec); err != nil {
		return err
	}

	r.emit(models.Event{Kind: models.EventFleetFinished, Fleet: fleet.Name})
	return nil
}

func (r *run) runNode(ctx context.Context, ws ssh.Session, spec models.HostSpec) error {
	sess, err := r.connect(ctx, spec, ws)
	if err != nil {
		r.setStatus(spec, models.StatusUnreachable, r.lastReason())
		if ctx.Err() != nil || r.decide(StageConnect, spec, err) == Abort {
			return fmt.Errorf("node %s: %w", spec.Name, err)
		}
		r.warn("node %s unreachable via %s, skipped: %s", spec.Name, ws.Name(), r.lastReason())
		return nil
	}
	return r.shutdownAndConfirm(ctx, ws, sess, spec)
}

// shutdownAndConfirm issues the power-off on sess, closes it and waits for
// the host to disappear behind relay.
func (r *run) shutdownAndConfirm(ctx context.Context, relay, sess ssh.Session, spec models.HostSpec) error {
	res := r.shutdown(ctx, sess, spec, relay.Name())
	r.setStatus(spec, models.StatusShutdownIssued, shutdownNote(res))
	r.release(sess)

	if r.plan.Run.DryRun {
		r.setStatus(spec, models.StatusDryRun, "")
		r.emit(models.Event{
			Kind: models.EventHostDown, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: relay.Name(),
			Message: "dry run: confirmation simulated",
		})
		return nil
	}

	result, err := r.svc.prober.AwaitUnreachable(ctx, probe.Request{
		Target:         spec.Name,
		Dial:           probe.ThroughRelay(r.svc.connector, relay, spec.Host, spec.Port),
		Timeout:        r.plan.Run.NodeShutdownTimeout,
		Interval:       r.plan.Run.PollInterval,
		AttemptTimeout: r.plan.Timeouts.Probe,
		OnAttempt: func(attempt int, reachable bool) {
			if reachable {
				r.emit(models.Event{
					Kind: models.EventProbeTick, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name,
					Via: relay.Name(), Attempt: attempt, Message: "still reachable",
				})
			}
		},
	})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("cancelled while waiting for %s: %w", spec.Name, ctx.Err())
	}

	if err == nil && result.Verdict == models.VerdictDown {
		r.setStatus(spec, models.StatusDown, "")
		r.emit(models.Event{
			Kind: models.EventHostDown, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: relay.Name(),
			Attempt: result.Attempts,
		})
		return nil
	}

	timeout := r.plan.Run.NodeShutdownTimeout
	cause := err
	if cause == nil {
		cause = fmt.Errorf("%s %s still reachable after %s", spec.Role, spec.Name, timeout)
	}
	r.emit(models.Event{
		Kind: models.EventProbeTimedOut, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: relay.Name(),
		Err: cause,
	})

	if r.decide(StageProbeTimeout, spec, cause) == Abort {
		r.setStatus(spec, models.StatusTimedOut, cause.Error())
		return fmt.Errorf("confirming %s is down: %w", spec.Name, cause)
	}
	r.setStatus(spec, models.StatusTimedOutTolerated, cause.Error())
	r.warn("%s %s not confirmed down: %v", spec.Role, spec.Name, cause)
	return nil
}

func (r *run) connect(ctx context.Context, spec models.HostSpec, parent ssh.Session) (ssh.Session, error) {
	via := ""
	if parent != nil {
		via = parent.Name()
	}
	r.emit(models.Event{Kind: models.EventConnecting, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: via})

	var sess ssh.Session
	var err error
	if parent == nil {
		sess, err = r.svc.connector.Connect(ctx, spec)
	} else {
		sess, err = r.svc.connector.ConnectVia(ctx, parent, spec)
	}
	if err != nil {
		r.emit(models.Event{
			Kind: models.EventConnectFailed, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: via, Err: err,
		})
		r.recordIssue(ctx, spec, parent, err)
		return nil, err
	}

	r.sessions = append(r.sessions, sess)
	r.emit(models.Event{Kind: models.EventConnected, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: via})
	return sess, nil
}

func (r *run) shutdown(ctx context.Context, sess ssh.Session, spec models.HostSpec, via string) *models.ShutdownResult {
	res, err := r.executor.Shutdown(ctx, sess, spec)
	if err != nil {
		res = &models.ShutdownResult{Host: spec.Name, ExitCode: -1, Error: err}
	}
	r.emit(models.Event{
		Kind: models.EventShutdownIssued, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Via: via,
		Message: res.Command, Err: res.Error,
	})
	return res
}

func (r *run) recordIssue(ctx context.Context, spec models.HostSpec, parent ssh.Session, err error) {
	issue := models.Issue{Stage: spec.Role, Target: spec.Name, Error: err.Error()}
	var diag *models.Diagnosis
	if parent != nil {
		issue.Via = parent.Name()
		if r.plan.Run.Diagnose && ctx.Err() == nil && !ssh.IsTunnelError(err, ssh.TunnelParentClosed) {
			diag = r.svc.diagnoser.Diagnose(ctx, parent, spec.Host, spec.Port)
		}
	}
	issue.Diagnosis = diag
	issue.Reason, issue.Hint = diagnose.Classify(err, diag)
	r.report.Issues = append(r.report.Issues, issue)

	r.svc.logger.Warn().
		Str("stage", string(issue.Stage)).
		Str("via", issue.Via).
		Str("target", issue.Target).
		Str("reason", issue.Reason).
		Str("hint", issue.Hint).
		Msg("connection failed")
}

func (r *run) lastReason() string {
	if n := len(r.report.Issues); n > 0 {
		return r.report.Issues[n-1].Reason
	}
	return ""
}

func (r *run) decide(stage FailureStage, spec models.HostSpec, err error) Decision {
	d := r.policy.Decide(Failure{Stage: stage, Role: spec.Role, Host: spec.Name, Err: err})
	r.svc.logger.Debug().
		Str("policy", r.policy.Name()).
		Str("stage", string(stage)).
		Str("host", spec.Name).
		Bool("continue", d == Continue).
		Msg("policy decision")
	return d
}

func (r *run) skip(spec models.HostSpec, note string) {
	r.setStatus(spec, models.StatusSkipped, note)
	r.emit(models.Event{Kind: models.EventHostSkipped, Role: spec.Role, Fleet: spec.Fleet, Host: spec.Name, Message: note})
}

// release closes sess and drops it from the open-session stack.
func (r *run) release(sess ssh.Session) {
	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i] == sess {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	if err := sess.Close(); err != nil {
		r.svc.logger.Debug().Err(err).Str("host", sess.Name()).Msg("closing session")
	}
}

func (r *run) abort(err error) {
	r.transition(StateAborted)
	r.report.Err = err
	r.svc.logger.Error().Err(err).Str("run_id", r.report.RunID).Msg("run aborted")
}

func (r *run) finish() {
	// tunneled sessions close before their relays
	for i := len(r.sessions) - 1; i >= 0; i-- {
		_ = r.sessions[i].Close()
	}
	r.sessions = nil

	for i := range r.report.Hosts {
		h := &r.report.Hosts[i]
		if h.Status != models.StatusPending {
			continue
		}
		h.Status = models.StatusSkipped
		h.Note = "not reached"
		r.emit(models.Event{Kind: models.EventHostSkipped, Role: h.Role, Fleet: h.Fleet, Host: h.Name, Message: h.Note})
	}

	switch {
	case r.state == StateAborted:
		r.report.Outcome = models.OutcomeAborted
	case len(r.report.Warnings) > 0:
		r.report.Outcome = models.OutcomeCompletedWithWarnings
	default:
		r.report.Outcome = models.OutcomeCompleted
	}
	r.report.Duration = time.Since(r.started)

	r.emit(models.Event{Kind: models.EventRunFinished, Outcome: r.report.Outcome, Err: r.report.Err})
}

func (r *run) transition(next State) {
	if r.state == next {
		return
	}
	r.svc.logger.Debug().Str("from", string(r.state)).Str("to", string(next)).Msg("run state")
	r.state = next
}

func (r *run) setStatus(spec models.HostSpec, status models.HostStatus, note string) {
	if h := r.report.Find(spec.Role, spec.Fleet, spec.Name); h != nil {
		h.Status = status
		if note != "" {
			h.Note = note
		}
	}
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.report.Warnings = append(r.report.Warnings, msg)
	r.svc.logger.Warn().Str("run_id", r.report.RunID).Msg(msg)
}

func (r *run) emit(e models.Event) {
	if r.svc.sink == nil {
		return
	}
	e.Time = time.Now()
	e.RunID = r.report.RunID
	e.DryRun = r.plan.Run.DryRun
	r.svc.sink.Emit(e)
}

func shutdownNote(res *models.ShutdownResult) string {
	switch {
	case res.Error != nil:
		return "shutdown command failed: " + res.Error.Error()
	case res.CommandRun && res.ExitCode > 0:
		return fmt.Sprintf("shutdown command exited %d", res.ExitCode)
	default:
		return ""
	}
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.TelegramConfig, report models.RunReport) {
	// sent even when the run was cancelled
	result, err := s.telegramSvc.SendNotification(context.WithoutCancel(ctx), cfg, report)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
