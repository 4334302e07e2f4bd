package models

import "time"

// EventKind identifies a status event emitted during a run.
type EventKind string

// Event kinds. Every action ends with exactly one terminal event: connected or
// connect_failed, shutdown_issued, host_down or probe_timed_out,
// fleet_finished, run_finished.
const (
	EventConnecting     EventKind = "connecting"
	EventConnected      EventKind = "connected"
	EventConnectFailed  EventKind = "connect_failed"
	EventShutdownIssued EventKind = "shutdown_issued"
	EventProbeTick      EventKind = "probe_tick"
	EventHostDown       EventKind = "host_down"
	EventProbeTimedOut  EventKind = "probe_timed_out"
	EventHostSkipped    EventKind = "host_skipped"
	EventPreflight      EventKind = "preflight"
	EventFleetFinished  EventKind = "fleet_finished"
	EventRunFinished    EventKind = "run_finished"
)

// Event is a structured status update for logging and UI collaborators.
type Event struct {
	Time    time.Time
	RunID   string
	Kind    EventKind
	Role    HostRole
	Fleet   string
	Host    string
	Via     string // relay the host was reached through
	Attempt int    // probe attempt number
	DryRun  bool
	Outcome RunOutcome // run_finished only
	Message string
	Err     error
}
