package models

import "time"

// RunOutcome is the final result of a run, mappable to a process exit code.
type RunOutcome string

// Run outcomes.
const (
	OutcomeCompleted             RunOutcome = "completed"
	OutcomeCompletedWithWarnings RunOutcome = "completed_with_warnings"
	OutcomeAborted               RunOutcome = "aborted"
)

// HostStatus is what is known about a host at the end of a run.
type HostStatus string

// Host statuses.
const (
	StatusPending           HostStatus = "pending"
	StatusDown              HostStatus = "down"
	StatusTimedOut          HostStatus = "timed_out"
	StatusTimedOutTolerated HostStatus = "timed_out_tolerated"
	StatusUnreachable       HostStatus = "unreachable"
	StatusSkipped           HostStatus = "skipped"
	StatusShutdownIssued    HostStatus = "shutdown_issued"
	StatusDryRun            HostStatus = "dry_run"
)

// HostReport is one row of the final report.
type HostReport struct {
	Name   string
	Role   HostRole
	Fleet  string
	Status HostStatus
	Note   string
}

// Issue records a failed hop together with its classification.
type Issue struct {
	Stage     HostRole
	Via       string
	Target    string
	Reason    string
	Hint      string
	Diagnosis *Diagnosis
	Error     string
}

// RunReport holds the result of a whole run.
type RunReport struct {
	RunID     string
	Outcome   RunOutcome
	DryRun    bool
	Hosts     []HostReport // shutdown order
	Issues    []Issue
	Warnings  []string
	Err       error // cause of an abort
	StartedAt time.Time
	Duration  time.Duration
}

// HostsWithStatus returns the names of hosts in the given status, in order.
func (r *RunReport) HostsWithStatus(status HostStatus) []string {
	var names []string
	for _, h := range r.Hosts {
		if h.Status == status {
			names = append(names, h.Name)
		}
	}
	return names
}

// Find returns the report row of the host with the given role, fleet and
// name, or nil. Node names are only unique within their fleet.
func (r *RunReport) Find(role HostRole, fleet, name string) *HostReport {
	for i := range r.Hosts {
		h := &r.Hosts[i]
		if h.Role == role && h.Fleet == fleet && h.Name == name {
			return h
		}
	}
	return nil
}

// Host returns the first report row named name, or nil.
func (r *RunReport) Host(name string) *HostReport {
	for i := range r.Hosts {
		if r.Hosts[i].Name == name {
			return &r.Hosts[i]
		}
	}
	return nil
}
