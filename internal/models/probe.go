package models

import "time"

// Verdict is the outcome of a reachability probe.
type Verdict string

// Probe verdicts.
const (
	VerdictDown     Verdict = "down"
	VerdictUp       Verdict = "up"
	VerdictTimedOut Verdict = "timed_out"
)

// ProbeResult holds the result of waiting for a host to change reachability.
type ProbeResult struct {
	Target    string
	Verdict   Verdict
	Attempts  int
	Elapsed   time.Duration
	Simulated bool // dry run, no attempt was made
}
