package runner

import "github.com/fgeck/fleet-shutdown/internal/models"

// FailureStage identifies the decision point a failure happened at.
type FailureStage string

// Decision points consulted by the policy.
const (
	StageConnect      FailureStage = "connect"
	StageProbeTimeout FailureStage = "probe_timeout"
	StagePreflight    FailureStage = "preflight"
)

// Failure describes a recoverable problem the run has to decide on.
type Failure struct {
	Stage FailureStage
	Role  models.HostRole
	Host  string
	Err   error
}

// Decision is what the run does after a failure.
type Decision int

// Decisions.
const (
	Abort Decision = iota
	Continue
)

// ContinuationPolicy decides, at every decision point, whether the run may go
// on. Gateway failures never reach the policy; they always abort.
type ContinuationPolicy interface {
	Name() string
	Decide(f Failure) Decision
}

// Strict aborts on any failure.
type Strict struct{}

// Name returns "strict".
func (Strict) Name() string { return "strict" }

// Decide always aborts.
func (Strict) Decide(Failure) Decision { return Abort }

// Lenient records the failure as a warning and continues.
type Lenient struct{}

// Name returns "lenient".
func (Lenient) Name() string { return "lenient" }

// Decide always continues.
func (Lenient) Decide(Failure) Decision { return Continue }

// PolicyFor returns Strict or Lenient.
func PolicyFor(strict bool) ContinuationPolicy {
	if strict {
		return Strict{}
	}
	return Lenient{}
}
