// Package events delivers run events to logging and presentation.
package events

import (
	"sync"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/rs/zerolog"
)

// Sink receives events. Emit is called from the goroutine driving the run and
// must not block for long.
type Sink interface {
	Emit(e models.Event)
}

// Func adapts a function to a Sink.
type Func func(e models.Event)

// Emit calls f(e).
func (f Func) Emit(e models.Event) { f(e) }

// Multi fans events out to several sinks in order.
type Multi []Sink

// Emit forwards e to every sink.
func (m Multi) Emit(e models.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs e at a level derived from its kind.
func (s *LogSink) Emit(e models.Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case models.EventConnecting, models.EventProbeTick:
		ev = s.logger.Debug()
	case models.EventConnectFailed, models.EventProbeTimedOut, models.EventHostSkipped:
		ev = s.logger.Warn()
	case models.EventRunFinished:
		switch e.Outcome {
		case models.OutcomeAborted:
			ev = s.logger.Error()
		case models.OutcomeCompletedWithWarnings:
			ev = s.logger.Warn()
		default:
			ev = s.logger.Info()
		}
	default:
		ev = s.logger.Info()
	}

	ev = ev.Str("run_id", e.RunID).Str("event", string(e.Kind))
	if e.Role != "" {
		ev = ev.Str("role", string(e.Role))
	}
	if e.Fleet != "" {
		ev = ev.Str("fleet", e.Fleet)
	}
	if e.Host != "" {
		ev = ev.Str("host", e.Host)
	}
	if e.Via != "" {
		ev = ev.Str("via", e.Via)
	}
	if e.Attempt > 0 {
		ev = ev.Int("attempt", e.Attempt)
	}
	if e.DryRun {
		ev = ev.Bool("dry_run", true)
	}
	if e.Outcome != "" {
		ev = ev.Str("outcome", string(e.Outcome))
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	ev.Msg(msg)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

// Emit stores e.
func (r *Recorder) Emit(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of the given kinds, in order.
func (r *Recorder) OfKind(kinds ...models.EventKind) []models.Event {
	want := make(map[models.EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []models.Event
	for _, e := range r.Events() {
		if want[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}
