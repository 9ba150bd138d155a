package trace

import (
	"fmt"
	"strings"

	"github.com/dshills/dapper/internal/debug"
	"github.com/dshills/dapper/internal/logger"
)

// Recorder streams one session's lifecycle into the store. Write failures
// are logged and dropped; tracing must never interfere with the session.
type Recorder struct {
	store *Store
	runID string
}

// NewRecorder begins a run and returns its recorder.
func NewRecorder(store *Store, name, adapter string) (*Recorder, error) {
	runID, err := store.BeginRun(name, adapter)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, runID: runID}, nil
}

// RunID returns the id of the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// Watch subscribes to the session's events. The run is ended automatically
// when the session exits.
func (r *Recorder) Watch(s *debug.Session) {
	s.OnInitialized(func() {
		r.record(KindInitialized, "", "")
	})
	s.OnBinding(func(b *debug.Binding) {
		r.record(KindBinding, b.Breakpoint().Location().String(),
			fmt.Sprintf("adapter id %d, line %d", b.AdapterID(), b.ActualLine()))
	})
	s.OnBindingHit(func(b *debug.Binding) {
		r.record(KindHit, b.Breakpoint().Location().String(),
			fmt.Sprintf("hit %d", b.HitCount()))
	})
	s.OnThread(func(t *debug.Thread, reason string) {
		if reason == "started" {
			t.OnStopped(func(stopReason string) {
				r.record(KindStopped, "", fmt.Sprintf("thread %d: %s", t.ID(), stopReason))
			})
		}
	})
	s.OnOutput(func(category, output string) {
		r.record(KindOutput, "", category+": "+strings.TrimRight(output, "\n"))
	})
	s.OnTerminated(func() {
		r.record(KindTerminated, "", "")
	})
	s.OnExited(func(exitCode int) {
		r.record(KindExited, "", fmt.Sprintf("exit code %d", exitCode))
		if err := r.store.EndRun(r.runID, exitCode); err != nil {
			logger.Warn().Err(err).Str("run", r.runID).Msg("cannot end trace run")
		}
	})
}

func (r *Recorder) record(kind, location, detail string) {
	if err := r.store.Record(r.runID, kind, location, detail); err != nil {
		logger.Warn().Err(err).Str("run", r.runID).Str("kind", kind).Msg("cannot record trace event")
	}
}
