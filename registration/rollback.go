package registration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/passkey-account-backend/interfaces"
	"github.com/ruteri/passkey-account-backend/metrics"
)

// undoStep is one completed reversible step of a registration attempt.
type undoStep struct {
	name string
	undo func(ctx context.Context) error
}

// undoStack is an ordered list of completed reversible steps. Pushing records
// forward progress; unwinding undoes in strict reverse order. Reverse
// iteration is structural, not convention-based.
type undoStack struct {
	steps []undoStep
}

func (s *undoStack) push(name string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, undoStep{name: name, undo: undo})
}

func (s *undoStack) len() int {
	return len(s.steps)
}

// unwind runs every recorded undo handler in reverse order. Undo failures are
// logged and reported through the event sink, never raised, so the original
// failure reason remains the one surfaced to the caller.
func (s *undoStack) unwind(ctx context.Context, log *slog.Logger, sink interfaces.EventSink) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		sink.Emit(RollbackEvent{S: interfaces.EventProgress, Step: step.name,
			Msg: fmt.Sprintf("Rolling back %s", step.name)})

		if err := step.undo(ctx); err != nil {
			metrics.RollbackSteps.WithLabelValues(step.name, "error").Inc()
			log.Error("Rollback step failed", slog.String("step", step.name), "err", err)
			sink.Emit(RollbackEvent{S: interfaces.EventError, Step: step.name,
				Msg: fmt.Sprintf("Rollback of %s failed: %s", step.name, err.Error())})
			continue
		}

		metrics.RollbackSteps.WithLabelValues(step.name, "ok").Inc()
		log.Info("Rollback step completed", slog.String("step", step.name))
		sink.Emit(RollbackEvent{S: interfaces.EventSuccess, Step: step.name,
			Msg: fmt.Sprintf("Rolled back %s", step.name)})
	}
	s.steps = nil
}
