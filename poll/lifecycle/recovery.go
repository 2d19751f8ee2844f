package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
)

// RecoverInterrupted closes out executions left PENDING or RUNNING by a
// previous process. Runs once at startup, before the scheduler and pool
// start, so no live slot can own any of these rows.
func RecoverInterrupted(ctx context.Context, executions *poll.ExecutionStore, log *zap.SugaredLogger) (int, error) {
	orphans, err := executions.ListNonTerminal(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list interrupted executions")
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	kind := poll.ErrKindProcessRestart
	detail := "process restarted while execution was in flight"
	recovered := 0

	for _, ex := range orphans {
		now := time.Now().UTC()
		err := executions.Transition(ctx, ex.ID, ex.State, poll.StateInterrupted, poll.TransitionFields{
			FinishedAt:  &now,
			ErrorKind:   &kind,
			ErrorDetail: &detail,
		})
		if err != nil {
			log.Warnw("failed to recover execution",
				"execution_id", ex.ID, "state", ex.State, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Infow("recovered interrupted executions", "count", recovered)
	}
	return recovered, nil
}
