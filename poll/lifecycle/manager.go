package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/chain"
)

// Manager reacts to settled master executions: it resets or bumps OLT
// failure counters, schedules retry attempts through the delay queue, and
// hands successful masters to the chain coordinator.
//
// Chain executions are not handled here; the coordinator drives their
// attempts itself.
type Manager struct {
	executions *poll.ExecutionStore
	olts       *poll.OLTStore
	delay      *DelayQueue
	chains     *chain.Coordinator
	policy     poll.RetryPolicyFunc
	logger     *zap.SugaredLogger

	broadcaster poll.ExecutionBroadcaster

	timeNow func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(
	executions *poll.ExecutionStore,
	olts *poll.OLTStore,
	delay *DelayQueue,
	chains *chain.Coordinator,
	policy poll.RetryPolicyFunc,
	log *zap.SugaredLogger,
) *Manager {
	return &Manager{
		executions: executions,
		olts:       olts,
		delay:      delay,
		chains:     chains,
		policy:     policy,
		logger:     log.Named("lifecycle"),
		timeNow:    time.Now,
	}
}

// SetBroadcaster wires the optional event stream.
func (m *Manager) SetBroadcaster(b poll.ExecutionBroadcaster) {
	m.broadcaster = b
}

// OnComplete is the pool's completion callback. It runs off the slot
// goroutine, so blocking store calls here never stall a slot.
func (m *Manager) OnComplete(node *poll.CompositeNode, ex *poll.Execution) {
	if ex.ParentExecutionID != nil {
		return
	}

	ctx := context.Background()
	log := m.logger.With(
		"execution_id", ex.ID,
		"job_id", ex.JobID,
		"olt_id", ex.OLTID,
		"attempt", ex.AttemptNumber,
	)

	switch ex.State {
	case poll.StateSuccess:
		if err := m.olts.ResetFailureCount(ctx, ex.OLTID); err != nil {
			log.Errorw("failed to reset olt failure count", "error", err)
		}
		m.chains.OnMasterSettled(node, ex)

	case poll.StateFailed:
		kind := ex.Kind()
		policy := m.policy(node.Master, kind)

		if kind.Retriable() && ex.AttemptNumber <= policy.MaxRetries {
			m.scheduleRetry(ctx, node, ex, policy, log)
			return
		}

		// Retries exhausted or not retriable: the attempt chain is over.
		// The OLT stays enabled no matter how often it fails; the
		// counter exists for operators, not for automatic disabling.
		if err := m.olts.IncrementFailureCount(ctx, ex.OLTID); err != nil {
			log.Errorw("failed to increment olt failure count", "error", err)
		}
		log.Warnw("job attempt chain exhausted",
			"error_kind", kind, "attempts", ex.AttemptNumber)
		m.chains.OnMasterSettled(node, ex)

	default:
		// Interrupted executions end the attempt chain silently; the
		// job's cadence schedules the next run.
		log.Debugw("execution interrupted", "error_kind", ex.Kind())
	}
}

// scheduleRetry creates the next PENDING attempt and parks it in the
// delay queue until the retry delay elapses.
func (m *Manager) scheduleRetry(ctx context.Context, node *poll.CompositeNode, failed *poll.Execution, policy poll.RetryPolicy, log *zap.SugaredLogger) {
	releaseAt := m.timeNow().UTC().Add(policy.Delay)

	retry := &poll.Execution{
		ID:            uuid.New().String(),
		JobID:         failed.JobID,
		OLTID:         failed.OLTID,
		OperationType: failed.OperationType,
		State:         poll.StatePending,
		AttemptNumber: failed.AttemptNumber + 1,
		ScheduledAt:   releaseAt.Format(time.RFC3339),
	}

	if err := m.executions.Insert(ctx, retry); err != nil {
		log.Errorw("failed to insert retry execution", "error", err)
		return
	}

	if m.broadcaster != nil {
		m.broadcaster.BroadcastExecutionUpdate(retry)
	}

	retryNode := &poll.CompositeNode{
		Master:      node.Master,
		Chain:       node.Chain,
		Execution:   retry,
		OLT:         node.OLT,
		ScheduledAt: releaseAt,
	}
	m.delay.Schedule(retryNode, releaseAt)

	log.Infow("retry scheduled",
		"retry_execution_id", retry.ID,
		"next_attempt", retry.AttemptNumber,
		"delay", policy.Delay,
	)
}
