package lifecycle

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/pool"
)

// delayedItem is one parked node waiting for its release time.
type delayedItem struct {
	at    time.Time
	node  *poll.CompositeNode
	index int
}

// delayHeap is a min-heap ordered by release time.
type delayHeap []*delayedItem

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayHeap) Push(x interface{}) { item := x.(*delayedItem); item.index = len(*h); *h = append(*h, item) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayQueue parks retry attempts and backlog-rejected nodes until their
// release time, then resubmits them to the pool. A single dispatcher
// goroutine sleeps until the earliest release.
type DelayQueue struct {
	pool       *pool.Pool
	executions *poll.ExecutionStore
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	items delayHeap
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timeNow func() time.Time
}

// NewDelayQueueWithContext creates a delay queue that stops when ctx is
// cancelled or Stop is called.
func NewDelayQueueWithContext(ctx context.Context, p *pool.Pool, executions *poll.ExecutionStore, log *zap.SugaredLogger) *DelayQueue {
	qCtx, cancel := context.WithCancel(ctx)
	return &DelayQueue{
		pool:       p,
		executions: executions,
		logger:     log.Named("delay"),
		wake:       make(chan struct{}, 1),
		ctx:        qCtx,
		cancel:     cancel,
		timeNow:    time.Now,
	}
}

// Start launches the dispatcher goroutine.
func (q *DelayQueue) Start() {
	q.wg.Add(1)
	go q.dispatch()
}

// Stop halts the dispatcher and closes out parked executions, which will
// never run in this process.
func (q *DelayQueue) Stop() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	parked := make([]*delayedItem, len(q.items))
	copy(parked, q.items)
	q.items = nil
	q.mu.Unlock()

	kind := poll.ErrKindShutdown
	detail := "delay queue stopped"
	for _, item := range parked {
		now := q.timeNow().UTC()
		err := q.executions.Transition(context.Background(), item.node.Execution.ID,
			poll.StatePending, poll.StateInterrupted, poll.TransitionFields{
				FinishedAt:  &now,
				ErrorKind:   &kind,
				ErrorDetail: &detail,
			})
		if err != nil {
			q.logger.Warnw("failed to interrupt parked execution",
				"execution_id", item.node.Execution.ID, "error", err)
		}
	}
}

// Schedule parks a node until the given release time.
func (q *DelayQueue) Schedule(node *poll.CompositeNode, at time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, &delayedItem{at: at, node: node})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Count returns the number of parked nodes.
func (q *DelayQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DelayQueue) dispatch() {
	defer q.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := q.nextRelease()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			wait := next.Sub(q.timeNow())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}

		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			// Re-evaluate the earliest release.
		case <-timer.C:
			q.releaseDue()
		}
	}
}

func (q *DelayQueue) nextRelease() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}
	}
	return q.items[0].at
}

// releaseDue submits every node whose release time has passed. A node the
// pool rejects goes back on the heap with a fresh delay.
func (q *DelayQueue) releaseDue() {
	now := q.timeNow()

	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.items[0].at.After(now) {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(*delayedItem)
		q.mu.Unlock()

		result := q.pool.Submit(item.node)
		if result == pool.Rejected {
			retry := now.Add(30 * time.Second)
			q.logger.Debugw("pool rejected delayed node, re-parking",
				"execution_id", item.node.Execution.ID,
				"retry_at", retry,
			)
			q.mu.Lock()
			heap.Push(&q.items, &delayedItem{at: retry, node: item.node})
			q.mu.Unlock()
			continue
		}

		q.logger.Debugw("released delayed node",
			"execution_id", item.node.Execution.ID,
			"result", result,
		)
	}
}
