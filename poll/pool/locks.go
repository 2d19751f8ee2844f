package pool

import (
	"sync"
	"time"
)

// LockRegistry provides one exclusive, non-reentrant lock per OLT. A slot
// holds the lock for the whole lifetime of the master execution it runs,
// which is what serializes work against a single device.
//
// Locks are channel semaphores of capacity one so acquisition can carry a
// timeout; sync.Mutex cannot.
type LockRegistry struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLockRegistry creates an empty lock registry
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{sems: make(map[string]chan struct{})}
}

func (r *LockRegistry) sem(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	sem, ok := r.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		r.sems[key] = sem
	}
	return sem
}

// Acquire takes the lock for key, waiting up to timeout. Returns false when
// the lock could not be acquired in time.
func (r *LockRegistry) Acquire(key string, timeout time.Duration) bool {
	sem := r.sem(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// TryAcquire takes the lock for key without waiting.
func (r *LockRegistry) TryAcquire(key string) bool {
	select {
	case r.sem(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock for key. Releasing an unheld lock is a no-op
// rather than a panic; every slot exit path calls Release exactly once,
// but a no-op keeps a logic bug from deadlocking the whole device.
func (r *LockRegistry) Release(key string) {
	select {
	case <-r.sem(key):
	default:
	}
}
