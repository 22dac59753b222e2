package scanning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ProcessLimiter bounds how many tool processes run at once. Discovery
// scans and ad-hoc endpoint tests share one limiter so an operator can cap
// the load placed on the host and the probed network.
type ProcessLimiter interface {
	// Acquire blocks until a slot is free for runID or ctx is done.
	Acquire(ctx context.Context, runID string) error
	// Release frees the slot held by runID. Unknown IDs are ignored.
	Release(runID string)
	// ActiveRuns lists the run IDs currently holding a slot.
	ActiveRuns() []RunSlot
	// AvailableSlots returns the number of free slots.
	AvailableSlots() int
	// Close rejects further acquisitions.
	Close() error
}

// RunSlot describes one occupied slot.
type RunSlot struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// FixedProcessLimiter implements ProcessLimiter with a fixed capacity.
type FixedProcessLimiter struct {
	capacity  int
	semaphore chan struct{}
	active    map[string]time.Time
	mutex     sync.RWMutex
	closed    bool
}

// NewFixedProcessLimiter creates a limiter with the given capacity (min 1).
func NewFixedProcessLimiter(capacity int) *FixedProcessLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &FixedProcessLimiter{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]time.Time),
	}
}

// Acquire implements ProcessLimiter.
func (l *FixedProcessLimiter) Acquire(ctx context.Context, runID string) error {
	l.mutex.RLock()
	closed := l.closed
	l.mutex.RUnlock()
	if closed {
		return fmt.Errorf("process limiter is closed")
	}

	select {
	case l.semaphore <- struct{}{}:
		l.mutex.Lock()
		l.active[runID] = time.Now()
		l.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release implements ProcessLimiter.
func (l *FixedProcessLimiter) Release(runID string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, ok := l.active[runID]; !ok {
		return
	}
	delete(l.active, runID)
	select {
	case <-l.semaphore:
	default:
	}
}

// ActiveRuns implements ProcessLimiter, oldest first.
func (l *FixedProcessLimiter) ActiveRuns() []RunSlot {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	runs := make([]RunSlot, 0, len(l.active))
	for id, started := range l.active {
		runs = append(runs, RunSlot{RunID: id, StartedAt: started})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs
}

// AvailableSlots implements ProcessLimiter.
func (l *FixedProcessLimiter) AvailableSlots() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.capacity - len(l.active)
}

// Close implements ProcessLimiter.
func (l *FixedProcessLimiter) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed = true
	return nil
}
