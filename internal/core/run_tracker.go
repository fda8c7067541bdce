package core

// run_tracker.go tracks detached pipeline runs.
//
// Each upload spawns exactly one run with no queue or concurrency cap. The
// tracker exists so shutdown can wait for in-flight runs via WaitForDrain
// and so new runs are refused once Close has been called.

import (
	"context"
	"sort"
	"sync"
)

// RunTracker records in-flight pipeline runs keyed by report id.
type RunTracker struct {
	mu     sync.RWMutex
	active map[int64]string // report id -> run id
	closed bool
	wg     sync.WaitGroup
}

// NewRunTracker creates an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{active: make(map[int64]string)}
}

// Go runs fn on a new goroutine and tracks it until fn returns. Returns
// ErrShuttingDown after Close.
func (t *RunTracker) Go(reportID int64, runID string, fn func()) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrShuttingDown
	}
	t.active[reportID] = runID
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.active, reportID)
			t.mu.Unlock()
			t.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Close refuses new runs. Runs already started continue.
func (t *RunTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// ActiveCount returns the number of in-flight runs.
func (t *RunTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// IsRunning reports whether a run is in flight for reportID.
func (t *RunTracker) IsRunning(reportID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[reportID]
	return ok
}

// WaitForDrain blocks until all runs complete or ctx is done.
func (t *RunTracker) WaitForDrain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTrackerStatus is a snapshot of the tracker.
type RunTrackerStatus struct {
	Active    int     `json:"active"`
	ReportIDs []int64 `json:"reportIds"`
	Closed    bool    `json:"closed"`
}

// Status returns the current tracker state for monitoring/debugging.
func (t *RunTracker) Status() RunTrackerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int64, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return RunTrackerStatus{Active: len(ids), ReportIDs: ids, Closed: t.closed}
}
