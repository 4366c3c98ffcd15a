// Package runner provides RunHandle, the supervisor object returned by a
// background Flow execution: live status read from WorkflowDB, a blocking
// wait, and a cooperative cancellation flag consulted by the scheduler
// between nodes.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoflow/nanoflow/store"
	"github.com/nanoflow/nanoflow/workflowdb"
)

// Handle supervises one background Flow run. Exactly one worker goroutine
// backs a Handle; the worker never shares the Store with the caller except
// through the final return value from Wait.
type Handle struct {
	runID  string
	db     *workflowdb.DB
	cancel *atomic.Bool

	done   chan struct{}
	mu     sync.Mutex
	result *store.Store
	err    error
}

// NewHandle is called by flow.RunBackground once it has minted a run_id,
// just before it spawns the worker goroutine.
func NewHandle(runID string, db *workflowdb.DB, cancel *atomic.Bool) *Handle {
	return &Handle{
		runID:  runID,
		db:     db,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// RunID is the immutable identifier of the supervised run.
func (h *Handle) RunID() string { return h.runID }

// Status performs a live read of pf_runs.status. If no database is
// configured on the owning Flow, the status is inferred from the worker
// instead: running until it finishes, then failed if it returned an error
// and completed otherwise (a cancelled run also reads as completed).
func (h *Handle) Status(ctx context.Context) (string, error) {
	if h.db == nil {
		select {
		case <-h.done:
			if h.Err() != nil {
				return workflowdb.StatusFailed, nil
			}
			return workflowdb.StatusCompleted, nil
		default:
			return workflowdb.StatusRunning, nil
		}
	}
	run, err := h.db.GetRun(ctx, h.runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Cancel flips the cooperative cancellation flag. Safe to call multiple
// times or after the run has already finished.
func (h *Handle) Cancel() {
	h.cancel.Store(true)
}

// Wait blocks until the worker goroutine finishes or timeout elapses.
// Returns the resulting Store on completion, or (nil, nil) on timeout —
// matching the spec's "returns store on success, None on timeout"
// literally rather than surfacing a timeout error.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (*store.Store, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-timeoutCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the captured failure, set iff the run finished with status
// failed. Safe to call before the run finishes (returns nil).
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Finish is called exactly once by the worker goroutine when execute
// returns.
func (h *Handle) Finish(result *store.Store, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
