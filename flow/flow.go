// Package flow implements the directed-graph scheduler: it steps from
// node to node along named-action edges, emits lifecycle events, writes
// checkpoints, and supports foreground and background execution with
// cooperative cancellation and resume. Grounded on
// original_source/picoflow/flow.py, generalised with a durable event log
// and background execution per spec §4.3.
package flow

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nanoflow/nanoflow/errs"
	"github.com/nanoflow/nanoflow/node"
	"github.com/nanoflow/nanoflow/runner"
	"github.com/nanoflow/nanoflow/store"
	"github.com/nanoflow/nanoflow/workflowdb"
)

// DefaultMaxSteps is the flow's step cap when WithMaxSteps is not given —
// a large finite default, per spec §3, guarding cyclic graphs against
// runaway execution.
const DefaultMaxSteps = 10_000

// Hook function types, named exactly as spec §6 prescribes.
type (
	FlowStartFunc func(flowName string, s *store.Store)
	NodeStartFunc func(name string, s *store.Store)
	NodeEndFunc   func(name string, action node.Action, elapsed time.Duration, s *store.Store)
	NodeErrorFunc func(name string, err error, s *store.Store)
	FlowEndFunc   func(totalSteps int, s *store.Store)
)

// Flow composes Nodes into a graph and schedules them.
type Flow struct {
	start         *node.Node
	name          string
	db            *workflowdb.DB
	checkpointDir string
	maxSteps      int

	onFlowStart []FlowStartFunc
	onNodeStart []NodeStartFunc
	onNodeEnd   []NodeEndFunc
	onNodeError []NodeErrorFunc
	onFlowEnd   []FlowEndFunc
}

// Option configures a Flow at construction.
type Option func(*Flow)

func WithName(name string) Option { return func(f *Flow) { f.name = name } }
func WithDB(db *workflowdb.DB) Option { return func(f *Flow) { f.db = db } }
func WithCheckpointDir(dir string) Option { return func(f *Flow) { f.checkpointDir = dir } }
func WithMaxSteps(n int) Option { return func(f *Flow) { f.maxSteps = n } }

// New constructs a Flow rooted at start. The flow name defaults to the
// start node's name.
func New(start *node.Node, opts ...Option) *Flow {
	f := &Flow{
		start:    start,
		maxSteps: DefaultMaxSteps,
	}
	if start != nil {
		f.name = start.Name()
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxSteps < 0 {
		f.maxSteps = 0
	}
	return f
}

// On registers a hook for one of flow_start, node_start, node_end,
// node_error, flow_end. cb must match that event's function type exactly,
// or On returns ErrInvalidArg alongside an unknown event name.
func (f *Flow) On(event string, cb any) error {
	switch event {
	case "flow_start":
		fn, ok := cb.(func(string, *store.Store))
		if !ok {
			return fmt.Errorf("%w: flow_start hook must be func(string, *store.Store)", errs.ErrInvalidArg)
		}
		f.onFlowStart = append(f.onFlowStart, fn)
	case "node_start":
		fn, ok := cb.(func(string, *store.Store))
		if !ok {
			return fmt.Errorf("%w: node_start hook must be func(string, *store.Store)", errs.ErrInvalidArg)
		}
		f.onNodeStart = append(f.onNodeStart, fn)
	case "node_end":
		fn, ok := cb.(func(string, node.Action, time.Duration, *store.Store))
		if !ok {
			return fmt.Errorf("%w: node_end hook must be func(string, node.Action, time.Duration, *store.Store)", errs.ErrInvalidArg)
		}
		f.onNodeEnd = append(f.onNodeEnd, fn)
	case "node_error":
		fn, ok := cb.(func(string, error, *store.Store))
		if !ok {
			return fmt.Errorf("%w: node_error hook must be func(string, error, *store.Store)", errs.ErrInvalidArg)
		}
		f.onNodeError = append(f.onNodeError, fn)
	case "flow_end":
		fn, ok := cb.(func(int, *store.Store))
		if !ok {
			return fmt.Errorf("%w: flow_end hook must be func(int, *store.Store)", errs.ErrInvalidArg)
		}
		f.onFlowEnd = append(f.onFlowEnd, fn)
	default:
		return fmt.Errorf("%w: unknown hook event %q", errs.ErrInvalidArg, event)
	}
	return nil
}

func (f *Flow) fireFlowStart(name string, s *store.Store) {
	for _, fn := range f.onFlowStart {
		callHook("flow_start", func() { fn(name, s) })
	}
}
func (f *Flow) fireNodeStart(name string, s *store.Store) {
	for _, fn := range f.onNodeStart {
		callHook("node_start", func() { fn(name, s) })
	}
}
func (f *Flow) fireNodeEnd(name string, action node.Action, elapsed time.Duration, s *store.Store) {
	for _, fn := range f.onNodeEnd {
		callHook("node_end", func() { fn(name, action, elapsed, s) })
	}
}
func (f *Flow) fireNodeError(name string, err error, s *store.Store) {
	for _, fn := range f.onNodeError {
		callHook("node_error", func() { fn(name, err, s) })
	}
}
func (f *Flow) fireFlowEnd(total int, s *store.Store) {
	for _, fn := range f.onFlowEnd {
		callHook("flow_end", func() { fn(total, s) })
	}
}

func callHook(event string, invoke func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("flow: hook %q panicked: %v", event, r)
		}
	}()
	invoke()
}

// Run executes the flow synchronously on the calling goroutine and returns
// the resulting Store. If resumeFrom is non-nil, execution starts there
// instead of the flow's configured start node (use after LoadCheckpoint).
func (f *Flow) Run(ctx context.Context, s *store.Store, resumeFrom *node.Node) (*store.Store, error) {
	runID := workflowdb.NewRunID(f.name)
	return f.execute(ctx, runID, s, resumeFrom, nil)
}

// RunBackground starts the flow on a dedicated worker goroutine and
// returns immediately with a Handle that exposes live status, a blocking
// wait, and cooperative cancel.
func (f *Flow) RunBackground(ctx context.Context, s *store.Store, resumeFrom *node.Node) (*runner.Handle, error) {
	runID := workflowdb.NewRunID(f.name)
	cancel := &atomic.Bool{}
	h := runner.NewHandle(runID, f.db, cancel)
	go func() {
		result, err := f.execute(ctx, runID, s, resumeFrom, cancel)
		h.Finish(result, err)
	}()
	return h, nil
}

// execute is the scheduler loop of spec §4.3, shared by Run and
// RunBackground. cancel may be nil (foreground runs have nothing to
// cancel cooperatively against).
func (f *Flow) execute(ctx context.Context, runID string, s *store.Store, resumeFrom *node.Node, cancel *atomic.Bool) (*store.Store, error) {
	startedAt := time.Now()

	if f.db != nil {
		if err := f.db.CreateRun(ctx, runID, f.name, startedAt); err != nil {
			return s, err
		}
		if err := f.db.InsertEvent(ctx, runID, workflowdb.EventFlowStart, "", "", 0, ""); err != nil {
			return s, err
		}
	}
	f.fireFlowStart(f.name, s)

	current := f.start
	if resumeFrom != nil {
		current = resumeFrom
	}
	// max_steps=0 is the degenerate flow of spec.md:221: complete
	// immediately having run zero nodes, rather than tripping the cap.
	if f.maxSteps == 0 {
		current = nil
	}

	step := 0
	var lastAction node.Action

	for current != nil {
		if step >= f.maxSteps {
			err := fmt.Errorf("%w", errs.ErrMaxStepsExceeded)
			f.recordTermination(ctx, runID, workflowdb.StatusFailed, startedAt, step, workflowdb.EventFlowError, "", err.Error())
			return s, err
		}
		if cancel != nil && cancel.Load() {
			f.recordTermination(ctx, runID, workflowdb.StatusCancelled, startedAt, step, workflowdb.EventFlowCancel, "", "")
			return s, nil
		}

		f.fireNodeStart(current.Name(), s)
		if f.db != nil {
			if err := f.db.InsertEvent(ctx, runID, workflowdb.EventNodeStart, current.Name(), "", 0, ""); err != nil {
				return s, err
			}
		}

		t0 := time.Now()
		action, err := current.Run(ctx, s)
		elapsed := time.Since(t0)

		if err != nil {
			f.fireNodeError(current.Name(), err, s)
			if f.db != nil {
				if ierr := f.db.InsertEvent(ctx, runID, workflowdb.EventNodeError, current.Name(), "", elapsed.Seconds()*1000, err.Error()); ierr != nil {
					log.Printf("flow: insert node_error event: %v", ierr)
				}
			}
			f.recordTermination(ctx, runID, workflowdb.StatusFailed, startedAt, step, workflowdb.EventFlowError, "", err.Error())
			return s, err
		}
		if action == "" {
			action = node.ActionDefault
		}

		if f.db != nil {
			storeJSON, merr := s.MarshalJSON()
			if merr != nil {
				werr := fmt.Errorf("%w: marshal store for checkpoint: %v", errs.ErrIO, merr)
				f.recordTermination(ctx, runID, workflowdb.StatusFailed, startedAt, step, workflowdb.EventFlowError, "", werr.Error())
				return s, werr
			}
			if err := f.db.RecordStep(ctx, runID, step, current.Name(), string(action), elapsed.Seconds()*1000, storeJSON); err != nil {
				f.recordTermination(ctx, runID, workflowdb.StatusFailed, startedAt, step, workflowdb.EventFlowError, "", err.Error())
				return s, err
			}
		}
		if f.checkpointDir != "" {
			filename := fmt.Sprintf("step_%03d_%s.json", step, current.Name())
			if err := s.Snapshot(filepath.Join(f.checkpointDir, filename)); err != nil {
				f.recordTermination(ctx, runID, workflowdb.StatusFailed, startedAt, step, workflowdb.EventFlowError, "", err.Error())
				return s, err
			}
		}

		f.fireNodeEnd(current.Name(), action, elapsed, s)

		lastAction = action
		current = current.Successor(action)
		step++
	}

	f.recordTermination(ctx, runID, workflowdb.StatusCompleted, startedAt, step, workflowdb.EventFlowEnd, string(lastAction), "")
	f.fireFlowEnd(step, s)
	return s, nil
}

// recordTermination persists the run's terminal status and its matching
// event. action is the last action a node returned — recorded on flow_end
// per spec.md:126 ("the current action recorded in flow_end"); the failed
// and cancelled paths have no such action and pass "".
func (f *Flow) recordTermination(ctx context.Context, runID, status string, startedAt time.Time, totalSteps int, terminalEvent, action, errMsg string) {
	if f.db == nil {
		return
	}
	if err := f.db.UpdateRunStatus(ctx, runID, status, time.Now(), totalSteps, errMsg); err != nil {
		log.Printf("flow: update run status for %s: %v", runID, err)
	}
	if err := f.db.InsertEvent(ctx, runID, terminalEvent, "", action, 0, errMsg); err != nil {
		log.Printf("flow: insert terminal event %s for %s: %v", terminalEvent, runID, err)
	}
}
