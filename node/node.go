// Package node implements the three-phase (prep → exec → post) retryable
// execution unit that Flow schedules. A Node is specified by a capability
// set — Prep/Post plus either Exec (sync) or ExecAsync (async) — realised
// here as two typed constructors over one concrete Node type, per design
// note §9 option (a): polymorphism over a capability interface with two
// variants.
package node

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/errs"
	"github.com/nanoflow/nanoflow/store"
)

// Action is the routing token a node's Post returns to select its
// outbound edge.
type Action string

const (
	// ActionDefault is used when Post returns the empty string.
	ActionDefault Action = "default"
	// Wildcard is the edge key matched when no exact action matches.
	Wildcard Action = "*"
)

// Phase is the node's state-machine position for the current invocation:
// Created → Preparing → Executing(→Retrying)* → Posting → Completed|Failed.
type Phase string

const (
	PhaseCreated   Phase = "created"
	PhasePreparing Phase = "preparing"
	PhaseExecuting Phase = "executing"
	PhaseRetrying  Phase = "retrying"
	PhasePosting   Phase = "posting"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Variant distinguishes a sync Node (Exec) from an async one (ExecAsync).
type Variant int

const (
	VariantSync Variant = iota
	VariantAsync
)

// Spec is the capability every node implementation must provide: read-only
// prep and the mutating post that is the only sanctioned Store write point.
type Spec interface {
	Prep(ctx context.Context, s *store.Store) (any, error)
	Post(ctx context.Context, s *store.Store, prep, exec any) (Action, error)
}

// SyncSpec is a Spec whose transform step runs to completion on the
// scheduler's own goroutine.
type SyncSpec interface {
	Spec
	Exec(ctx context.Context, prep any) (any, error)
}

// AsyncSpec is a Spec whose transform step may fan out internally (e.g.
// goroutines + sync.WaitGroup) but presents a blocking synchronous boundary
// to the Flow — the Flow never suspends outside of ExecAsync.
type AsyncSpec interface {
	Spec
	ExecAsync(ctx context.Context, prep any) (any, error)
}

// Fallbacker is an optional capability consulted after a failed exec
// attempt that still has attempts remaining, before retry_delay is slept
// and the attempt counter advances. It is not consulted after the final
// attempt, so with max_retries 1 it is never called.
type Fallbacker interface {
	ExecFallback(prep any, err error) (any, error)
}

// Base gives a concrete Spec the spec's defaults — read nothing in Prep,
// route to ActionDefault in Post — so a minimal node only implements Exec
// or ExecAsync.
type Base struct{}

func (Base) Prep(ctx context.Context, s *store.Store) (any, error) { return nil, nil }
func (Base) Post(ctx context.Context, s *store.Store, prep, exec any) (Action, error) {
	return ActionDefault, nil
}

// Node wires a Spec into the graph: retry policy, outbound edges keyed by
// action string (with reserved wildcard "*"), and the per-invocation phase
// for observability.
type Node struct {
	mu         sync.Mutex
	name       string
	spec       Spec
	syncSpec   SyncSpec
	asyncSpec  AsyncSpec
	variant    Variant
	maxRetries int
	retryDelay time.Duration
	successors map[Action]*Node
	phase      Phase
}

// Option configures a Node at construction.
type Option func(*Node)

func WithName(name string) Option { return func(n *Node) { n.name = name } }

// WithMaxRetries sets the number of exec attempts (>= 1; default 1).
func WithMaxRetries(retries int) Option {
	return func(n *Node) { n.maxRetries = retries }
}

// WithRetryDelay sets the sleep between failed exec attempts (default 0).
func WithRetryDelay(d time.Duration) Option {
	return func(n *Node) { n.retryDelay = d }
}

func newNode(name string, opts []Option) *Node {
	n := &Node{
		name:       name,
		maxRetries: 1,
		successors: map[Action]*Node{},
		phase:      PhaseCreated,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.maxRetries < 1 {
		n.maxRetries = 1
	}
	if n.retryDelay < 0 {
		n.retryDelay = 0
	}
	return n
}

// New constructs a sync Node from a SyncSpec.
func New(spec SyncSpec, opts ...Option) *Node {
	n := newNode(defaultName(spec), opts)
	n.spec = spec
	n.syncSpec = spec
	n.variant = VariantSync
	return n
}

// NewAsync constructs an async Node from an AsyncSpec.
func NewAsync(spec AsyncSpec, opts ...Option) *Node {
	n := newNode(defaultName(spec), opts)
	n.spec = spec
	n.asyncSpec = spec
	n.variant = VariantAsync
	return n
}

func defaultName(spec any) string {
	t := reflect.TypeOf(spec)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "Node"
	}
	return t.Name()
}

func (n *Node) Name() string    { return n.name }
func (n *Node) Variant() Variant { return n.variant }

func (n *Node) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

func (n *Node) setPhase(p Phase) {
	n.mu.Lock()
	n.phase = p
	n.mu.Unlock()
}

// Then registers the outbound edge for action (wildcard key "*" matches
// when no exact edge exists) and returns next, not n — so the same chain
// expression can wire a linear run (a.Then(x, b).Then(y, c)) or branch out
// from a by issuing separate Then calls on a itself.
func (n *Node) Then(action Action, next *Node) *Node {
	if action == "" {
		action = ActionDefault
	}
	n.mu.Lock()
	n.successors[action] = next
	n.mu.Unlock()
	return next
}

// Successor resolves the next node for action: exact match first, then
// the wildcard edge, then nil (the flow terminates here).
func (n *Node) Successor(action Action) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if next, ok := n.successors[action]; ok {
		return next
	}
	if next, ok := n.successors[Wildcard]; ok {
		return next
	}
	return nil
}

// Run executes prep → exec (with retries) → post and returns the routing
// action. Called by Flow once per step; never called concurrently with
// itself on the same Node within one run.
func (n *Node) Run(ctx context.Context, s *store.Store) (Action, error) {
	n.setPhase(PhasePreparing)
	prep, err := n.spec.Prep(ctx, s)
	if err != nil {
		n.setPhase(PhaseFailed)
		return "", &errs.NodeError{Node: n.name, Phase: "prep", Kind: errs.ErrPrepFailed, Attempts: 1, Cause: err}
	}

	n.setPhase(PhaseExecuting)
	execResult, err := n.execWithRetry(ctx, prep)
	if err != nil {
		n.setPhase(PhaseFailed)
		return "", err
	}

	n.setPhase(PhasePosting)
	action, err := n.spec.Post(ctx, s, prep, execResult)
	if err != nil {
		n.setPhase(PhaseFailed)
		return "", &errs.NodeError{Node: n.name, Phase: "post", Kind: errs.ErrPostFailed, Attempts: 1, Cause: err}
	}
	if action == "" {
		action = ActionDefault
	}
	n.setPhase(PhaseCompleted)
	return action, nil
}

func (n *Node) callExec(ctx context.Context, prep any) (any, error) {
	if n.variant == VariantAsync {
		return n.asyncSpec.ExecAsync(ctx, prep)
	}
	return n.syncSpec.Exec(ctx, prep)
}

// execWithRetry implements the spec's retry algorithm: attempt exec; on
// failure with attempts remaining, try the optional ExecFallback before
// sleeping retry_delay and advancing the attempt counter; after max_retries
// failed attempts, surface ExecFailed with the final cause.
func (n *Node) execWithRetry(ctx context.Context, prep any) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		result, err := n.callExec(ctx, prep)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= n.maxRetries {
			break
		}

		if fb, ok := n.spec.(Fallbacker); ok {
			if fbResult, fbErr := fb.ExecFallback(prep, err); fbErr == nil {
				return fbResult, nil
			}
		}

		n.setPhase(PhaseRetrying)
		if n.retryDelay > 0 {
			timer := time.NewTimer(n.retryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %s exec retry wait: %v", errs.ErrExecFailed, n.name, ctx.Err())
			}
		}
		n.setPhase(PhaseExecuting)
	}
	return nil, &errs.NodeError{Node: n.name, Phase: "exec", Kind: errs.ErrExecFailed, Attempts: n.maxRetries, Cause: lastErr}
}
