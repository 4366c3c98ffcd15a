package flow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoflow/nanoflow/errs"
	"github.com/nanoflow/nanoflow/node"
	"github.com/nanoflow/nanoflow/store"
	"github.com/nanoflow/nanoflow/workflowdb"
)

// nodeA reads "text", appends "!" into "out", routes to "next".
type nodeA struct{ node.Base }

func (nodeA) Prep(ctx context.Context, s *store.Store) (any, error) {
	v, err := s.Get("text")
	if err != nil {
		return nil, err
	}
	return v.AsString(), nil
}
func (nodeA) Exec(ctx context.Context, prep any) (any, error) {
	return prep.(string) + "!", nil
}
func (nodeA) Post(ctx context.Context, s *store.Store, prep, exec any) (node.Action, error) {
	if err := s.Set("out", store.String(exec.(string))); err != nil {
		return "", err
	}
	return "next", nil
}

// nodeB reads "out", appends "!" again, routes to "done" with no edge —
// terminating the flow.
type nodeB struct{ node.Base }

func (nodeB) Prep(ctx context.Context, s *store.Store) (any, error) {
	v, err := s.Get("out")
	if err != nil {
		return nil, err
	}
	return v.AsString(), nil
}
func (nodeB) Exec(ctx context.Context, prep any) (any, error) {
	return prep.(string) + "!", nil
}
func (nodeB) Post(ctx context.Context, s *store.Store, prep, exec any) (node.Action, error) {
	if err := s.Set("out", store.String(exec.(string))); err != nil {
		return "", err
	}
	return "done", nil
}

func TestLinearTwoNodeFlow(t *testing.T) {
	a := node.New(nodeA{}, node.WithName("A"))
	b := node.New(nodeB{}, node.WithName("B"))
	a.Then("next", b)

	f := New(a, WithName("linear"))

	s := store.New("s", map[string]store.SchemaEntry{
		"text": {Kind: store.KindString},
		"out":  {Kind: store.KindString},
	})
	if err := s.Set("text", store.String("hi")); err != nil {
		t.Fatalf("seed text: %v", err)
	}

	result, err := f.Run(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, err := result.Get("out")
	if err != nil {
		t.Fatalf("Get out: %v", err)
	}
	if out.AsString() != "hi!!" {
		t.Fatalf("got %q, want %q", out.AsString(), "hi!!")
	}
}

func TestLinearTwoNodeFlowWithDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flow.db")
	db, err := workflowdb.Open(dbPath)
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	defer db.Close()

	a := node.New(nodeA{}, node.WithName("A"))
	b := node.New(nodeB{}, node.WithName("B"))
	a.Then("next", b)

	f := New(a, WithName("linear"), WithDB(db))

	s := store.New("s", nil)
	if err := s.Set("text", store.String("hi")); err != nil {
		t.Fatalf("seed text: %v", err)
	}

	if _, err := f.Run(context.Background(), s, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, err := db.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != workflowdb.StatusCompleted {
		t.Fatalf("got status %q, want completed", run.Status)
	}
	if run.TotalSteps != 2 {
		t.Fatalf("got total_steps %d, want 2", run.TotalSteps)
	}

	events, err := db.GetEvents(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	if events[0].Event != workflowdb.EventFlowStart {
		t.Fatalf("first event should be flow_start, got %q", events[0].Event)
	}
	last := events[len(events)-1]
	if last.Event != workflowdb.EventFlowEnd {
		t.Fatalf("last event should be flow_end, got %q", last.Event)
	}
	if last.Action != "done" {
		t.Fatalf("flow_end should record the terminating node's action, got %q", last.Action)
	}

	checkpoints, err := db.GetCheckpoints(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("GetCheckpoints: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(checkpoints))
	}
	if checkpoints[0].Step != 0 || checkpoints[1].Step != 1 {
		t.Fatalf("checkpoints should be steps 0 and 1, got %d and %d", checkpoints[0].Step, checkpoints[1].Step)
	}
}

// routerSpec lets a test choose the action a node returns, to exercise
// wildcard-edge resolution.
type routerSpec struct {
	node.Base
	action node.Action
}

func (r *routerSpec) Exec(ctx context.Context, prep any) (any, error) { return nil, nil }
func (r *routerSpec) Post(ctx context.Context, s *store.Store, prep, exec any) (node.Action, error) {
	return r.action, nil
}

type noopSpec struct{ node.Base }

func (noopSpec) Exec(ctx context.Context, prep any) (any, error) { return nil, nil }

func TestWildcardFallback(t *testing.T) {
	spec := &routerSpec{action: "error"}
	a := node.New(spec, node.WithName("A"))
	b := node.New(noopSpec{}, node.WithName("B"))
	c := node.New(noopSpec{}, node.WithName("C"))
	a.Then("ok", b)
	a.Then(node.Wildcard, c)

	if got := a.Successor(spec.action); got != c {
		t.Fatalf("action %q with no exact edge should resolve to the wildcard successor", spec.action)
	}
}

func TestMaxStepsExceeded(t *testing.T) {
	a := node.New(noopSpec{}, node.WithName("A"))
	a.Then(node.ActionDefault, a) // self-loop

	f := New(a, WithMaxSteps(3))
	s := store.New("s", nil)

	_, err := f.Run(context.Background(), s, nil)
	if !errors.Is(err, errs.ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
}

func TestMaxStepsZeroDegenerateFlow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "degenerate.db")
	db, err := workflowdb.Open(dbPath)
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	defer db.Close()

	a := node.New(noopSpec{}, node.WithName("A"))
	f := New(a, WithMaxSteps(0), WithDB(db))
	s := store.New("s", nil)

	result, err := f.Run(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("max_steps=0 should complete successfully having run zero nodes, got %v", err)
	}
	if result != s {
		t.Fatal("expected the original store back unchanged")
	}

	runs, err := db.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(runs))
	}
	if runs[0].Status != workflowdb.StatusCompleted {
		t.Fatalf("got status %q, want completed", runs[0].Status)
	}
	if runs[0].TotalSteps != 0 {
		t.Fatalf("got total_steps %d, want 0", runs[0].TotalSteps)
	}
}

type slowSpec struct{ node.Base }

func (slowSpec) Exec(ctx context.Context, prep any) (any, error) {
	time.Sleep(100 * time.Millisecond)
	return nil, nil
}

func TestBackgroundCancel(t *testing.T) {
	first := node.New(slowSpec{}, node.WithName("N0"))
	current := first
	for i := 1; i < 10; i++ {
		next := node.New(slowSpec{})
		current.Then(node.ActionDefault, next)
		current = next
	}

	f := New(first, WithMaxSteps(100))
	s := store.New("s", nil)

	h, err := f.RunBackground(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	h.Cancel()

	result, err := h.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result == nil {
		t.Fatal("expected the partial store back")
	}
}
