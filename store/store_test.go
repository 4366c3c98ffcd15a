package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nanoflow/nanoflow/errs"
)

func TestGetMissingKey(t *testing.T) {
	s := New("s", nil)
	if _, err := s.Get("missing"); !errors.Is(err, errs.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestSetAndGet(t *testing.T) {
	s := New("s", nil)
	if err := s.Set("text", String("hi")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get("text")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.AsString() != "hi" {
		t.Fatalf("got %q, want %q", v.AsString(), "hi")
	}
	if !s.Contains("text") {
		t.Fatal("Contains should be true after Set")
	}
}

func TestSchemaViolationLeavesPreviousValue(t *testing.T) {
	s := New("s", map[string]SchemaEntry{"n": {Kind: KindInt}})
	if err := s.Set("n", Int(3)); err != nil {
		t.Fatalf("initial set: %v", err)
	}

	fired := false
	s.AddObserver(func(key string, old, new Value) { fired = true })

	err := s.Set("n", String("3"))
	if !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	v, err := s.Get("n")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.AsInt() != 3 {
		t.Fatalf("value should be unchanged, got %v", v)
	}
	if fired {
		t.Fatal("observer must not fire on a rejected write")
	}
}

func TestBoolDoesNotSatisfyIntSchema(t *testing.T) {
	s := New("s", map[string]SchemaEntry{"flag": {Kind: KindInt}})
	if err := s.Set("flag", Bool(true)); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("bool must not satisfy an int schema, got %v", err)
	}
}

func TestIntSatisfiesFloatOnlyWithWidening(t *testing.T) {
	strict := New("s", map[string]SchemaEntry{"x": {Kind: KindFloat}})
	if err := strict.Set("x", Int(3)); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("strict float schema must reject int, got %v", err)
	}

	widened := New("s", map[string]SchemaEntry{"x": {Kind: KindFloat, AllowIntToFloat: true}})
	if err := widened.Set("x", Int(3)); err != nil {
		t.Fatalf("widened float schema should accept int: %v", err)
	}
}

func TestNullAcceptedOnlyWhenSchemaPermits(t *testing.T) {
	s := New("s", map[string]SchemaEntry{"req": {Kind: KindString}})
	if err := s.Set("req", Null()); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for null on string schema, got %v", err)
	}

	nullable := New("s", map[string]SchemaEntry{"opt": {Kind: KindNull}})
	if err := nullable.Set("opt", Null()); err != nil {
		t.Fatalf("null-tagged schema should accept null: %v", err)
	}

	unconstrained := New("s", nil)
	if err := unconstrained.Set("anything", Null()); err != nil {
		t.Fatalf("unconstrained key should accept null: %v", err)
	}
}

func TestObserverDispatchOrderAndCount(t *testing.T) {
	s := New("s", nil)
	var calls []string
	s.AddObserver(func(key string, old, new Value) { calls = append(calls, "first:"+key) })
	s.AddObserver(func(key string, old, new Value) { calls = append(calls, "second:"+key) })

	if err := s.Set("a", Int(1)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("b", Int(2)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := []string{"first:a", "second:a", "first:b", "second:b"}
	if len(calls) != len(want) {
		t.Fatalf("got %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("got %v, want %v", calls, want)
		}
	}
}

func TestObserverPanicDoesNotFailWrite(t *testing.T) {
	s := New("s", nil)
	s.AddObserver(func(key string, old, new Value) { panic("boom") })
	if err := s.Set("k", Int(1)); err != nil {
		t.Fatalf("Set should succeed despite observer panic: %v", err)
	}
	v, err := s.Get("k")
	if err != nil || v.AsInt() != 1 {
		t.Fatalf("write should have gone through: v=%v err=%v", v, err)
	}
}

func TestRemoveObserver(t *testing.T) {
	s := New("s", nil)
	count := 0
	h := s.AddObserver(func(key string, old, new Value) { count++ })
	s.RemoveObserver(h)
	if err := s.Set("k", Int(1)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if count != 0 {
		t.Fatalf("removed observer should not fire, count=%d", count)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New("my-store", map[string]SchemaEntry{"n": {Kind: KindInt}})
	if err := s.Set("n", Int(7)); err != nil {
		t.Fatalf("Set n: %v", err)
	}
	nested := NewMap()
	nested.Set("inner", String("v"))
	if err := s.Set("m", Map(nested)); err != nil {
		t.Fatalf("Set m: %v", err)
	}
	if err := s.Set("list", List(Int(1), Int(2), Int(3))); err != nil {
		t.Fatalf("Set list: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "snap.json")
	if err := s.Snapshot(path); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	restored, err := Restore(path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	wantJSON, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON original: %v", err)
	}
	gotJSON, err := restored.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON restored: %v", err)
	}
	if string(wantJSON) != string(gotJSON) {
		t.Fatalf("round trip mismatch:\n got:  %s\n want: %s", gotJSON, wantJSON)
	}

	if err := restored.Set("n", String("bad")); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("restored schema should still be enforced, got %v", err)
	}
}

func TestMarshalJSONDeterministicKeyOrder(t *testing.T) {
	s := New("s", nil)
	s.Set("z", Int(1))
	s.Set("a", Int(2))
	s.Set("m", Int(3))

	b1, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	b2, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("snapshot output should be deterministic:\n%s\n%s", b1, b2)
	}
}
