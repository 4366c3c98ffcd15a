// Package store implements the typed, observable, serialisable shared
// state (Store) that is the only channel through which nodes in a Flow
// exchange data.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/nanoflow/nanoflow/errs"
)

// SchemaEntry constrains the value type a key may hold. AllowIntToFloat is
// a Go-only extension of the spec's strict-match default: a Float entry
// with AllowIntToFloat set also accepts Int values (numeric widening).
type SchemaEntry struct {
	Kind            TypeKind
	AllowIntToFloat bool
}

// Observer is notified synchronously, in registration order, after every
// successful Set — before Set returns to its caller.
type Observer func(key string, oldValue, newValue Value)

// ObserverHandle identifies a previously registered Observer so it can be
// removed later. Go func values are not comparable, so AddObserver hands
// back an opaque handle rather than requiring identity comparison.
type ObserverHandle int

type observerEntry struct {
	id int
	fn Observer
}

// Store is a keyed mapping from string to Value, with an optional per-key
// schema and an ordered list of write observers.
type Store struct {
	mu             sync.RWMutex
	name           string
	schema         map[string]SchemaEntry
	data           *orderedmap.OrderedMap[string, Value]
	observers      []observerEntry
	nextObserverID int
}

// New creates an empty Store. schema may be nil.
func New(name string, schema map[string]SchemaEntry) *Store {
	if schema == nil {
		schema = map[string]SchemaEntry{}
	}
	return &Store{
		name:   name,
		schema: schema,
		data:   orderedmap.New[string, Value](),
	}
}

func (s *Store) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Get returns the value bound to key, or ErrMissingKey if absent.
func (s *Store) Get(key string) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.Get(key)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", errs.ErrMissingKey, key)
	}
	return v, nil
}

// Contains reports whether key has been written.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Get(key)
	return ok
}

// Set assigns value to key. If key is schema-bound, the value's kind must
// match (or, for a Float entry with AllowIntToFloat, be Int) or Set returns
// ErrTypeMismatch without mutating the Store. On success, every registered
// observer is invoked with (key, old, new) in registration order before Set
// returns; an observer panic is recovered and logged, never failing the
// write.
func (s *Store) Set(key string, value Value) error {
	s.mu.Lock()
	if entry, bound := s.schema[key]; bound && !typeMatches(entry, value) {
		s.mu.Unlock()
		return fmt.Errorf("%w: key %q expects %s, got %s", errs.ErrTypeMismatch, key, entry.Kind, value.Kind())
	}

	old, hadOld := s.data.Get(key)
	s.data.Set(key, value)
	observers := make([]observerEntry, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	oldValue := Null()
	if hadOld {
		oldValue = old
	}
	for _, obs := range observers {
		fireObserver(obs.fn, key, oldValue, value)
	}
	return nil
}

func fireObserver(fn Observer, key string, old, new Value) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("store: observer for key %q panicked: %v", key, r)
		}
	}()
	fn(key, old, new)
}

func typeMatches(entry SchemaEntry, v Value) bool {
	if v.Kind() == KindNull {
		return entry.Kind == KindNull
	}
	if v.Kind() == entry.Kind {
		return true
	}
	if entry.Kind == KindFloat && v.Kind() == KindInt && entry.AllowIntToFloat {
		return true
	}
	return false
}

// AddObserver registers fn and returns a handle usable with RemoveObserver.
func (s *Store) AddObserver(fn Observer) ObserverHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObserverID++
	id := s.nextObserverID
	s.observers = append(s.observers, observerEntry{id: id, fn: fn})
	return ObserverHandle(id)
}

// RemoveObserver unregisters the observer identified by h. A no-op if h is
// unknown or was already removed.
func (s *Store) RemoveObserver(h ObserverHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, obs := range s.observers {
		if obs.id == int(h) {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// Snapshot atomically writes {name, schema, data} to path as JSON,
// creating parent directories as needed.
func (s *Store) Snapshot(path string) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: marshal store %q: %v", errs.ErrIO, s.name, err)
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", errs.ErrIO, dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", errs.ErrIO, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", errs.ErrIO, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close %s: %v", errs.ErrIO, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename to %s: %v", errs.ErrIO, path, err)
	}
	return nil
}

// Restore reconstructs a Store from a file written by Snapshot.
func Restore(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrIO, path, err)
	}
	s := New("", nil)
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", errs.ErrMalformed, path, err)
	}
	return s, nil
}

// MarshalJSON writes {"name":..., "schema":{key:typeTag}, "data":{...}},
// with schema keys sorted for determinism and data keys in insertion order.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := &bytes.Buffer{}
	buf.WriteString(`{"name":`)
	nameJSON, err := json.Marshal(s.name)
	if err != nil {
		return nil, err
	}
	buf.Write(nameJSON)

	buf.WriteString(`,"schema":{`)
	keys := make([]string, 0, len(s.schema))
	for k := range s.schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kJSON, _ := json.Marshal(k)
		buf.Write(kJSON)
		buf.WriteByte(':')
		tagJSON, _ := json.Marshal(string(s.schema[k].Kind))
		buf.Write(tagJSON)
	}
	buf.WriteString(`},"data":{`)

	i := 0
	for pair := s.data.Oldest(); pair != nil; pair = pair.Next() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kJSON, _ := json.Marshal(pair.Key)
		buf.Write(kJSON)
		buf.WriteByte(':')
		vJSON, err := pair.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vJSON)
		i++
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// UnmarshalJSON parses the format written by MarshalJSON, preserving data
// key order exactly (required for a faithful snapshot/restore round-trip).
func (s *Store) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: expected a JSON object", errs.ErrMalformed)
	}

	var name string
	schema := map[string]SchemaEntry{}
	dataMap := orderedmap.New[string, Value]()

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		switch key {
		case "name":
			t, err := dec.Token()
			if err != nil {
				return err
			}
			name, _ = t.(string)
		case "schema":
			t, err := dec.Token()
			if err != nil {
				return err
			}
			d, ok := t.(json.Delim)
			if !ok || d != '{' {
				return fmt.Errorf("%w: schema must be an object", errs.ErrMalformed)
			}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return err
				}
				k, _ := kt.(string)
				vt, err := dec.Token()
				if err != nil {
					return err
				}
				tag, _ := vt.(string)
				schema[k] = SchemaEntry{Kind: TypeKind(tag)}
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return err
			}
		case "data":
			v, err := decodeValue(dec)
			if err != nil {
				return err
			}
			if v.Kind() != KindMap {
				return fmt.Errorf("%w: data must be an object", errs.ErrMalformed)
			}
			dataMap = v.AsMap()
		default:
			if _, err := decodeValue(dec); err != nil {
				return err
			}
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return err
	}

	s.mu.Lock()
	s.name = name
	s.schema = schema
	s.data = dataMap
	s.observers = nil
	s.nextObserverID = 0
	s.mu.Unlock()
	return nil
}
