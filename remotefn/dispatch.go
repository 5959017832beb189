// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// ScalarFunction is the invocation contract shared by local function
// implementations and remote call adapters: given a batch of argument
// vectors, produce one output vector of the declared return type whose
// length equals the input row count, or fail.
type ScalarFunction interface {
	// Signatures returns the overloads this function accepts.
	Signatures() []Signature
	// Eval evaluates the function over the argument batch. call may carry
	// request-scoped state (request ID, client-directed logging); it is
	// never nil when invoked through a Service or Catalog.
	Eval(ctx context.Context, call *CallContext, args arrow.RecordBatch) (arrow.Array, error)
}

// DispatchTable maps (name, signature) to a function implementation. It is
// assembled at server startup from whatever function library the hosting
// process links in, frozen when a Service starts serving, and read-only
// thereafter, so lookups need no locking on the hot path.
type DispatchTable struct {
	mu      sync.Mutex
	frozen  bool
	entries map[string]map[string]ScalarFunction // name -> signature key -> fn
}

// NewDispatchTable creates an empty dispatch table.
func NewDispatchTable() *DispatchTable {
	return &DispatchTable{
		entries: make(map[string]map[string]ScalarFunction),
	}
}

// Register adds fn under name for every signature it declares.
// Registering after a Service has started serving, or registering a
// duplicate (name, signature) pair, is an error.
func (t *DispatchTable) Register(name string, fn ScalarFunction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return fmt.Errorf("remotefn: dispatch table is frozen, cannot register %q", name)
	}
	sigs := fn.Signatures()
	if len(sigs) == 0 {
		return fmt.Errorf("remotefn: function %q declares no signatures", name)
	}
	byKey := t.entries[name]
	if byKey == nil {
		byKey = make(map[string]ScalarFunction)
		t.entries[name] = byKey
	}
	for _, sig := range sigs {
		key := sig.Key()
		if _, dup := byKey[key]; dup {
			return fmt.Errorf("remotefn: duplicate registration for %q %s", name, key)
		}
		byKey[key] = fn
	}
	return nil
}

// MustRegister is Register panicking on error, for startup wiring.
func (t *DispatchTable) MustRegister(name string, fn ScalarFunction) {
	if err := t.Register(name, fn); err != nil {
		panic(err)
	}
}

// freeze marks the table read-only. Called by Service before serving.
func (t *DispatchTable) freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// lookup resolves a function by name and argument batch column types,
// returning the matched signature. nameFound distinguishes an unknown
// function from a signature mismatch.
func (t *DispatchTable) lookup(name string, args arrow.RecordBatch) (fn ScalarFunction, sig Signature, nameFound bool) {
	byKey, ok := t.entries[name]
	if !ok {
		return nil, Signature{}, false
	}
	for _, candidate := range byKey {
		for _, s := range candidate.Signatures() {
			if s.MatchesBatch(args) {
				return candidate, s, true
			}
		}
	}
	return nil, Signature{}, true
}

// Names returns the sorted registered function names.
func (t *DispatchTable) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
