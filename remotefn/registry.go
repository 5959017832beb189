// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"fmt"
	"sync"
)

// Catalog is the engine-facing function catalog: a mapping from alias to an
// invocable function. Local implementations and remote adapters share the
// ScalarFunction contract, so expression evaluation does not care where a
// function executes.
type Catalog struct {
	mu    sync.RWMutex
	funcs map[string]ScalarFunction
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{funcs: make(map[string]ScalarFunction)}
}

// Register inserts fn under alias. Registering the same alias twice is an
// error; the engine's overload resolution happens inside one ScalarFunction.
func (c *Catalog) Register(alias string, fn ScalarFunction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.funcs[alias]; dup {
		return fmt.Errorf("remotefn: alias %q already registered", alias)
	}
	c.funcs[alias] = fn
	return nil
}

// Lookup resolves an alias to its function, if registered.
func (c *Catalog) Lookup(alias string) (ScalarFunction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[alias]
	return fn, ok
}

// RegisterRemoteFunction builds an Adapter for a function served at endpoint
// and inserts it into the catalog under alias. Subsequent evaluation of
// alias resolves to the adapter. The endpoint is not probed here;
// reachability is discovered at first call.
func RegisterRemoteFunction(c *Catalog, alias string, sigs []Signature, endpoint Endpoint, opts ...AdapterOption) (*Adapter, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("remotefn: registering %q: at least one signature is required", alias)
	}
	adapter := NewAdapter(alias, sigs, endpoint, opts...)
	if err := c.Register(alias, adapter); err != nil {
		return nil, err
	}
	return adapter, nil
}
