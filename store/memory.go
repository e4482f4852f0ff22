package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing. Tables must be created before they are used.
type Memory struct {
	m      sync.RWMutex
	tables map[string]*memtable
}

type memtable struct {
	schema Schema
	items  map[string]Item // canonical key -> item
}

var (
	// ensure Memory satisfies the Store and Provisioner interfaces
	_ Store       = &Memory{}
	_ Provisioner = &Memory{}
)

// NewMemory returns a new memory store with no tables.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memtable)}
}

// CreateTable adds an empty table. It is not an error if the table already
// exists, in which case its contents are kept.
func (ms *Memory) CreateTable(ctx context.Context, schema Schema) error {
	if schema.Table == "" || schema.HashKey.Name == "" {
		return errors.New("memory: schema needs a table name and a hash key")
	}
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.tables[schema.Table]; !ok {
		ms.tables[schema.Table] = &memtable{schema: schema, items: make(map[string]Item)}
	}
	return nil
}

// table returns the named table. Assumes caller holds ms.m.
func (ms *Memory) table(name string) (*memtable, error) {
	t, ok := ms.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrNoTable, "memory: %s", name)
	}
	return t, nil
}

// Get returns a copy of the item with the given key. Every read is
// consistent.
func (ms *Memory) Get(ctx context.Context, table string, key Item, in *GetInput) (Item, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t, err := ms.table(table)
	if err != nil {
		return nil, err
	}
	k, err := keyString(t.schema, key)
	if err != nil {
		return nil, err
	}
	return NormalizeItem(t.items[k]), nil
}

// Put replaces the item, subject to its condition.
func (ms *Memory) Put(ctx context.Context, table string, in *PutInput) (Item, error) {
	if in == nil {
		in = &PutInput{}
	}
	ms.m.Lock()
	defer ms.m.Unlock()
	t, err := ms.table(table)
	if err != nil {
		return nil, err
	}
	key, err := extractKey(t.schema, in.Item)
	if err != nil {
		return nil, err
	}
	k, err := keyString(t.schema, key)
	if err != nil {
		return nil, err
	}
	next, out, err := evalPut(t.schema, t.items[k], in)
	if err != nil {
		return nil, err
	}
	t.items[k] = next
	return out, nil
}

// Update changes the item in place, creating it if necessary.
func (ms *Memory) Update(ctx context.Context, table string, key Item, in *UpdateInput) (Item, error) {
	if in == nil {
		in = &UpdateInput{}
	}
	ms.m.Lock()
	defer ms.m.Unlock()
	t, err := ms.table(table)
	if err != nil {
		return nil, err
	}
	k, err := keyString(t.schema, key)
	if err != nil {
		return nil, err
	}
	next, out, err := evalUpdate(t.schema, key, t.items[k], in)
	if err != nil {
		return nil, err
	}
	t.items[k] = next
	return out, nil
}

// Delete removes the item, subject to its condition. It is not an error if
// the item does not exist.
func (ms *Memory) Delete(ctx context.Context, table string, key Item, in *DeleteInput) (Item, error) {
	if in == nil {
		in = &DeleteInput{}
	}
	ms.m.Lock()
	defer ms.m.Unlock()
	t, err := ms.table(table)
	if err != nil {
		return nil, err
	}
	k, err := keyString(t.schema, key)
	if err != nil {
		return nil, err
	}
	out, err := evalDelete(t.items[k], in)
	if err != nil {
		return nil, err
	}
	delete(t.items, k)
	return out, nil
}

// Len returns the number of items in the given table.
func (ms *Memory) Len(table string) int {
	ms.m.RLock()
	defer ms.m.RUnlock()
	t, ok := ms.tables[table]
	if !ok {
		return 0
	}
	return len(t.items)
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	var names []string
	for name := range ms.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := ms.tables[name]
		var keys []string
		for k := range t.items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s %s: %v\n", name, k, t.items[k])
		}
	}
}
