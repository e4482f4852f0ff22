// Package item binds a table name and a key to a store, so that the rest of
// the code can read and write "this item" without repeating where it lives.
package item

import (
	"context"
	"fmt"

	"github.com/ndlib/dyntx/store"
)

// A Ref is a reference to a single item: a store, a table, and a key. The
// table and key never change after the Ref is made. A Ref holds no other
// state and is safe for concurrent use if its store is.
type Ref struct {
	s     store.Store
	table string
	key   store.Item
}

// NewRef returns a reference to the item with the given key in the given
// table. The key is copied.
func NewRef(s store.Store, table string, key store.Item) *Ref {
	return &Ref{s: s, table: table, key: store.NormalizeItem(key)}
}

// Table returns the name of the table holding the item.
func (r *Ref) Table() string { return r.table }

// Key returns a copy of the item's key.
func (r *Ref) Key() store.Item { return store.NormalizeItem(r.key) }

// Store returns the store the item lives in.
func (r *Ref) Store() store.Store { return r.s }

func (r *Ref) String() string {
	return fmt.Sprintf("%s%v", r.table, r.key)
}

// Get reads the item. It returns nil if the item does not exist.
func (r *Ref) Get(ctx context.Context, in *store.GetInput) (store.Item, error) {
	return r.s.Get(ctx, r.table, r.key, in)
}

// Put replaces the item. The key attributes are written over whatever
// in.Item holds for them. in is not modified.
func (r *Ref) Put(ctx context.Context, in *store.PutInput) (store.Item, error) {
	var put store.PutInput
	if in != nil {
		put = *in
	}
	merged := make(store.Item, len(put.Item)+len(r.key))
	for k, v := range put.Item {
		merged[k] = v
	}
	for k, v := range r.key {
		merged[k] = v
	}
	put.Item = merged
	return r.s.Put(ctx, r.table, &put)
}

// Update changes the item in place.
func (r *Ref) Update(ctx context.Context, in *store.UpdateInput) (store.Item, error) {
	return r.s.Update(ctx, r.table, r.key, in)
}

// Delete removes the item.
func (r *Ref) Delete(ctx context.Context, in *store.DeleteInput) (store.Item, error) {
	return r.s.Delete(ctx, r.table, r.key, in)
}
