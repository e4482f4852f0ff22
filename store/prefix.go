package store

import (
	"context"
)

// NewWithPrefix wraps the store s by one which will prefix all table names by
// prefix. This provides a way to namespace the tables, and to share the same
// underlying store among a group of users, e.g. "test_" and "prod_".
// If s is also a Provisioner, so is the returned store.
func NewWithPrefix(s Store, prefix string) Store {
	ps := prefixstore{s: s, p: prefix}
	if prov, ok := s.(Provisioner); ok {
		return provisioningPrefixStore{prefixstore: ps, prov: prov}
	}
	return ps
}

type prefixstore struct {
	s Store  // the store being wrapped
	p string // the prefix for our table names
}

func (ps prefixstore) Get(ctx context.Context, table string, key Item, in *GetInput) (Item, error) {
	return ps.s.Get(ctx, ps.p+table, key, in)
}

func (ps prefixstore) Put(ctx context.Context, table string, in *PutInput) (Item, error) {
	return ps.s.Put(ctx, ps.p+table, in)
}

func (ps prefixstore) Update(ctx context.Context, table string, key Item, in *UpdateInput) (Item, error) {
	return ps.s.Update(ctx, ps.p+table, key, in)
}

func (ps prefixstore) Delete(ctx context.Context, table string, key Item, in *DeleteInput) (Item, error) {
	return ps.s.Delete(ctx, ps.p+table, key, in)
}

type provisioningPrefixStore struct {
	prefixstore
	prov Provisioner
}

func (ps provisioningPrefixStore) CreateTable(ctx context.Context, schema Schema) error {
	schema.Table = ps.p + schema.Table
	return ps.prov.CreateTable(ctx, schema)
}
