// Package optlock implements optimistic concurrency control for a single
// item. Every write made through a Lock carries the condition that the item's
// _version attribute still holds the value the Lock last saw, and bumps it by
// one. A writer holding a stale version has its write rejected by the store
// with a condition failure, and may re-read and try again.
package optlock

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/expr"
	"github.com/ndlib/dyntx/item"
	"github.com/ndlib/dyntx/store"
)

// VersionAttribute is the name of the attribute holding an item's version.
// An item without it is at version 0.
const VersionAttribute = "_version"

// The placeholders a Lock adds to every request. Callers may not use them.
const (
	versionName         = "#_version"
	previousVersionName = ":_previous_version"
	nextVersionName     = ":_next_version"
)

const lockCondition = "(#_version = :_previous_version OR attribute_not_exists(#_version))"

// ErrReservedPlaceholder means a request used one of the placeholders the
// lock reserves for itself.
var ErrReservedPlaceholder = errors.New("reserved expression placeholder")

// A Lock caches the version of one item and conditions every write on it.
// The cached version is unknown until the first read or write.
//
// A Lock is not safe for concurrent use. Each actor working on an item
// should have its own Lock.
type Lock struct {
	ref     *item.Ref
	version int64
	known   bool
}

// New returns a Lock on the given item with no cached version.
func New(ref *item.Ref) *Lock {
	return &Lock{ref: ref}
}

// Ref returns the item the lock is on.
func (l *Lock) Ref() *item.Ref { return l.ref }

// Version returns the cached version. The second return value is false if
// the version is not known.
func (l *Lock) Version() (int64, bool) {
	return l.version, l.known
}

// Get does a consistent read of the item and caches its version. It returns
// nil if the item does not exist.
func (l *Lock) Get(ctx context.Context, in *store.GetInput) (store.Item, error) {
	var get store.GetInput
	if in != nil {
		get = *in
	}
	get.ConsistentRead = true
	result, err := l.ref.Get(ctx, &get)
	if err != nil {
		return nil, err
	}
	l.version = 0
	if v, ok := store.Int64(result[VersionAttribute]); ok {
		l.version = v
	}
	l.known = true
	return result, nil
}

func (l *Lock) ensureVersion(ctx context.Context) error {
	if l.known {
		return nil
	}
	_, err := l.Get(ctx, nil)
	return err
}

// Put replaces the item, provided its version has not changed since it was
// last seen. The new item gets the next version. The caller's condition, if
// any, must also hold.
func (l *Lock) Put(ctx context.Context, in *store.PutInput) (store.Item, error) {
	var put store.PutInput
	if in != nil {
		put = *in
	}
	if err := checkReserved(put.Names, put.Values); err != nil {
		return nil, err
	}
	if err := l.ensureVersion(ctx); err != nil {
		return nil, err
	}
	next := make(store.Item, len(put.Item)+1)
	for k, v := range put.Item {
		next[k] = v
	}
	next[VersionAttribute] = l.version + 1
	put.Item = next
	put.ConditionExpression, put.Names, put.Values = l.condition(put.ConditionExpression, put.Names, put.Values)
	result, err := l.ref.Put(ctx, &put)
	if err != nil {
		return nil, err
	}
	l.version++
	return result, nil
}

// Update changes the item in place, provided its version has not changed
// since it was last seen. The version is advanced along with the caller's
// changes.
func (l *Lock) Update(ctx context.Context, in *store.UpdateInput) (store.Item, error) {
	var update store.UpdateInput
	if in != nil {
		update = *in
	}
	if err := checkReserved(update.Names, update.Values); err != nil {
		return nil, err
	}
	if err := l.ensureVersion(ctx); err != nil {
		return nil, err
	}
	update.UpdateExpression = expr.Compose(update.UpdateExpression, "SET #_version = :_next_version")
	update.ConditionExpression, update.Names, update.Values = l.condition(update.ConditionExpression, update.Names, update.Values)
	update.Values[nextVersionName] = l.version + 1
	result, err := l.ref.Update(ctx, &update)
	if err != nil {
		return nil, err
	}
	l.version++
	return result, nil
}

// Delete removes the item, provided its version has not changed since it was
// last seen. Afterwards the cached version is unknown.
func (l *Lock) Delete(ctx context.Context, in *store.DeleteInput) (store.Item, error) {
	var del store.DeleteInput
	if in != nil {
		del = *in
	}
	if err := checkReserved(del.Names, del.Values); err != nil {
		return nil, err
	}
	if err := l.ensureVersion(ctx); err != nil {
		return nil, err
	}
	del.ConditionExpression, del.Names, del.Values = l.condition(del.ConditionExpression, del.Names, del.Values)
	result, err := l.ref.Delete(ctx, &del)
	if err != nil {
		return nil, err
	}
	l.version = 0
	l.known = false
	return result, nil
}

// condition returns the caller's condition ANDed with the version check, and
// copies of the placeholder maps with the lock's entries added.
func (l *Lock) condition(cond string, names map[string]string, values map[string]interface{}) (string, map[string]string, map[string]interface{}) {
	c := lockCondition
	if cond != "" {
		c += " AND (" + cond + ")"
	}
	n := make(map[string]string, len(names)+1)
	for k, v := range names {
		n[k] = v
	}
	n[versionName] = VersionAttribute
	v := make(map[string]interface{}, len(values)+2)
	for k, x := range values {
		v[k] = x
	}
	v[previousVersionName] = l.version
	return c, n, v
}

func checkReserved(names map[string]string, values map[string]interface{}) error {
	if _, ok := names[versionName]; ok {
		return errors.Wrap(ErrReservedPlaceholder, versionName)
	}
	for _, k := range []string{previousVersionName, nextVersionName} {
		if _, ok := values[k]; ok {
			return errors.Wrap(ErrReservedPlaceholder, k)
		}
	}
	return nil
}
