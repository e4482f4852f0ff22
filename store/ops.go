package store

import (
	"github.com/pkg/errors"
)

// The functions in this file compute the outcome of a write given the current
// state of an item. They do no I/O; the Memory and SQL stores load the current
// item, call one of these, and then save the result.

func checkReturnValues(rv ReturnValues, allowed ...ReturnValues) error {
	if rv == "" || rv == ReturnNone {
		return nil
	}
	for _, a := range allowed {
		if rv == a {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidReturnValues, "%s", rv)
}

// testCondition evaluates cond against old, which is nil for an absent item.
func testCondition(cond condition, old Item) error {
	if old == nil {
		old = Item{}
	}
	if !cond(old) {
		return ErrConditionFailed
	}
	return nil
}

// evalPut returns the item to store and the item to return for a put.
func evalPut(schema Schema, old Item, in *PutInput) (Item, Item, error) {
	if err := checkReturnValues(in.ReturnValues, ReturnAllOld); err != nil {
		return nil, nil, err
	}
	if _, err := extractKey(schema, in.Item); err != nil {
		return nil, nil, err
	}
	p := newPlaceholders(in.Names, in.Values)
	cond, err := compileCondition(in.ConditionExpression, p)
	if err != nil {
		return nil, nil, err
	}
	if err := p.checkUnused(); err != nil {
		return nil, nil, err
	}
	if err := testCondition(cond, old); err != nil {
		return nil, nil, err
	}
	var out Item
	if in.ReturnValues == ReturnAllOld {
		out = NormalizeItem(old)
	}
	return NormalizeItem(in.Item), out, nil
}

// evalUpdate returns the item to store and the item to return for an update.
// key must already be validated against schema.
func evalUpdate(schema Schema, key Item, old Item, in *UpdateInput) (Item, Item, error) {
	err := checkReturnValues(in.ReturnValues, ReturnAllOld, ReturnAllNew, ReturnUpdatedOld, ReturnUpdatedNew)
	if err != nil {
		return nil, nil, err
	}
	p := newPlaceholders(in.Names, in.Values)
	actions, err := compileUpdate(in.UpdateExpression, p)
	if err != nil {
		return nil, nil, err
	}
	cond, err := compileCondition(in.ConditionExpression, p)
	if err != nil {
		return nil, nil, err
	}
	if err := p.checkUnused(); err != nil {
		return nil, nil, err
	}
	if err := testCondition(cond, old); err != nil {
		return nil, nil, err
	}

	base := NormalizeItem(old)
	if base == nil {
		base = NormalizeItem(key)
	}
	keynames := make(map[string]bool)
	for _, name := range schema.KeyNames() {
		keynames[name] = true
	}
	type change struct {
		attr   string
		value  interface{}
		remove bool
	}
	var changes []change
	for _, a := range actions {
		if keynames[a.attr] {
			return nil, nil, errors.Wrapf(ErrInvalidExpression, "cannot update key attribute %s", a.attr)
		}
		v, remove, err := a.eval(base)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, change{a.attr, v, remove})
	}
	next := NormalizeItem(base)
	for _, c := range changes {
		if c.remove {
			delete(next, c.attr)
			continue
		}
		next[c.attr] = Normalize(c.value)
	}

	var out Item
	switch in.ReturnValues {
	case ReturnAllOld:
		out = NormalizeItem(old)
	case ReturnAllNew:
		out = NormalizeItem(next)
	case ReturnUpdatedOld, ReturnUpdatedNew:
		src := old
		if in.ReturnValues == ReturnUpdatedNew {
			src = next
		}
		out = make(Item)
		for _, c := range changes {
			if v, ok := src[c.attr]; ok {
				out[c.attr] = Normalize(v)
			}
		}
	}
	return next, out, nil
}

// evalDelete checks the condition for a delete and returns the item to return.
func evalDelete(old Item, in *DeleteInput) (Item, error) {
	if err := checkReturnValues(in.ReturnValues, ReturnAllOld); err != nil {
		return nil, err
	}
	p := newPlaceholders(in.Names, in.Values)
	cond, err := compileCondition(in.ConditionExpression, p)
	if err != nil {
		return nil, err
	}
	if err := p.checkUnused(); err != nil {
		return nil, err
	}
	if err := testCondition(cond, old); err != nil {
		return nil, err
	}
	if in.ReturnValues == ReturnAllOld {
		return NormalizeItem(old), nil
	}
	return nil, nil
}
