package main

import (
	"context"
	"io"
	"log"

	"github.com/antonholmquist/jason"
	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/item"
	"github.com/ndlib/dyntx/store"
	"github.com/ndlib/dyntx/transaction"
	"github.com/ndlib/dyntx/util"
)

// An operation is one item's change in a transaction.
type operation struct {
	Op     transaction.Op
	Table  string
	Key    store.Item
	Params transaction.Params
}

// A coordinator runs transactions: it locks every item, applies every
// change, and then unlocks every item. If anything fails before the unlock
// step, every participant which got a lock is rolled back.
//
// The coordinator does not order its locks, so two transactions sharing
// items may both fail with lock contention. Retrying is up to the caller.
type coordinator struct {
	reg   *transaction.Registry
	store store.Store
	gate  util.Gate
}

func newCoordinator(reg *transaction.Registry, s store.Store, concurrency int) *coordinator {
	return &coordinator{
		reg:   reg,
		store: s,
		gate:  util.NewGate(concurrency),
	}
}

// Run executes the operations as the transaction txID.
func (c *coordinator) Run(ctx context.Context, txID string, ops []operation) error {
	if len(ops) == 0 {
		return errors.New("transaction has no operations")
	}
	ps := make([]*transaction.Participant, len(ops))
	seen := make(map[string]bool)
	for i, op := range ops {
		p, err := c.reg.Participant(txID, item.NewRef(c.store, op.Table, op.Key), op.Op, op.Params)
		if err != nil {
			return errors.Wrapf(err, "operation %d", i)
		}
		if seen[p.ID()] {
			return errors.Errorf("operation %d: %s appears more than once", i, p.Ref())
		}
		seen[p.ID()] = true
		ps[i] = p
	}

	err := c.each(ctx, ps, (*transaction.Participant).Lock)
	if err == nil {
		err = c.each(ctx, ps, (*transaction.Participant).Apply)
	}
	if err != nil {
		c.rollback(txID, ps)
		return err
	}
	// past this point a failure cannot be rolled back since some items may
	// already be unlocked
	err = c.each(ctx, ps, (*transaction.Participant).Unlock)
	if err != nil {
		report(err, txID, "unlock")
	}
	return err
}

// each runs step on every participant, through the gate. It returns the
// first error, logging any others.
func (c *coordinator) each(ctx context.Context, ps []*transaction.Participant, step func(*transaction.Participant, context.Context) error) error {
	errs := c.gate.Run(ctx, len(ps), func(ctx context.Context, i int) error {
		return step(ps[i], ctx)
	})
	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		err = errors.Wrapf(err, "%s", ps[i].Ref())
		if first == nil {
			first = err
			continue
		}
		log.Println(err)
	}
	return first
}

// rollback rolls back every participant holding a lock. It does not use the
// caller's context, so a canceled transaction still releases its items.
func (c *coordinator) rollback(txID string, ps []*transaction.Participant) {
	ctx := context.Background()
	for _, p := range ps {
		switch p.State() {
		case transaction.StateLocked, transaction.StateApplied:
		default:
			continue
		}
		if err := p.Rollback(ctx); err != nil {
			report(errors.Wrapf(err, "rollback %s", p.Ref()), txID, "rollback")
		}
	}
}

func report(err error, txID, step string) {
	log.Println(err)
	raven.CaptureError(err, map[string]string{"TxID": txID, "Step": step})
}

// parseTx reads a transaction description in JSON:
//
//	{"id": "optional transaction id",
//	 "operations": [
//	   {"op": "put", "table": "T", "item": {"id": "a", "n": 1}},
//	   {"op": "update", "table": "T", "key": {"id": "b"},
//	    "update": "SET n = n + :one", "condition": "n < :ten",
//	    "values": {":one": 1, ":ten": 10}},
//	   {"op": "delete", "table": "T", "key": {"id": "c"}}
//	 ]}
//
// The key of a put comes from its item.
func parseTx(r io.Reader, conf *config) (string, []operation, error) {
	obj, err := jason.NewObjectFromReader(r)
	if err != nil {
		return "", nil, errors.Wrap(err, "reading transaction")
	}
	txID, _ := optionalString(obj, "id")
	list, err := obj.GetObjectArray("operations")
	if err != nil {
		return "", nil, errors.Wrap(err, "transaction needs a list of operations")
	}
	var ops []operation
	for i, o := range list {
		op, err := parseOperation(o, conf)
		if err != nil {
			return "", nil, errors.Wrapf(err, "operation %d", i)
		}
		ops = append(ops, op)
	}
	return txID, ops, nil
}

func parseOperation(o *jason.Object, conf *config) (operation, error) {
	var result operation
	name, err := o.GetString("op")
	if err != nil {
		return result, errors.Wrap(err, "op")
	}
	if result.Op, err = transaction.ParseOp(name); err != nil {
		return result, err
	}
	if result.Table, err = o.GetString("table"); err != nil {
		return result, errors.Wrap(err, "table")
	}
	var p transaction.Params
	if p.Item, err = optionalItem(o, "item"); err != nil {
		return result, err
	}
	if p.UpdateExpression, err = optionalString(o, "update"); err != nil {
		return result, err
	}
	if p.ConditionExpression, err = optionalString(o, "condition"); err != nil {
		return result, err
	}
	values, err := optionalItem(o, "values")
	if err != nil {
		return result, err
	}
	if values != nil {
		p.Values = map[string]interface{}(values)
	}
	if p.Names, err = optionalNames(o, "names"); err != nil {
		return result, err
	}
	result.Params = p

	key, err := optionalItem(o, "key")
	if err != nil {
		return result, err
	}
	if key == nil && result.Op == transaction.OpPut {
		key, err = conf.keyOf(result.Table, p.Item)
		if err != nil {
			return result, err
		}
	}
	if key == nil {
		return result, errors.Errorf("%s on %s needs a key", result.Op, result.Table)
	}
	result.Key = key
	return result, nil
}

// optionalString returns the string at key, or "" if there is none.
func optionalString(o *jason.Object, key string) (string, error) {
	v, err := o.GetValue(key)
	if err != nil {
		return "", nil
	}
	s, err := v.String()
	return s, errors.Wrap(err, key)
}

// optionalItem returns the object at key as an item, or nil if there is
// none.
func optionalItem(o *jason.Object, key string) (store.Item, error) {
	v, err := o.GetValue(key)
	if err != nil {
		return nil, nil
	}
	obj, err := v.Object()
	if err != nil {
		return nil, errors.Wrap(err, key)
	}
	return objectItem(obj), nil
}

func optionalNames(o *jason.Object, key string) (map[string]string, error) {
	v, err := o.GetValue(key)
	if err != nil {
		return nil, nil
	}
	obj, err := v.Object()
	if err != nil {
		return nil, errors.Wrap(err, key)
	}
	names := make(map[string]string)
	for k, x := range obj.Map() {
		s, err := x.String()
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", key, k)
		}
		names[k] = s
	}
	return names, nil
}

// objectItem converts a parsed JSON object into an item. Numbers are
// normalized to int64 or float64.
func objectItem(obj *jason.Object) store.Item {
	m, _ := obj.Interface().(map[string]interface{})
	return store.NormalizeItem(store.Item(m))
}

// parseItem parses a JSON object given on the command line.
func parseItem(arg string) (store.Item, error) {
	obj, err := jason.NewObjectFromBytes([]byte(arg))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q", arg)
	}
	return objectItem(obj), nil
}
