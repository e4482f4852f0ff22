package transaction

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/expr"
	"github.com/ndlib/dyntx/item"
	"github.com/ndlib/dyntx/optlock"
	"github.com/ndlib/dyntx/store"
)

// A Participant is one item's part in a transaction. Make them with
// Registry.Participant.
//
// A Participant is not safe for concurrent use, but the Participants of one
// transaction may be driven from different goroutines.
type Participant struct {
	txID    string
	op      Op
	params  Params
	imageID string

	itemLock  *optlock.Lock
	imageLock *optlock.Lock
	clock     clock.Clock

	state       State
	isTransient bool // the item did not exist before Lock
	isApplied   bool
}

// ID returns the participant's image id.
func (p *Participant) ID() string { return p.imageID }

// TxID returns the id of the transaction the participant belongs to.
func (p *Participant) TxID() string { return p.txID }

// Op returns the participant's operation.
func (p *Participant) Op() Op { return p.op }

// Ref returns the participant's item.
func (p *Participant) Ref() *item.Ref { return p.itemLock.Ref() }

// State returns where the participant is in the protocol.
func (p *Participant) State() State { return p.state }

// IsTransient is true if the item did not exist before it was locked.
func (p *Participant) IsTransient() bool { return p.isTransient }

// IsApplied is true once the operation has been applied.
func (p *Participant) IsApplied() bool { return p.isApplied }

func (p *Participant) invalid(step string) error {
	return errors.Wrapf(ErrInvalidState, "%s %s from state %s", step, p.Ref(), p.state)
}

func (p *Participant) now() string {
	return p.clock.Now().UTC().Format(time.RFC3339Nano)
}

// Lock takes ownership of the item for the transaction. An item which does
// not exist is created as a transient placeholder. For an existing item, an
// image of it is saved before it is marked as locked.
//
// If another transaction holds the item, Lock returns ErrLockContention and
// the participant is finished. Store errors, including condition failures
// from a racing writer, leave the participant unlocked so Lock may be tried
// again.
func (p *Participant) Lock(ctx context.Context) error {
	if p.state != StateUnlocked {
		return p.invalid("lock")
	}
	p.state = StateLocking
	current, err := p.itemLock.Get(ctx, nil)
	if err != nil {
		p.state = StateUnlocked
		return err
	}
	owner := current[TxIDAttribute]
	switch {
	case current == nil:
		err = p.createTransient(ctx)
	case !isOwner(owner):
		err = p.lockExisting(ctx, current)
	case owner == p.txID:
		p.state = StateUnlocked
		return errors.Wrapf(ErrInternalConsistency, "%s is already locked by this transaction %s", p.Ref(), p.txID)
	default:
		p.state = StateLockContended
		return errors.Wrapf(ErrLockContention, "%s is locked by %v", p.Ref(), owner)
	}
	if err != nil {
		p.state = StateUnlocked
		return err
	}
	p.state = StateLocked
	return nil
}

// isOwner is false for the zero values an unlocked item may carry in
// _tx_id: absent, nil, "" or false.
func isOwner(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	}
	return true
}

func (p *Participant) createTransient(ctx context.Context) error {
	_, err := p.itemLock.Put(ctx, &store.PutInput{
		Item: store.Item{
			TxIDAttribute:          p.txID,
			TxIsTransientAttribute: true,
			TxIsAppliedAttribute:   false,
			TxLockedAtAttribute:    p.now(),
		},
	})
	if err != nil {
		return err
	}
	p.isTransient = true
	return nil
}

// lockExisting saves the image and then marks the item. The mark is
// conditioned on the version read with the image, so the image is exactly
// the item which was locked. If the mark fails the image is deleted again.
func (p *Participant) lockExisting(ctx context.Context, current store.Item) error {
	now := p.now()
	_, err := p.imageLock.Put(ctx, &store.PutInput{
		Item: store.Item{
			"image":      map[string]interface{}(current),
			"created_at": now,
		},
	})
	if err != nil {
		return err
	}
	names, values := expr.DefineAttributes(map[string]interface{}{
		TxIDAttribute:        p.txID,
		TxLockedAtAttribute:  now,
		TxIsAppliedAttribute: false,
	})
	_, err = p.itemLock.Update(ctx, &store.UpdateInput{
		UpdateExpression: "SET #_tx_id = :_tx_id, #_tx_locked_at = :_tx_locked_at, #_tx_is_applied = :_tx_is_applied",
		Names:            names,
		Values:           values,
	})
	if err != nil {
		if _, derr := p.imageLock.Delete(ctx, nil); derr != nil {
			err = errors.Wrapf(err, "image %s also not removed: %v", p.imageID, derr)
		}
	}
	return err
}

// Apply makes the participant's change. A put or an update is written now,
// marked as applied. A delete only records that it is pending; the item is
// deleted by Unlock. If Apply fails the participant stays locked.
func (p *Participant) Apply(ctx context.Context) error {
	if p.state != StateLocked {
		return p.invalid("apply")
	}
	p.state = StateApplying
	var err error
	switch p.op {
	case OpPut:
		err = p.applyPut(ctx)
	case OpUpdate:
		err = p.applyUpdate(ctx)
	case OpDelete:
	case OpGet:
		err = errors.Wrap(ErrUnsupportedOperation, "isolated reads are not implemented")
	default:
		err = errors.Wrapf(ErrUnsupportedOperation, "%s", p.op)
	}
	if err != nil {
		p.state = StateLocked
		return err
	}
	p.isApplied = true
	p.state = StateApplied
	return nil
}

func (p *Participant) applyPut(ctx context.Context) error {
	next := make(store.Item, len(p.params.Item)+2)
	for k, v := range p.params.Item {
		next[k] = v
	}
	next[TxIDAttribute] = p.txID
	next[TxIsAppliedAttribute] = true
	_, err := p.itemLock.Put(ctx, &store.PutInput{
		Item:                next,
		ConditionExpression: p.params.ConditionExpression,
		Names:               p.params.Names,
		Values:              p.params.Values,
	})
	return err
}

func (p *Participant) applyUpdate(ctx context.Context) error {
	names, values := expr.DefineAttributes(map[string]interface{}{
		TxIsAppliedAttribute: true,
	})
	for k, v := range p.params.Names {
		names[k] = v
	}
	for k, v := range p.params.Values {
		values[k] = v
	}
	_, err := p.itemLock.Update(ctx, &store.UpdateInput{
		UpdateExpression:    expr.Compose(p.params.UpdateExpression, "SET #_tx_is_applied = :_tx_is_applied"),
		ConditionExpression: p.params.ConditionExpression,
		Names:               names,
		Values:              values,
	})
	return err
}

// Unlock commits the participant. For a delete the item is deleted now;
// otherwise the transaction's markers are removed from the item. If Unlock
// fails the participant keeps its state, so Unlock or Rollback may be tried.
func (p *Participant) Unlock(ctx context.Context) error {
	if p.state != StateLocked && p.state != StateApplied {
		return p.invalid("unlock")
	}
	var err error
	if p.op == OpDelete {
		_, err = p.itemLock.Delete(ctx, &store.DeleteInput{
			ConditionExpression: p.params.ConditionExpression,
			Names:               p.params.Names,
			Values:              p.params.Values,
		})
	} else {
		err = p.release(ctx)
	}
	if err != nil {
		return err
	}
	p.state = StateCommitted
	return nil
}

// release removes the transaction markers from the item.
func (p *Participant) release(ctx context.Context) error {
	_, err := p.itemLock.Update(ctx, &store.UpdateInput{
		UpdateExpression: "REMOVE #_tx_id, #_tx_locked_at, #_tx_is_transient, #_tx_is_applied",
		Names: map[string]string{
			"#_tx_id":           TxIDAttribute,
			"#_tx_locked_at":    TxLockedAtAttribute,
			"#_tx_is_transient": TxIsTransientAttribute,
			"#_tx_is_applied":   TxIsAppliedAttribute,
		},
	})
	return err
}

// Rollback puts the item back the way it was before Lock. A transient item
// is deleted. An item whose change was not applied just has its markers
// removed. An applied change, including a pending delete, is undone by
// writing the saved image back. The restored item has a newer version than
// the image, since versions never go backwards.
func (p *Participant) Rollback(ctx context.Context) error {
	if p.state != StateLocked && p.state != StateApplied {
		return p.invalid("rollback")
	}
	prev := p.state
	p.state = StateRollingBack
	var err error
	switch {
	case p.isTransient:
		_, err = p.itemLock.Delete(ctx, nil)
	case !p.isApplied:
		err = p.release(ctx)
	default:
		err = p.restore(ctx)
	}
	if err != nil {
		p.state = prev
		return err
	}
	p.state = StateRolledBack
	return nil
}

func (p *Participant) restore(ctx context.Context) error {
	record, err := p.imageLock.Get(ctx, nil)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.Wrapf(ErrInternalConsistency, "no image %s for transaction %s", p.imageID, p.txID)
	}
	img, err := decodeImage(p.txID, p.imageID, record)
	if err != nil {
		return err
	}
	_, err = p.itemLock.Put(ctx, &store.PutInput{Item: img.Item})
	return err
}

// reservedWord matches a reserved attribute named directly in an expression.
var reservedWord = regexp.MustCompile(`(^|[^#:\w])(_version|_tx_\w*)\b`)

func isReservedAttribute(name string) bool {
	return name == optlock.VersionAttribute || strings.HasPrefix(name, "_tx_")
}

func isReservedPlaceholder(name string) bool {
	switch name {
	case "#_version", ":_previous_version", ":_next_version":
		return true
	}
	return strings.HasPrefix(name, "#_tx_") || strings.HasPrefix(name, ":_tx_")
}

// checkParams rejects parameters which would touch the attributes or
// placeholders the transaction and the optimistic lock use.
func checkParams(params Params) error {
	for k := range params.Item {
		if isReservedAttribute(k) {
			return errors.Wrapf(ErrReservedAttribute, "item attribute %s", k)
		}
	}
	for k, v := range params.Names {
		if isReservedPlaceholder(k) || isReservedAttribute(v) {
			return errors.Wrapf(ErrReservedAttribute, "name placeholder %s = %s", k, v)
		}
	}
	for k := range params.Values {
		if isReservedPlaceholder(k) {
			return errors.Wrapf(ErrReservedAttribute, "value placeholder %s", k)
		}
	}
	if m := reservedWord.FindStringSubmatch(params.UpdateExpression); m != nil {
		return errors.Wrapf(ErrReservedAttribute, "update expression names %s", m[2])
	}
	return nil
}
