package transaction

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/store"
)

// Op is the kind of change a Participant makes to its item.
type Op int

// The possible operations. OpGet is reserved for isolated reads, which are
// not implemented.
const (
	OpUnknown Op = iota
	OpGet
	OpPut
	OpUpdate
	OpDelete
)

var opNames = []string{"unknown", "get", "put", "update", "delete"}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return opNames[OpUnknown]
	}
	return opNames[op]
}

// ParseOp returns the operation with the given name, ignoring case.
func ParseOp(s string) (Op, error) {
	for i, name := range opNames {
		if i > 0 && strings.EqualFold(s, name) {
			return Op(i), nil
		}
	}
	return OpUnknown, errors.Wrap(ErrUnsupportedOperation, s)
}

// Params holds the caller's side of a change. Item is the new item for OpPut.
// UpdateExpression is the change for OpUpdate. The condition applies to the
// write which makes the change: the put, the update, or, for OpDelete, the
// delete done when the participant is unlocked.
type Params struct {
	Item                store.Item
	UpdateExpression    string
	ConditionExpression string
	Names               map[string]string
	Values              map[string]interface{}
}

// State is where a Participant is in the protocol.
type State int

// The Participant states. StateLockContended, StateCommitted and
// StateRolledBack are final.
const (
	StateUnlocked State = iota
	StateLocking
	StateLocked
	StateLockContended
	StateApplying
	StateApplied
	StateCommitted
	StateRollingBack
	StateRolledBack
)

var stateNames = []string{
	"unlocked",
	"locking",
	"locked",
	"lock-contended",
	"applying",
	"applied",
	"committed",
	"rolling-back",
	"rolled-back",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// The attributes a transaction keeps on a locked item.
const (
	TxIDAttribute          = "_tx_id"
	TxLockedAtAttribute    = "_tx_locked_at"
	TxIsTransientAttribute = "_tx_is_transient"
	TxIsAppliedAttribute   = "_tx_is_applied"
)

var (
	// ErrLockContention means the item is locked by another transaction.
	ErrLockContention = errors.New("item is locked by another transaction")

	// ErrUnsupportedOperation means the participant's operation cannot be
	// applied.
	ErrUnsupportedOperation = errors.New("unsupported transaction operation")

	// ErrInternalConsistency means the stored state contradicts what the
	// protocol expects, e.g. a missing image or an item already locked by
	// this same transaction.
	ErrInternalConsistency = errors.New("transaction internal consistency error")

	// ErrInvalidState means a protocol step was called out of order.
	ErrInvalidState = errors.New("invalid participant state for operation")

	// ErrReservedAttribute means the caller's parameters name attributes or
	// placeholders kept for the transaction's own use.
	ErrReservedAttribute = errors.New("reserved attribute in parameters")
)
