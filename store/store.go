// Package store provides a table and key addressed item store with single
// item conditional writes. Items are attribute maps. Every write may carry a
// condition expression, and the write only happens if the condition holds
// against the item's current state; otherwise the write fails with an error
// for which IsConditionFailed returns true.
//
// Probably the most important implementation is DynamoDB. The Memory store is
// useful for testing, and the SQL store lets an embedded ql database or a MySQL
// server stand in for DynamoDB.
//
// Expressions follow the DynamoDB syntax: update expressions are built from SET,
// ADD, REMOVE and DELETE clauses, attribute names may be referenced through
// "#name" placeholders and values through ":name" placeholders.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// Item is a single stored record. It is also used for keys, in which case it
// holds only the key attributes.
type Item map[string]interface{}

// ReturnValues selects which image of an item a write returns.
type ReturnValues string

// The possible ReturnValues. Not every operation supports every one.
const (
	ReturnNone       ReturnValues = "NONE"
	ReturnAllOld     ReturnValues = "ALL_OLD"
	ReturnAllNew     ReturnValues = "ALL_NEW"
	ReturnUpdatedOld ReturnValues = "UPDATED_OLD"
	ReturnUpdatedNew ReturnValues = "UPDATED_NEW"
)

// GetInput holds the options for a Get.
type GetInput struct {
	ConsistentRead bool
}

// PutInput describes a full replacement of an item. The key is taken from
// Item.
type PutInput struct {
	Item                Item
	ConditionExpression string
	Names               map[string]string
	Values              map[string]interface{}
	ReturnValues        ReturnValues // ReturnNone or ReturnAllOld
}

// UpdateInput describes an in place change to an item. Updating an item which
// does not exist creates it.
type UpdateInput struct {
	UpdateExpression    string
	ConditionExpression string
	Names               map[string]string
	Values              map[string]interface{}
	ReturnValues        ReturnValues
}

// DeleteInput describes removing an item.
type DeleteInput struct {
	ConditionExpression string
	Names               map[string]string
	Values              map[string]interface{}
	ReturnValues        ReturnValues // ReturnNone or ReturnAllOld
}

// Store is the interface to a table of items. Get returns a nil Item and a
// nil error if there is no item with the given key. The writes return the
// item image selected by their ReturnValues, or nil.
//
// Implementations must be safe to use from more than one goroutine.
type Store interface {
	Get(ctx context.Context, table string, key Item, in *GetInput) (Item, error)
	Put(ctx context.Context, table string, in *PutInput) (Item, error)
	Update(ctx context.Context, table string, key Item, in *UpdateInput) (Item, error)
	Delete(ctx context.Context, table string, key Item, in *DeleteInput) (Item, error)
}

// KeyAttribute names one key attribute and its scalar type, which is one of
// "S", "N" or "B". An empty Type means "S".
type KeyAttribute struct {
	Name string
	Type string
}

// Schema describes a table. RangeKey is optional.
type Schema struct {
	Table    string
	HashKey  KeyAttribute
	RangeKey *KeyAttribute
}

// KeyNames returns the names of the key attributes of the table.
func (s Schema) KeyNames() []string {
	names := []string{s.HashKey.Name}
	if s.RangeKey != nil {
		names = append(names, s.RangeKey.Name)
	}
	return names
}

// A Provisioner can create tables. Creating a table which already exists is
// not an error.
type Provisioner interface {
	CreateTable(ctx context.Context, schema Schema) error
}

var (
	// ErrConditionFailed means a write was rejected because its condition
	// did not hold.
	ErrConditionFailed = errors.New("conditional check failed")

	// ErrNoTable means the named table does not exist.
	ErrNoTable = errors.New("no such table")

	// ErrMissingKey means an item or key did not have exactly the key
	// attributes of its table.
	ErrMissingKey = errors.New("item key does not match table schema")

	// ErrInvalidExpression means an expression could not be parsed or
	// referenced undefined or unused placeholders.
	ErrInvalidExpression = errors.New("invalid expression")

	// ErrInvalidReturnValues means the ReturnValues option is not supported
	// by the operation.
	ErrInvalidReturnValues = errors.New("invalid ReturnValues")
)

// IsConditionFailed returns true if err reports a write whose condition did
// not hold. It recognizes ErrConditionFailed and the DynamoDB conditional
// check exception, wrapped or not.
func IsConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConditionFailed) {
		return true
	}
	return isDynamoConditionFailed(err)
}
