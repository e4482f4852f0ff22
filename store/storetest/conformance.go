// Package storetest provides functions for facilitating the testing of
// anything implementing the Store interface.
package storetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/store"
)

// The tables used by the tests. They are created if the store is a
// Provisioner. Item ids are random, so the tables may be shared between runs.
const (
	Table      = "StoreTest"
	RangeTable = "StoreTestRange"
)

func setupTables(t *testing.T, s store.Store) {
	p, ok := s.(store.Provisioner)
	if !ok {
		return
	}
	ctx := context.Background()
	err := p.CreateTable(ctx, store.Schema{
		Table:   Table,
		HashKey: store.KeyAttribute{Name: "id", Type: "S"},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.CreateTable(ctx, store.Schema{
		Table:    RangeTable,
		HashKey:  store.KeyAttribute{Name: "pk", Type: "S"},
		RangeKey: &store.KeyAttribute{Name: "sk", Type: "N"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Conformance runs the given store through the behavior every Store must
// share: reads of missing items, conditional puts, updates and deletes, the
// returned item images, and rejection of malformed requests.
func Conformance(t *testing.T, s store.Store) {
	setupTables(t, s)
	conformancePut(t, s)
	conformanceUpdate(t, s)
	conformanceDelete(t, s)
	conformanceRangeKey(t, s)
	conformanceInvalid(t, s)
}

func get(t *testing.T, s store.Store, table string, key store.Item) store.Item {
	t.Helper()
	item, err := s.Get(context.Background(), table, key, &store.GetInput{ConsistentRead: true})
	if err != nil {
		t.Fatal(err)
	}
	return item
}

func conformancePut(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New().String()
	key := store.Item{"id": id}

	if item := get(t, s, Table, key); item != nil {
		t.Errorf("Expected nil for missing item, got %v", item)
	}
	_, err := s.Put(ctx, Table, &store.PutInput{
		Item: store.Item{"id": id, "title": "first", "n": 1, "big": int64(1) << 60, "ok": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	item := get(t, s, Table, key)
	if item["title"] != "first" || item["n"] != int64(1) || item["ok"] != true {
		t.Errorf("Received %v", item)
	}
	if item["big"] != int64(1)<<60 {
		t.Errorf("Received big = %#v", item["big"])
	}

	// item exists, so this fails
	_, err = s.Put(ctx, Table, &store.PutInput{
		Item:                store.Item{"id": id, "title": "clobber"},
		ConditionExpression: "attribute_not_exists(#id)",
		Names:               map[string]string{"#id": "id"},
	})
	if !store.IsConditionFailed(err) {
		t.Errorf("Expected condition failure, got %v", err)
	}

	old, err := s.Put(ctx, Table, &store.PutInput{
		Item:                store.Item{"id": id, "title": "second", "n": 2, "gone": "x"},
		ConditionExpression: "#n = :n",
		Names:               map[string]string{"#n": "n"},
		Values:              map[string]interface{}{":n": 1},
		ReturnValues:        store.ReturnAllOld,
	})
	if err != nil {
		t.Fatal(err)
	}
	if old["title"] != "first" {
		t.Errorf("Expected old image, got %v", old)
	}
	item = get(t, s, Table, key)
	if item["title"] != "second" || item["big"] != nil {
		t.Errorf("Put should replace the whole item, got %v", item)
	}
}

func conformanceUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New().String()
	key := store.Item{"id": id}

	// updating a missing item creates it
	_, err := s.Update(ctx, Table, key, &store.UpdateInput{
		UpdateExpression: "SET #t = :t, #n = :n, #g = :g",
		Names:            map[string]string{"#t": "title", "#n": "n", "#g": "gone"},
		Values:           map[string]interface{}{":t": "first", ":n": 1, ":g": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	item := get(t, s, Table, key)
	if item["id"] != id || item["title"] != "first" || item["n"] != int64(1) {
		t.Errorf("Received %v", item)
	}

	item, err = s.Update(ctx, Table, key, &store.UpdateInput{
		UpdateExpression:    "SET #t = :t ADD #n :one REMOVE #g",
		ConditionExpression: "#n = :prev AND attribute_exists(#g)",
		Names:               map[string]string{"#t": "title", "#n": "n", "#g": "gone"},
		Values:              map[string]interface{}{":t": "second", ":one": 1, ":prev": 1},
		ReturnValues:        store.ReturnAllNew,
	})
	if err != nil {
		t.Fatal(err)
	}
	if item["title"] != "second" || item["n"] != int64(2) {
		t.Errorf("Received %v", item)
	}
	if _, ok := item["gone"]; ok {
		t.Errorf("Expected gone to be removed, got %v", item)
	}

	// stale condition
	_, err = s.Update(ctx, Table, key, &store.UpdateInput{
		UpdateExpression:    "SET #t = :t",
		ConditionExpression: "#n = :prev",
		Names:               map[string]string{"#t": "title", "#n": "n"},
		Values:              map[string]interface{}{":t": "third", ":prev": 1},
	})
	if !store.IsConditionFailed(err) {
		t.Errorf("Expected condition failure, got %v", err)
	}
	item = get(t, s, Table, key)
	if item["title"] != "second" {
		t.Errorf("Failed update changed the item: %v", item)
	}

	// arithmetic in SET
	item, err = s.Update(ctx, Table, key, &store.UpdateInput{
		UpdateExpression: "SET #n = #n + :d",
		Names:            map[string]string{"#n": "n"},
		Values:           map[string]interface{}{":d": 10},
		ReturnValues:     store.ReturnUpdatedNew,
	})
	if err != nil {
		t.Fatal(err)
	}
	if item["n"] != int64(12) || len(item) != 1 {
		t.Errorf("Received %v", item)
	}
}

func conformanceDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New().String()
	key := store.Item{"id": id}

	// deleting a missing item is fine
	_, err := s.Delete(ctx, Table, key, nil)
	if err != nil {
		t.Fatal(err)
	}
	// unless there is a condition requiring it to exist
	_, err = s.Delete(ctx, Table, key, &store.DeleteInput{
		ConditionExpression: "attribute_exists(#id)",
		Names:               map[string]string{"#id": "id"},
	})
	if !store.IsConditionFailed(err) {
		t.Errorf("Expected condition failure, got %v", err)
	}

	_, err = s.Put(ctx, Table, &store.PutInput{Item: store.Item{"id": id, "n": 5}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Delete(ctx, Table, key, &store.DeleteInput{
		ConditionExpression: "#n < :n",
		Names:               map[string]string{"#n": "n"},
		Values:              map[string]interface{}{":n": 5},
	})
	if !store.IsConditionFailed(err) {
		t.Errorf("Expected condition failure, got %v", err)
	}
	if get(t, s, Table, key) == nil {
		t.Fatal("Failed delete removed the item")
	}
	old, err := s.Delete(ctx, Table, key, &store.DeleteInput{
		ConditionExpression: "#n BETWEEN :lo AND :hi",
		Names:               map[string]string{"#n": "n"},
		Values:              map[string]interface{}{":lo": 1, ":hi": 5},
		ReturnValues:        store.ReturnAllOld,
	})
	if err != nil {
		t.Fatal(err)
	}
	if old["n"] != int64(5) {
		t.Errorf("Expected old image, got %v", old)
	}
	if item := get(t, s, Table, key); item != nil {
		t.Errorf("Expected item to be deleted, got %v", item)
	}
}

func conformanceRangeKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	pk := uuid.New().String()
	for i := 1; i <= 2; i++ {
		_, err := s.Put(ctx, RangeTable, &store.PutInput{
			Item: store.Item{"pk": pk, "sk": i, "v": i * 10},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 2; i++ {
		item := get(t, s, RangeTable, store.Item{"pk": pk, "sk": i})
		if item["v"] != int64(i*10) {
			t.Errorf("sk=%d: received %v", i, item)
		}
	}
	_, err := s.Delete(ctx, RangeTable, store.Item{"pk": pk, "sk": 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if item := get(t, s, RangeTable, store.Item{"pk": pk, "sk": 2}); item == nil {
		t.Error("Deleting one range key removed another")
	}
}

func conformanceInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New().String()
	// a value placeholder which is never referenced
	_, err := s.Update(ctx, Table, store.Item{"id": id}, &store.UpdateInput{
		UpdateExpression: "SET #t = :t",
		Names:            map[string]string{"#t": "title"},
		Values:           map[string]interface{}{":t": "x", ":unused": 1},
	})
	if err == nil || store.IsConditionFailed(err) {
		t.Errorf("Expected a validation error, got %v", err)
	}
	if !errors.Is(err, store.ErrInvalidExpression) {
		t.Errorf("Expected ErrInvalidExpression, got %v", err)
	}
	// a key with a missing attribute
	_, err = s.Get(ctx, RangeTable, store.Item{"pk": id}, nil)
	if err == nil {
		t.Error("Expected an error for an incomplete key")
	}
}
