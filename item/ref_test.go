package item

import (
	"context"
	"testing"

	"github.com/ndlib/dyntx/store"
)

func newTestRef(t *testing.T, key store.Item) (*Ref, *store.Memory) {
	m := store.NewMemory()
	err := m.CreateTable(context.Background(), store.Schema{
		Table:   "Test",
		HashKey: store.KeyAttribute{Name: "id"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewRef(m, "Test", key), m
}

func TestRefPutMergesKey(t *testing.T) {
	ctx := context.Background()
	r, m := newTestRef(t, store.Item{"id": "a"})
	in := &store.PutInput{Item: store.Item{"id": "wrong", "v": 1}}
	_, err := r.Put(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	// the caller's input is untouched
	if in.Item["id"] != "wrong" {
		t.Errorf("Put modified its input: %v", in.Item)
	}
	got, _ := m.Get(ctx, "Test", store.Item{"id": "a"}, nil)
	if got["v"] != int64(1) {
		t.Errorf("Received %v", got)
	}
	if m.Len("Test") != 1 {
		t.Errorf("Expected one item, got %d", m.Len("Test"))
	}

	// a nil input writes just the key
	r2, m2 := newTestRef(t, store.Item{"id": "b"})
	if _, err := r2.Put(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = r2.Get(ctx, nil)
	if len(got) != 1 || got["id"] != "b" {
		t.Errorf("Received %v", got)
	}
	if m2.Len("Test") != 1 {
		t.Errorf("Expected one item, got %d", m2.Len("Test"))
	}
}

func TestRefKeyIsCopied(t *testing.T) {
	key := store.Item{"id": "a"}
	r, _ := newTestRef(t, key)
	key["id"] = "b"
	if r.Key()["id"] != "a" {
		t.Errorf("Ref key changed with its argument: %v", r.Key())
	}
	k := r.Key()
	k["id"] = "c"
	if r.Key()["id"] != "a" {
		t.Errorf("Ref key changed through Key(): %v", r.Key())
	}
	if r.Table() != "Test" {
		t.Errorf("Received table %s", r.Table())
	}
	if r.String() != "Testmap[id:a]" {
		t.Errorf("Received %s", r.String())
	}
}

func TestRefUpdateDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRef(t, store.Item{"id": "a"})
	_, err := r.Update(ctx, &store.UpdateInput{
		UpdateExpression: "SET v = :v",
		Values:           map[string]interface{}{":v": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, &store.GetInput{ConsistentRead: true})
	if got["v"] != "x" {
		t.Errorf("Received %v", got)
	}
	old, err := r.Delete(ctx, &store.DeleteInput{ReturnValues: store.ReturnAllOld})
	if err != nil {
		t.Fatal(err)
	}
	if old["v"] != "x" {
		t.Errorf("Received %v", old)
	}
	got, _ = r.Get(ctx, nil)
	if got != nil {
		t.Errorf("Expected deleted item, got %v", got)
	}
}
