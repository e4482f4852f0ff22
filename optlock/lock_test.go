package optlock

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/item"
	"github.com/ndlib/dyntx/store"
)

func newTestStore(t *testing.T) *store.Memory {
	m := store.NewMemory()
	err := m.CreateTable(context.Background(), store.Schema{
		Table:   "Test",
		HashKey: store.KeyAttribute{Name: "id"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func checkVersion(t *testing.T, l *Lock, want int64) {
	t.Helper()
	v, ok := l.Version()
	if !ok || v != want {
		t.Errorf("Expected cached version %d, got %d (known=%v)", want, v, ok)
	}
	got, err := l.Ref().Get(context.Background(), &store.GetInput{ConsistentRead: true})
	if err != nil {
		t.Fatal(err)
	}
	if got[VersionAttribute] != want {
		t.Errorf("Expected stored version %d, got %#v", want, got[VersionAttribute])
	}
}

func TestGetCachesVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	l := New(item.NewRef(m, "Test", store.Item{"id": "a"}))
	if _, ok := l.Version(); ok {
		t.Error("New lock should not know its version")
	}
	// absent item is version 0
	got, err := l.Get(ctx, nil)
	if err != nil || got != nil {
		t.Fatalf("Received %v, %v", got, err)
	}
	if v, ok := l.Version(); !ok || v != 0 {
		t.Errorf("Expected version 0, got %d %v", v, ok)
	}
	// unversioned item is version 0
	m.Put(ctx, "Test", &store.PutInput{Item: store.Item{"id": "a", "v": 1}})
	l.Get(ctx, nil)
	if v, _ := l.Version(); v != 0 {
		t.Errorf("Expected version 0, got %d", v)
	}
	m.Put(ctx, "Test", &store.PutInput{Item: store.Item{"id": "a", "_version": 7}})
	l.Get(ctx, nil)
	if v, _ := l.Version(); v != 7 {
		t.Errorf("Expected version 7, got %d", v)
	}
}

func TestWritesAdvanceVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	l := New(item.NewRef(m, "Test", store.Item{"id": "a"}))

	// the first write reads the version itself
	_, err := l.Put(ctx, &store.PutInput{Item: store.Item{"foo": "bar", "_version": 99}})
	if err != nil {
		t.Fatal(err)
	}
	checkVersion(t, l, 1)

	_, err = l.Update(ctx, &store.UpdateInput{
		UpdateExpression: "SET foo = :foo",
		Values:           map[string]interface{}{":foo": "baz"},
	})
	if err != nil {
		t.Fatal(err)
	}
	checkVersion(t, l, 2)

	// an empty update just bumps the version
	_, err = l.Update(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	checkVersion(t, l, 3)

	got, _ := l.Get(ctx, nil)
	if got["foo"] != "baz" {
		t.Errorf("Received %v", got)
	}

	_, err = l.Delete(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Version(); ok {
		t.Error("Version should be unknown after a delete")
	}
	if m.Len("Test") != 0 {
		t.Error("Expected item to be deleted")
	}
}

func TestCallerCondition(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	l := New(item.NewRef(m, "Test", store.Item{"id": "a"}))
	_, err := l.Put(ctx, &store.PutInput{Item: store.Item{"n": 1}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Update(ctx, &store.UpdateInput{
		UpdateExpression:    "SET #n = :two",
		ConditionExpression: "#n = :zero",
		Names:               map[string]string{"#n": "n"},
		Values:              map[string]interface{}{":two": 2, ":zero": 0},
	})
	if !store.IsConditionFailed(err) {
		t.Errorf("Expected condition failure, got %v", err)
	}
	// a failed write leaves the cache alone
	checkVersion(t, l, 1)

	_, err = l.Update(ctx, &store.UpdateInput{
		UpdateExpression:    "SET #n = :two",
		ConditionExpression: "#n = :one",
		Names:               map[string]string{"#n": "n"},
		Values:              map[string]interface{}{":two": 2, ":one": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	checkVersion(t, l, 2)
}

func TestReservedPlaceholders(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)
	l := New(item.NewRef(m, "Test", store.Item{"id": "a"}))
	_, err := l.Update(ctx, &store.UpdateInput{
		UpdateExpression: "SET #_version = :v",
		Names:            map[string]string{"#_version": "_version"},
		Values:           map[string]interface{}{":v": 100},
	})
	if !errors.Is(err, ErrReservedPlaceholder) {
		t.Errorf("Expected ErrReservedPlaceholder, got %v", err)
	}
	_, err = l.Put(ctx, &store.PutInput{
		Item:                store.Item{},
		ConditionExpression: "attribute_not_exists(id) OR :_previous_version = :_previous_version",
		Values:              map[string]interface{}{":_previous_version": 100},
	})
	if !errors.Is(err, ErrReservedPlaceholder) {
		t.Errorf("Expected ErrReservedPlaceholder, got %v", err)
	}
	_, err = l.Delete(ctx, &store.DeleteInput{
		Values: map[string]interface{}{":_next_version": 1},
	})
	if !errors.Is(err, ErrReservedPlaceholder) {
		t.Errorf("Expected ErrReservedPlaceholder, got %v", err)
	}
	if m.Len("Test") != 0 {
		t.Error("Rejected requests should not write")
	}
}

// Two locks read the item at the same version. The first writer wins, the
// second fails until it re-reads.
func TestStaleVersion(t *testing.T) {
	type write func(l *Lock) error
	ctx := context.Background()
	var table = []struct {
		name  string
		write write
		// the version after the second lock's retry, if the item survives
		final int64
	}{
		{"put", func(l *Lock) error {
			_, err := l.Put(ctx, &store.PutInput{Item: store.Item{"foo": "put"}})
			return err
		}, 5},
		{"update", func(l *Lock) error {
			_, err := l.Update(ctx, &store.UpdateInput{
				UpdateExpression: "SET foo = :foo",
				Values:           map[string]interface{}{":foo": "update"},
			})
			return err
		}, 5},
		{"delete", func(l *Lock) error {
			_, err := l.Delete(ctx, nil)
			return err
		}, 0},
	}
	for _, test := range table {
		m := newTestStore(t)
		ref := item.NewRef(m, "Test", store.Item{"id": "a"})
		_, err := ref.Put(ctx, &store.PutInput{Item: store.Item{"foo": "start", "_version": 3}})
		if err != nil {
			t.Fatal(err)
		}
		a, b := New(ref), New(ref)
		a.Get(ctx, nil)
		b.Get(ctx, nil)

		_, err = a.Update(ctx, &store.UpdateInput{
			UpdateExpression: "SET foo = :foo",
			Values:           map[string]interface{}{":foo": "a"},
		})
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		checkVersion(t, a, 4)

		err = test.write(b)
		if !store.IsConditionFailed(err) {
			t.Errorf("%s: expected condition failure, got %v", test.name, err)
		}
		got, _ := ref.Get(ctx, nil)
		if got["foo"] != "a" {
			t.Errorf("%s: stale write changed the item: %v", test.name, got)
		}

		if _, err := b.Get(ctx, nil); err != nil {
			t.Fatal(err)
		}
		if err := test.write(b); err != nil {
			t.Errorf("%s: retry failed: %v", test.name, err)
		}
		if test.final > 0 {
			checkVersion(t, b, test.final)
		} else if m.Len("Test") != 0 {
			t.Errorf("%s: expected item to be deleted", test.name)
		}
	}
}
