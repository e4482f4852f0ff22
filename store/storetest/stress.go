package storetest

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/store"
	"github.com/ndlib/dyntx/util"
)

// Stress will spawn goroutines to simultaneously read and conditionally
// update a few counter items in the given store. It is a good test to run
// with the -race flag to try to find race conditions.
//
// Each of n increments reads a counter and writes back the next value on
// the condition that the counter has not changed. Increments which lose the
// race are retried. At the end every counter must hold exactly the number of
// increments which were made to it; a lost update means the store does not
// honor conditions atomically.
func Stress(t *testing.T, s store.Store, n int) {
	ctx := context.Background()
	if n == 0 {
		n = 1000
	}
	setupTables(t, s)

	const ncounters = 5
	var ids [ncounters]string
	var want [ncounters]int64
	for i := range ids {
		ids[i] = uuid.New().String()
		_, err := s.Put(ctx, Table, &store.PutInput{
			Item:                store.Item{"id": ids[i], "count": 0},
			ConditionExpression: "attribute_not_exists(id)",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var retries int64
	g := util.NewGate(10)
	errs := g.Run(ctx, n, func(ctx context.Context, i int) error {
		c := rand.Intn(ncounters)
		atomic.AddInt64(&want[c], 1)
		for {
			err := increment(ctx, s, ids[c])
			if store.IsConditionFailed(err) {
				atomic.AddInt64(&retries, 1)
				continue
			}
			return err
		}
	})
	for i, err := range errs {
		if err != nil {
			t.Errorf("increment %d: %v", i, err)
		}
	}
	t.Logf("%d increments, %d retries", n, retries)

	for i, id := range ids {
		item, err := s.Get(ctx, Table, store.Item{"id": id}, &store.GetInput{ConsistentRead: true})
		if err != nil {
			t.Fatal(err)
		}
		count, _ := store.Int64(item["count"])
		if count != want[i] {
			t.Errorf("counter %s: expected %d, got %d", id, want[i], count)
		}
		_, err = s.Delete(ctx, Table, store.Item{"id": id}, &store.DeleteInput{
			ConditionExpression: "#c = :c",
			Names:               map[string]string{"#c": "count"},
			Values:              map[string]interface{}{":c": want[i]},
		})
		if err != nil {
			t.Error(err)
		}
	}
}

func increment(ctx context.Context, s store.Store, id string) error {
	item, err := s.Get(ctx, Table, store.Item{"id": id}, &store.GetInput{ConsistentRead: true})
	if err != nil {
		return err
	}
	if item == nil {
		return errors.Errorf("counter %s disappeared", id)
	}
	prev, ok := store.Int64(item["count"])
	if !ok {
		return errors.Errorf("counter %s has count %v", id, item["count"])
	}
	_, err = s.Update(ctx, Table, store.Item{"id": id}, &store.UpdateInput{
		UpdateExpression:    "SET #c = :next",
		ConditionExpression: "#c = :prev",
		Names:               map[string]string{"#c": "count"},
		Values:              map[string]interface{}{":prev": prev, ":next": prev + 1},
	})
	return err
}
