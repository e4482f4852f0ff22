package store

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func newTestMemory(t *testing.T) *Memory {
	m := NewMemory()
	err := m.CreateTable(context.Background(), Schema{Table: "Test", HashKey: KeyAttribute{Name: "id"}})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMemoryNoTable(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "Missing", Item{"id": "a"}, nil)
	if !errors.Is(err, ErrNoTable) {
		t.Errorf("Expected ErrNoTable, got %v", err)
	}
	err = m.CreateTable(context.Background(), Schema{Table: "NoKey"})
	if err == nil {
		t.Error("Expected an error creating a table without a hash key")
	}
}

func TestMemoryCopies(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	list := []interface{}{"a"}
	item := Item{"id": "a", "list": list}
	_, err := m.Put(ctx, "Test", &PutInput{Item: item})
	if err != nil {
		t.Fatal(err)
	}
	// changing the caller's item does not change the stored one
	list[0] = "changed"
	item["extra"] = 1
	got, _ := m.Get(ctx, "Test", Item{"id": "a"}, nil)
	if got["list"].([]interface{})[0] != "a" || got["extra"] != nil {
		t.Errorf("Received %v", got)
	}
	// nor does changing what Get returned
	got["list"].([]interface{})[0] = "changed"
	again, _ := m.Get(ctx, "Test", Item{"id": "a"}, nil)
	if again["list"].([]interface{})[0] != "a" {
		t.Errorf("Received %v", again)
	}
}

func TestMemoryKeys(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	var table = []Item{
		{},
		{"other": "a"},
		{"id": "a", "other": "b"},
		{"id": []interface{}{"a"}},
	}
	for _, key := range table {
		_, err := m.Get(ctx, "Test", key, nil)
		if !errors.Is(err, ErrMissingKey) {
			t.Errorf("%v: expected ErrMissingKey, got %v", key, err)
		}
	}
	_, err := m.Put(ctx, "Test", &PutInput{Item: Item{"other": "a"}})
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}
	// numeric keys of different Go types address the same item
	_, err = m.Put(ctx, "Test", &PutInput{Item: Item{"id": 7, "v": "seven"}})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, "Test", Item{"id": int64(7)}, nil)
	if got["v"] != "seven" {
		t.Errorf("Received %v", got)
	}
	got, _ = m.Get(ctx, "Test", Item{"id": 7.0}, nil)
	if got["v"] != "seven" {
		t.Errorf("Received %v", got)
	}
}

func TestMemoryDump(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	for _, id := range []string{"b", "a"} {
		_, err := m.Put(ctx, "Test", &PutInput{Item: Item{"id": id}})
		if err != nil {
			t.Fatal(err)
		}
	}
	if m.Len("Test") != 2 {
		t.Errorf("Expected 2 items, got %d", m.Len("Test"))
	}
	var buf bytes.Buffer
	m.Dump(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], `Test ["a"]`) {
		t.Errorf("Received dump %q", buf.String())
	}
}

func TestMemoryFailedWriteLeavesItem(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	_, err := m.Put(ctx, "Test", &PutInput{Item: Item{"id": "a", "n": 1}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Update(ctx, "Test", Item{"id": "a"}, &UpdateInput{
		UpdateExpression:    "SET n = :two",
		ConditionExpression: "n = :three",
		Values:              map[string]interface{}{":two": 2, ":three": 3},
	})
	if !IsConditionFailed(err) {
		t.Errorf("Expected condition failure, got %v", err)
	}
	// an update which fails while evaluating also changes nothing
	_, err = m.Update(ctx, "Test", Item{"id": "a"}, &UpdateInput{
		UpdateExpression: "SET n = :two, m = nothere",
		Values:           map[string]interface{}{":two": 2},
	})
	if err == nil {
		t.Error("Expected an error")
	}
	got, _ := m.Get(ctx, "Test", Item{"id": "a"}, nil)
	if got["n"] != int64(1) || len(got) != 2 {
		t.Errorf("Received %v", got)
	}
}
