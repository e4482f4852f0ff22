package storetest

import (
	"testing"

	"github.com/ndlib/dyntx/store"
)

func TestMemory(t *testing.T) {
	Conformance(t, store.NewMemory())
}

func TestMemoryStress(t *testing.T) {
	Stress(t, store.NewMemory(), 500)
}

func TestPrefix(t *testing.T) {
	Conformance(t, store.NewWithPrefix(store.NewMemory(), "test_"))
}

func TestQL(t *testing.T) {
	s, err := store.NewQL("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	Conformance(t, s)
}

func TestQLStress(t *testing.T) {
	s, err := store.NewQL("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	Stress(t, s, 200)
}
