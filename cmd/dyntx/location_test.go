package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/ndlib/dyntx/store"
)

const (
	typeError = iota
	typeMemory
	typeSQL
	typeDynamoDB
)

func TestParseLocation(t *testing.T) {
	dir, err := ioutil.TempDir("", "dyntx")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	var table = []struct {
		location string
		typ      int
	}{
		{"", typeMemory},
		{"memory:", typeMemory},
		{"ql-mem:", typeSQL},
		{"ql:" + filepath.Join(dir, "a.ql"), typeSQL},
		{"ql://" + filepath.Join(dir, "b.ql"), typeSQL},
		{"ql:", typeError},
		{"mysql:", typeError},
		{"dynamodb:", typeDynamoDB},
		{"dynamodb://localhost:8008", typeDynamoDB},
		{"s3:/bucket", typeError},
		{"no-scheme", typeError},
	}

	conf := storeConfig{Region: "us-east-1", ReadCapacity: 1, WriteCapacity: 2}
	for _, row := range table {
		t.Log(row.location)
		result, err := parselocation(row.location, conf)
		switch x := result.(type) {
		case nil:
			if row.typ != typeError {
				t.Errorf("%s: unexpected error %v", row.location, err)
			}
		case *store.Memory:
			if row.typ != typeMemory {
				t.Errorf("%s: unexpected received %#v", row.location, result)
			}
		case *store.SQL:
			if row.typ != typeSQL {
				t.Errorf("%s: unexpected received %#v", row.location, result)
			}
			x.Close()
		case *store.DynamoDB:
			if row.typ != typeDynamoDB {
				t.Errorf("%s: unexpected received %#v", row.location, result)
			}
			if x.ReadCapacity != 1 || x.WriteCapacity != 2 {
				t.Errorf("%s: capacities not set: %d, %d", row.location, x.ReadCapacity, x.WriteCapacity)
			}
		default:
			t.Errorf("%s: unexpected received %#v", row.location, result)
		}
	}
}
