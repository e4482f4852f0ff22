package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/store"
)

const testConfig = `
[store]
location = "ql-mem:"
table_prefix = "dev-"

[transaction]
image_table = "Images"
concurrency = 2

[[table]]
name = "Test"
hash_key = "id"

[[table]]
name = "Pairs"
hash_key = "pk"
range_key = "sk"
range_type = "N"
`

func writeConfig(t *testing.T, text string) (string, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "dyntx")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "dyntx.toml")
	if err := ioutil.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	return path, func() { os.RemoveAll(dir) }
}

func TestLoadConfig(t *testing.T) {
	path, cleanup := writeConfig(t, testConfig)
	defer cleanup()
	conf, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Store.Location != "ql-mem:" || conf.Store.TablePrefix != "dev-" {
		t.Errorf("Received store config %+v", conf.Store)
	}
	// defaults survive where the file is silent
	if conf.Store.Region != "us-east-1" {
		t.Errorf("Expected default region, got %q", conf.Store.Region)
	}
	if conf.Transaction.ImageTable != "Images" || conf.Transaction.Concurrency != 2 {
		t.Errorf("Received transaction config %+v", conf.Transaction)
	}
	if len(conf.Tables) != 2 {
		t.Fatalf("Expected 2 tables, got %d", len(conf.Tables))
	}
	schema := conf.Tables[1].Schema()
	if schema.RangeKey == nil || schema.RangeKey.Name != "sk" || schema.RangeKey.Type != "N" {
		t.Errorf("Received schema %+v", schema)
	}

	key, err := conf.keyOf("Pairs", store.Item{"pk": "a", "sk": int64(1), "v": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 2 || key["pk"] != "a" || key["sk"] != int64(1) {
		t.Errorf("Received key %v", key)
	}
	_, err = conf.keyOf("Pairs", store.Item{"pk": "a"})
	if !errors.Is(err, store.ErrMissingKey) {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}
	_, err = conf.keyOf("Other", store.Item{"id": "a"})
	if err == nil {
		t.Error("Expected an error for an unknown table")
	}
}

func TestLoadConfigMissing(t *testing.T) {
	conf, err := loadConfig("/does/not/exist.toml", false)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Store.Location != "memory:" {
		t.Errorf("Expected defaults, got %+v", conf.Store)
	}
	_, err = loadConfig("/does/not/exist.toml", true)
	if err == nil {
		t.Error("Expected an error for a missing required config")
	}
}

func TestLoadConfigBadTable(t *testing.T) {
	path, cleanup := writeConfig(t, "[[table]]\nname = \"NoKey\"\n")
	defer cleanup()
	_, err := loadConfig(path, true)
	if err == nil {
		t.Error("Expected an error for a table without a hash key")
	}
}
