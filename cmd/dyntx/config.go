package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/store"
	"github.com/ndlib/dyntx/transaction"
)

type config struct {
	Store       storeConfig
	Transaction txConfig
	Sentry      sentryConfig
	Tables      []tableConfig `toml:"table"`
}

type storeConfig struct {
	Location      string
	Region        string
	TablePrefix   string `toml:"table_prefix"`
	ReadCapacity  int64  `toml:"read_capacity"`
	WriteCapacity int64  `toml:"write_capacity"`
}

type txConfig struct {
	ImageTable  string `toml:"image_table"`
	Concurrency int
}

type sentryConfig struct {
	DSN string
}

type tableConfig struct {
	Name      string
	HashKey   string `toml:"hash_key"`
	HashType  string `toml:"hash_type"`
	RangeKey  string `toml:"range_key"`
	RangeType string `toml:"range_type"`
}

func defaultConfig() *config {
	return &config{
		Store: storeConfig{
			Location: "memory:",
			Region:   "us-east-1",
		},
		Transaction: txConfig{
			ImageTable:  transaction.DefaultImageTable,
			Concurrency: 4,
		},
	}
}

// loadConfig reads the config file at path over the defaults. A missing file
// is only an error if required is set.
func loadConfig(path string, required bool) (*config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	_, err := toml.DecodeFile(path, conf)
	if os.IsNotExist(errors.Cause(err)) && !required {
		return conf, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	for _, t := range conf.Tables {
		if t.Name == "" || t.HashKey == "" {
			return nil, errors.Errorf("%s: every table needs a name and a hash_key", path)
		}
	}
	return conf, nil
}

func (t tableConfig) Schema() store.Schema {
	schema := store.Schema{
		Table:   t.Name,
		HashKey: store.KeyAttribute{Name: t.HashKey, Type: t.HashType},
	}
	if t.RangeKey != "" {
		schema.RangeKey = &store.KeyAttribute{Name: t.RangeKey, Type: t.RangeType}
	}
	return schema
}

func (c *config) table(name string) (tableConfig, error) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return tableConfig{}, errors.Errorf("table %s is not in the config", name)
}

// keyOf returns the key attributes of it, using the table's configured keys.
func (c *config) keyOf(table string, it store.Item) (store.Item, error) {
	t, err := c.table(table)
	if err != nil {
		return nil, err
	}
	key := make(store.Item)
	for _, name := range t.Schema().KeyNames() {
		v, ok := it[name]
		if !ok {
			return nil, errors.Wrapf(store.ErrMissingKey, "%s needs %s", table, name)
		}
		key[name] = v
	}
	return key, nil
}
