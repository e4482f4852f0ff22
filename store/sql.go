package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"

	"github.com/BurntSushi/migration"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	_ "github.com/cznic/ql/driver"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// A SQL store keeps items as JSON documents in a relational database. Either
// the embedded QL database or a MySQL server may be used. Every operation
// runs in its own database transaction, which reads the item, evaluates the
// condition and update expressions here, and then writes the result.
//
// Items are stored in the table dyntx_items, one row per item, and the key
// schema of each table in dyntx_tables. Item values are encoded as DynamoDB
// attribute values so their types survive the round trip.
type SQL struct {
	db *sql.DB
	d  *dialect

	// Stats receives counters and timings for each operation. It may be nil.
	Stats stats.Client

	serial sync.Mutex // held around transactions when d.serialize is set

	m       sync.Mutex
	schemas map[string]Schema // cache of dyntx_tables
}

var (
	_ Store       = &SQL{}
	_ Provisioner = &SQL{}
)

// dialect holds the statements for one database. The argument order of each
// statement is given beside it.
type dialect struct {
	name       string
	serialize  bool
	migrations []migration.Migrator
	versioning dbVersion

	selectTable string // name
	insertTable string // name, hash_key, hash_type, range_key, range_type
	selectItem  string // ikey
	insertItem  string // tbl, ikey, body
	updateItem  string // body, ikey
	deleteItem  string // ikey
}

var qlDialect = &dialect{
	name:       "ql",
	serialize:  true, // QL has no row locks, so read-then-write holds s.serial
	migrations: []migration.Migrator{qlschema1},
	versioning: dbVersion{
		CreateSQL: `CREATE TABLE IF NOT EXISTS dyntx_version (version int, applied time)`,
		GetSQL:    `SELECT max(version) FROM dyntx_version`,
		SetSQL:    `INSERT INTO dyntx_version VALUES (?1, now())`,
	},
	selectTable: `SELECT hash_key, hash_type, range_key, range_type FROM dyntx_tables WHERE name == ?1`,
	insertTable: `INSERT INTO dyntx_tables VALUES (?1, ?2, ?3, ?4, ?5)`,
	selectItem:  `SELECT body FROM dyntx_items WHERE ikey == ?1`,
	insertItem:  `INSERT INTO dyntx_items VALUES (?1, ?2, ?3)`,
	updateItem:  `UPDATE dyntx_items SET body = ?1 WHERE ikey == ?2`,
	deleteItem:  `DELETE FROM dyntx_items WHERE ikey == ?1`,
}

var mysqlDialect = &dialect{
	name:       "mysql",
	migrations: []migration.Migrator{mysqlschema1},
	versioning: dbVersion{
		CreateSQL: `CREATE TABLE IF NOT EXISTS dyntx_version (version INTEGER, applied datetime)`,
		GetSQL:    `SELECT max(version) FROM dyntx_version`,
		SetSQL:    `INSERT INTO dyntx_version (version, applied) VALUES (?, now())`,
	},
	selectTable: `SELECT hash_key, hash_type, range_key, range_type FROM dyntx_tables WHERE name = ?`,
	insertTable: `INSERT INTO dyntx_tables (name, hash_key, hash_type, range_key, range_type) VALUES (?, ?, ?, ?, ?)`,
	selectItem:  `SELECT body FROM dyntx_items WHERE ikey = ? FOR UPDATE`,
	insertItem:  `INSERT INTO dyntx_items (tbl, ikey, body) VALUES (?, ?, ?)`,
	updateItem:  `UPDATE dyntx_items SET body = ? WHERE ikey = ?`,
	deleteItem:  `DELETE FROM dyntx_items WHERE ikey = ?`,
}

// database migrations. each one is a go function. Add new ones to the end of
// the dialect's list. DO NOT change the order of items already in a list.

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS dyntx_tables (
			name string,
			hash_key string,
			hash_type string,
			range_key string,
			range_type string
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS dyntx_tables_name ON dyntx_tables (name)`,
		`CREATE TABLE IF NOT EXISTS dyntx_items (
			tbl string,
			ikey string,
			body string
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS dyntx_items_ikey ON dyntx_items (ikey)`,
	}
	return execlist(tx, s)
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS dyntx_tables (
			name varchar(255) PRIMARY KEY,
			hash_key varchar(255),
			hash_type varchar(1),
			range_key varchar(255),
			range_type varchar(1)
		)`,
		`CREATE TABLE IF NOT EXISTS dyntx_items (
			id int PRIMARY KEY AUTO_INCREMENT,
			tbl varchar(255),
			ikey varchar(700),
			body LONGTEXT,
			UNIQUE INDEX dyntx_items_ikey (ikey)
		)`,
	}
	return execlist(tx, s)
}

// NewQL opens a QL database store. filename is the name of the file to save
// the database to. The filename "memory" means to keep everything in memory;
// each such store is separate from every other one.
func NewQL(filename string) (*SQL, error) {
	driver, dsn := "ql", filename
	if filename == "memory" {
		driver, dsn = "ql-mem", "mem-"+uuid.New().String()+".db"
	}
	s, err := openSQL(qlDialect, driver, dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps every statement on the same database instance
	s.db.SetMaxOpenConns(1)
	return s, nil
}

// NewMySQL connects to a MySQL database using the given data source name,
// e.g. "user:password@tcp(localhost:3306)/dyntx". The schema is created or
// upgraded as needed.
func NewMySQL(dsn string) (*SQL, error) {
	return openSQL(mysqlDialect, "mysql", dsn)
}

func openSQL(d *dialect, driver, dsn string) (*SQL, error) {
	db, err := migration.OpenWith(
		driver,
		dsn,
		d.migrations,
		d.versioning.Get,
		d.versioning.Set)
	if err != nil {
		log.Printf("Open %s: %s", d.name, err.Error())
		return nil, errors.Wrapf(err, "open %s", d.name)
	}
	return &SQL{db: db, d: d, schemas: make(map[string]Schema)}, nil
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// CreateTable records the key schema for a table. It is not an error if the
// table already exists, in which case the existing schema is kept.
func (s *SQL) CreateTable(ctx context.Context, schema Schema) error {
	if schema.Table == "" || schema.HashKey.Name == "" {
		return errors.New("sql: schema needs a table name and a hash key")
	}
	if s.d.serialize {
		s.serial.Lock()
		defer s.serial.Unlock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.report("createtable", schema.Table, err)
	}
	_, err = s.loadSchema(ctx, tx, schema.Table)
	if err == nil {
		// already there
		return tx.Rollback()
	}
	if !errors.Is(err, ErrNoTable) {
		_ = tx.Rollback()
		return s.report("createtable", schema.Table, err)
	}
	var rangeKey, rangeType string
	if schema.RangeKey != nil {
		rangeKey, rangeType = schema.RangeKey.Name, schema.RangeKey.Type
	}
	_, err = tx.ExecContext(ctx, s.d.insertTable,
		schema.Table, schema.HashKey.Name, schema.HashKey.Type, rangeKey, rangeType)
	if err != nil {
		_ = tx.Rollback()
		return s.report("createtable", schema.Table, err)
	}
	return s.report("createtable", schema.Table, tx.Commit())
}

// loadSchema returns the key schema of the given table, from the cache if
// possible.
func (s *SQL) loadSchema(ctx context.Context, tx *sql.Tx, table string) (Schema, error) {
	s.m.Lock()
	schema, ok := s.schemas[table]
	s.m.Unlock()
	if ok {
		return schema, nil
	}
	var hashKey, hashType, rangeKey, rangeType string
	err := tx.QueryRowContext(ctx, s.d.selectTable, table).Scan(&hashKey, &hashType, &rangeKey, &rangeType)
	if err == sql.ErrNoRows {
		return Schema{}, errors.Wrapf(ErrNoTable, "%s: %s", s.d.name, table)
	} else if err != nil {
		return Schema{}, err
	}
	schema = Schema{
		Table:   table,
		HashKey: KeyAttribute{Name: hashKey, Type: hashType},
	}
	if rangeKey != "" {
		schema.RangeKey = &KeyAttribute{Name: rangeKey, Type: rangeType}
	}
	s.m.Lock()
	s.schemas[table] = schema
	s.m.Unlock()
	return schema, nil
}

// encodeBody turns an item into the text saved in the body column.
func encodeBody(item Item) (string, error) {
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(av)
	return string(b), err
}

func decodeBody(body string) (Item, error) {
	var av map[string]*dynamodb.AttributeValue
	if err := json.Unmarshal([]byte(body), &av); err != nil {
		return nil, err
	}
	item, err := decodeItem(av)
	if item == nil && err == nil {
		item = Item{}
	}
	return item, err
}

// readItem loads the item with the given row key. It returns nil if there is
// no such item.
func (s *SQL) readItem(ctx context.Context, tx *sql.Tx, ikey string) (Item, error) {
	var body string
	err := tx.QueryRowContext(ctx, s.d.selectItem, ikey).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return decodeBody(body)
}

// rowKey is the value of the ikey column for an item. Table names cannot
// contain "/".
func rowKey(table, key string) string {
	return table + "/" + key
}

// report logs and returns unexpected errors. Errors of this package pass
// through untouched. Driver errors which mean another writer got to the item
// first are turned into ErrConditionFailed.
func (s *SQL) report(op, table string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsConditionFailed(err):
		stats.BumpSum(s.Stats, s.d.name+"."+op+".conditionfailed", 1)
		return err
	case errors.Is(err, ErrNoTable), errors.Is(err, ErrMissingKey),
		errors.Is(err, ErrInvalidExpression), errors.Is(err, ErrInvalidReturnValues):
		return err
	}
	if me, ok := errors.Cause(err).(*mysql.MySQLError); ok {
		switch me.Number {
		case 1062, 1213: // duplicate entry, deadlock
			stats.BumpSum(s.Stats, s.d.name+"."+op+".conditionfailed", 1)
			return errors.Wrap(ErrConditionFailed, me.Message)
		}
	}
	stats.BumpSum(s.Stats, s.d.name+"."+op+".error", 1)
	log.Println(s.d.name, op, table, err)
	raven.CaptureError(err, map[string]string{"Table": table, "Op": op})
	return errors.Wrapf(err, "%s %s %s", s.d.name, op, table)
}

// mutation is the outcome of evaluating a write against the current item.
// A nil next means the item is deleted.
type mutation func(schema Schema, old Item) (next Item, out Item, err error)

// write runs one read-evaluate-write cycle in a transaction. keyOf gives the
// key of the item being written.
func (s *SQL) write(ctx context.Context, op, table string, keyOf func(Schema) (Item, error), f mutation) (Item, error) {
	defer stats.BumpTime(s.Stats, s.d.name+"."+op+".time").End()
	if s.d.serialize {
		s.serial.Lock()
		defer s.serial.Unlock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.report(op, table, err)
	}
	out, err := s.writeTx(ctx, tx, table, keyOf, f)
	if err != nil {
		_ = tx.Rollback()
		return nil, s.report(op, table, err)
	}
	return out, s.report(op, table, tx.Commit())
}

func (s *SQL) writeTx(ctx context.Context, tx *sql.Tx, table string, keyOf func(Schema) (Item, error), f mutation) (Item, error) {
	schema, err := s.loadSchema(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	key, err := keyOf(schema)
	if err != nil {
		return nil, err
	}
	k, err := keyString(schema, key)
	if err != nil {
		return nil, err
	}
	ikey := rowKey(table, k)
	old, err := s.readItem(ctx, tx, ikey)
	if err != nil {
		return nil, err
	}
	next, out, err := f(schema, old)
	if err != nil {
		return nil, err
	}
	switch {
	case next == nil && old != nil:
		_, err = tx.ExecContext(ctx, s.d.deleteItem, ikey)
	case next != nil:
		var body string
		body, err = encodeBody(next)
		if err != nil {
			return nil, err
		}
		if old == nil {
			_, err = tx.ExecContext(ctx, s.d.insertItem, table, ikey, body)
		} else {
			_, err = tx.ExecContext(ctx, s.d.updateItem, body, ikey)
		}
	}
	return out, err
}

// Get reads an item. Every read is consistent.
func (s *SQL) Get(ctx context.Context, table string, key Item, in *GetInput) (Item, error) {
	defer stats.BumpTime(s.Stats, s.d.name+".get.time").End()
	if s.d.serialize {
		s.serial.Lock()
		defer s.serial.Unlock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.report("get", table, err)
	}
	// reads never change anything
	defer tx.Rollback()
	schema, err := s.loadSchema(ctx, tx, table)
	if err != nil {
		return nil, s.report("get", table, err)
	}
	k, err := keyString(schema, key)
	if err != nil {
		return nil, err
	}
	item, err := s.readItem(ctx, tx, rowKey(table, k))
	return item, s.report("get", table, err)
}

// Put replaces an item.
func (s *SQL) Put(ctx context.Context, table string, in *PutInput) (Item, error) {
	if in == nil {
		in = &PutInput{}
	}
	return s.write(ctx, "put", table,
		func(schema Schema) (Item, error) { return extractKey(schema, in.Item) },
		func(schema Schema, old Item) (Item, Item, error) { return evalPut(schema, old, in) })
}

// Update changes an item in place, creating it if necessary.
func (s *SQL) Update(ctx context.Context, table string, key Item, in *UpdateInput) (Item, error) {
	if in == nil {
		in = &UpdateInput{}
	}
	return s.write(ctx, "update", table,
		func(Schema) (Item, error) { return key, nil },
		func(schema Schema, old Item) (Item, Item, error) { return evalUpdate(schema, key, old, in) })
}

// Delete removes an item. It is not an error if the item does not exist.
func (s *SQL) Delete(ctx context.Context, table string, key Item, in *DeleteInput) (Item, error) {
	if in == nil {
		in = &DeleteInput{}
	}
	return s.write(ctx, "delete", table,
		func(Schema) (Item, error) { return key, nil },
		func(schema Schema, old Item) (Item, Item, error) {
			out, err := evalDelete(old, in)
			return nil, out, err
		})
}
