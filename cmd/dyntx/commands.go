package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/item"
	"github.com/ndlib/dyntx/store"
	"github.com/ndlib/dyntx/transaction"
)

// app holds what every command needs.
type app struct {
	conf  *config
	store store.Store
	reg   *transaction.Registry
	coord *coordinator
	out   io.Writer
}

func newApp(conf *config, s store.Store) *app {
	reg := transaction.NewRegistry(s)
	reg.ImageTable = conf.Transaction.ImageTable
	return &app{
		conf:  conf,
		store: s,
		reg:   reg,
		coord: newCoordinator(reg, s, conf.Transaction.Concurrency),
		out:   os.Stdout,
	}
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	need := func(n int) error {
		if len(args) < n+1 {
			return errors.Errorf("%s needs %d arguments", args[0], n)
		}
		return nil
	}
	var err error
	switch args[0] {
	case "provision":
		return a.doprovision(ctx)
	case "get":
		if err = need(2); err == nil {
			err = a.doget(ctx, args[1], args[2])
		}
	case "put":
		if err = need(2); err == nil {
			err = a.doput(ctx, args[1], args[2])
		}
	case "update":
		if err = need(3); err == nil {
			values := ""
			if len(args) > 4 {
				values = args[4]
			}
			err = a.doupdate(ctx, args[1], args[2], args[3], values)
		}
	case "delete":
		if err = need(2); err == nil {
			err = a.dodelete(ctx, args[1], args[2])
		}
	case "image":
		if err = need(3); err == nil {
			err = a.doimage(ctx, args[1], args[2], args[3])
		}
	case "tx":
		if err = need(1); err == nil {
			err = a.dotx(ctx, args[1])
		}
	default:
		err = errors.Errorf("unknown command %s", args[0])
	}
	return err
}

// doprovision creates every configured table and the image table.
func (a *app) doprovision(ctx context.Context) error {
	p, ok := a.store.(store.Provisioner)
	if !ok {
		return errors.New("this store cannot create tables")
	}
	for _, t := range a.conf.Tables {
		log.Println("Creating table", t.Name)
		if err := p.CreateTable(ctx, t.Schema()); err != nil {
			return err
		}
	}
	log.Println("Creating table", a.reg.ImageTable)
	return a.reg.Provision(ctx)
}

func (a *app) doget(ctx context.Context, table, keyarg string) error {
	key, err := parseItem(keyarg)
	if err != nil {
		return err
	}
	result, err := item.NewRef(a.store, table, key).Get(ctx, &store.GetInput{ConsistentRead: true})
	if err != nil {
		return err
	}
	if result == nil {
		return errors.Errorf("%s%v not found", table, key)
	}
	return a.print(result)
}

func (a *app) doput(ctx context.Context, table, itemarg string) error {
	it, err := parseItem(itemarg)
	if err != nil {
		return err
	}
	key, err := a.conf.keyOf(table, it)
	if err != nil {
		return err
	}
	return a.run(ctx, operation{
		Op:     transaction.OpPut,
		Table:  table,
		Key:    key,
		Params: transaction.Params{Item: it},
	})
}

func (a *app) doupdate(ctx context.Context, table, keyarg, expression, valuesarg string) error {
	key, err := parseItem(keyarg)
	if err != nil {
		return err
	}
	op := operation{
		Op:     transaction.OpUpdate,
		Table:  table,
		Key:    key,
		Params: transaction.Params{UpdateExpression: expression},
	}
	if valuesarg != "" {
		values, err := parseItem(valuesarg)
		if err != nil {
			return err
		}
		op.Params.Values = map[string]interface{}(values)
	}
	return a.run(ctx, op)
}

func (a *app) dodelete(ctx context.Context, table, keyarg string) error {
	key, err := parseItem(keyarg)
	if err != nil {
		return err
	}
	return a.run(ctx, operation{Op: transaction.OpDelete, Table: table, Key: key})
}

func (a *app) doimage(ctx context.Context, txID, table, keyarg string) error {
	key, err := parseItem(keyarg)
	if err != nil {
		return err
	}
	img, err := a.reg.Image(ctx, txID, item.NewRef(a.store, table, key))
	if err != nil {
		return err
	}
	if img == nil {
		return errors.Errorf("no image of %s%v for transaction %s", table, key, txID)
	}
	fmt.Fprintf(a.out, "Image: %s\nCreated: %v\n", img.ImageID, img.CreatedAt)
	return a.print(img.Item)
}

func (a *app) dotx(ctx context.Context, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	txID, ops, err := parseTx(f, a.conf)
	if err != nil {
		return err
	}
	return a.runID(ctx, txID, ops...)
}

func (a *app) run(ctx context.Context, ops ...operation) error {
	return a.runID(ctx, "", ops...)
}

// runID runs a transaction, making up an id for it if txID is empty.
func (a *app) runID(ctx context.Context, txID string, ops ...operation) error {
	if txID == "" {
		txID = uuid.New().String()
	}
	log.Printf("Transaction %s: %d operations", txID, len(ops))
	err := a.coord.Run(ctx, txID, ops)
	if err != nil {
		return errors.Wrapf(err, "transaction %s", txID)
	}
	log.Printf("Transaction %s: committed", txID)
	return nil
}

func (a *app) print(it store.Item) error {
	b, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(b))
	return err
}
