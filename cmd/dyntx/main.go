// Command dyntx provisions tables for multi-item transactions, inspects
// items and saved images, and runs transactions against a store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/getsentry/raven-go"

	"github.com/ndlib/dyntx/store"
)

var (
	configFile = flag.String("config", "dyntx.toml", "configuration file")
	location   = flag.String("location", "", "store location, overriding the configuration file")
	showStats  = flag.Bool("stats", false, "print the store counters when done")
	usage      = `
dyntx [flags] <command> <command arguments>

Possible commands:
    provision

    get <table> <key json>

    put <table> <item json>

    update <table> <key json> <update expression> [values json]

    delete <table> <key json>

    image <transaction id> <table> <key json>

    tx <transaction json file>

Locations are memory:, ql:<file>, ql-mem:, mysql:<dsn>, dynamodb: and
dynamodb://host:port.
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run(args []string) error {
	conf, err := loadConfig(*configFile, flagSet("config"))
	if err != nil {
		return err
	}
	if *location != "" {
		conf.Store.Location = *location
	}
	if conf.Sentry.DSN != "" {
		if err := raven.SetDSN(conf.Sentry.DSN); err != nil {
			log.Println("Sentry:", err)
		}
	}

	s, err := parselocation(conf.Store.Location, conf.Store)
	if err != nil {
		return err
	}
	c := &counters{}
	switch x := s.(type) {
	case *store.DynamoDB:
		x.Stats = c
	case *store.SQL:
		x.Stats = c
		defer x.Close()
	}
	if *showStats {
		defer c.Print(os.Stderr)
	}
	if conf.Store.TablePrefix != "" {
		s = store.NewWithPrefix(s, conf.Store.TablePrefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		log.Println("Interrupted")
		cancel()
	}()

	a := newApp(conf, s)
	// nothing survives between runs of an in-memory store
	if ephemeral(conf.Store.Location) && args[0] != "provision" {
		if err := a.doprovision(ctx); err != nil {
			return err
		}
	}
	return a.dispatch(ctx, args)
}

// flagSet is true if the named flag was given on the command line.
func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func ephemeral(location string) bool {
	return location == "" || strings.HasPrefix(location, "memory:") || strings.HasPrefix(location, "ql-mem:")
}
