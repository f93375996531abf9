// Command novastore manages tables in a novastore data directory.
//
//	novastore [flags] tables
//	novastore [flags] create <table> <name:type,...>
//	novastore [flags] insert <table> <v1,v2,...> [<v1,v2,...> ...]
//	novastore [flags] scan <table>
//	novastore [flags] pages <table>
//
// scan and pages read the whole table in one transaction, and every page it
// touches stays locked and resident until commit: tables larger than
// --capacity pages fail with a full buffer pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/pflag"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/config"
	"github.com/tuannm99/novastore/internal/engine"
	"github.com/tuannm99/novastore/internal/heap"
	"github.com/tuannm99/novastore/internal/lock"
	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

var errUsage = errors.New("usage: novastore [flags] tables|create|insert|scan|pages ...")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "novastore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) (err error) {
	flags := pflag.NewFlagSet("novastore", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	showStats := flags.Bool("stats", false, "print engine metrics after the command")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cmd := flags.Args()
	if len(cmd) == 0 {
		return errUsage
	}

	cfg, err := config.Load("", flags)
	if err != nil {
		return err
	}
	eng, err := engine.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(); err == nil {
			err = cerr
		}
	}()

	switch cmd[0] {
	case "tables":
		err = listTables(eng, out)
	case "create":
		err = createTable(eng, cfg, cmd[1:], out)
	case "insert":
		err = withTxn(eng, func(tid txn.ID) error { return insertRows(ctx, eng, tid, cmd[1:], out) })
	case "scan":
		err = capacityHint(withTxn(eng, func(tid txn.ID) error { return scanTable(ctx, eng, tid, cmd[1:], out) }))
	case "pages":
		err = capacityHint(withTxn(eng, func(tid txn.ID) error { return dumpPages(ctx, eng, tid, cmd[1:], out) }))
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, cmd[0])
	}
	if err != nil {
		return err
	}

	if *showStats {
		return writeStats(eng, out)
	}
	return nil
}

// withTxn commits when fn succeeds and aborts otherwise.
func withTxn(eng *engine.Engine, fn func(tid txn.ID) error) error {
	tid, err := eng.Begin()
	if err != nil {
		return err
	}
	if err := fn(tid); err != nil {
		_ = eng.Abort(tid)
		return err
	}
	return eng.Commit(tid)
}

// capacityHint points a full pool during a whole-table read at --capacity.
func capacityHint(err error) error {
	if errors.Is(err, bufferpool.ErrBufferPoolFull) {
		return fmt.Errorf("%w (table has more pages than the pool holds, raise --capacity)", err)
	}
	return err
}

func listTables(eng *engine.Engine, out io.Writer) error {
	for _, name := range eng.Tables() {
		entry, err := eng.Catalog().Table(name)
		if err != nil {
			return err
		}
		pages, err := entry.File.PageCount()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\tpages=%d\t%s\n", name, entry.Meta.Format, pages, entry.Meta.Schema)
	}
	return nil
}

func createTable(eng *engine.Engine, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: create <table> <name:type,...>", errUsage)
	}
	schema, err := record.ParseSchema(args[1])
	if err != nil {
		return err
	}
	format, err := cfg.PageFormat()
	if err != nil {
		return err
	}
	tbl, err := eng.CreateTable(args[0], schema, format)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s (%s)\n", tbl.Name, tbl.Schema)
	return nil
}

func table(eng *engine.Engine, args []string, min int, usage string) (*heap.Table, error) {
	if len(args) < min {
		return nil, fmt.Errorf("%w: %s", errUsage, usage)
	}
	return eng.Table(args[0])
}

func insertRows(ctx context.Context, eng *engine.Engine, tid txn.ID, args []string, out io.Writer) error {
	tbl, err := table(eng, args, 2, "insert <table> <v1,v2,...> ...")
	if err != nil {
		return err
	}
	for _, raw := range args[1:] {
		values, err := record.ParseRow(tbl.Schema, strings.Split(raw, ","))
		if err != nil {
			return err
		}
		rid, err := tbl.InsertRow(ctx, tid, values)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rid)
	}
	return nil
}

func scanTable(ctx context.Context, eng *engine.Engine, tid txn.ID, args []string, out io.Writer) error {
	tbl, err := table(eng, args, 1, "scan <table> (needs --capacity >= table pages)")
	if err != nil {
		return err
	}
	s := tbl.Scan(tid)
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	for {
		ok, err := s.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		tup, err := s.Next()
		if err != nil {
			return err
		}
		row, err := record.DecodeRow(tbl.Schema, tup.Data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", tup.RID, err)
		}
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = record.FormatValue(v)
		}
		fmt.Fprintf(out, "%s\t%s\n", tup.RID, strings.Join(fields, ","))
	}
}

func dumpPages(ctx context.Context, eng *engine.Engine, tid txn.ID, args []string, out io.Writer) error {
	tbl, err := table(eng, args, 1, "pages <table>")
	if err != nil {
		return err
	}
	count, err := tbl.PageCount()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		p, err := eng.Pool().Fetch(ctx, tid, tbl.File().PageID(n), lock.Shared)
		if err != nil {
			return err
		}
		if err := storage.Debug(p, out); err != nil {
			return err
		}
	}
	return nil
}

func writeStats(eng *engine.Engine, out io.Writer) error {
	mfs, err := eng.Metrics().Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
