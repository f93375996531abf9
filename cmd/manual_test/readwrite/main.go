// Manual driver: concurrent writers and a reader against one table, retrying
// transactions the lock table aborts. Run with `go run ./cmd/manual_test/readwrite`.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/config"
	"github.com/tuannm99/novastore/internal/engine"
	"github.com/tuannm99/novastore/internal/heap"
	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

const (
	writers       = 4
	rowsPerWriter = 25
)

func main() {
	cfg, err := config.Load("", nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// Data directory for this manual test.
	cfg.DataDir = filepath.Join("data/test", "manual_db")
	cfg.Log.Level = "debug"
	cfg.Lock.Timeout = 500 * time.Millisecond
	_ = os.RemoveAll(cfg.DataDir)

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf("engine close error: %v", err)
		}
	}()

	// Define a simple schema: (id INT64, name TEXT, active BOOL)
	schema := record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false},
			{Name: "name", Type: record.ColText, Nullable: false},
			{Name: "active", Type: record.ColBool, Nullable: false},
		},
	}
	tbl, err := eng.CreateTable("users", schema, storage.FormatSlotted)
	if err != nil {
		log.Fatalf("CreateTable: %v", err)
	}

	ctx := context.Background()
	lg := zap.NewExample().Sugar()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rowsPerWriter; i++ {
				id := int64(w*rowsPerWriter + i)
				retries, err := retry(eng, func(tid txn.ID) error {
					_, err := tbl.InsertRow(ctx, tid, []any{id, fmt.Sprintf("user-%d", id), id%2 == 0})
					return err
				})
				if err != nil {
					lg.Fatalw("insert failed", "id", id, "err", err)
				}
				if retries > 0 {
					lg.Infow("insert retried", "id", id, "retries", retries)
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := count(ctx, eng, tbl)
			if err != nil {
				lg.Fatalw("reader failed", "err", err)
			}
			lg.Infow("reader saw rows", "count", n)
			if n == writers*rowsPerWriter {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	wg.Wait()
	<-done

	n, err := count(ctx, eng, tbl)
	if err != nil {
		lg.Fatalw("final scan", "err", err)
	}
	fmt.Printf("Writers finished. %d rows committed, expected %d.\n", n, writers*rowsPerWriter)
}

// retry runs fn in fresh transactions until one commits or fails with
// something other than a lock abort or a full pool.
func retry(eng *engine.Engine, fn func(tid txn.ID) error) (int, error) {
	for attempt := 0; ; attempt++ {
		tid, err := eng.Begin()
		if err != nil {
			return attempt, err
		}
		err = fn(tid)
		if err == nil {
			err = eng.Commit(tid)
			if err == nil {
				return attempt, nil
			}
		} else {
			_ = eng.Abort(tid)
		}
		if !errors.Is(err, bufferpool.ErrTransactionAborted) && !errors.Is(err, bufferpool.ErrBufferPoolFull) {
			return attempt, err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
}

func count(ctx context.Context, eng *engine.Engine, tbl *heap.Table) (int, error) {
	n := 0
	_, err := retry(eng, func(tid txn.ID) error {
		n = 0
		return tbl.ScanRows(ctx, tid, func(storage.RecordID, []any) error {
			n++
			return nil
		})
	})
	return n, err
}
