// Package heap exposes a table file as unordered tuples: inserts, deletes,
// point reads and the tuple scan, all going through the buffer pool under
// the caller's transaction.
package heap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/lock"
	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

// Table represent for heap file logic: name, schema, backing file and the pool
// every page access goes through.
type Table struct {
	Name   string
	Schema record.Schema

	file *storage.HeapFile
	pool *bufferpool.Pool
}

func NewTable(name string, schema record.Schema, file *storage.HeapFile, pool *bufferpool.Pool) *Table {
	return &Table{Name: name, Schema: schema, file: file, pool: pool}
}

func (t *Table) ID() storage.TableID { return t.file.ID() }

func (t *Table) File() *storage.HeapFile { return t.file }

// PageCount is derived from the file length.
func (t *Table) PageCount() (uint32, error) { return t.file.PageCount() }

// Read returns the stored image of a page, bypassing the cache.
func (t *Table) Read(pageNo uint32) ([]byte, error) { return t.file.Read(pageNo) }

// Write overwrites the stored image of a page, bypassing the cache.
func (t *Table) Write(pageNo uint32, src []byte) error { return t.file.Write(pageNo, src) }

// Pages yields every page of the table in page order, each fetched Shared
// for tid. The page count is taken when iteration starts.
func (t *Table) Pages(ctx context.Context, tid txn.ID) iter.Seq2[storage.Page, error] {
	return func(yield func(storage.Page, error) bool) {
		count, err := t.file.PageCount()
		if err != nil {
			yield(nil, err)
			return
		}
		for n := uint32(0); n < count; n++ {
			p, err := t.pool.Fetch(ctx, tid, t.file.PageID(n), lock.Shared)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Scan returns an unopened tuple scan over the table for tid.
func (t *Table) Scan(tid txn.ID) *Scan {
	return &Scan{table: t, tid: tid}
}

// V1 naive -> always prefer last page, if page is full append a new one
func (t *Table) Insert(ctx context.Context, tid txn.ID, data []byte) (storage.RecordID, error) {
	count, err := t.file.PageCount()
	if err != nil {
		return storage.RecordID{}, err
	}
	if count > 0 {
		rid, err := t.insertInto(ctx, tid, count-1, data)
		if err == nil || !errors.Is(err, storage.ErrNoSpace) {
			return rid, err
		}
	}

	pageNo, err := t.file.Append()
	if err != nil {
		return storage.RecordID{}, err
	}
	return t.insertInto(ctx, tid, pageNo, data)
}

func (t *Table) insertInto(ctx context.Context, tid txn.ID, pageNo uint32, data []byte) (storage.RecordID, error) {
	p, err := t.pool.Fetch(ctx, tid, t.file.PageID(pageNo), lock.Exclusive)
	if err != nil {
		return storage.RecordID{}, err
	}
	slot, err := p.Insert(data)
	if err != nil {
		return storage.RecordID{}, err
	}
	if err := t.pool.MarkDirty(tid, p); err != nil {
		return storage.RecordID{}, err
	}
	return storage.RecordID{Page: p.ID(), Slot: uint16(slot)}, nil
}

// Get reads a single tuple by record id. The returned bytes are a copy.
func (t *Table) Get(ctx context.Context, tid txn.ID, rid storage.RecordID) ([]byte, error) {
	if err := t.owns(rid); err != nil {
		return nil, err
	}
	p, err := t.pool.Fetch(ctx, tid, rid.Page, lock.Shared)
	if err != nil {
		return nil, err
	}
	data, err := p.Read(int(rid.Slot))
	if err != nil {
		return nil, fmt.Errorf("heap: get %s: %w", rid, err)
	}
	return bytes.Clone(data), nil
}

// Delete marks a single tuple identified by record id as deleted.
func (t *Table) Delete(ctx context.Context, tid txn.ID, rid storage.RecordID) error {
	if err := t.owns(rid); err != nil {
		return err
	}
	p, err := t.pool.Fetch(ctx, tid, rid.Page, lock.Exclusive)
	if err != nil {
		return err
	}
	if err := p.Delete(int(rid.Slot)); err != nil {
		return fmt.Errorf("heap: delete %s: %w", rid, err)
	}
	return t.pool.MarkDirty(tid, p)
}

func (t *Table) owns(rid storage.RecordID) error {
	if rid.Page.Table != t.file.ID() {
		return fmt.Errorf("heap: %s does not belong to table %q: %w", rid, t.Name, storage.ErrPageOutOfRange)
	}
	return nil
}

// InsertRow encodes values with the table schema and inserts them.
func (t *Table) InsertRow(ctx context.Context, tid txn.ID, values []any) (storage.RecordID, error) {
	data, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return storage.RecordID{}, err
	}
	return t.Insert(ctx, tid, data)
}

// GetRow reads and decodes a single row.
func (t *Table) GetRow(ctx context.Context, tid txn.ID, rid storage.RecordID) ([]any, error) {
	if err := t.owns(rid); err != nil {
		return nil, err
	}
	p, err := t.pool.Fetch(ctx, tid, rid.Page, lock.Shared)
	if err != nil {
		return nil, err
	}
	hp := NewHeapPage(p, t.Schema)
	return hp.ReadRow(int(rid.Slot))
}

// ScanRows iterates through all visible rows in the table, page by page.
func (t *Table) ScanRows(ctx context.Context, tid txn.ID, fn func(rid storage.RecordID, row []any) error) error {
	for p, err := range t.Pages(ctx, tid) {
		if err != nil {
			return err
		}
		hp := NewHeapPage(p, t.Schema)
		if err := hp.Rows(fn); err != nil {
			return err
		}
	}
	return nil
}
