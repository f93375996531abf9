package heap

import (
	"bytes"
	"context"
	"errors"
	"iter"

	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

var (
	ErrIteratorNotOpen = errors.New("heap: iterator not open")
	ErrNoSuchElement   = errors.New("heap: no more tuples")
)

// Scan walks every live tuple of a table in page order, then slot order.
// Pages are fetched lazily, Shared, under the scanning transaction.
type Scan struct {
	table *Table
	tid   txn.ID
	ctx   context.Context

	open     bool
	nextPage func() (storage.Page, error, bool)
	stop     func()
	cur      *storage.TupleIterator
	// err sticks until Rewind or Close.
	err error
}

func (s *Scan) Open(ctx context.Context) error {
	if s.open {
		return nil
	}
	s.ctx = ctx
	s.nextPage, s.stop = iter.Pull2(s.table.Pages(ctx, s.tid))
	s.cur = nil
	s.err = nil
	s.open = true
	return nil
}

// HasNext advances past empty pages until a live tuple is found or the
// table is exhausted. Fetch failures are returned as is, and again on every
// later call.
func (s *Scan) HasNext() (bool, error) {
	if !s.open {
		return false, ErrIteratorNotOpen
	}
	if s.err != nil {
		return false, s.err
	}
	for s.cur == nil || !s.cur.HasNext() {
		page, err, ok := s.nextPage()
		if !ok {
			s.cur = nil
			return false, nil
		}
		if err != nil {
			s.cur = nil
			s.err = err
			return false, err
		}
		s.cur = page.Tuples()
	}
	return true, nil
}

// Next returns the next live tuple. Data is a copy of the page bytes.
func (s *Scan) Next() (storage.Tuple, error) {
	ok, err := s.HasNext()
	if err != nil {
		return storage.Tuple{}, err
	}
	if !ok {
		return storage.Tuple{}, ErrNoSuchElement
	}
	tup, err := s.cur.Next()
	if err != nil {
		s.err = err
		return storage.Tuple{}, err
	}
	tup.Data = bytes.Clone(tup.Data)
	return tup, nil
}

// Rewind restarts the scan from the first page, opening it if needed.
func (s *Scan) Rewind() error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.Close()
	return s.Open(ctx)
}

// Close releases the page cursor. Locks stay held until the transaction ends.
func (s *Scan) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.nextPage, s.stop, s.cur = nil, nil, nil
	s.err = nil
	s.open = false
}
