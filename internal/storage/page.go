package storage

import (
	"fmt"
	"strings"

	"github.com/tuannm99/novastore/internal/txn"
)

// Format tags the byte layout of a table's pages.
type Format uint8

const (
	// FormatSlotted stores variable-length tuples behind line pointers.
	FormatSlotted Format = iota + 1
	// FormatFixed stores fixed-width tuples behind an occupancy bitmap.
	FormatFixed
)

func (f Format) String() string {
	switch f {
	case FormatSlotted:
		return "slotted"
	case FormatFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "slotted", "":
		return FormatSlotted, nil
	case "fixed":
		return FormatFixed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Tuple is one live record read out of a page. Data aliases the page buffer.
type Tuple struct {
	RID  RecordID
	Data []byte
}

// Page is the in-memory form of one fixed-size slot of a table file.
// The set of implementations is closed: slottedPage and fixedPage.
type Page interface {
	ID() PageID
	Format() Format
	// Bytes returns the page image to write back to storage.
	Bytes() []byte
	// Tuples returns a cursor over the live tuples in slot order.
	Tuples() *TupleIterator

	Insert(data []byte) (slot int, err error)
	Read(slot int) ([]byte, error)
	Delete(slot int) error
	FreeSpace() int

	MarkDirty(dirty bool, tid txn.ID)
	// IsDirty returns the transaction that last dirtied the page.
	IsDirty() (txn.ID, bool)

	numSlots() int
	live(slot int) bool
}

// NewPage decodes buf as a page of the given format. tupleSize is only
// consulted by FormatFixed.
func NewPage(format Format, id PageID, buf []byte, tupleSize int) (Page, error) {
	if err := ValidatePageSize(len(buf)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongSize, err)
	}
	switch format {
	case FormatSlotted:
		p, err := newSlottedPage(id, buf)
		if err != nil {
			return nil, err
		}
		return p, nil
	case FormatFixed:
		p, err := newFixedPage(id, buf, tupleSize)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
}

type pageState struct {
	id    PageID
	dirty bool
	owner txn.ID
}

func (s *pageState) ID() PageID { return s.id }

func (s *pageState) MarkDirty(dirty bool, tid txn.ID) {
	s.dirty = dirty
	if dirty {
		s.owner = tid
	} else {
		s.owner = txn.Nil
	}
}

func (s *pageState) IsDirty() (txn.ID, bool) {
	return s.owner, s.dirty
}

// TupleIterator walks the live slots of a single page.
type TupleIterator struct {
	page Page
	slot int
}

func newTupleIterator(p Page) *TupleIterator {
	return &TupleIterator{page: p}
}

// HasNext skips deleted slots and reports whether a live tuple remains.
func (it *TupleIterator) HasNext() bool {
	for it.slot < it.page.numSlots() {
		if it.page.live(it.slot) {
			return true
		}
		it.slot++
	}
	return false
}

// Next returns the next live tuple. It returns ErrBadSlot when exhausted.
func (it *TupleIterator) Next() (Tuple, error) {
	if !it.HasNext() {
		return Tuple{}, ErrBadSlot
	}
	slot := it.slot
	it.slot++
	data, err := it.page.Read(slot)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{
		RID:  RecordID{Page: it.page.ID(), Slot: uint16(slot)},
		Data: data,
	}, nil
}
