package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Layout describes how a table's pages are laid out on disk.
type Layout struct {
	Format    Format
	PageSize  int
	TupleSize int // FormatFixed only
}

func (l Layout) Validate() error {
	if err := ValidatePageSize(l.PageSize); err != nil {
		return err
	}
	switch l.Format {
	case FormatSlotted:
		return nil
	case FormatFixed:
		if FixedSlotsPerPage(l.PageSize, l.TupleSize) == 0 {
			return fmt.Errorf("%w: tuple size %d", ErrTupleSize, l.TupleSize)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFormat, l.Format)
	}
}

// HeapFile is the page store of one table: a flat sequence of fixed-size
// pages, page k at byte offset k*PageSize. The page count is derived from
// the file length.
type HeapFile struct {
	id     TableID
	path   string
	layout Layout

	mu sync.RWMutex
	f  afero.File
}

// OpenHeapFile opens (creating if needed) the backing file at path.
func OpenHeapFile(fs afero.Fs, path string, layout Layout) (*HeapFile, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	id, err := TableIDForPath(path)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(filepath.Dir(path), FileMode0755); err != nil {
		return nil, fmt.Errorf("open heap file %s: %w: %w", path, ErrIO, err)
	}
	// RDWR | CREATE (no truncate)
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("open heap file %s: %w: %w", path, ErrIO, err)
	}
	return &HeapFile{id: id, path: path, layout: layout, f: f}, nil
}

func (h *HeapFile) ID() TableID { return h.id }
func (h *HeapFile) Path() string { return h.path }
func (h *HeapFile) Layout() Layout { return h.layout }
func (h *HeapFile) PageSize() int { return h.layout.PageSize }
func (h *HeapFile) PageID(n uint32) PageID { return NewPageID(h.id, n) }

// PageCount is floor(fileSize / pageSize).
func (h *HeapFile) PageCount() (uint32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pageCountLocked()
}

func (h *HeapFile) pageCountLocked() (uint32, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w: %w", h.path, ErrIO, err)
	}
	return uint32(info.Size() / int64(h.layout.PageSize)), nil
}

func (h *HeapFile) offset(pageNo uint32) int64 {
	return int64(pageNo) * int64(h.layout.PageSize)
}

// Read returns a copy of page pageNo. Reading at or past PageCount fails with
// ErrPageOutOfRange; the file is never silently extended.
func (h *HeapFile) Read(pageNo uint32) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count, err := h.pageCountLocked()
	if err != nil {
		return nil, err
	}
	if pageNo >= count {
		return nil, fmt.Errorf("%w: %s page %d, count %d", ErrPageOutOfRange, h.path, pageNo, count)
	}

	buf := make([]byte, h.layout.PageSize)
	if _, err := h.f.ReadAt(buf, h.offset(pageNo)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s page %d: %w: %w", h.path, pageNo, ErrIO, err)
	}
	return buf, nil
}

// Write overwrites exactly the byte range of an existing page.
func (h *HeapFile) Write(pageNo uint32, src []byte) error {
	if len(src) != h.layout.PageSize {
		return fmt.Errorf("%w: got %d want %d", ErrWrongSize, len(src), h.layout.PageSize)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	count, err := h.pageCountLocked()
	if err != nil {
		return err
	}
	if pageNo >= count {
		return fmt.Errorf("%w: %s page %d, count %d", ErrPageOutOfRange, h.path, pageNo, count)
	}
	return h.writeAtLocked(pageNo, src)
}

func (h *HeapFile) writeAtLocked(pageNo uint32, src []byte) error {
	n, err := h.f.WriteAt(src, h.offset(pageNo))
	if err != nil {
		return fmt.Errorf("write %s page %d: %w: %w", h.path, pageNo, ErrIO, err)
	}
	if n != len(src) {
		return fmt.Errorf("write %s page %d: %w: %w", h.path, pageNo, ErrIO, io.ErrShortWrite)
	}
	return nil
}

// Append grows the file by one zeroed page and returns its number.
func (h *HeapFile) Append() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	count, err := h.pageCountLocked()
	if err != nil {
		return 0, err
	}
	if err := h.writeAtLocked(count, make([]byte, h.layout.PageSize)); err != nil {
		return 0, err
	}
	return count, nil
}

// ReadPage reads and decodes a page through the table's format.
func (h *HeapFile) ReadPage(id PageID) (Page, error) {
	if id.Table != h.id {
		return nil, fmt.Errorf("%w: %s does not belong to %s", ErrPageOutOfRange, id, h.path)
	}
	buf, err := h.Read(id.PageNo)
	if err != nil {
		return nil, err
	}
	return NewPage(h.layout.Format, id, buf, h.layout.TupleSize)
}

// WritePage writes the page image back to its slot.
func (h *HeapFile) WritePage(p Page) error {
	if p.ID().Table != h.id {
		return fmt.Errorf("%w: %s does not belong to %s", ErrPageOutOfRange, p.ID(), h.path)
	}
	return h.Write(p.ID().PageNo, p.Bytes())
}

// Sync forces written pages to stable storage.
func (h *HeapFile) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w: %w", h.path, ErrIO, err)
	}
	return nil
}

func (h *HeapFile) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
