package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/OneOfOne/xxhash"
)

// TableID identifies the backing file of a table.
type TableID uint64

// TableIDForPath derives a stable table id from the absolute path of the
// table's backing file.
func TableIDForPath(path string) (TableID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("table id for %q: %w", path, err)
	}
	return TableID(xxhash.ChecksumString64(filepath.Clean(abs))), nil
}

// PageIDSize is the width of a serialized PageID.
const PageIDSize = 12

// PageID is the immutable (table, page number) key used by the cache and the
// lock table.
type PageID struct {
	Table  TableID
	PageNo uint32
}

func NewPageID(table TableID, pageNo uint32) PageID {
	return PageID{Table: table, PageNo: pageNo}
}

// Serialize returns the fixed-width on-disk form: table id (u64 LE) followed
// by the page number (u32 LE).
func (id PageID) Serialize() [PageIDSize]byte {
	var b [PageIDSize]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(id.Table))
	binary.LittleEndian.PutUint32(b[8:12], id.PageNo)
	return b
}

func ParsePageID(b []byte) (PageID, error) {
	if len(b) != PageIDSize {
		return PageID{}, fmt.Errorf("%w: got %d bytes", ErrInvalidPageID, len(b))
	}
	return PageID{
		Table:  TableID(binary.LittleEndian.Uint64(b[0:8])),
		PageNo: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// Hash is a 64-bit hash of the serialized id.
func (id PageID) Hash() uint64 {
	b := id.Serialize()
	return xxhash.Checksum64(b[:])
}

func (id PageID) String() string {
	return fmt.Sprintf("page(%016x:%d)", uint64(id.Table), id.PageNo)
}

// RecordID addresses one tuple slot.
type RecordID struct {
	Page PageID
	Slot uint16
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s#%d", r.Page, r.Slot)
}
