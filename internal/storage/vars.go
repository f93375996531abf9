package storage

import (
	"errors"
	"fmt"
)

const (
	OneKB = 1 << 10

	// DefaultPageSize is the engine-wide page size unless configured otherwise.
	DefaultPageSize = 4 * OneKB
	MinPageSize     = 512
	// Slot offsets are u16, so a page must stay addressable by them.
	MaxPageSize = 32 * OneKB

	HeaderSize = 12 // flags u16, pageNo u32, lower u16, upper u16, special u16
	SlotSize   = 6  // 3 * uint16: offset, length, flags
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrPageOutOfRange = errors.New("storage: page number out of range")
	ErrIO             = errors.New("storage: I/O failure")
	ErrWrongSize      = errors.New("storage: buffer size != page size")
	ErrInvalidPageID  = errors.New("storage: invalid serialized page id")
	ErrUnknownFormat  = errors.New("storage: unknown page format")

	ErrTupleTooLarge = errors.New("page: tuple too large for page")
	ErrTupleSize     = errors.New("page: tuple size does not match fixed slot width")
	ErrNoSpace       = errors.New("page: not enough free space")
	ErrBadSlot       = errors.New("page: invalid slot")
	ErrCorruption    = errors.New("page: corrupt slot or tuple bounds")
)

// ValidatePageSize reports whether size can be used as the engine page size.
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return fmt.Errorf("storage: page size %d must be a power of two in [%d, %d]",
			size, MinPageSize, MaxPageSize)
	}
	return nil
}
