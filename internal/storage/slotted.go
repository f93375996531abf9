package storage

import (
	"encoding/binary"
	"fmt"
)

// Header offsets
const (
	offFlags   = 0
	offPageNo  = 2
	offLower   = 6
	offUpper   = 8
	offSpecial = 10
)

// Slot flags
const (
	SlotFlagNormal  uint16 = 0
	SlotFlagDeleted uint16 = 1 << 0
)

type Slot struct {
	Offset uint16
	Length uint16
	Flags  uint16
}

// +------------------+ 0
// | header           |
// | line pointers[]  | <-- lower
// +------------------+
// |   free space     |
// +------------------+ <-- upper
// |  tuple data      |
// |  (grows down)    |
// +------------------+ <-- special (unused)
// +------------------+ len(buf)
type slottedPage struct {
	pageState
	buf []byte
}

var _ Page = (*slottedPage)(nil)

func newSlottedPage(id PageID, buf []byte) (*slottedPage, error) {
	p := &slottedPage{pageState: pageState{id: id}, buf: buf}
	// A freshly appended page is all zeroes on disk.
	if p.lower() == 0 && p.upper() == 0 {
		p.init()
		return p, nil
	}
	if err := p.checkHeader(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruption, id, err)
	}
	return p, nil
}

// checkHeader requires HeaderSize <= lower <= upper <= len(buf) with whole
// line pointers between header and lower.
func (p *slottedPage) checkHeader() error {
	lower, upper := int(p.lower()), int(p.upper())
	if lower < HeaderSize || lower > upper || upper > len(p.buf) {
		return fmt.Errorf("header lower=%d upper=%d size=%d", lower, upper, len(p.buf))
	}
	if (lower-HeaderSize)%SlotSize != 0 {
		return fmt.Errorf("line pointers end at %d, not a multiple of %d", lower, SlotSize)
	}
	return nil
}

func (p *slottedPage) Format() Format { return FormatSlotted }
func (p *slottedPage) Bytes() []byte { return p.buf }

func (p *slottedPage) Tuples() *TupleIterator { return newTupleIterator(p) }

// ---- header ----
func (p *slottedPage) flags() uint16 { return binary.LittleEndian.Uint16(p.buf[offFlags:]) }

func (p *slottedPage) pageNo() uint32 { return binary.LittleEndian.Uint32(p.buf[offPageNo:]) }

func (p *slottedPage) lower() uint16 { return binary.LittleEndian.Uint16(p.buf[offLower:]) }

func (p *slottedPage) setLower(v uint16) { binary.LittleEndian.PutUint16(p.buf[offLower:], v) }

func (p *slottedPage) upper() uint16 { return binary.LittleEndian.Uint16(p.buf[offUpper:]) }

func (p *slottedPage) setUpper(v uint16) { binary.LittleEndian.PutUint16(p.buf[offUpper:], v) }

func (p *slottedPage) init() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	size := uint16(len(p.buf))
	binary.LittleEndian.PutUint32(p.buf[offPageNo:], p.id.PageNo)
	p.setLower(HeaderSize)
	p.setUpper(size)
	binary.LittleEndian.PutUint16(p.buf[offSpecial:], size) // unused for now
}

func (p *slottedPage) FreeSpace() int {
	return int(p.upper()) - int(p.lower())
}

func (p *slottedPage) numSlots() int {
	return (int(p.lower()) - HeaderSize) / SlotSize
}

// ---- slots ----
func (p *slottedPage) slotOff(idx int) int {
	return HeaderSize + idx*SlotSize
}

func (p *slottedPage) getSlot(i int) (Slot, error) {
	if i < 0 || i >= p.numSlots() {
		return Slot{}, ErrBadSlot
	}
	o := p.slotOff(i)
	if o+SlotSize > int(p.lower()) {
		return Slot{}, ErrCorruption
	}
	return Slot{
		Offset: binary.LittleEndian.Uint16(p.buf[o+0:]),
		Length: binary.LittleEndian.Uint16(p.buf[o+2:]),
		Flags:  binary.LittleEndian.Uint16(p.buf[o+4:]),
	}, nil
}

func (p *slottedPage) putSlot(idx int, s Slot) error {
	if idx < 0 || idx > p.numSlots() {
		return ErrBadSlot
	}
	off := p.slotOff(idx)
	if idx == p.numSlots() && off+SlotSize > int(p.upper()) {
		return ErrNoSpace
	}
	binary.LittleEndian.PutUint16(p.buf[off+0:], s.Offset)
	binary.LittleEndian.PutUint16(p.buf[off+2:], s.Length)
	binary.LittleEndian.PutUint16(p.buf[off+4:], s.Flags)
	return nil
}

func (p *slottedPage) live(slot int) bool {
	s, err := p.getSlot(slot)
	return err == nil && s.Flags == SlotFlagNormal && s.Length > 0
}

// ---- tuples ----
func (p *slottedPage) Insert(tup []byte) (int, error) {
	if len(tup) == 0 || len(tup) > len(p.buf)-HeaderSize-SlotSize {
		return -1, ErrTupleTooLarge
	}
	if p.FreeSpace() < len(tup)+SlotSize {
		return -1, ErrNoSpace
	}
	u := int(p.upper()) - len(tup)
	copy(p.buf[u:], tup)

	i := p.numSlots()
	if err := p.putSlot(i, Slot{Offset: uint16(u), Length: uint16(len(tup)), Flags: SlotFlagNormal}); err != nil {
		return -1, err
	}
	p.setUpper(uint16(u))
	p.setLower(p.lower() + SlotSize)
	return i, nil
}

func (p *slottedPage) Read(slot int) ([]byte, error) {
	s, err := p.getSlot(slot)
	if err != nil {
		return nil, err
	}
	if s.Flags == SlotFlagDeleted {
		return nil, ErrBadSlot
	}
	if s.Flags != SlotFlagNormal || s.Length == 0 {
		return nil, ErrCorruption
	}
	start, end := int(s.Offset), int(s.Offset)+int(s.Length)
	if start < int(p.upper()) || end > len(p.buf) {
		return nil, ErrCorruption
	}
	return p.buf[start:end], nil
}

// Delete flags the slot; the tuple bytes are not reclaimed.
func (p *slottedPage) Delete(slot int) error {
	s, err := p.getSlot(slot)
	if err != nil {
		return err
	}
	if s.Flags == SlotFlagDeleted {
		return ErrBadSlot
	}
	return p.putSlot(slot, Slot{Flags: SlotFlagDeleted})
}
