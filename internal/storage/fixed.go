package storage

import "fmt"

// fixedPage is the bitmap heap page: a header of ceil(n/8) occupancy bytes
// (bit i set => slot i used, least significant bit first) followed by n
// slots of tupleSize bytes each.
type fixedPage struct {
	pageState
	buf       []byte
	tupleSize int
	slots     int
}

var _ Page = (*fixedPage)(nil)

// FixedSlotsPerPage is floor(pageSize*8 / (tupleSize*8 + 1)): every tuple
// costs its bytes plus one header bit.
func FixedSlotsPerPage(pageSize, tupleSize int) int {
	if tupleSize <= 0 {
		return 0
	}
	return (pageSize * 8) / (tupleSize*8 + 1)
}

func fixedHeaderSize(slots int) int {
	return (slots + 7) / 8
}

func newFixedPage(id PageID, buf []byte, tupleSize int) (*fixedPage, error) {
	slots := FixedSlotsPerPage(len(buf), tupleSize)
	if slots == 0 {
		return nil, fmt.Errorf("%w: tuple size %d on %d-byte page", ErrTupleSize, tupleSize, len(buf))
	}
	return &fixedPage{
		pageState: pageState{id: id},
		buf:       buf,
		tupleSize: tupleSize,
		slots:     slots,
	}, nil
}

func (p *fixedPage) Format() Format { return FormatFixed }
func (p *fixedPage) Bytes() []byte { return p.buf }

func (p *fixedPage) Tuples() *TupleIterator { return newTupleIterator(p) }

func (p *fixedPage) numSlots() int { return p.slots }

func (p *fixedPage) live(slot int) bool {
	if slot < 0 || slot >= p.slots {
		return false
	}
	return p.buf[slot/8]&(1<<(uint(slot)&7)) != 0
}

func (p *fixedPage) setUsed(slot int, used bool) {
	if used {
		p.buf[slot/8] |= 1 << (uint(slot) & 7)
	} else {
		p.buf[slot/8] &^= 1 << (uint(slot) & 7)
	}
}

func (p *fixedPage) slotOff(slot int) int {
	return fixedHeaderSize(p.slots) + slot*p.tupleSize
}

func (p *fixedPage) FreeSpace() int {
	free := 0
	for i := 0; i < p.slots; i++ {
		if !p.live(i) {
			free++
		}
	}
	return free * p.tupleSize
}

func (p *fixedPage) Insert(tup []byte) (int, error) {
	if len(tup) != p.tupleSize {
		return -1, fmt.Errorf("%w: got %d want %d", ErrTupleSize, len(tup), p.tupleSize)
	}
	for i := 0; i < p.slots; i++ {
		if p.live(i) {
			continue
		}
		copy(p.buf[p.slotOff(i):], tup)
		p.setUsed(i, true)
		return i, nil
	}
	return -1, ErrNoSpace
}

func (p *fixedPage) Read(slot int) ([]byte, error) {
	if !p.live(slot) {
		return nil, ErrBadSlot
	}
	off := p.slotOff(slot)
	return p.buf[off : off+p.tupleSize], nil
}

func (p *fixedPage) Delete(slot int) error {
	if !p.live(slot) {
		return ErrBadSlot
	}
	p.setUsed(slot, false)
	return nil
}
