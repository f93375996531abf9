package storage

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"
)

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Fprintf(format string, a ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, a...)
}

func (e *errWriter) Fprintln(a ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintln(e.w, a...)
}

func slotFlagName(f uint16) string {
	switch f {
	case SlotFlagNormal:
		return "NORMAL"
	case SlotFlagDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", f)
	}
}

func utf8Preview(b []byte) string {
	if !utf8.Valid(b) {
		return ""
	}
	var buf bytes.Buffer
	for _, r := range string(b) { // iterate by rune
		if unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			buf.WriteRune(r)
		} else {
			buf.WriteByte('.')
		}
	}
	return buf.String()
}

// ASCII preview: printable -> itself, else '.'
func asciiPreview(b []byte) string {
	var buf bytes.Buffer
	for _, c := range b {
		r := rune(c)
		if unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			buf.WriteRune(r)
		} else {
			buf.WriteByte('.')
		}
	}
	return buf.String()
}

// Debug prints the page header, slot directory and tuple previews to w.
func Debug(p Page, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.Fprintf("=== Page Debug ===\n")
	ew.Fprintf("%s format=%s pageSize=%d freeSpace=%d numSlots=%d\n",
		p.ID(), p.Format(), len(p.Bytes()), p.FreeSpace(), p.numSlots())
	if owner, dirty := p.IsDirty(); dirty {
		ew.Fprintf("dirty by %s\n", owner)
	}

	ew.Fprintln("\n-- Slots --")
	if p.numSlots() == 0 {
		ew.Fprintln("(none)")
	}
	switch pg := p.(type) {
	case *slottedPage:
		ew.Fprintf("flags=0x%04x pageNo=%d lower=%d upper=%d\n",
			pg.flags(), pg.pageNo(), pg.lower(), pg.upper())
		for i := 0; i < pg.numSlots() && ew.err == nil; i++ {
			s, err := pg.getSlot(i)
			if err != nil {
				ew.Fprintf("[%d] <error: %v>\n", i, err)
				continue
			}
			ew.Fprintf("[%d] flags=%s off=%d len=%d\n", i, slotFlagName(s.Flags), s.Offset, s.Length)
		}
	case *fixedPage:
		ew.Fprintf("tupleSize=%d headerBytes=%d\n", pg.tupleSize, fixedHeaderSize(pg.slots))
		for i := 0; i < pg.slots && ew.err == nil; i++ {
			if pg.live(i) {
				ew.Fprintf("[%d] USED off=%d\n", i, pg.slotOff(i))
			}
		}
	}

	ew.Fprintln("\n-- Tuples (preview) --")
	const maxPreview = 32
	it := p.Tuples()
	for it.HasNext() && ew.err == nil {
		tup, err := it.Next()
		if err != nil {
			ew.Fprintf("(read) %v\n", err)
			break
		}
		preview := tup.Data
		if len(preview) > maxPreview {
			preview = preview[:maxPreview]
		}
		ew.Fprintf("[%d] len=%d preview(hex)=%s\n", tup.RID.Slot, len(tup.Data), hex.EncodeToString(preview))
		if s := utf8Preview(preview); s != "" {
			ew.Fprintf("     preview(utf8)=\"%s\"\n", s)
		} else {
			ew.Fprintf("     preview(ascii)=\"%s\"\n", asciiPreview(preview))
		}
	}

	ew.Fprintln("=== End Page Debug ===")
	return ew.err
}

func DebugString(p Page) string {
	var b bytes.Buffer
	if err := Debug(p, &b); err != nil {
		_, _ = b.WriteString("\n<debug write error: " + err.Error() + ">\n")
	}
	return b.String()
}
