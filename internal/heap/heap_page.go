package heap

import (
	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
)

// HeapPage = Page + Schema, Wrapper row-level on top of Page
// operation on row (values []any) instead of raw []byte.
type HeapPage struct {
	Page   storage.Page
	Schema record.Schema
}

func NewHeapPage(p storage.Page, s record.Schema) HeapPage {
	return HeapPage{Page: p, Schema: s}
}

func (hp *HeapPage) InsertRow(values []any) (int, error) {
	data, err := record.EncodeRow(hp.Schema, values)
	if err != nil {
		return -1, err
	}
	return hp.Page.Insert(data)
}

func (hp *HeapPage) ReadRow(slot int) ([]any, error) {
	data, err := hp.Page.Read(slot)
	if err != nil {
		return nil, err
	}
	return record.DecodeRow(hp.Schema, data)
}

// Rows decodes every live tuple of the page in slot order.
func (hp *HeapPage) Rows(fn func(rid storage.RecordID, row []any) error) error {
	it := hp.Page.Tuples()
	for it.HasNext() {
		tup, err := it.Next()
		if err != nil {
			return err
		}
		row, err := record.DecodeRow(hp.Schema, tup.Data)
		if err != nil {
			return err
		}
		if err := fn(tup.RID, row); err != nil {
			return err
		}
	}
	return nil
}
