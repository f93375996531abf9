package catalog

import (
	"time"

	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
)

// TableMeta is persisted as <data_dir>/tables/<name>.meta.json.
type TableMeta struct {
	Name      string        `json:"name"`
	FileBase  string        `json:"file_base"`
	Format    string        `json:"format"`
	PageSize  int           `json:"page_size"`
	TupleSize int           `json:"tuple_size,omitempty"`
	Schema    record.Schema `json:"schema"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (m TableMeta) Layout() (storage.Layout, error) {
	format, err := storage.ParseFormat(m.Format)
	if err != nil {
		return storage.Layout{}, err
	}
	return storage.Layout{Format: format, PageSize: m.PageSize, TupleSize: m.TupleSize}, nil
}

// Entry is a registered table: its metadata and open backing file.
type Entry struct {
	Meta TableMeta
	File *storage.HeapFile
}

func (e *Entry) ID() storage.TableID { return e.File.ID() }
