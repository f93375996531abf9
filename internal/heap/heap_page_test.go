package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
)

func usersSchema() record.Schema {
	return record.Schema{
		Cols: []record.Column{
			{Name: "id", Type: record.ColInt64, Nullable: false},
			{Name: "name", Type: record.ColText, Nullable: false},
			{Name: "active", Type: record.ColBool, Nullable: false},
		},
	}
}

// newTestHeapPage creates an empty page + schema for HeapPage tests.
func newTestHeapPage(t *testing.T) HeapPage {
	t.Helper()

	p, err := storage.NewPage(storage.FormatSlotted, storage.NewPageID(1, 0), make([]byte, storage.DefaultPageSize), 0)
	require.NoError(t, err)
	return NewHeapPage(p, usersSchema())
}

func TestHeapPage_InsertAndRead(t *testing.T) {
	hp := newTestHeapPage(t)

	slot, err := hp.InsertRow([]any{int64(1), "user-1", true})
	require.NoError(t, err)
	require.Equal(t, 0, slot)

	row, err := hp.ReadRow(slot)
	require.NoError(t, err)

	require.Len(t, row, 3)
	require.Equal(t, int64(1), row[0].(int64))
	require.Equal(t, "user-1", row[1].(string))
	require.Equal(t, true, row[2].(bool))
}

func TestHeapPage_Insert_InvalidValues(t *testing.T) {
	hp := newTestHeapPage(t)

	// Wrong number of columns
	_, err := hp.InsertRow([]any{int64(1), "user-1"})
	require.Error(t, err)

	// Wrong type for a column (name should be TEXT/string)
	_, err = hp.InsertRow([]any{int64(1), 12345, true})
	require.Error(t, err)
}

func TestHeapPage_RowsSkipsDeleted(t *testing.T) {
	hp := newTestHeapPage(t)

	for i := 1; i <= 3; i++ {
		_, err := hp.InsertRow([]any{int64(i), "u", true})
		require.NoError(t, err)
	}
	require.NoError(t, hp.Page.Delete(1))

	var ids []int64
	err := hp.Rows(func(rid storage.RecordID, row []any) error {
		ids = append(ids, row[0].(int64))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, ids)

	_, err = hp.ReadRow(1)
	require.ErrorIs(t, err, storage.ErrBadSlot)
}
