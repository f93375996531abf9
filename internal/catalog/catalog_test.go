package catalog

import (
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
)

func testSchema(t *testing.T, spec string) record.Schema {
	t.Helper()
	s, err := record.ParseSchema(spec)
	require.NoError(t, err)
	return s
}

func TestCatalog_CreateWritesMetaAndFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/data", Options{})
	t.Cleanup(func() { _ = c.Close() })

	e, err := c.Create("users", testSchema(t, "id:int64,name:text"), storage.FormatSlotted)
	require.NoError(t, err)
	require.Equal(t, "/data/tables/users.dat", e.File.Path())

	raw, err := afero.ReadFile(fs, "/data/tables/users.meta.json")
	require.NoError(t, err)
	var meta TableMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, "users", meta.Name)
	require.Equal(t, "slotted", meta.Format)
	require.Equal(t, storage.DefaultPageSize, meta.PageSize)
	require.True(t, meta.Schema.Equal(e.Meta.Schema))
	require.False(t, meta.UpdatedAt.IsZero())

	_, err = c.Create("users", testSchema(t, "id:int64"), storage.FormatSlotted)
	require.ErrorIs(t, err, ErrTableExists)
}

func TestCatalog_CreateFixed(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/data", Options{PageSize: 1024})
	t.Cleanup(func() { _ = c.Close() })

	e, err := c.Create("points", testSchema(t, "x:int32,y:int32"), storage.FormatFixed)
	require.NoError(t, err)
	// 1 byte null bitmap + 2 * 4
	require.Equal(t, 9, e.Meta.TupleSize)
	require.Equal(t, 1024, e.File.PageSize())

	_, err = c.Create("notes", testSchema(t, "body:text"), storage.FormatFixed)
	require.ErrorIs(t, err, storage.ErrTupleSize)
	_, err = c.Table("notes")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestCatalog_LoadReopensTables(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/data", Options{})
	a, err := c.Create("a", testSchema(t, "id:int64"), storage.FormatSlotted)
	require.NoError(t, err)
	_, err = c.Create("b", testSchema(t, "id:int32,ok:bool"), storage.FormatFixed)
	require.NoError(t, err)
	idA := a.ID()
	require.NoError(t, c.Close())

	c2 := New(fs, "/data", Options{PageSize: 8192})
	t.Cleanup(func() { _ = c2.Close() })
	require.NoError(t, c2.Load())
	require.Equal(t, []string{"a", "b"}, c2.Names())

	byID, err := c2.TableByID(idA)
	require.NoError(t, err)
	require.Equal(t, "a", byID.Meta.Name)
	// page size comes from the meta, not the new default
	require.Equal(t, storage.DefaultPageSize, byID.File.PageSize())

	store, err := c2.PageStore(idA)
	require.NoError(t, err)
	n, err := store.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(0), n)

	_, err = c2.PageStore(idA + 1)
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestCatalog_LoadEmptyDir(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/nothing", Options{})
	require.NoError(t, c.Load())
	require.Empty(t, c.Names())
}

func TestCatalog_OpenMissingAndInvalid(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/data", Options{})

	_, err := c.Open("ghost")
	require.ErrorIs(t, err, ErrTableNotFound)

	for _, bad := range []string{"", "a/b", "../x", " pad"} {
		_, err := c.Create(bad, testSchema(t, "id:int64"), storage.FormatSlotted)
		require.ErrorIs(t, err, ErrInvalidName, bad)
	}
}
