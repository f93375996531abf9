package storage

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestHeapFile(t *testing.T, fs afero.Fs, layout Layout) *HeapFile {
	t.Helper()

	hf, err := OpenHeapFile(fs, "/data/tables/users.dat", layout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hf.Close() })
	return hf
}

func slottedLayout() Layout {
	return Layout{Format: FormatSlotted, PageSize: DefaultPageSize}
}

func TestHeapFile_EmptyFile(t *testing.T) {
	hf := newTestHeapFile(t, afero.NewMemMapFs(), slottedLayout())

	n, err := hf.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(0), n)

	_, err = hf.Read(0)
	require.ErrorIs(t, err, ErrPageOutOfRange)

	err = hf.Write(0, make([]byte, DefaultPageSize))
	require.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestHeapFile_AppendWriteReadRoundTrip(t *testing.T) {
	hf := newTestHeapFile(t, afero.NewMemMapFs(), slottedLayout())

	for i := 0; i < 3; i++ {
		n, err := hf.Append()
		require.NoError(t, err)
		require.Equal(t, uint32(i), n)
	}
	count, err := hf.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(3), count)

	img := bytes.Repeat([]byte{0x5a}, DefaultPageSize)
	require.NoError(t, hf.Write(1, img))

	for pageNo := uint32(0); pageNo < count; pageNo++ {
		orig, err := hf.Read(pageNo)
		require.NoError(t, err)
		require.NoError(t, hf.Write(pageNo, orig))
		again, err := hf.Read(pageNo)
		require.NoError(t, err)
		require.Equal(t, orig, again)
	}

	got, err := hf.Read(1)
	require.NoError(t, err)
	require.Equal(t, img, got)

	// neighbours untouched
	zero, err := hf.Read(2)
	require.NoError(t, err)
	require.Equal(t, make([]byte, DefaultPageSize), zero)

	require.ErrorIs(t, hf.Write(1, []byte("short")), ErrWrongSize)
}

func TestHeapFile_PageCountIgnoresPartialTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/tables/users.dat", make([]byte, DefaultPageSize*2+100), FileMode0644))

	hf := newTestHeapFile(t, fs, slottedLayout())
	n, err := hf.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)

	_, err = hf.Read(2)
	require.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestHeapFile_ReadWritePage(t *testing.T) {
	hf := newTestHeapFile(t, afero.NewMemMapFs(), slottedLayout())

	n, err := hf.Append()
	require.NoError(t, err)

	p, err := hf.ReadPage(hf.PageID(n))
	require.NoError(t, err)
	require.Equal(t, FormatSlotted, p.Format())

	_, err = p.Insert([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, hf.WritePage(p))
	require.NoError(t, hf.Sync())

	again, err := hf.ReadPage(hf.PageID(n))
	require.NoError(t, err)
	data, err := again.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = hf.ReadPage(NewPageID(hf.ID()+1, 0))
	require.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestHeapFile_ReadOnlyFsSurfacesIOFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/data/tables/users.dat", make([]byte, DefaultPageSize), FileMode0644))

	_, err := OpenHeapFile(afero.NewReadOnlyFs(base), "/data/tables/users.dat", slottedLayout())
	require.ErrorIs(t, err, ErrIO)
}

func TestLayout_Validate(t *testing.T) {
	require.NoError(t, slottedLayout().Validate())
	require.NoError(t, Layout{Format: FormatFixed, PageSize: 4096, TupleSize: 8}.Validate())
	require.ErrorIs(t, Layout{Format: FormatFixed, PageSize: 4096}.Validate(), ErrTupleSize)
	require.Error(t, Layout{Format: FormatSlotted, PageSize: 1000}.Validate())
	require.ErrorIs(t, Layout{PageSize: 4096}.Validate(), ErrUnknownFormat)
}
