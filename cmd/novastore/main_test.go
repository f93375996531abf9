package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/bufferpool"
)

func runCmd(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	base := []string{"--data-dir", dir, "--log-level", "error"}
	err := run(context.Background(), append(base, args...), &out)
	return out.String(), err
}

func TestRun_CreateInsertScan(t *testing.T) {
	dir := t.TempDir()

	out, err := runCmd(t, dir, "create", "users", "id:int64,name:text,email:text?")
	require.NoError(t, err)
	require.Contains(t, out, "created users")

	_, err = runCmd(t, dir, "insert", "users", "1,ada,ada@example.com", "2,grace,NULL")
	require.NoError(t, err)

	out, err = runCmd(t, dir, "scan", "users")
	require.NoError(t, err)
	require.Contains(t, out, "1,ada,ada@example.com")
	require.Contains(t, out, "2,grace,NULL")

	out, err = runCmd(t, dir, "tables")
	require.NoError(t, err)
	require.Contains(t, out, "users\tslotted\tpages=1")

	out, err = runCmd(t, dir, "pages", "users")
	require.NoError(t, err)
	require.Contains(t, out, "=== Page Debug ===")

	out, err = runCmd(t, dir, "--stats", "scan", "users")
	require.NoError(t, err)
	require.Contains(t, out, "novastore_bufferpool_misses_total 1")
}

func TestRun_BadInsertRollsBack(t *testing.T) {
	dir := t.TempDir()

	_, err := runCmd(t, dir, "create", "nums", "n:int32")
	require.NoError(t, err)
	_, err = runCmd(t, dir, "insert", "nums", "1", "not-a-number")
	require.Error(t, err)

	out, err := runCmd(t, dir, "scan", "nums")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRun_ScanLargerThanPoolPointsAtCapacity(t *testing.T) {
	dir := t.TempDir()

	_, err := runCmd(t, dir, "--page-size", "512", "create", "notes", "id:int64,body:text")
	require.NoError(t, err)
	big := strings.Repeat("x", 300)
	_, err = runCmd(t, dir, "insert", "notes", "1,"+big, "2,"+big)
	require.NoError(t, err)

	_, err = runCmd(t, dir, "--capacity", "1", "scan", "notes")
	require.ErrorIs(t, err, bufferpool.ErrBufferPoolFull)
	require.Contains(t, err.Error(), "--capacity")

	out, err := runCmd(t, dir, "--capacity", "2", "scan", "notes")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, big))
}

func TestRun_Usage(t *testing.T) {
	dir := t.TempDir()

	_, err := runCmd(t, dir)
	require.ErrorIs(t, err, errUsage)
	_, err = runCmd(t, dir, "explode")
	require.ErrorIs(t, err, errUsage)
	_, err = runCmd(t, dir, "scan")
	require.ErrorIs(t, err, errUsage)
	_, err = runCmd(t, dir, "scan", "missing")
	require.Error(t, err)
}

func TestRun_FixedFormatTable(t *testing.T) {
	dir := t.TempDir()

	_, err := runCmd(t, dir, "--format", "fixed", "create", "points", "x:int32,y:int32")
	require.NoError(t, err)
	_, err = runCmd(t, dir, "insert", "points", "1,2", "3,4")
	require.NoError(t, err)

	out, err := runCmd(t, dir, "scan", "points")
	require.NoError(t, err)
	require.Contains(t, out, "1,2")
	require.Contains(t, out, "3,4")

	out, err = runCmd(t, dir, "tables")
	require.NoError(t, err)
	require.Contains(t, out, "points\tfixed")
}
