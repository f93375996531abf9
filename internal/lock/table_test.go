package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

var (
	pageA = storage.NewPageID(1, 0)
	pageB = storage.NewPageID(1, 1)
)

func newTestTable(t *testing.T, timeout time.Duration) *Table {
	t.Helper()
	return NewTable(Options{Timeout: timeout, Registerer: prometheus.NewRegistry()})
}

func TestTable_SharedLocksAreCompatible(t *testing.T) {
	tbl := newTestTable(t, time.Second)
	t1, t2 := txn.New(), txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Shared))
	require.NoError(t, tbl.Acquire(ctx, t2, pageA, Shared))

	require.True(t, tbl.Holds(t1, pageA))
	require.True(t, tbl.Holds(t2, pageA))
	require.True(t, tbl.HoldsMode(t1, pageA, Shared))
	require.False(t, tbl.HoldsMode(t1, pageA, Exclusive))
	require.False(t, tbl.TryAcquire(t1, pageA, Exclusive))
}

func TestTable_ReacquireIsIdempotent(t *testing.T) {
	tbl := newTestTable(t, time.Second)
	t1 := txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Exclusive))
	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Exclusive))
	// exclusive already covers shared
	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Shared))
	require.True(t, tbl.HoldsMode(t1, pageA, Exclusive))
	require.Len(t, tbl.HeldBy(t1), 1)
}

func TestTable_UpgradeWhenSoleHolder(t *testing.T) {
	tbl := newTestTable(t, time.Second)
	t1 := txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Shared))
	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Exclusive))
	require.True(t, tbl.HoldsMode(t1, pageA, Exclusive))
	require.True(t, tbl.HoldsMode(t1, pageA, Shared))
}

func TestTable_ExclusiveWaitsForSharedHolders(t *testing.T) {
	tbl := newTestTable(t, 5*time.Second)
	t1, t2, t3 := txn.New(), txn.New(), txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Shared))
	require.NoError(t, tbl.Acquire(ctx, t2, pageA, Shared))

	done := make(chan error, 1)
	go func() { done <- tbl.Acquire(ctx, t3, pageA, Exclusive) }()

	select {
	case err := <-done:
		t.Fatalf("exclusive granted while shared held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	tbl.ReleaseAll(t1)
	select {
	case err := <-done:
		t.Fatalf("exclusive granted while one shared holder remains: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	tbl.ReleaseAll(t2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("exclusive never granted")
	}
	require.True(t, tbl.HoldsMode(t3, pageA, Exclusive))
}

func TestTable_DeadlockAbortsExactlyOne(t *testing.T) {
	tbl := newTestTable(t, -1)
	t1, t2 := txn.New(), txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Exclusive))
	require.NoError(t, tbl.Acquire(ctx, t2, pageB, Exclusive))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		errs[0] = tbl.Acquire(ctx, t1, pageB, Exclusive)
		if errs[0] != nil {
			tbl.ReleaseAll(t1)
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		errs[1] = tbl.Acquire(ctx, t2, pageA, Exclusive)
		if errs[1] != nil {
			tbl.ReleaseAll(t2)
		}
	}()
	close(start)
	wg.Wait()

	aborted := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrTransactionAborted)
			require.ErrorIs(t, err, ErrDeadlock)
			aborted++
		}
	}
	require.Equal(t, 1, aborted)
	require.Equal(t, 1.0, testutil.ToFloat64(tbl.m.deadlocks))
}

func TestTable_UpgradeDeadlock(t *testing.T) {
	tbl := newTestTable(t, -1)
	t1, t2 := txn.New(), txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Shared))
	require.NoError(t, tbl.Acquire(ctx, t2, pageA, Shared))

	first := make(chan error, 1)
	go func() { first <- tbl.Acquire(ctx, t1, pageA, Exclusive) }()

	// wait until t1 is parked on the upgrade
	require.Eventually(t, func() bool {
		tbl.mu.Lock()
		defer tbl.mu.Unlock()
		_, ok := tbl.waiting[t1]
		return ok
	}, time.Second, 5*time.Millisecond)

	err := tbl.Acquire(ctx, t2, pageA, Exclusive)
	require.ErrorIs(t, err, ErrDeadlock)
	tbl.ReleaseAll(t2)

	require.NoError(t, <-first)
	require.True(t, tbl.HoldsMode(t1, pageA, Exclusive))
}

func TestTable_Timeout(t *testing.T) {
	tbl := newTestTable(t, 30*time.Millisecond)
	t1, t2 := txn.New(), txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Exclusive))
	err := tbl.Acquire(ctx, t2, pageA, Shared)
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.False(t, tbl.Holds(t2, pageA))
	require.Equal(t, 1.0, testutil.ToFloat64(tbl.m.timeouts))
}

func TestTable_ContextCancel(t *testing.T) {
	tbl := newTestTable(t, -1)
	t1, t2 := txn.New(), txn.New()

	require.NoError(t, tbl.Acquire(context.Background(), t1, pageA, Exclusive))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tbl.Acquire(ctx, t2, pageA, Exclusive)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.False(t, errors.Is(err, ErrTransactionAborted))
}

func TestTable_ReleaseAll(t *testing.T) {
	tbl := newTestTable(t, time.Second)
	t1 := txn.New()
	ctx := context.Background()

	require.NoError(t, tbl.Acquire(ctx, t1, pageA, Exclusive))
	require.NoError(t, tbl.Acquire(ctx, t1, pageB, Shared))
	require.ElementsMatch(t, []storage.PageID{pageA, pageB}, tbl.HeldBy(t1))

	tbl.ReleaseAll(t1)
	require.False(t, tbl.IsLocked(pageA))
	require.False(t, tbl.IsLocked(pageB))
	require.Empty(t, tbl.HeldBy(t1))

	// releasing nothing is harmless
	tbl.Release(t1, pageA)
	tbl.ReleaseAll(t1)
}

func TestTable_InvalidMode(t *testing.T) {
	tbl := newTestTable(t, time.Second)
	err := tbl.Acquire(context.Background(), txn.New(), pageA, Mode(9))
	require.ErrorIs(t, err, ErrInvalidMode)
}
