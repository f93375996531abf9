// Package lock implements page-level shared/exclusive locking under strict
// two-phase locking. Locks are only dropped in bulk when a transaction ends;
// a requester that would close a wait-for cycle is aborted.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

type Mode uint8

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds a single lock wait.
const DefaultTimeout = 2 * time.Second

var (
	// ErrTransactionAborted means the caller must roll the transaction back.
	ErrTransactionAborted = errors.New("lock: transaction aborted")
	ErrDeadlock           = errors.New("lock: deadlock detected")
	ErrLockTimeout        = errors.New("lock: wait timed out")
	ErrInvalidMode        = errors.New("lock: invalid mode")
)

type Options struct {
	// Timeout caps how long one Acquire may wait. Zero means DefaultTimeout,
	// negative disables the timeout and relies on cycle detection alone.
	Timeout    time.Duration
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type pageLock struct {
	holders map[txn.ID]Mode
	// wake is closed (and replaced) whenever a holder leaves.
	wake chan struct{}
}

type waitReq struct {
	pid  storage.PageID
	mode Mode
}

type metrics struct {
	waits     prometheus.Counter
	deadlocks prometheus.Counter
	timeouts  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		waits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "novastore", Subsystem: "lock", Name: "waits_total",
			Help: "Lock requests that had to block.",
		}),
		deadlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "novastore", Subsystem: "lock", Name: "deadlocks_total",
			Help: "Lock requests aborted because they closed a wait-for cycle.",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "novastore", Subsystem: "lock", Name: "timeouts_total",
			Help: "Lock requests aborted after waiting too long.",
		}),
	}
}

// Table is the lock state shared by every transaction of one engine.
type Table struct {
	mu      sync.Mutex
	pages   map[storage.PageID]*pageLock
	held    map[txn.ID]map[storage.PageID]Mode
	waiting map[txn.ID]waitReq

	timeout time.Duration
	log     *zap.Logger
	m       *metrics
}

func NewTable(opts Options) *Table {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		pages:   make(map[storage.PageID]*pageLock),
		held:    make(map[txn.ID]map[storage.PageID]Mode),
		waiting: make(map[txn.ID]waitReq),
		timeout: timeout,
		log:     log.Named("lock"),
		m:       newMetrics(opts.Registerer),
	}
}

// Acquire blocks until tid holds pid in mode (or stronger). It fails with an
// error wrapping ErrTransactionAborted on deadlock or timeout, or with the
// context error if ctx ends first.
func (t *Table) Acquire(ctx context.Context, tid txn.ID, pid storage.PageID, mode Mode) error {
	if mode != Shared && mode != Exclusive {
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}

	var timeout <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	waited := false
	for {
		t.mu.Lock()
		if t.grantLocked(tid, pid, mode) {
			delete(t.waiting, tid)
			t.mu.Unlock()
			return nil
		}

		t.waiting[tid] = waitReq{pid: pid, mode: mode}
		if t.closesCycleLocked(tid) {
			delete(t.waiting, tid)
			t.mu.Unlock()
			t.m.deadlocks.Inc()
			t.log.Warn("deadlock, aborting requester",
				zap.Stringer("txn", tid), zap.Stringer("page", pid), zap.Stringer("mode", mode))
			return fmt.Errorf("%w: %w: %s requesting %s on %s", ErrTransactionAborted, ErrDeadlock, tid, mode, pid)
		}
		wake := t.pageLocked(pid).wake
		t.mu.Unlock()

		if !waited {
			waited = true
			t.m.waits.Inc()
			t.log.Debug("waiting for lock",
				zap.Stringer("txn", tid), zap.Stringer("page", pid), zap.Stringer("mode", mode))
		}

		select {
		case <-wake:
		case <-timeout:
			t.stopWaiting(tid)
			t.m.timeouts.Inc()
			t.log.Warn("lock wait timed out",
				zap.Stringer("txn", tid), zap.Stringer("page", pid), zap.Duration("timeout", t.timeout))
			return fmt.Errorf("%w: %w: %s requesting %s on %s", ErrTransactionAborted, ErrLockTimeout, tid, mode, pid)
		case <-ctx.Done():
			t.stopWaiting(tid)
			return ctx.Err()
		}
	}
}

// TryAcquire grants the lock if that is possible without waiting.
func (t *Table) TryAcquire(tid txn.ID, pid storage.PageID, mode Mode) bool {
	if mode != Shared && mode != Exclusive {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.grantLocked(tid, pid, mode)
}

func (t *Table) stopWaiting(tid txn.ID) {
	t.mu.Lock()
	delete(t.waiting, tid)
	t.mu.Unlock()
}

func (t *Table) pageLocked(pid storage.PageID) *pageLock {
	pl, ok := t.pages[pid]
	if !ok {
		pl = &pageLock{holders: make(map[txn.ID]Mode), wake: make(chan struct{})}
		t.pages[pid] = pl
	}
	return pl
}

func conflicts(requested, held Mode) bool {
	return requested == Exclusive || held == Exclusive
}

// grantLocked records the lock if it is compatible with every other holder.
// A shared holder that is the only holder is upgraded in place.
func (t *Table) grantLocked(tid txn.ID, pid storage.PageID, mode Mode) bool {
	pl := t.pageLocked(pid)
	if cur, ok := pl.holders[tid]; ok && (cur == Exclusive || mode == Shared) {
		return true
	}
	for other, held := range pl.holders {
		if other != tid && conflicts(mode, held) {
			return false
		}
	}

	pl.holders[tid] = mode
	pages, ok := t.held[tid]
	if !ok {
		pages = make(map[storage.PageID]Mode)
		t.held[tid] = pages
	}
	pages[pid] = mode
	return true
}

// closesCycleLocked walks the wait-for graph (waiter -> conflicting holders
// of the page it waits on) looking for a path back to start.
func (t *Table) closesCycleLocked(start txn.ID) bool {
	visited := map[txn.ID]bool{start: true}
	var visit func(u txn.ID) bool
	visit = func(u txn.ID) bool {
		w, ok := t.waiting[u]
		if !ok {
			return false
		}
		pl, ok := t.pages[w.pid]
		if !ok {
			return false
		}
		for h, hm := range pl.holders {
			if h == u || !conflicts(w.mode, hm) {
				continue
			}
			if h == start {
				return true
			}
			if visited[h] {
				continue
			}
			visited[h] = true
			if visit(h) {
				return true
			}
		}
		return false
	}
	return visit(start)
}

// Release drops tid's lock on pid and wakes the page's waiters.
func (t *Table) Release(tid txn.ID, pid storage.PageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(tid, pid)
}

func (t *Table) releaseLocked(tid txn.ID, pid storage.PageID) {
	if pages, ok := t.held[tid]; ok {
		delete(pages, pid)
		if len(pages) == 0 {
			delete(t.held, tid)
		}
	}
	pl, ok := t.pages[pid]
	if !ok {
		return
	}
	if _, holds := pl.holders[tid]; !holds {
		return
	}
	delete(pl.holders, tid)
	close(pl.wake)
	if len(pl.holders) == 0 {
		delete(t.pages, pid)
		return
	}
	pl.wake = make(chan struct{})
}

// ReleaseAll drops every lock tid holds. Called once at commit or abort.
func (t *Table) ReleaseAll(tid txn.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pid := range t.held[tid] {
		t.releaseLocked(tid, pid)
	}
	delete(t.held, tid)
	delete(t.waiting, tid)
}

// Holds reports whether tid holds any lock on pid.
func (t *Table) Holds(tid txn.ID, pid storage.PageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[tid][pid]
	return ok
}

// HoldsMode reports whether tid holds pid in at least mode.
func (t *Table) HoldsMode(tid txn.ID, pid storage.PageID, mode Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.held[tid][pid]
	return ok && (cur == Exclusive || cur == mode)
}

// IsLocked reports whether any transaction holds a lock on pid.
func (t *Table) IsLocked(pid storage.PageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pl, ok := t.pages[pid]
	return ok && len(pl.holders) > 0
}

// HeldBy lists the pages tid currently holds.
func (t *Table) HeldBy(tid txn.ID) []storage.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]storage.PageID, 0, len(t.held[tid]))
	for pid := range t.held[tid] {
		out = append(out, pid)
	}
	return out
}
