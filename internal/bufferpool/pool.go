// Package bufferpool is the bounded page cache. Every page access goes
// through the lock table first; pages dirtied by a transaction stay resident
// until that transaction commits (written back) or aborts (dropped).
package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/tuannm99/novastore/internal/lock"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

// DefaultCapacity is the number of resident pages when none is configured.
const DefaultCapacity = 50

var (
	ErrPageNotFound       = errors.New("bufferpool: page not found")
	ErrBufferPoolFull     = errors.New("bufferpool: no clean unlocked page to evict")
	ErrNotLockedExclusive = errors.New("bufferpool: page not locked exclusive by transaction")
	ErrNotResident        = errors.New("bufferpool: page not resident")
	ErrCommitFailed       = errors.New("bufferpool: commit failed")

	// ErrTransactionAborted is returned by Fetch when the lock table gave up
	// on the request. The caller must Abort the transaction.
	ErrTransactionAborted = lock.ErrTransactionAborted
)

// PageStore reads and writes the pages of one table.
type PageStore interface {
	ReadPage(pid storage.PageID) (storage.Page, error)
	WritePage(p storage.Page) error
	PageCount() (uint32, error)
	Sync() error
}

// Catalog resolves the store backing a table.
type Catalog interface {
	PageStore(id storage.TableID) (PageStore, error)
}

type Options struct {
	Capacity   int
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type Frame struct {
	Page  storage.Page
	Store PageStore
}

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	full      prometheus.Counter
	resident  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "novastore", Subsystem: "bufferpool", Name: name, Help: help,
		})
	}
	return &metrics{
		hits:      counter("hits_total", "Fetches served from the cache."),
		misses:    counter("misses_total", "Fetches that read the page from its store."),
		evictions: counter("evictions_total", "Clean pages dropped to make room."),
		full:      counter("full_total", "Fetches refused because no page could be evicted."),
		resident: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "novastore", Subsystem: "bufferpool", Name: "resident_pages",
			Help: "Pages currently cached.",
		}),
	}
}

type Pool struct {
	catalog  Catalog
	locks    *lock.Table
	capacity int

	mu     sync.RWMutex
	frames map[storage.PageID]*Frame
	// dirty holds, per transaction, the pages it has marked dirty.
	dirty map[txn.ID]map[storage.PageID]struct{}

	replacementPolicy Replacer

	log *zap.Logger
	m   *metrics
}

func New(catalog Catalog, locks *lock.Table, opts Options) (*Pool, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	repl, err := newLRUReplacer(capacity)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: replacer: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		catalog:           catalog,
		locks:             locks,
		capacity:          capacity,
		frames:            make(map[storage.PageID]*Frame, capacity),
		dirty:             make(map[txn.ID]map[storage.PageID]struct{}),
		replacementPolicy: repl,
		log:               log.Named("bufferpool"),
		m:                 newMetrics(opts.Registerer),
	}, nil
}

func (p *Pool) Capacity() int { return p.capacity }

// Len is the number of resident pages.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.frames)
}

// Fetch returns page pid for tid after acquiring the lock in mode. It may
// block on the lock table. The returned page is shared with every other
// holder of a compatible lock and must only be mutated under Exclusive.
func (p *Pool) Fetch(ctx context.Context, tid txn.ID, pid storage.PageID, mode lock.Mode) (storage.Page, error) {
	if err := p.locks.Acquire(ctx, tid, pid, mode); err != nil {
		return nil, err
	}

	// 1) HIT
	p.mu.RLock()
	if f, ok := p.frames[pid]; ok {
		p.replacementPolicy.RecordAccess(pid)
		p.mu.RUnlock()
		p.m.hits.Inc()
		return f.Page, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// raced with another loader
	if f, ok := p.frames[pid]; ok {
		p.replacementPolicy.RecordAccess(pid)
		p.m.hits.Inc()
		return f.Page, nil
	}
	p.m.misses.Inc()

	// 2) Make room
	var victim *storage.PageID
	if len(p.frames) >= p.capacity {
		vid, ok := p.replacementPolicy.Victim(p.evictableLocked)
		if !ok {
			p.m.full.Inc()
			p.log.Warn("buffer pool full",
				zap.Stringer("txn", tid), zap.Stringer("page", pid), zap.Int("capacity", p.capacity))
			return nil, fmt.Errorf("%w: fetching %s for %s (capacity %d)", ErrBufferPoolFull, pid, tid, p.capacity)
		}
		victim = &vid
	}

	// 3) Load
	store, err := p.catalog.PageStore(pid.Table)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: store for %s: %w", pid, err)
	}
	page, err := store.ReadPage(pid)
	if err != nil {
		if errors.Is(err, storage.ErrPageOutOfRange) {
			return nil, fmt.Errorf("%w: %s: %w", ErrPageNotFound, pid, err)
		}
		return nil, fmt.Errorf("bufferpool: read %s for %s: %w", pid, tid, err)
	}

	if victim != nil {
		p.dropLocked(*victim)
		p.m.evictions.Inc()
		p.log.Debug("evicted page", zap.Stringer("page", *victim), zap.Stringer("for", pid))
	}
	p.frames[pid] = &Frame{Page: page, Store: store}
	p.replacementPolicy.RecordAccess(pid)
	p.m.resident.Set(float64(len(p.frames)))
	return page, nil
}

// evictableLocked reports whether pid may be dropped without write-back and
// without pulling a page out from under a lock holder.
func (p *Pool) evictableLocked(pid storage.PageID) bool {
	f, ok := p.frames[pid]
	if !ok {
		return false
	}
	if _, dirty := f.Page.IsDirty(); dirty {
		return false
	}
	return !p.locks.IsLocked(pid)
}

func (p *Pool) dropLocked(pid storage.PageID) {
	f, ok := p.frames[pid]
	if !ok {
		return
	}
	if owner, dirty := f.Page.IsDirty(); dirty {
		if set, ok := p.dirty[owner]; ok {
			delete(set, pid)
			if len(set) == 0 {
				delete(p.dirty, owner)
			}
		}
	}
	delete(p.frames, pid)
	p.replacementPolicy.Remove(pid)
}

// MarkDirty records that tid modified page. tid must hold the page
// exclusively. No I/O happens until Commit.
func (p *Pool) MarkDirty(tid txn.ID, page storage.Page) error {
	pid := page.ID()
	if !p.locks.HoldsMode(tid, pid, lock.Exclusive) {
		return fmt.Errorf("%w: %s on %s", ErrNotLockedExclusive, tid, pid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[pid]
	if !ok || f.Page != page {
		return fmt.Errorf("%w: %s", ErrNotResident, pid)
	}
	page.MarkDirty(true, tid)
	set, ok := p.dirty[tid]
	if !ok {
		set = make(map[storage.PageID]struct{})
		p.dirty[tid] = set
	}
	set[pid] = struct{}{}
	return nil
}

// DirtyPages lists the resident pages tid has dirtied.
func (p *Pool) DirtyPages(tid txn.ID) []storage.PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]storage.PageID, 0, len(p.dirty[tid]))
	for pid := range p.dirty[tid] {
		out = append(out, pid)
	}
	return out
}

// FlushPages writes every page tid dirtied and syncs their stores. Dirty
// state is only cleared once every write and sync succeeded. Locks are kept.
// The I/O runs outside the pool latch: tid's exclusive locks keep other
// transactions off these pages.
func (p *Pool) FlushPages(tid txn.ID) error {
	p.mu.RLock()
	frames := make([]*Frame, 0, len(p.dirty[tid]))
	for pid := range p.dirty[tid] {
		if f, ok := p.frames[pid]; ok {
			frames = append(frames, f)
		}
	}
	p.mu.RUnlock()
	if len(frames) == 0 {
		return nil
	}

	if err := p.forceFrames(frames); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range frames {
		if owner, dirty := f.Page.IsDirty(); dirty && owner == tid {
			f.Page.MarkDirty(false, txn.Nil)
		}
	}
	delete(p.dirty, tid)
	return nil
}

type beforeImage struct {
	store PageStore
	page  storage.Page
}

// forceFrames writes frames and syncs their stores. When a write or sync
// fails, every page touched so far gets its previously stored image back.
func (p *Pool) forceFrames(frames []*Frame) error {
	undo := make([]beforeImage, 0, len(frames))
	err := func() error {
		for _, f := range frames {
			pid := f.Page.ID()
			before, err := f.Store.ReadPage(pid)
			if err != nil {
				return fmt.Errorf("read before-image %s: %w", pid, err)
			}
			undo = append(undo, beforeImage{store: f.Store, page: before})
			if err := f.Store.WritePage(f.Page); err != nil {
				return fmt.Errorf("write %s: %w", pid, err)
			}
		}
		return syncStores(frames)
	}()
	if err == nil {
		return nil
	}

	if rerr := restore(undo); rerr != nil {
		p.log.Error("restoring before-images failed", zap.Int("pages", len(undo)), zap.Error(rerr))
		return errors.Join(err, fmt.Errorf("restore: %w", rerr))
	}
	p.log.Debug("restored before-images", zap.Int("pages", len(undo)))
	return err
}

func restore(undo []beforeImage) error {
	var errs []error
	seen := make(map[PageStore]bool)
	for _, b := range undo {
		if err := b.store.WritePage(b.page); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", b.page.ID(), err))
		}
		seen[b.store] = true
	}
	for s := range seen {
		if err := s.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func syncStores(frames []*Frame) error {
	seen := make(map[PageStore]bool)
	for _, f := range frames {
		if seen[f.Store] {
			continue
		}
		seen[f.Store] = true
		if err := f.Store.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// writeFrames writes frames in place with no undo.
func writeFrames(frames []*Frame) error {
	for _, f := range frames {
		if err := f.Store.WritePage(f.Page); err != nil {
			return fmt.Errorf("write %s: %w", f.Page.ID(), err)
		}
	}
	return syncStores(frames)
}

// Commit forces tid's dirty pages to storage and releases its locks. If the
// write fails the stored images written so far are put back, nothing is
// released and the caller must Abort.
func (p *Pool) Commit(tid txn.ID) error {
	if err := p.FlushPages(tid); err != nil {
		p.log.Warn("commit failed", zap.Stringer("txn", tid), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrCommitFailed, tid, err)
	}
	p.locks.ReleaseAll(tid)
	p.log.Debug("committed", zap.Stringer("txn", tid))
	return nil
}

// Abort drops every page tid dirtied, so the next fetch rereads the stored
// image, and releases its locks.
func (p *Pool) Abort(tid txn.ID) {
	p.mu.Lock()
	dropped := 0
	for pid := range p.dirty[tid] {
		if f, ok := p.frames[pid]; ok {
			if owner, dirty := f.Page.IsDirty(); dirty && owner == tid {
				p.dropLocked(pid)
				dropped++
			}
		}
	}
	delete(p.dirty, tid)
	p.m.resident.Set(float64(len(p.frames)))
	p.mu.Unlock()

	p.locks.ReleaseAll(tid)
	p.log.Debug("aborted", zap.Stringer("txn", tid), zap.Int("discarded", dropped))
}

// Discard drops pid from the cache without writing it back.
func (p *Pool) Discard(pid storage.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(pid)
	p.m.resident.Set(float64(len(p.frames)))
}

// FlushAll writes every dirty resident page regardless of owner. It steals
// uncommitted data and is meant for tests and diagnostics only.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var frames []*Frame
	for _, f := range p.frames {
		if _, dirty := f.Page.IsDirty(); dirty {
			frames = append(frames, f)
		}
	}
	if err := writeFrames(frames); err != nil {
		return err
	}
	for _, f := range frames {
		f.Page.MarkDirty(false, txn.Nil)
	}
	clear(p.dirty)
	return nil
}

// HoldsLock reports whether tid holds any lock on pid.
func (p *Pool) HoldsLock(tid txn.ID, pid storage.PageID) bool {
	return p.locks.Holds(tid, pid)
}
