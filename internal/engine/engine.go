// Package engine wires the catalog, lock table and buffer pool of one data
// directory together and hands out transactions and tables.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/catalog"
	"github.com/tuannm99/novastore/internal/config"
	"github.com/tuannm99/novastore/internal/heap"
	"github.com/tuannm99/novastore/internal/lock"
	"github.com/tuannm99/novastore/internal/logger"
	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/txn"
)

var (
	ErrEngineClosed       = errors.New("engine: closed")
	ErrUnknownTransaction = errors.New("engine: unknown transaction")
)

type options struct {
	fs  afero.Fs
	log *zap.Logger
}

type Option func(*options)

// WithFs backs table files with fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogger overrides the logger built from the config.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

type Engine struct {
	cfg *config.Config
	log *zap.Logger
	reg *prometheus.Registry

	catalog *catalog.Catalog
	locks   *lock.Table
	pool    *bufferpool.Pool

	mu     sync.RWMutex
	tables map[string]*heap.Table
	active map[txn.ID]struct{}
	closed bool
}

func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		log, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		o.log = log
	}

	reg := prometheus.NewRegistry()
	cat := catalog.New(o.fs, cfg.DataDir, catalog.Options{
		PageSize: cfg.Storage.PageSize,
		Logger:   o.log,
	})
	if err := cat.Load(); err != nil {
		return nil, err
	}

	locks := lock.NewTable(lock.Options{
		Timeout:    cfg.Lock.Timeout,
		Logger:     o.log,
		Registerer: reg,
	})
	pool, err := bufferpool.New(cat, locks, bufferpool.Options{
		Capacity:   cfg.BufferPool.Capacity,
		Logger:     o.log,
		Registerer: reg,
	})
	if err != nil {
		_ = cat.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     o.log,
		reg:     reg,
		catalog: cat,
		locks:   locks,
		pool:    pool,
		tables:  make(map[string]*heap.Table),
		active:  make(map[txn.ID]struct{}),
	}
	for _, name := range cat.Names() {
		entry, err := cat.Table(name)
		if err != nil {
			_ = cat.Close()
			return nil, err
		}
		e.tables[name] = heap.NewTable(name, entry.Meta.Schema, entry.File, pool)
	}
	e.log.Info("engine opened",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("tables", len(e.tables)),
		zap.Int("capacity", pool.Capacity()))
	return e, nil
}

func (e *Engine) Begin() (txn.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return txn.Nil, ErrEngineClosed
	}
	tid := txn.New()
	e.active[tid] = struct{}{}
	return tid, nil
}

func (e *Engine) finish(tid txn.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[tid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tid)
	}
	delete(e.active, tid)
	return nil
}

// Commit makes tid's changes durable. On failure the transaction is rolled
// back before the error is returned.
func (e *Engine) Commit(tid txn.ID) error {
	e.mu.RLock()
	_, ok := e.active[tid]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tid)
	}

	err := e.pool.Commit(tid)
	if err != nil {
		e.pool.Abort(tid)
	}
	if ferr := e.finish(tid); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (e *Engine) Abort(tid txn.ID) error {
	if err := e.finish(tid); err != nil {
		return err
	}
	e.pool.Abort(tid)
	return nil
}

func (e *Engine) CreateTable(name string, schema record.Schema, format storage.Format) (*heap.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	entry, err := e.catalog.Create(name, schema, format)
	if err != nil {
		return nil, err
	}
	tbl := heap.NewTable(name, schema, entry.File, e.pool)
	e.tables[name] = tbl
	return tbl, nil
}

func (e *Engine) Table(name string) (*heap.Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	tbl, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", catalog.ErrTableNotFound, name)
	}
	return tbl, nil
}

func (e *Engine) Tables() []string { return e.catalog.Names() }

func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) Pool() *bufferpool.Pool { return e.pool }

func (e *Engine) Config() *config.Config { return e.cfg }

// Metrics gathers the engine's own registry.
func (e *Engine) Metrics() prometheus.Gatherer { return e.reg }

// Close aborts transactions still running and closes every table file.
// Nothing uncommitted reaches disk.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.closed = true
	active := make([]txn.ID, 0, len(e.active))
	for tid := range e.active {
		active = append(active, tid)
	}
	clear(e.active)
	e.mu.Unlock()

	for _, tid := range active {
		e.pool.Abort(tid)
	}
	if len(active) > 0 {
		e.log.Warn("aborted open transactions on close", zap.Int("count", len(active)))
	}
	err := e.catalog.Close()
	_ = e.log.Sync()
	return err
}
