// Package catalog maps table names and ids to their schema and backing
// page file. Metadata lives next to the data file as JSON.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/record"
	"github.com/tuannm99/novastore/internal/storage"
)

const metaSuffix = ".meta.json"

var (
	ErrTableExists   = errors.New("catalog: table already exists")
	ErrTableNotFound = errors.New("catalog: table not found")
	ErrInvalidName   = errors.New("catalog: invalid table name")
	ErrIDCollision   = errors.New("catalog: table id collision")
)

type Options struct {
	// PageSize for newly created tables. Existing tables keep their own.
	PageSize int
	Logger   *zap.Logger
}

type Catalog struct {
	fs       afero.Fs
	dataDir  string
	pageSize int
	log      *zap.Logger

	mu     sync.RWMutex
	byName map[string]*Entry
	byID   map[storage.TableID]*Entry
}

var _ bufferpool.Catalog = (*Catalog)(nil)

func New(fs afero.Fs, dataDir string, opts Options) *Catalog {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = storage.DefaultPageSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		fs:       fs,
		dataDir:  dataDir,
		pageSize: pageSize,
		log:      log.Named("catalog"),
		byName:   make(map[string]*Entry),
		byID:     make(map[storage.TableID]*Entry),
	}
}

func (c *Catalog) tableDir() string {
	return filepath.Join(c.dataDir, "tables")
}

func (c *Catalog) metaPath(name string) string {
	return filepath.Join(c.tableDir(), name+metaSuffix)
}

func (c *Catalog) dataPath(base string) string {
	return filepath.Join(c.tableDir(), base+".dat")
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\.`) || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create registers a new table and creates its empty data file. Fixed format
// tables need a schema where every column is fixed width.
func (c *Catalog) Create(name string, schema record.Schema, format storage.Format) (*Entry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if schema.NumCols() == 0 {
		return nil, fmt.Errorf("catalog: table %q has no columns", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrTableExists, name)
	}
	if exists, err := afero.Exists(c.fs, c.metaPath(name)); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %q", ErrTableExists, name)
	}

	meta := TableMeta{
		Name:      name,
		FileBase:  name,
		Format:    format.String(),
		PageSize:  c.pageSize,
		Schema:    schema,
		CreatedAt: time.Now().UTC(),
	}
	if format == storage.FormatFixed {
		size, ok := schema.FixedSize()
		if !ok {
			return nil, fmt.Errorf("catalog: table %q: fixed format needs fixed-width columns: %w", name, storage.ErrTupleSize)
		}
		meta.TupleSize = size
	}

	entry, err := c.openLocked(meta)
	if err != nil {
		return nil, err
	}
	if err := c.writeMeta(&meta); err != nil {
		c.forgetLocked(entry)
		_ = entry.File.Close()
		return nil, err
	}
	entry.Meta = meta
	c.log.Info("created table",
		zap.String("table", name), zap.Stringer("format", format), zap.Int("page_size", meta.PageSize))
	return entry, nil
}

// Open registers a table that already exists on disk.
func (c *Catalog) Open(name string) (*Entry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byName[name]; ok {
		return e, nil
	}
	meta, err := c.readMeta(name)
	if err != nil {
		return nil, err
	}
	return c.openLocked(*meta)
}

// Load opens every table that has a meta file under the data dir.
func (c *Catalog) Load() error {
	infos, err := afero.ReadDir(c.fs, c.tableDir())
	if err != nil {
		if exists, _ := afero.DirExists(c.fs, c.tableDir()); !exists {
			return nil
		}
		return fmt.Errorf("catalog: list %s: %w", c.tableDir(), err)
	}
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), metaSuffix) {
			continue
		}
		name := strings.TrimSuffix(fi.Name(), metaSuffix)
		if _, err := c.Open(name); err != nil {
			return fmt.Errorf("catalog: load %q: %w", name, err)
		}
	}
	c.log.Debug("loaded tables", zap.Int("count", len(c.Names())))
	return nil
}

func (c *Catalog) openLocked(meta TableMeta) (*Entry, error) {
	layout, err := meta.Layout()
	if err != nil {
		return nil, fmt.Errorf("catalog: table %q: %w", meta.Name, err)
	}
	file, err := storage.OpenHeapFile(c.fs, c.dataPath(meta.FileBase), layout)
	if err != nil {
		return nil, fmt.Errorf("catalog: table %q: %w", meta.Name, err)
	}
	if other, ok := c.byID[file.ID()]; ok {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %q and %q", ErrIDCollision, other.Meta.Name, meta.Name)
	}
	e := &Entry{Meta: meta, File: file}
	c.byName[meta.Name] = e
	c.byID[file.ID()] = e
	return e, nil
}

func (c *Catalog) forgetLocked(e *Entry) {
	delete(c.byName, e.Meta.Name)
	delete(c.byID, e.ID())
}

// writeMeta overwrites the meta file for a given table.
func (c *Catalog) writeMeta(meta *TableMeta) error {
	if err := c.fs.MkdirAll(c.tableDir(), storage.FileMode0755); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(c.fs, c.metaPath(meta.Name), data, storage.FileMode0644)
}

// readMeta loads table metadata from its JSON file.
func (c *Catalog) readMeta(name string) (*TableMeta, error) {
	data, err := afero.ReadFile(c.fs, c.metaPath(name))
	if err != nil {
		if exists, _ := afero.Exists(c.fs, c.metaPath(name)); !exists {
			return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
		}
		return nil, err
	}

	var meta TableMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("catalog: meta for %q: %w", name, err)
	}
	if meta.Name != name {
		return nil, fmt.Errorf("catalog: meta file %q names table %q", name, meta.Name)
	}
	return &meta, nil
}

func (c *Catalog) Table(name string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return e, nil
}

func (c *Catalog) TableByID(id storage.TableID) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %016x", ErrTableNotFound, uint64(id))
	}
	return e, nil
}

// Names returns the registered table names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PageStore resolves the backing file of a table for the buffer pool.
func (c *Catalog) PageStore(id storage.TableID) (bufferpool.PageStore, error) {
	e, err := c.TableByID(id)
	if err != nil {
		return nil, err
	}
	return e.File, nil
}

// Close closes every open data file.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, e := range c.byName {
		if err := e.File.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", e.Meta.Name, err))
		}
	}
	clear(c.byName)
	clear(c.byID)
	return errors.Join(errs...)
}
