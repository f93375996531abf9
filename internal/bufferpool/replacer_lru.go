package bufferpool

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tuannm99/novastore/internal/storage"
)

// Replacer tracks recency of resident pages and picks eviction victims.
type Replacer interface {
	RecordAccess(pid storage.PageID)
	Remove(pid storage.PageID)
	// Victim returns the least recently used page accepted by evictable.
	Victim(evictable func(storage.PageID) bool) (storage.PageID, bool)
	Size() int
}

type lruReplacer struct {
	c *lru.Cache[storage.PageID, struct{}]
}

func newLRUReplacer(capacity int) (Replacer, error) {
	c, err := lru.New[storage.PageID, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &lruReplacer{c: c}, nil
}

func (r *lruReplacer) RecordAccess(pid storage.PageID) {
	r.c.Add(pid, struct{}{})
}

func (r *lruReplacer) Remove(pid storage.PageID) {
	r.c.Remove(pid)
}

func (r *lruReplacer) Victim(evictable func(storage.PageID) bool) (storage.PageID, bool) {
	// Keys is ordered oldest first.
	for _, pid := range r.c.Keys() {
		if evictable(pid) {
			return pid, true
		}
	}
	return storage.PageID{}, false
}

func (r *lruReplacer) Size() int {
	return r.c.Len()
}
