// Package index keeps the derived id and external-id lookup tables over the
// Record store. It is a cache: it can always be rebuilt from the store.
package index

import (
	"sync"

	"github.com/tazhate/calsync/internal/domain"
)

// Index maps local ids and remote ids to Records.
type Index struct {
	mu         sync.RWMutex
	byID       map[string]*domain.Record
	byExternal map[string]*domain.Record

	rebuild *rebuildState
}

func New() *Index {
	return &Index{
		byID:       make(map[string]*domain.Record),
		byExternal: make(map[string]*domain.Record),
	}
}

// Get returns a copy of the record with the given local id, or nil.
func (ix *Index) Get(id string) *domain.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byID[id].Clone()
}

// GetByExternal returns a copy of the record linked to the remote id, or nil.
func (ix *Index) GetByExternal(externalID string) *domain.Record {
	if externalID == "" {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byExternal[externalID].Clone()
}

// Put drops the keys of previous, then indexes r.
func (ix *Index) Put(r, previous *domain.Record) {
	if r == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if previous != nil {
		ix.removeLocked(previous)
	}
	ix.dequeueLocked(r.ID)
	ix.putLocked(r.Clone())
}

// Remove drops both keys of r.
func (ix *Index) Remove(r *domain.Record) {
	if r == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dequeueLocked(r.ID)
	ix.removeLocked(r)
}

// dequeueLocked stops an unfinished rebuild from overwriting a fresher entry.
func (ix *Index) dequeueLocked(id string) {
	if ix.rebuild == nil {
		return
	}
	q := ix.rebuild.queue[:0]
	for _, r := range ix.rebuild.queue {
		if r.ID != id {
			q = append(q, r)
		}
	}
	ix.rebuild.queue = q
}

func (ix *Index) putLocked(r *domain.Record) {
	if old, ok := ix.byID[r.ID]; ok && old.ExternalID != r.ExternalID {
		if cur := ix.byExternal[old.ExternalID]; cur != nil && cur.ID == r.ID {
			delete(ix.byExternal, old.ExternalID)
		}
	}
	ix.byID[r.ID] = r
	if r.ExternalID != "" {
		ix.byExternal[r.ExternalID] = r
	}
}

func (ix *Index) removeLocked(r *domain.Record) {
	if cur, ok := ix.byID[r.ID]; ok {
		if cur.ExternalID != "" {
			if linked := ix.byExternal[cur.ExternalID]; linked != nil && linked.ID == r.ID {
				delete(ix.byExternal, cur.ExternalID)
			}
		}
		delete(ix.byID, r.ID)
	}
	if r.ExternalID != "" {
		if linked := ix.byExternal[r.ExternalID]; linked != nil && linked.ID == r.ID {
			delete(ix.byExternal, r.ExternalID)
		}
	}
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Records returns copies of every indexed record in no particular order.
func (ix *Index) Records() []*domain.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*domain.Record, 0, len(ix.byID))
	for _, r := range ix.byID {
		out = append(out, r.Clone())
	}
	return out
}

// NeedsRebuild reports a detected inconsistency: the index is empty while the
// store holds records.
func (ix *Index) NeedsRebuild(recordCount int) bool {
	return recordCount > 0 && ix.Len() == 0 && !ix.Rebuilding()
}
