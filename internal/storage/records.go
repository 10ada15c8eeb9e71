package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

// RecordStore is the authoritative in-memory Record collection, persisted as
// the events blob. Tombstones of locally deleted records live alongside it.
type RecordStore struct {
	// saveMu orders snapshot+write pairs so an older snapshot never lands last.
	saveMu     sync.Mutex
	mu         sync.RWMutex
	blobs      BlobStore
	records    map[string]*domain.Record
	tombstones map[string]domain.Tombstone
}

func NewRecordStore(blobs BlobStore) *RecordStore {
	return &RecordStore{
		blobs:      blobs,
		records:    make(map[string]*domain.Record),
		tombstones: make(map[string]domain.Tombstone),
	}
}

// Load replaces the in-memory state with the persisted one.
func (s *RecordStore) Load() error {
	var records []*domain.Record
	if _, err := LoadJSON(s.blobs, KeyEvents, &records); err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	var tombstones []domain.Tombstone
	if _, err := LoadJSON(s.blobs, KeyTombstones, &tombstones); err != nil {
		return fmt.Errorf("load tombstones: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*domain.Record, len(records))
	for _, r := range records {
		if r == nil || r.ID == "" {
			continue
		}
		s.records[r.ID] = r
	}
	s.tombstones = make(map[string]domain.Tombstone, len(tombstones))
	for _, t := range tombstones {
		s.tombstones[t.EntityID] = t
	}
	return nil
}

// Save rewrites both blobs.
func (s *RecordStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	records := s.sortedLocked()
	tombstones := make([]domain.Tombstone, 0, len(s.tombstones))
	for _, t := range s.tombstones {
		tombstones = append(tombstones, t)
	}
	s.mu.RUnlock()

	sort.Slice(tombstones, func(i, j int) bool { return tombstones[i].EntityID < tombstones[j].EntityID })

	if err := SaveJSON(s.blobs, KeyEvents, records); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	if err := SaveJSON(s.blobs, KeyTombstones, tombstones); err != nil {
		return fmt.Errorf("save tombstones: %w", err)
	}
	return nil
}

// Get returns a copy of the record, or nil.
func (s *RecordStore) Get(id string) *domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id].Clone()
}

// Put stores a copy of r and returns the previous version, if any.
func (s *RecordStore) Put(r *domain.Record) *domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.records[r.ID]
	s.records[r.ID] = r.Clone()
	return prev
}

// Delete removes the record and returns what was stored.
func (s *RecordStore) Delete(id string) *domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)
	return prev
}

func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// All returns copies of every record ordered by start time.
func (s *RecordStore) All() []*domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// ListRange returns records overlapping [from, to).
func (s *RecordStore) ListRange(from, to time.Time) []*domain.Record {
	var out []*domain.Record
	for _, r := range s.All() {
		if r.Overlaps(from, to) {
			out = append(out, r)
		}
	}
	return out
}

func (s *RecordStore) sortedLocked() []*domain.Record {
	out := make([]*domain.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// === Tombstones ===

func (s *RecordStore) AddTombstone(t domain.Tombstone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[t.EntityID] = t
}

// IsTombstoned reports whether either id belongs to a locally deleted record.
// External ids match under any spelling of the same remote object.
func (s *RecordStore) IsTombstoned(entityID, externalID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entityID != "" {
		if _, ok := s.tombstones[entityID]; ok {
			return true
		}
	}
	if externalID == "" {
		return false
	}
	want := domain.NormalizeExternalID(externalID)
	for _, t := range s.tombstones {
		if t.ExternalID != "" && domain.NormalizeExternalID(t.ExternalID) == want {
			return true
		}
	}
	return false
}

// RemoveTombstone forgets a local deletion, used when the record is restored.
func (s *RecordStore) RemoveTombstone(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tombstones, entityID)
}

// PruneTombstones drops tombstones older than cutoff.
func (s *RecordStore) PruneTombstones(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tombstones {
		if t.DeletedAt.Before(cutoff) {
			delete(s.tombstones, id)
			n++
		}
	}
	return n
}

func (s *RecordStore) TombstoneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tombstones)
}
