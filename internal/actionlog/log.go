// Package actionlog is the durable, append-mostly record of pending local and
// remote mutations. Un-synchronized actions for the same entity are collapsed
// so that only one of them is ever dispatched.
package actionlog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/storage"
)

// DefaultLoadRetryCeiling is the retry count at which a failed action is
// dropped when the log is loaded from disk.
const DefaultLoadRetryCeiling = 3

// Log holds every action until cleanup removes it.
type Log struct {
	mu          sync.Mutex
	blobs       storage.BlobStore
	actions     []*domain.Action
	recentEdits map[string]time.Time
	ceiling     int
	logger      *slog.Logger
}

// New creates an empty log persisted to blobs. A ceiling <= 0 uses
// DefaultLoadRetryCeiling.
func New(blobs storage.BlobStore, ceiling int, logger *slog.Logger) *Log {
	if ceiling <= 0 {
		ceiling = DefaultLoadRetryCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		blobs:       blobs,
		recentEdits: make(map[string]time.Time),
		ceiling:     ceiling,
		logger:      logger,
	}
}

// Load replaces the in-memory log with the persisted one. Un-synchronized
// entries that already hit the retry ceiling are dropped; the count is returned.
func (l *Log) Load() (int, error) {
	var stored []*domain.Action
	if _, err := storage.LoadJSON(l.blobs, storage.KeyActionLog, &stored); err != nil {
		return 0, fmt.Errorf("load action log: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.actions = l.actions[:0]
	dropped := 0
	for _, a := range stored {
		if a == nil {
			continue
		}
		if !a.Synchronized && a.RetryCount >= l.ceiling {
			dropped++
			l.logger.Warn("dropping action past retry ceiling",
				"action", a.ID, "entity", a.EntityID, "kind", a.Kind, "retries", a.RetryCount, "last_error", a.LastError)
			continue
		}
		l.actions = append(l.actions, a)
	}
	sortByTime(l.actions)
	if dropped > 0 {
		if err := l.saveLocked(); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Save persists the full log.
func (l *Log) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *Log) saveLocked() error {
	if err := storage.SaveJSON(l.blobs, storage.KeyActionLog, l.actions); err != nil {
		return fmt.Errorf("save action log: %w", err)
	}
	return nil
}

// Append records a and supersedes older pending actions for the same entity
// and origin. It returns how many actions were superseded, a itself included
// when an existing pending delete dominates it.
func (l *Log) Append(a *domain.Action) (int, error) {
	if a == nil || a.EntityID == "" {
		return 0, fmt.Errorf("append action: missing entity id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if a.Origin == domain.OriginLocal {
		if last, ok := l.recentEdits[a.EntityID]; !ok || a.CreatedAt.After(last) {
			l.recentEdits[a.EntityID] = a.CreatedAt
		}
	}

	l.actions = append(l.actions, a)
	superseded := l.collapseLocked(a.Origin, a.EntityID)
	return superseded, l.saveLocked()
}

// Consolidate enforces the collapse rule across the whole log and returns the
// number of superseded actions.
func (l *Log) Consolidate() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	type key struct {
		origin domain.Origin
		entity string
	}
	seen := make(map[key]bool)
	total := 0
	for _, a := range l.actions {
		if a.Synchronized {
			continue
		}
		k := key{a.Origin, a.EntityID}
		if seen[k] {
			continue
		}
		seen[k] = true
		total += l.collapseLocked(a.Origin, a.EntityID)
	}
	if total == 0 {
		return 0, nil
	}
	return total, l.saveLocked()
}

// collapseLocked keeps a single pending action for (origin, entity): the latest
// delete if there is one, otherwise the latest action by timestamp.
func (l *Log) collapseLocked(origin domain.Origin, entityID string) int {
	var group []*domain.Action
	for _, a := range l.actions {
		if !a.Synchronized && a.Origin == origin && a.EntityID == entityID {
			group = append(group, a)
		}
	}
	if len(group) < 2 {
		return 0
	}

	var keep *domain.Action
	for _, a := range group {
		if a.Kind != domain.ActionDelete {
			continue
		}
		if keep == nil || !a.CreatedAt.Before(keep.CreatedAt) {
			keep = a
		}
	}
	if keep == nil {
		for _, a := range group {
			if keep == nil || !a.CreatedAt.Before(keep.CreatedAt) {
				keep = a
			}
		}
	}

	n := 0
	for _, a := range group {
		if a == keep {
			continue
		}
		a.Synchronized = true
		n++
	}
	return n
}

// DrainPendingLocal returns copies of the un-synchronized local actions, oldest first.
func (l *Log) DrainPendingLocal() []*domain.Action {
	return l.pending(domain.OriginLocal)
}

// DrainPendingRemote returns copies of the un-synchronized remote actions, oldest first.
func (l *Log) DrainPendingRemote() []*domain.Action {
	return l.pending(domain.OriginRemote)
}

// Pending returns copies of every un-synchronized action.
func (l *Log) Pending() []*domain.Action {
	return l.pending("")
}

func (l *Log) pending(origin domain.Origin) []*domain.Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.Action
	for _, a := range l.actions {
		if a.Synchronized {
			continue
		}
		if origin != "" && a.Origin != origin {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sortByTime(out)
	return out
}

// MarkSynchronized flags the action as done (applied or superseded).
func (l *Log) MarkSynchronized(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.findLocked(id)
	if a == nil {
		return fmt.Errorf("mark synchronized: action %s not found", id)
	}
	if a.Synchronized {
		return nil
	}
	a.Synchronized = true
	return l.saveLocked()
}

// MarkFailed bumps the retry count of the action and returns the new count.
func (l *Log) MarkFailed(id string, cause error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.findLocked(id)
	if a == nil {
		return 0, fmt.Errorf("mark failed: action %s not found", id)
	}
	a.RetryCount++
	if cause != nil {
		a.LastError = cause.Error()
	}
	return a.RetryCount, l.saveLocked()
}

// Cleanup removes synchronized actions and pending ones that reached
// maxRetries. A maxRetries <= 0 keeps every failed action.
func (l *Log) Cleanup(maxRetries int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.actions[:0]
	removed := 0
	for _, a := range l.actions {
		if a.Synchronized {
			removed++
			continue
		}
		if maxRetries > 0 && a.RetryCount >= maxRetries {
			l.logger.Warn("giving up on action",
				"action", a.ID, "entity", a.EntityID, "kind", a.Kind, "retries", a.RetryCount, "last_error", a.LastError)
			removed++
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(l.actions); i++ {
		l.actions[i] = nil
	}
	l.actions = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, l.saveLocked()
}

// Get returns a copy of the action, or nil.
func (l *Log) Get(id string) *domain.Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.findLocked(id)
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Len returns the number of stored actions, synchronized ones included.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

// LastLocalEdit returns when the entity was last mutated by a local caller
// during this process lifetime.
func (l *Log) LastLocalEdit(entityID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recentEdits[entityID]
}

// ForgetEditsBefore drops edit timestamps older than cutoff.
func (l *Log) ForgetEditsBefore(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, at := range l.recentEdits {
		if at.Before(cutoff) {
			delete(l.recentEdits, id)
		}
	}
}

func (l *Log) findLocked(id string) *domain.Action {
	for _, a := range l.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func sortByTime(actions []*domain.Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
