// Package conflict arbitrates local and remote actions that touch the same
// record, and holds short edit locks on records whose local update is in
// flight.
package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

type Config struct {
	LockTTL      time.Duration `yaml:"lock_ttl"`
	Window       time.Duration `yaml:"window"`
	TieThreshold time.Duration `yaml:"tie_threshold"`
}

func DefaultConfig() Config {
	return Config{
		LockTTL:      12 * time.Second,
		Window:       60 * time.Second,
		TieThreshold: time.Second,
	}
}

type Outcome string

const (
	OutcomeLocalWins  Outcome = "local-wins"
	OutcomeRemoteWins Outcome = "remote-wins"
	OutcomeStale      Outcome = "stale"
	OutcomeManual     Outcome = "manual"
)

// Resolution is the verdict for one entity. Loser is nil for manual outcomes;
// both actions are then held.
type Resolution struct {
	EntityID string
	Outcome  Outcome
	Winner   *domain.Action
	Loser    *domain.Action
}

// Conflict is a pair queued for manual resolution.
type Conflict struct {
	EntityID   string         `json:"entity_id"`
	Local      *domain.Action `json:"local"`
	Remote     *domain.Action `json:"remote"`
	DetectedAt time.Time      `json:"detected_at"`
}

type Manager struct {
	mu     sync.Mutex
	cfg    Config
	locks  map[string]time.Time
	queue  map[string]*Conflict
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config, now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		locks:  make(map[string]time.Time),
		queue:  make(map[string]*Conflict),
		now:    now,
		logger: logger,
	}
}

// === Edit locks ===

// Lock guards entityID against remote overwrites for LockTTL.
func (m *Manager) Lock(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[entityID] = m.now().Add(m.cfg.LockTTL)
}

func (m *Manager) IsLocked(entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.locks[entityID]
	if !ok {
		return false
	}
	if !m.now().Before(until) {
		delete(m.locks, entityID)
		return false
	}
	return true
}

func (m *Manager) Unlock(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, entityID)
}

// === Arbitration ===

// Resolve arbitrates every entity that has both a pending local and a pending
// remote action. Entities touched by one side only are not reported.
func (m *Manager) Resolve(actions []*domain.Action) []Resolution {
	type pair struct{ local, remote *domain.Action }
	pairs := make(map[string]*pair)
	for _, a := range actions {
		if a.Synchronized {
			continue
		}
		p := pairs[a.EntityID]
		if p == nil {
			p = &pair{}
			pairs[a.EntityID] = p
		}
		switch a.Origin {
		case domain.OriginLocal:
			if p.local == nil || !a.CreatedAt.Before(p.local.CreatedAt) {
				p.local = a
			}
		case domain.OriginRemote:
			if p.remote == nil || !a.CreatedAt.Before(p.remote.CreatedAt) {
				p.remote = a
			}
		}
	}

	ids := make([]string, 0, len(pairs))
	for id, p := range pairs {
		if p.local != nil && p.remote != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Resolution, 0, len(ids))
	for _, id := range ids {
		p := pairs[id]
		res := m.arbitrate(id, p.local, p.remote)
		if res.Outcome == OutcomeManual {
			c, held := m.queue[id]
			if !held {
				c = &Conflict{EntityID: id, DetectedAt: m.now()}
				m.queue[id] = c
				m.logger.Warn("conflict queued for manual resolution", "entity", id,
					"local", p.local.CreatedAt, "remote", p.remote.CreatedAt)
			}
			c.Local, c.Remote = p.local, p.remote
		}
		out = append(out, res)
	}
	return out
}

func (m *Manager) arbitrate(id string, local, remote *domain.Action) Resolution {
	if _, held := m.queue[id]; held {
		return Resolution{EntityID: id, Outcome: OutcomeManual}
	}

	gap := local.CreatedAt.Sub(remote.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap < m.cfg.TieThreshold {
		return Resolution{EntityID: id, Outcome: OutcomeManual}
	}

	res := Resolution{EntityID: id}
	if local.CreatedAt.After(remote.CreatedAt) {
		res.Winner, res.Loser, res.Outcome = local, remote, OutcomeLocalWins
	} else {
		res.Winner, res.Loser, res.Outcome = remote, local, OutcomeRemoteWins
	}
	if gap > m.cfg.Window {
		res.Outcome = OutcomeStale
	}
	return res
}

// Pending returns the queued conflicts, oldest first.
func (m *Manager) Pending() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conflict, 0, len(m.queue))
	for _, c := range m.queue {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// IsHeld reports whether entityID waits for manual resolution.
func (m *Manager) IsHeld(entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queue[entityID]
	return ok
}

// ResolveManual releases a queued conflict in favour of winner and returns
// the verdict for the caller to carry out.
func (m *Manager) ResolveManual(entityID string, winner domain.Origin) (Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.queue[entityID]
	if !ok {
		return Resolution{}, fmt.Errorf("resolve conflict: no pending conflict for %s", entityID)
	}
	res := Resolution{EntityID: entityID}
	switch winner {
	case domain.OriginLocal:
		res.Winner, res.Loser, res.Outcome = c.Local, c.Remote, OutcomeLocalWins
	case domain.OriginRemote:
		res.Winner, res.Loser, res.Outcome = c.Remote, c.Local, OutcomeRemoteWins
	default:
		return Resolution{}, fmt.Errorf("resolve conflict: unknown side %q", winner)
	}
	delete(m.queue, entityID)
	return res, nil
}
