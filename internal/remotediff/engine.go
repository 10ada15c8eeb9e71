// Package remotediff turns a remote snapshot into remote-origin actions by
// matching every remote event against the local records.
package remotediff

import (
	"log/slog"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/provenance"
)

type Config struct {
	// EchoTolerance bounds the marker-to-marker distance of a record's own echo.
	EchoTolerance time.Duration `yaml:"echo_tolerance"`
	// ProvenanceTolerance bounds creation-time distance for title matches.
	ProvenanceTolerance time.Duration `yaml:"provenance_tolerance"`
	// ContentSkew is how much newer the remote copy must be to count as changed.
	ContentSkew time.Duration `yaml:"content_skew"`
}

func DefaultConfig() Config {
	return Config{
		EchoTolerance:       time.Second,
		ProvenanceTolerance: 5 * time.Second,
		ContentSkew:         2 * time.Minute,
	}
}

// Pair is one remote event with the calendar it was read from.
type Pair struct {
	Event       domain.RemoteEvent
	CalendarRef string
}

// Index is the lookup surface the engine needs.
type Index interface {
	GetByExternal(externalID string) *domain.Record
	Records() []*domain.Record
	Put(r, previous *domain.Record)
}

// Tombstones reports locally deleted records.
type Tombstones interface {
	IsTombstoned(entityID, externalID string) bool
}

// MatchKind says how a remote event found its local record.
type MatchKind string

const (
	MatchExternal   MatchKind = "external_id"
	MatchAlias      MatchKind = "alias"
	MatchProvenance MatchKind = "provenance"
)

// Result of one diff pass.
type Result struct {
	Actions []*domain.Action
	// Healed records had their ExternalID rewritten; the caller persists them.
	Healed  []*domain.Record
	Matched map[MatchKind]int
	Skipped int

	seen map[string]bool
}

// Present reports whether the snapshot contained externalID, under aliasing.
func (r *Result) Present(externalID string) bool {
	return r.seen[NormalizeID(externalID)]
}

type Engine struct {
	cfg        Config
	index      Index
	tombstones Tombstones
	now        func() time.Time
	logger     *slog.Logger
}

func New(cfg Config, index Index, tombstones Tombstones, now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, index: index, tombstones: tombstones, now: now, logger: logger}
}

// Diff matches the snapshot and returns the remote actions to append.
func (e *Engine) Diff(snapshot []Pair) *Result {
	res := &Result{
		Matched: make(map[MatchKind]int),
		seen:    make(map[string]bool, len(snapshot)),
	}

	claimed := make(map[string]bool)
	var aliases map[string]*domain.Record
	var unlinked []*domain.Record
	loaded := false

	for _, p := range snapshot {
		ev := p.Event
		if ev.ID == "" {
			res.Skipped++
			continue
		}
		if ev.CalendarRef == "" {
			ev.CalendarRef = p.CalendarRef
		}
		norm := NormalizeID(ev.ID)
		if res.seen[norm] {
			res.Skipped++
			continue
		}
		res.seen[norm] = true

		rec, kind := e.index.GetByExternal(ev.ID), MatchExternal
		if rec == nil {
			if !loaded {
				aliases, unlinked = e.scanIndex()
				loaded = true
			}
			rec, kind = aliases[norm], MatchAlias
			if rec == nil {
				rec, kind = e.matchProvenance(ev, unlinked, claimed), MatchProvenance
			}
			if rec != nil {
				prev := rec.Clone()
				rec.ExternalID = ev.ID
				e.index.Put(rec, prev)
				res.Healed = append(res.Healed, rec.Clone())
				e.logger.Debug("linked remote event", "entity", rec.ID, "external_id", ev.ID, "match", kind)
			}
		}

		if rec == nil {
			if e.tombstones != nil && e.tombstones.IsTombstoned("", ev.ID) {
				res.Skipped++
				continue
			}
			res.Actions = append(res.Actions, e.createAction(ev))
			continue
		}
		if claimed[rec.ID] {
			res.Skipped++
			continue
		}
		claimed[rec.ID] = true
		res.Matched[kind]++

		if e.changed(rec, ev) {
			res.Actions = append(res.Actions, e.updateAction(rec, ev))
		}
	}
	return res
}

func (e *Engine) scanIndex() (map[string]*domain.Record, []*domain.Record) {
	aliases := make(map[string]*domain.Record)
	var unlinked []*domain.Record
	for _, r := range e.index.Records() {
		if r.ExternalID == "" {
			unlinked = append(unlinked, r)
			continue
		}
		aliases[NormalizeID(r.ExternalID)] = r
	}
	return aliases, unlinked
}

// matchProvenance finds the unlinked local record a remote event echoes:
// first by its own creation marker, then by title and creation time.
func (e *Engine) matchProvenance(ev domain.RemoteEvent, unlinked []*domain.Record, claimed map[string]bool) *domain.Record {
	marker, ok := provenance.Parse(ev.Description)
	if !ok {
		return nil
	}

	var best *domain.Record
	bestGap := time.Duration(-1)
	consider := func(r *domain.Record, gap time.Duration) {
		if bestGap < 0 || gap < bestGap {
			best, bestGap = r, gap
		}
	}

	for _, r := range unlinked {
		if claimed[r.ID] {
			continue
		}
		if own, ok := provenance.Parse(r.Description); ok && own.Origin == marker.Origin {
			if gap := absDuration(own.At.Sub(marker.At)); gap <= e.cfg.EchoTolerance {
				consider(r, gap)
			}
		}
	}
	if best != nil {
		return best
	}

	for _, r := range unlinked {
		if claimed[r.ID] || r.Title != ev.Title || recordOrigin(r) != marker.Origin {
			continue
		}
		if gap := absDuration(r.CreatedAt.Sub(marker.At)); gap <= e.cfg.ProvenanceTolerance {
			consider(r, gap)
		}
	}
	return best
}

func (e *Engine) changed(rec *domain.Record, ev domain.RemoteEvent) bool {
	if rec.Title != ev.Title {
		return true
	}
	if provenance.Core(rec.Description) != provenance.Core(ev.Description) {
		return true
	}
	if !rec.Start.Equal(ev.Start) || !rec.End.Equal(ev.End) || rec.AllDay != ev.AllDay || rec.Location != ev.Location {
		return true
	}
	return !ev.Updated.IsZero() && ev.Updated.Sub(rec.UpdatedAt) > e.cfg.ContentSkew
}

func (e *Engine) createAction(ev domain.RemoteEvent) *domain.Action {
	at := e.modified(ev)
	created := ev.Created
	if created.IsZero() {
		created = at
	}
	rec := ev.ApplyTo(&domain.Record{
		ID:        domain.NewRecordID(),
		CreatedAt: created,
		UpdatedAt: at,
		SyncState: domain.SyncStateSynced,
	})
	rec.Description = provenance.Stamp(rec.Description, domain.OriginRemote, created)
	return domain.NewAction(domain.ActionCreate, domain.OriginRemote, rec.ID, rec, nil, at)
}

func (e *Engine) updateAction(rec *domain.Record, ev domain.RemoteEvent) *domain.Action {
	at := e.modified(ev)
	next := ev.ApplyTo(rec.Clone())
	next.UpdatedAt = at
	next.SyncState = domain.SyncStateSynced
	if m, ok := provenance.Parse(rec.Description); ok {
		next.Description = provenance.Stamp(next.Description, m.Origin, m.At)
	}
	return domain.NewAction(domain.ActionUpdate, domain.OriginRemote, rec.ID, next, rec, at)
}

func (e *Engine) modified(ev domain.RemoteEvent) time.Time {
	if !ev.Updated.IsZero() {
		return ev.Updated
	}
	return e.now()
}

// NormalizeID is the alias key used to match remote ids.
func NormalizeID(id string) string {
	return domain.NormalizeExternalID(id)
}

func recordOrigin(r *domain.Record) domain.Origin {
	if m, ok := provenance.Parse(r.Description); ok {
		return m.Origin
	}
	return domain.OriginLocal
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
