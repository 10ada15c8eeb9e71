package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/notify"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidRecord  = errors.New("invalid record")
)

// EventInput is what local callers supply when creating or updating a record.
type EventInput struct {
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Location    string    `json:"location"`
	TagRef      string    `json:"tag_ref"`
	CalendarRef string    `json:"calendar_ref"`
	Description string    `json:"description"`
}

func (in *EventInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	if in.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidRecord)
	}
	if in.End.IsZero() {
		if in.AllDay {
			in.End = in.Start.AddDate(0, 0, 1)
		} else {
			in.End = in.Start.Add(time.Hour)
		}
	}
	if in.End.Before(in.Start) {
		return fmt.Errorf("%w: end before start", ErrInvalidRecord)
	}
	return nil
}

// CalendarService is the local mutation API. Every change lands in the record
// store and the action log; the sync engine pushes it later.
type CalendarService struct {
	sync *SyncService
}

func NewCalendarService(sync *SyncService) *CalendarService {
	return &CalendarService{sync: sync}
}

// CreateEvent stores a new record and queues its remote creation.
func (c *CalendarService) CreateEvent(ctx context.Context, in EventInput) (*domain.Record, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	s := c.sync
	now := s.now()
	rec := &domain.Record{
		ID:          domain.NewRecordID(),
		Title:       in.Title,
		Start:       in.Start,
		End:         in.End,
		AllDay:      in.AllDay,
		Location:    in.Location,
		TagRef:      in.TagRef,
		CalendarRef: in.CalendarRef,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		SyncState:   domain.SyncStatePending,
	}

	s.editMu.Lock()
	s.records.Put(rec)
	s.index.Put(rec, nil)
	s.editMu.Unlock()

	if err := c.record(domain.ActionCreate, rec, nil, now); err != nil {
		return nil, err
	}
	s.bus.Publish(notify.Notification{Kind: notify.RecordCreated, EntityID: rec.ID, At: now})
	return rec.Clone(), nil
}

// UpdateEvent replaces the editable fields of a record and queues the push.
func (c *CalendarService) UpdateEvent(ctx context.Context, id string, in EventInput) (*domain.Record, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	s := c.sync
	now := s.now()

	s.editMu.Lock()
	prev := s.records.Get(id)
	if prev == nil {
		s.editMu.Unlock()
		return nil, ErrRecordNotFound
	}
	rec := prev.Clone()
	rec.Title = in.Title
	rec.Start = in.Start
	rec.End = in.End
	rec.AllDay = in.AllDay
	rec.Location = in.Location
	rec.TagRef = in.TagRef
	if in.CalendarRef != "" {
		rec.CalendarRef = in.CalendarRef
	}
	rec.Description = in.Description
	rec.UpdatedAt = now
	rec.SyncState = domain.SyncStatePending
	s.records.Put(rec)
	s.index.Put(rec, prev)
	s.editMu.Unlock()

	if err := c.record(domain.ActionUpdate, rec, prev, now); err != nil {
		return nil, err
	}
	s.bus.Publish(notify.Notification{Kind: notify.RecordUpdated, EntityID: rec.ID, At: now})
	return rec.Clone(), nil
}

// DeleteEvent removes the record at once and remembers it so remote
// snapshots cannot bring it back.
func (c *CalendarService) DeleteEvent(ctx context.Context, id string) error {
	s := c.sync
	now := s.now()

	s.editMu.Lock()
	rec := s.records.Delete(id)
	if rec == nil {
		s.editMu.Unlock()
		return ErrRecordNotFound
	}
	s.records.AddTombstone(domain.Tombstone{EntityID: rec.ID, ExternalID: rec.ExternalID, DeletedAt: now})
	s.index.Remove(rec)
	s.deletion.Forget(rec.ID)
	s.editMu.Unlock()

	if err := c.record(domain.ActionDelete, rec, nil, now); err != nil {
		return err
	}
	s.bus.Publish(notify.Notification{Kind: notify.RecordDeleted, EntityID: rec.ID, At: now})
	return nil
}

func (c *CalendarService) record(kind domain.ActionKind, rec, prev *domain.Record, at time.Time) error {
	s := c.sync
	if err := s.records.Save(); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	a := domain.NewAction(kind, domain.OriginLocal, rec.ID, rec, prev, at)
	superseded, err := s.log.Append(a)
	if err != nil {
		return fmt.Errorf("append %s action: %w", kind, err)
	}
	if superseded > 0 {
		s.logger.Debug("superseded pending actions", "entity", rec.ID, "kind", kind, "count", superseded)
	}
	return nil
}

// Get returns a record by local id.
func (c *CalendarService) Get(id string) (*domain.Record, error) {
	if rec := c.sync.index.Get(id); rec != nil {
		return rec, nil
	}
	if rec := c.sync.records.Get(id); rec != nil {
		return rec, nil
	}
	return nil, ErrRecordNotFound
}

// ListRange returns records overlapping [from, to).
func (c *CalendarService) ListRange(from, to time.Time) []*domain.Record {
	return c.sync.records.ListRange(from, to)
}

// Trigger runs a manual cycle.
func (c *CalendarService) Trigger(ctx context.Context, skipPull bool) (*CycleResult, error) {
	trigger := TriggerManual
	if skipPull {
		trigger = TriggerReconnect
	}
	return c.sync.RunCycle(ctx, CycleOptions{Trigger: trigger, SkipPull: skipPull})
}
