package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

// fakeRemote is an in-memory remote calendar service.
type fakeRemote struct {
	mu        sync.Mutex
	now       func() time.Time
	events    map[string]*domain.RemoteEvent
	calendars map[string]bool
	seq       int
	authed    bool

	creates int
	updates int
	deletes int
	lists   int

	failCreate error
	// lostCreates commits that many creates but still reports errUnavailable,
	// as when the response is lost on the way back.
	lostCreates int
	failDelete error
	failUpdate []error
	failList   map[string]error
	hidden     map[string]bool
}

func newFakeRemote(now func() time.Time, calendars ...string) *fakeRemote {
	f := &fakeRemote{
		now:       now,
		events:    make(map[string]*domain.RemoteEvent),
		calendars: make(map[string]bool),
		authed:    true,
		failList:  make(map[string]error),
		hidden:    make(map[string]bool),
	}
	for _, c := range calendars {
		f.calendars[c] = true
	}
	return f
}

func (f *fakeRemote) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeRemote) ListEvents(_ context.Context, cal string, from, to time.Time) ([]domain.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if err := f.failList[cal]; err != nil {
		return nil, err
	}
	var out []domain.RemoteEvent
	for _, ev := range f.events {
		if ev.CalendarRef != cal || f.hidden[ev.ID] {
			continue
		}
		if ev.Start.Before(to) && !ev.End.Before(from) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRemote) CreateEvent(_ context.Context, cal string, data domain.EventData) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	if !f.calendars[cal] {
		return "", fmt.Errorf("calendar %s: %w", cal, domain.ErrNotFound)
	}
	f.creates++
	now := f.now()
	id := cal + data.UID + ".ics"
	if data.UID == "" {
		f.seq++
		id = fmt.Sprintf("R%d", f.seq)
	}
	created := now
	if prev, ok := f.events[id]; ok {
		created = prev.Created
	}
	f.events[id] = &domain.RemoteEvent{
		ID:          id,
		CalendarRef: cal,
		Title:       data.Title,
		Description: data.Description,
		Location:    data.Location,
		Start:       data.Start,
		End:         data.End,
		AllDay:      data.AllDay,
		Created:     created,
		Updated:     now,
	}
	if f.lostCreates > 0 {
		f.lostCreates--
		return "", errUnavailable
	}
	return id, nil
}

func (f *fakeRemote) UpdateEvent(_ context.Context, id string, p domain.EventPatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if len(f.failUpdate) > 0 {
		err := f.failUpdate[0]
		f.failUpdate = f.failUpdate[1:]
		if err != nil {
			return false, err
		}
	}
	ev, ok := f.events[id]
	if !ok {
		return false, nil
	}
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	if p.Start != nil {
		ev.Start = *p.Start
	}
	if p.End != nil {
		ev.End = *p.End
	}
	if p.AllDay != nil {
		ev.AllDay = *p.AllDay
	}
	ev.Updated = f.now()
	return true, nil
}

func (f *fakeRemote) DeleteEvent(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return false, f.failDelete
	}
	if _, ok := f.events[id]; !ok {
		return false, nil
	}
	f.deletes++
	delete(f.events, id)
	return true, nil
}

func (f *fakeRemote) CalendarExists(_ context.Context, cal string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calendars[cal], nil
}

// put stores an event as if another client had created it.
func (f *fakeRemote) put(ev domain.RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := ev
	f.events[ev.ID] = &c
}

func (f *fakeRemote) get(id string) *domain.RemoteEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil
	}
	c := *ev
	return &c
}

func (f *fakeRemote) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
}

func (f *fakeRemote) hide(id string, hidden bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden[id] = hidden
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeRemote) edit(id string, fn func(ev *domain.RemoteEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.events[id]; ok {
		fn(ev)
		ev.Updated = f.now()
	}
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
