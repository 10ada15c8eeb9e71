package service

import (
	"context"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

// RemoteClient is the capability set of the remote calendar service.
// UpdateEvent and DeleteEvent report false when the event does not exist.
type RemoteClient interface {
	IsAuthenticated() bool
	ListEvents(ctx context.Context, calendarRef string, from, to time.Time) ([]domain.RemoteEvent, error)
	CreateEvent(ctx context.Context, calendarRef string, data domain.EventData) (string, error)
	UpdateEvent(ctx context.Context, id string, patch domain.EventPatch) (bool, error)
	DeleteEvent(ctx context.Context, id string) (bool, error)
	CalendarExists(ctx context.Context, calendarRef string) (bool, error)
}

// TagResolver maps a tag to the calendar its events belong in.
type TagResolver interface {
	ResolveCalendarForTag(tagRef string) (string, bool)
}

// TagCalendars is a TagResolver backed by configuration. Tags match case-insensitively.
type TagCalendars map[string]string

func (t TagCalendars) ResolveCalendarForTag(tagRef string) (string, bool) {
	if tagRef == "" {
		return "", false
	}
	if ref, ok := t[tagRef]; ok && ref != "" {
		return ref, true
	}
	for tag, ref := range t {
		if strings.EqualFold(tag, tagRef) && ref != "" {
			return ref, true
		}
	}
	return "", false
}
