package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound means the remote copy no longer exists.
	ErrNotFound = errors.New("remote event not found")
	// ErrTransient marks failures worth retrying on the next dispatch.
	ErrTransient = errors.New("transient remote failure")
	// ErrUnauthenticated means the remote client has no usable credentials.
	ErrUnauthenticated = errors.New("remote client not authenticated")
)

// RemoteEvent is one event as returned by the remote calendar service.
type RemoteEvent struct {
	ID          string    `json:"id"`
	CalendarRef string    `json:"calendar_ref"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// EventData is the full payload sent when creating a remote event. UID is
// stable per record, so a repeated create addresses the same remote object.
type EventData struct {
	UID         string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// EventPatch carries the fields of an update; nil fields are left untouched.
type EventPatch struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	AllDay      *bool
}

// DataFromRecord converts a record into a create payload.
func DataFromRecord(r *Record) EventData {
	return EventData{
		UID:         r.ID,
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		Start:       r.Start,
		End:         r.End,
		AllDay:      r.AllDay,
	}
}

// FullPatch patches every synced field of r.
func FullPatch(r *Record) EventPatch {
	title, desc, loc := r.Title, r.Description, r.Location
	start, end, allDay := r.Start, r.End, r.AllDay
	return EventPatch{
		Title:       &title,
		Description: &desc,
		Location:    &loc,
		Start:       &start,
		End:         &end,
		AllDay:      &allDay,
	}
}

// MinimalPatch only touches title and description.
func MinimalPatch(r *Record) EventPatch {
	title, desc := r.Title, r.Description
	return EventPatch{Title: &title, Description: &desc}
}

// ApplyTo copies the remote event's fields onto r and returns r.
func (e *RemoteEvent) ApplyTo(r *Record) *Record {
	r.ExternalID = e.ID
	r.Title = e.Title
	r.Description = e.Description
	r.Location = e.Location
	r.Start = e.Start
	r.End = e.End
	r.AllDay = e.AllDay
	if e.CalendarRef != "" {
		r.CalendarRef = e.CalendarRef
	}
	return r
}

// NormalizeExternalID folds the spellings one remote object can have: a full
// object path or a bare UID, with or without the .ics suffix, in any case.
func NormalizeExternalID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(s, ".ics")
}
