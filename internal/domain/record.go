package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncState describes where a Record stands relative to its remote copy.
type SyncState string

const (
	SyncStatePending   SyncState = "pending"
	SyncStateSynced    SyncState = "synced"
	SyncStateConflict  SyncState = "conflict"
	SyncStateLocalOnly SyncState = "local_only"
)

// Record is a locally owned calendar event.
type Record struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id,omitempty"` // Remote event id, stable once assigned
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Location    string    `json:"location,omitempty"`
	TagRef      string    `json:"tag_ref,omitempty"`
	CalendarRef string    `json:"calendar_ref,omitempty"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedAt   time.Time `json:"created_at"`
	SyncState   SyncState `json:"sync_state"`
}

// NewRecordID returns a fresh permanent local id.
func NewRecordID() string {
	return uuid.NewString()
}

// Clone returns a copy that can be mutated without touching r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// IsLinked reports whether the remote copy exists.
func (r *Record) IsLinked() bool {
	return r.ExternalID != ""
}

// Overlaps reports whether the event intersects [from, to).
func (r *Record) Overlaps(from, to time.Time) bool {
	if !r.End.After(r.Start) {
		return !r.Start.Before(from) && r.Start.Before(to)
	}
	return r.Start.Before(to) && r.End.After(from)
}

// FormatTime returns formatted time for display
func (r *Record) FormatTime() string {
	if r.AllDay {
		return "all day"
	}
	if r.End.IsZero() {
		return r.Start.Format("15:04")
	}
	return r.Start.Format("15:04") + "-" + r.End.Format("15:04")
}

// Tombstone marks a locally deleted record so remote snapshots cannot bring it back.
type Tombstone struct {
	EntityID   string    `json:"entity_id"`
	ExternalID string    `json:"external_id,omitempty"`
	DeletedAt  time.Time `json:"deleted_at"`
}
