package domain

import (
	"time"

	"github.com/google/uuid"
)

type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Action is a recorded intent to mutate one Record.
type Action struct {
	ID              string     `json:"id"`
	Kind            ActionKind `json:"kind"`
	EntityID        string     `json:"entity_id"`
	Origin          Origin     `json:"origin"`
	Payload         *Record    `json:"payload,omitempty"`
	PreviousPayload *Record    `json:"previous_payload,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Synchronized    bool       `json:"synchronized"`
	RetryCount      int        `json:"retry_count"`
	LastError       string     `json:"last_error,omitempty"`
}

// NewAction builds an un-synchronized action with a fresh id.
func NewAction(kind ActionKind, origin Origin, entityID string, payload, previous *Record, at time.Time) *Action {
	return &Action{
		ID:              uuid.NewString(),
		Kind:            kind,
		EntityID:        entityID,
		Origin:          origin,
		Payload:         payload.Clone(),
		PreviousPayload: previous.Clone(),
		CreatedAt:       at,
	}
}

// IsPending reports whether the action still has to be dispatched or applied.
func (a *Action) IsPending() bool {
	return !a.Synchronized
}

// DeletionCandidate is a record suspected, but not yet confirmed, deleted remotely.
type DeletionCandidate struct {
	EntityID          string    `json:"entity_id"`
	ExternalID        string    `json:"external_id"`
	FirstMissingRound int64     `json:"first_missing_round"`
	FirstMissingTime  time.Time `json:"first_missing_time"`
	LastCheckRound    int64     `json:"last_check_round"`
	LastCheckTime     time.Time `json:"last_check_time"`
}
