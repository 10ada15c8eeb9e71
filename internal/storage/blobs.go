package storage

import (
	"encoding/json"
	"fmt"
)

// Collection keys.
const (
	KeyEvents             = "events"
	KeyActionLog          = "action_log"
	KeyDeletionCandidates = "deletion_candidates"
	KeyTombstones         = "tombstones"
	KeySyncState          = "sync_state"
)

// BlobStore is the durable store contract: whole-value reads and writes,
// atomic within a single key.
type BlobStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// LoadJSON decodes the blob under key into v. It reports false when the key
// has never been written.
func LoadJSON(b BlobStore, key string, v any) (bool, error) {
	data, err := b.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(b BlobStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set(key, data)
}
