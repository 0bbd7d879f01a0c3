// Package store provides the durable per-session key/value storage used for
// pending resubmissions, remount counters and turn usage snapshots. Values
// are JSON-encoded; a malformed value reads as an absent key.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable session-scoped key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ReadJSON loads and decodes the value at key into v. A missing key returns
// (false, nil). A corrupt value is treated as absence: the record is cleared
// and (false, nil) is returned, so callers proceed with default state.
func ReadJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// WriteJSON encodes v and stores it at key.
func WriteJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}
