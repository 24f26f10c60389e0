// Package kvstore is the persisted key-value state used by the agent:
// cooldown timestamps, deadline records, device fingerprints, counters and
// the event log. Components receive a Store through their constructors;
// there is no process-wide singleton.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been set or was deleted.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is an opaque get/set store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ListStore is implemented by stores with native capped lists. Values are
// kept most-recent-first.
type ListStore interface {
	PushCapped(ctx context.Context, key, value string, max int) error
	List(ctx context.Context, key string) ([]string, error)
}

// Incrementer is implemented by stores with an atomic counter primitive.
type Incrementer interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// Well-known keys.
const (
	KeyTripwireRecord   = "tripwire:record"
	KeySimFingerprint   = "device:sim_fingerprint"
	KeyFailedAttempts   = "auth:failed_attempts"
	KeyFailedBiometric  = "auth:failed_biometric"
	KeySettingsChanges  = "system:change_count"
	KeyLastSystemCheck  = "system:last_check"
	KeyExpectedDataMB   = "network:expected_data_mb"
	KeyCurrentDataMB    = "network:current_data_mb"
	KeyEventLog         = "eventlog"
	KeyCooldownPrefix   = "cooldown:"
	KeyAppFirstSeenPref = "apps:first_seen:"
)

// GetInt64 reads an integer; a missing key yields def.
func GetInt64(ctx context.Context, s Store, key string, def int64) (int64, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, err := parseInt(key, v)
	if err != nil {
		return def, err
	}
	return n, nil
}

// SetInt64 writes an integer.
func SetInt64(ctx context.Context, s Store, key string, v int64) error {
	return s.Set(ctx, key, formatInt(v))
}

var incrMu sync.Mutex

// IncrBy adds delta to an integer key, atomically when the store supports it.
func IncrBy(ctx context.Context, s Store, key string, delta int64) (int64, error) {
	if inc, ok := s.(Incrementer); ok {
		return inc.IncrBy(ctx, key, delta)
	}
	incrMu.Lock()
	defer incrMu.Unlock()
	n, err := GetInt64(ctx, s, key, 0)
	if err != nil {
		return 0, err
	}
	n += delta
	return n, SetInt64(ctx, s, key, n)
}

// GetJSON decodes a JSON value into v. It returns ErrNotFound unchanged.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b))
}
