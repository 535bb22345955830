package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// GetRecord reads a single path and decodes it into a generic record.
// Returns ErrNotFound when the key has no value.
func GetRecord(b Bucket, key string) (map[string]any, uint64, error) {
	entry, err := b.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("%w: %s.%s", ErrNotFound, b.Bucket(), key)
		}
		return nil, 0, err
	}
	var rec map[string]any
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode %s.%s: %w", b.Bucket(), key, err)
	}
	return rec, entry.Revision(), nil
}

// PutRecord marshals v and overwrites the path with it.
func PutRecord(b Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return reject("put", key, err)
	}
	if _, err := b.Put(key, data); err != nil {
		return reject("put", key, err)
	}
	return nil
}

// MultiMutate applies a CAS read-modify-write to every key, the
// closest KV equivalent of a multi-path update. Each key is mutated
// against its current record, never a stale snapshot, so a write that
// landed on one of the keys in the meantime is preserved rather than
// clobbered. Best-effort across paths: a failed key does not stop the
// rest, and the first failure is reported once all keys were
// attempted.
func MultiMutate(b Bucket, keys []string, apply func(key string, rec map[string]any) map[string]any) error {
	var firstErr error
	for _, key := range keys {
		err := Mutate(b, key, func(rec map[string]any) map[string]any {
			return apply(key, rec)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// casAttempts bounds the retry loop in Mutate. Contention on a single
// record is rare at two participants per conversation.
const casAttempts = 3

// Mutate applies a read-modify-write to the record at key using CAS on
// the entry revision, so a concurrent writer's fields are never
// silently discarded. The record must already exist.
func Mutate(b Bucket, key string, apply func(rec map[string]any) map[string]any) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, rev, err := GetRecord(b, key)
		if err != nil {
			return err
		}
		next := apply(rec)
		if next == nil {
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return reject("mutate", key, err)
		}
		_, err = b.Update(key, data, rev)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return reject("mutate", key, lastErr)
}

// Merge is Mutate with plain shallow-merge semantics.
func Merge(b Bucket, key string, patch map[string]any) error {
	return Mutate(b, key, func(rec map[string]any) map[string]any {
		for k, v := range patch {
			rec[k] = v
		}
		return rec
	})
}
