// Package store wraps the subset of NATS JetStream KV that the
// collaboration core uses, treating buckets as hierarchical
// dot-path-addressed records.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// ErrWriteRejected wraps any error returned by the backing store on a
// write. Callers decide their own retry policy; nothing here retries.
var ErrWriteRejected = errors.New("store: write rejected")

// ErrNotFound is returned when a single-path read finds no record.
var ErrNotFound = errors.New("store: not found")

// Bucket is the slice of nats.KeyValue the core depends on. Every
// *nats.KeyValue created by the bridge satisfies it; tests substitute
// an in-memory implementation.
type Bucket interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Keys(opts ...nats.WatchOpt) ([]string, error)
	Watch(keys string, opts ...nats.WatchOpt) (nats.KeyWatcher, error)
	WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error)
	Bucket() string
}

// Join builds a dot-path key from its segments. Segment values must
// not contain dots; ids issued by pushid never do.
func Join(segments ...string) string {
	return strings.Join(segments, ".")
}

// LastSegment returns the final segment of a dot-path key.
func LastSegment(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[i+1:]
	}
	return key
}

func reject(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrWriteRejected, op, key, err)
}
