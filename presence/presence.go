// Package presence publishes and observes user liveness. The record in
// the presence bucket is authoritative; a TTL lease in a sibling
// bucket lets infrastructure flip the record to offline when a client
// vanishes without saying goodbye (see cmd/presenced).
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/etutoring-realtime/bridge"
	"github.com/example/etutoring-realtime/sanitize"
	"github.com/example/etutoring-realtime/store"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Record is a user's presence state plus whatever denormalized profile
// fields the publisher supplied.
type Record struct {
	UserID     string         `json:"user_id"`
	Status     string         `json:"status"`
	LastActive int64          `json:"last_active"`
	Profile    map[string]any `json:"-"`
}

// Teardown gracefully ends a published session: stop the heartbeat,
// release the lease, write the offline record. The fallback stays
// armed for future sessions; it simply has nothing left to expire.
type Teardown func() error

// Tracker publishes and subscribes against the presence buckets.
type Tracker struct {
	status store.Bucket
	lease  store.Bucket
	ttl    time.Duration
}

// NewTracker builds a Tracker over the two presence buckets. ttl must
// match the lease bucket's TTL; pass bridge.LeaseTTL for buckets the
// bridge created.
func NewTracker(status, lease store.Bucket, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = bridge.LeaseTTL
	}
	return &Tracker{status: status, lease: lease, ttl: ttl}
}

// PublishOnline writes the user's record with status online and arms
// the disconnect fallback by planting a TTL lease which a background
// heartbeat keeps alive. A write failure is returned as-is: presence
// is best-effort and retrying is the caller's decision.
func (t *Tracker) PublishOnline(ctx context.Context, userID string, profile map[string]any) (Teardown, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := sanitize.Clean(profile)
	rec["user_id"] = userID
	rec["status"] = StatusOnline
	rec["last_active"] = time.Now().UnixMilli()
	if err := store.PutRecord(t.status, userID, rec); err != nil {
		return nil, err
	}

	leaseKey := store.Join(userID, uuid.NewString())
	if err := store.PutRecord(t.lease, leaseKey, map[string]any{}); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go t.heartbeat(leaseKey, stop)

	return func() error {
		close(stop)
		_ = t.lease.Delete(leaseKey)
		// Merge keeps the denormalized profile fields, matching the
		// record shape the disconnect fallback leaves behind.
		off := map[string]any{
			"status":      StatusOffline,
			"last_active": time.Now().UnixMilli(),
		}
		err := store.Merge(t.status, userID, off)
		if errors.Is(err, store.ErrNotFound) {
			off["user_id"] = userID
			return store.PutRecord(t.status, userID, off)
		}
		return err
	}, nil
}

// heartbeat refreshes the lease well inside its TTL so the fallback
// only fires for sessions that actually died.
func (t *Tracker) heartbeat(leaseKey string, stop <-chan struct{}) {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = store.PutRecord(t.lease, leaseKey, map[string]any{})
		}
	}
}

// Subscribe attaches an independent listener to one user's record.
// onChange receives the current record, or nil when the record is
// absent. Callback panics are absorbed so other subscribers still get
// their delivery.
func (t *Tracker) Subscribe(userID string, onChange func(*Record)) (store.Unsubscribe, error) {
	return store.Observe(t.status, userID, func(snap map[string][]byte) {
		store.Deliver("presence."+userID, func() {
			onChange(decode(userID, snap[userID]))
		})
	})
}

func decode(userID string, raw []byte) *Record {
	if raw == nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	rec := &Record{UserID: userID, Profile: map[string]any{}}
	for k, v := range fields {
		switch k {
		case "user_id":
		case "status":
			rec.Status, _ = v.(string)
		case "last_active":
			if f, ok := v.(float64); ok {
				rec.LastActive = int64(f)
			}
		default:
			rec.Profile[k] = v
		}
	}
	return rec
}
