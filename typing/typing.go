// Package typing tracks the ephemeral per-conversation typing flag.
// Presence of a leaf means "currently typing"; the leaf is deleted
// outright when typing stops, so stale flags never accumulate as
// false booleans.
package typing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/etutoring-realtime/sanitize"
	"github.com/example/etutoring-realtime/store"
)

// State is one user's typing flag within a conversation.
type State struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// Channel operates on the typing bucket.
type Channel struct {
	kv store.Bucket
}

// New builds a Channel over the typing bucket.
func New(kv store.Bucket) *Channel {
	return &Channel{kv: kv}
}

// SetTyping writes the user's leaf when typing and deletes it when
// not. Clearing an already-absent leaf is a no-op.
func (c *Channel) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := store.Join(conversationID, userID)
	if !isTyping {
		if err := c.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return err
		}
		return nil
	}
	rec := sanitize.Clean(map[string]any{
		"user_id":   userID,
		"timestamp": time.Now().UnixMilli(),
	})
	return store.PutRecord(c.kv, key, rec)
}

// Subscribe delivers the raw map of currently-typing users keyed by
// user id. Staleness handling is the caller's responsibility: a flag
// left behind by a crashed client persists until overwritten or
// cleared.
func (c *Channel) Subscribe(conversationID string, onChange func(map[string]State)) (store.Unsubscribe, error) {
	return store.Observe(c.kv, conversationID+".>", func(snap map[string][]byte) {
		store.Deliver("typing."+conversationID, func() {
			onChange(decodeMap(snap))
		})
	})
}

func decodeMap(snap map[string][]byte) map[string]State {
	out := make(map[string]State, len(snap))
	for key, raw := range snap {
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		uid := store.LastSegment(key)
		if st.UserID == "" {
			st.UserID = uid
		}
		out[uid] = st
	}
	return out
}
