// Package notifications is the per-user ordered notification feed
// with unread counting and read-marking. Keys are {owner}.{pushid};
// the canonical read order is created timestamp descending.
package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/etutoring-realtime/internal/pushid"
	"github.com/example/etutoring-realtime/sanitize"
	"github.com/example/etutoring-realtime/store"
)

// Ref points a notification at the entity it is about.
type Ref struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Notification is one entry of a user's feed. Created by arbitrary
// collaborators acting for the owner; mutated only to flip is_read or
// is_deleted.
type Notification struct {
	ID        string `json:"id,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Ref       *Ref   `json:"ref,omitempty"`
	IsRead    bool   `json:"is_read"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	IsDeleted bool   `json:"is_deleted,omitempty"`
	DeletedAt int64  `json:"deleted_at,omitempty"`
}

// Channel operates on the notifications bucket.
type Channel struct {
	kv  store.Bucket
	ids pushid.Generator
}

// New builds a Channel over the notifications bucket.
func New(kv store.Bucket) *Channel {
	return &Channel{kv: kv}
}

// Create writes n into ownerID's feed unread and returns the new id.
// The reference id is coerced to a canonical trimmed string; a ref
// without an id is dropped entirely rather than written half-empty.
func (c *Channel) Create(ctx context.Context, ownerID string, n Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if n.Ref != nil {
		n.Ref.ID = strings.TrimSpace(n.Ref.ID)
		if n.Ref.ID == "" {
			n.Ref = nil
		}
	}

	rec, err := sanitize.Record(n)
	if err != nil {
		return "", err
	}
	id := c.ids.Next()
	now := time.Now().UnixMilli()
	rec["id"] = id
	rec["is_read"] = false
	rec["created_at"] = now
	rec["updated_at"] = now

	if err := store.PutRecord(c.kv, store.Join(ownerID, id), rec); err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe delivers the owner's feed sorted by created timestamp
// descending on every change. Non-existent data yields an empty list.
func (c *Channel) Subscribe(ownerID string, onChange func([]Notification)) (store.Unsubscribe, error) {
	return store.Observe(c.kv, ownerID+".>", func(snap map[string][]byte) {
		store.Deliver("notifications."+ownerID, func() {
			onChange(decodeList(snap))
		})
	})
}

func decodeList(snap map[string][]byte) []Notification {
	list := make([]Notification, 0, len(snap))
	for key, raw := range snap {
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			slog.Debug("Dropping malformed notification", "key", key, "error", err)
			continue
		}
		n.ID = store.LastSegment(key)
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt > list[j].CreatedAt
		}
		return list[i].ID > list[j].ID
	})
	return list
}

// MarkRead flips is_read on one notification through a CAS
// read-modify-write, so a field written concurrently by another actor
// on the same record is not discarded by a blind merge.
func (c *Channel) MarkRead(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.Mutate(c.kv, store.Join(ownerID, id), func(rec map[string]any) map[string]any {
		rec["is_read"] = true
		rec["updated_at"] = time.Now().UnixMilli()
		return rec
	})
}

// SoftDelete marks one notification deleted without removing it from
// the feed.
func (c *Channel) SoftDelete(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.Mutate(c.kv, store.Join(ownerID, id), func(rec map[string]any) map[string]any {
		if deleted, _ := rec["is_deleted"].(bool); deleted {
			return nil
		}
		now := time.Now().UnixMilli()
		rec["is_deleted"] = true
		rec["deleted_at"] = now
		rec["updated_at"] = now
		return rec
	})
}

// MarkAllRead reads the feed once and flips exactly the unread subset,
// one CAS write per notification. Each flip re-reads the current
// record, so a concurrent soft delete or other mutation on the same
// record survives. Notifications created after the snapshot are
// untouched.
func (c *Channel) MarkAllRead(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := store.ReadPrefix(c.kv, ownerID+".>")
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(snap))
	for key, raw := range snap {
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if isRead, _ := rec["is_read"].(bool); isRead {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	return store.MultiMutate(c.kv, keys, func(_ string, rec map[string]any) map[string]any {
		if isRead, _ := rec["is_read"].(bool); isRead {
			return nil
		}
		rec["is_read"] = true
		rec["updated_at"] = now
		return rec
	})
}

// UnreadCount polls the current number of unread notifications.
func (c *Channel) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	snap, err := store.ReadPrefix(c.kv, ownerID+".>")
	if err != nil {
		return 0, err
	}
	return countUnread(snap), nil
}

// SubscribeUnreadCount recomputes the unread count on every change to
// the owner's feed and pushes it to onChange.
func (c *Channel) SubscribeUnreadCount(ownerID string, onChange func(int)) (store.Unsubscribe, error) {
	return store.Observe(c.kv, ownerID+".>", func(snap map[string][]byte) {
		store.Deliver("notifications.unread."+ownerID, func() {
			onChange(countUnread(snap))
		})
	})
}

func countUnread(snap map[string][]byte) int {
	count := 0
	for _, raw := range snap {
		var rec struct {
			IsRead bool `json:"is_read"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !rec.IsRead {
			count++
		}
	}
	return count
}
