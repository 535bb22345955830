// Package messages is the per-conversation ordered message stream:
// append, edit, soft-delete and bulk read-marking over the messages
// bucket. Keys are {conversation}.{pushid}, so listing a conversation
// prefix by key yields creation order.
package messages

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/example/etutoring-realtime/internal/pushid"
	"github.com/example/etutoring-realtime/sanitize"
	"github.com/example/etutoring-realtime/store"
)

// Sender describes the authoring participant, denormalized into each
// message so the stream renders without a user lookup.
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Attachment describes an optional file carried by a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is one entry of a conversation's stream. Content and
// Attachment are cleared for good once the message is soft-deleted.
type Message struct {
	ID         string      `json:"id,omitempty"`
	Sender     *Sender     `json:"sender,omitempty"`
	Content    *string     `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	IsEdited   bool        `json:"is_edited"`
	EditedAt   int64       `json:"edited_at,omitempty"`
	IsDeleted  bool        `json:"is_deleted"`
	DeletedAt  int64       `json:"deleted_at,omitempty"`
	IsRead     bool        `json:"is_read"`
	ReadAt     int64       `json:"read_at,omitempty"`
}

// Channel operates on the messages bucket.
type Channel struct {
	kv  store.Bucket
	ids pushid.Generator
}

// New builds a Channel over the messages bucket.
func New(kv store.Bucket) *Channel {
	return &Channel{kv: kv}
}

// Send appends msg to the conversation and returns its new id. The
// payload is sanitized, including the nested sender and attachment
// descriptors, and stamped with the id and a creation timestamp.
func (c *Channel) Send(ctx context.Context, conversationID string, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rec, err := sanitize.Record(msg)
	if err != nil {
		return "", err
	}
	id := c.ids.Next()
	rec["id"] = id
	rec["created_at"] = time.Now().UnixMilli()
	rec["is_read"] = false
	rec["is_edited"] = false
	rec["is_deleted"] = false

	if err := store.PutRecord(c.kv, store.Join(conversationID, id), rec); err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe delivers the full ordered message list on every mutation
// anywhere in the conversation's subtree. Soft-deleted messages stay
// in the list; entries that fail to decode are skipped.
func (c *Channel) Subscribe(conversationID string, onChange func([]Message)) (store.Unsubscribe, error) {
	pattern := conversationID + ".>"
	return store.Observe(c.kv, pattern, func(snap map[string][]byte) {
		store.Deliver("messages."+conversationID, func() {
			onChange(decodeList(snap))
		})
	})
}

func decodeList(snap map[string][]byte) []Message {
	list := make([]Message, 0, len(snap))
	for key, raw := range snap {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("Dropping malformed message", "key", key, "error", err)
			continue
		}
		msg.ID = store.LastSegment(key)
		list = append(list, msg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// MarkRead reads the conversation once and flips is_read on every
// message the reader did not send, one CAS write per flipped message.
// The snapshot only selects candidates; each flip re-reads the current
// record, so a concurrent edit or soft delete on the same message is
// never overwritten with stale fields. A message arriving between the
// read and the flips is not included; this is at-most-once-per-call,
// not continuous convergence.
func (c *Channel) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := store.ReadPrefix(c.kv, conversationID+".>")
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
		if senderID(rec) == readerID {
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
		if senderID(rec) == readerID {
			return nil
		}
		rec["is_read"] = true
		rec["read_at"] = now
		return rec
	})
}

func senderID(rec map[string]any) string {
	sender, _ := rec["sender"].(map[string]any)
	id, _ := sender["id"].(string)
	return id
}

// Edit merges patch into the message and forces the edited flag and a
// fresh edit timestamp. The flag cannot be unset through a patch.
func (c *Channel) Edit(ctx context.Context, conversationID, messageID string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean := sanitize.Clean(patch)
	return store.Mutate(c.kv, store.Join(conversationID, messageID), func(rec map[string]any) map[string]any {
		for k, v := range clean {
			rec[k] = v
		}
		rec["is_edited"] = true
		rec["edited_at"] = time.Now().UnixMilli()
		return rec
	})
}

// SoftDelete clears content and attachment and marks the message
// deleted, keeping the record so ordering and ids stay stable for any
// holder of a reference. Idempotent: a second call leaves the original
// deletion timestamp in place.
func (c *Channel) SoftDelete(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.Mutate(c.kv, store.Join(conversationID, messageID), func(rec map[string]any) map[string]any {
		if deleted, _ := rec["is_deleted"].(bool); deleted {
			return nil
		}
		rec["content"] = nil
		rec["attachment"] = nil
		rec["is_deleted"] = true
		rec["deleted_at"] = time.Now().UnixMilli()
		return rec
	})
}
