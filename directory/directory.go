// Package directory derives the per-user conversation list from the
// shared global conversation set. The store has no server-side query
// by participant, so the full set arrives on every change and the
// per-user view is entirely a client-side filtering job.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/example/etutoring-realtime/sanitize"
	"github.com/example/etutoring-realtime/store"
)

// Participant identifies one side of a conversation.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Conversation is one entry of the global set. Exactly two
// participants; visible to a user iff their id matches one of them.
type Conversation struct {
	ID            string         `json:"-"`
	Participants  [2]Participant `json:"participants"`
	CreatedAt     int64          `json:"created_at"`
	LastMessage   string         `json:"last_message"`
	LastMessageAt int64          `json:"last_message_at"`
}

// ErrIncomplete is returned by Replace when the record is missing a
// participant identity. Replace overwrites the whole record, so a
// partial one would silently erase sibling fields.
var ErrIncomplete = errors.New("directory: conversation record incomplete")

// Directory filters and writes against the global conversation set.
type Directory struct {
	kv store.Bucket
}

// New builds a Directory over the conversations bucket.
func New(kv store.Bucket) *Directory {
	return &Directory{kv: kv}
}

// SubscribeAll attaches one listener on the global set and delivers
// the filtered, validated list for userID on every change. Snapshots
// are adversarial: any field may be absent, so every optional field is
// defaulted rather than dereferenced. Processing failures and missing
// data both yield an empty list, never an error.
func (d *Directory) SubscribeAll(userID string, onChange func([]Conversation)) (store.Unsubscribe, error) {
	return store.Observe(d.kv, ">", func(snap map[string][]byte) {
		store.Deliver("directory."+userID, func() {
			onChange(filter(userID, snap))
		})
	})
}

func filter(userID string, snap map[string][]byte) []Conversation {
	list := make([]Conversation, 0, len(snap))
	for id, raw := range snap {
		conv, ok := decode(id, raw)
		if !ok {
			continue
		}
		if conv.Participants[0].ID != userID && conv.Participants[1].ID != userID {
			continue
		}
		list = append(list, conv)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].LastMessageAt != list[j].LastMessageAt {
			return list[i].LastMessageAt > list[j].LastMessageAt
		}
		return list[i].ID > list[j].ID
	})
	return list
}

// decode validates one raw entry: nil bodies and entries missing
// either participant id are dropped; everything else defaults to the
// zero value instead of propagating absence.
func decode(id string, raw []byte) (Conversation, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return Conversation{}, false
	}
	var wire struct {
		Participants  []Participant `json:"participants"`
		CreatedAt     int64         `json:"created_at"`
		LastMessage   string        `json:"last_message"`
		LastMessageAt int64         `json:"last_message_at"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		slog.Debug("Dropping malformed conversation", "conversation", id, "error", err)
		return Conversation{}, false
	}
	if len(wire.Participants) != 2 || wire.Participants[0].ID == "" || wire.Participants[1].ID == "" {
		return Conversation{}, false
	}
	return Conversation{
		ID:            id,
		Participants:  [2]Participant{wire.Participants[0], wire.Participants[1]},
		CreatedAt:     wire.CreatedAt,
		LastMessage:   wire.LastMessage,
		LastMessageAt: wire.LastMessageAt,
	}, true
}

// Update merges patch into the conversation record. This is the write
// mode for incremental changes (last message preview, timestamps).
func (d *Directory) Update(ctx context.Context, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.Merge(d.kv, id, sanitize.Clean(patch))
}

// Replace overwrites the entire record. It only accepts a full typed
// Conversation: passing a partial record to a blind overwrite erases
// sibling fields, so partial records are rejected up front.
func (d *Directory) Replace(ctx context.Context, id string, conv Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conv.Participants[0].ID == "" || conv.Participants[1].ID == "" {
		return ErrIncomplete
	}
	rec, err := sanitize.Record(conv)
	if err != nil {
		return err
	}
	return store.PutRecord(d.kv, id, rec)
}
