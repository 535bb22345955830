package bridge

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Bucket names. Conversations, messages and notifications are durable;
// presence and typing are ephemeral and live in memory. The lease
// bucket carries the TTL that drives the disconnect fallback.
const (
	ConversationsBucket = "CONVERSATIONS"
	MessagesBucket      = "MESSAGES"
	PresenceBucket      = "PRESENCE"
	PresenceLeaseBucket = "PRESENCE_LEASE"
	TypingBucket        = "TYPING"
	NotificationsBucket = "NOTIFICATIONS"
)

// Handle is the live session every component attaches to.
type Handle struct {
	nc *nats.Conn
	js nats.JetStreamContext

	conversations nats.KeyValue
	messages      nats.KeyValue
	presence      nats.KeyValue
	presenceLease nats.KeyValue
	typing        nats.KeyValue
	notifications nats.KeyValue
}

func newHandle(nc *nats.Conn) (*Handle, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("bridge: jetstream: %w", err)
	}
	h := &Handle{nc: nc, js: js}
	if err := h.ensureBuckets(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) ensureBuckets() error {
	configs := []nats.KeyValueConfig{
		{Bucket: ConversationsBucket, History: 1, Storage: nats.FileStorage},
		{Bucket: MessagesBucket, History: 1, Storage: nats.FileStorage},
		{Bucket: NotificationsBucket, History: 1, Storage: nats.FileStorage},
		{Bucket: PresenceBucket, History: 1, Storage: nats.MemoryStorage},
		{Bucket: PresenceLeaseBucket, History: 1, TTL: LeaseTTL, Storage: nats.MemoryStorage},
		{Bucket: TypingBucket, History: 1, Storage: nats.MemoryStorage},
	}

	kvs := make(map[string]nats.KeyValue, len(configs))
	for _, cfg := range configs {
		kv, err := h.js.CreateKeyValue(&cfg)
		if err != nil {
			// Another client may have created it first.
			kv, err = h.js.KeyValue(cfg.Bucket)
			if err != nil {
				return fmt.Errorf("bridge: bucket %s: %w", cfg.Bucket, err)
			}
		}
		kvs[cfg.Bucket] = kv
	}

	h.conversations = kvs[ConversationsBucket]
	h.messages = kvs[MessagesBucket]
	h.presence = kvs[PresenceBucket]
	h.presenceLease = kvs[PresenceLeaseBucket]
	h.typing = kvs[TypingBucket]
	h.notifications = kvs[NotificationsBucket]
	return nil
}

// Conn exposes the raw connection for callers that need liveness info.
func (h *Handle) Conn() *nats.Conn { return h.nc }

// Conversations is the global conversation set shared by all clients.
func (h *Handle) Conversations() nats.KeyValue { return h.conversations }

// Messages holds every conversation's message subtree.
func (h *Handle) Messages() nats.KeyValue { return h.messages }

// Presence holds one record per user.
func (h *Handle) Presence() nats.KeyValue { return h.presence }

// PresenceLease holds per-session TTL leases backing the disconnect
// fallback.
func (h *Handle) PresenceLease() nats.KeyValue { return h.presenceLease }

// Typing holds ephemeral per-conversation typing flags.
func (h *Handle) Typing() nats.KeyValue { return h.typing }

// Notifications holds each user's notification feed.
func (h *Handle) Notifications() nats.KeyValue { return h.notifications }
