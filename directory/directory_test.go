package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/etutoring-realtime/internal/kvtest"
	"github.com/example/etutoring-realtime/store"
)

func conv(a, b string, lastAt int64) Conversation {
	return Conversation{
		Participants: [2]Participant{
			{ID: a, Name: "A"},
			{ID: b, Name: "B"},
		},
		CreatedAt:     1,
		LastMessage:   "hey",
		LastMessageAt: lastAt,
	}
}

func collect(t *testing.T) (func([]Conversation), func() []Conversation) {
	t.Helper()
	ch := make(chan []Conversation, 16)
	deliver := func(list []Conversation) { ch <- list }
	next := func() []Conversation {
		select {
		case list := <-ch:
			return list
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for conversation list")
			return nil
		}
	}
	return deliver, next
}

func TestSubscribeAllFiltersByParticipant(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)
	ctx := context.Background()

	require.NoError(t, d.Replace(ctx, "c1", conv("u1", "u2", 10)))
	require.NoError(t, d.Replace(ctx, "c2", conv("u2", "u3", 20)))
	require.NoError(t, d.Replace(ctx, "c3", conv("u3", "u1", 30)))

	deliver, next := collect(t)
	unsub, err := d.SubscribeAll("u1", deliver)
	require.NoError(t, err)
	defer unsub()

	list := next()
	require.Len(t, list, 2)
	// Sorted by last activity, newest first.
	assert.Equal(t, "c3", list[0].ID)
	assert.Equal(t, "c1", list[1].ID)
}

func TestSubscribeAllEmptySnapshot(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)

	deliver, next := collect(t)
	unsub, err := d.SubscribeAll("u1", deliver)
	require.NoError(t, err)
	defer unsub()

	list := next()
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSubscribeAllDropsMalformedEntries(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)

	// Null body, garbage, missing participant ids, one good record.
	kv.Put("null-body", []byte("null"))
	kv.Put("garbage", []byte("{not json"))
	kv.Put("one-sided", []byte(`{"participants":[{"id":"u1","name":"A"}],"created_at":1}`))
	kv.Put("anonymous", []byte(`{"participants":[{"id":"u1"},{"name":"no id"}],"created_at":1}`))
	kv.Put("good", []byte(`{"participants":[{"id":"u1"},{"id":"u2"}]}`))

	deliver, next := collect(t)
	unsub, err := d.SubscribeAll("u1", deliver)
	require.NoError(t, err)
	defer unsub()

	list := next()
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
	// Absent optional fields default instead of propagating.
	assert.Zero(t, list[0].CreatedAt)
	assert.Equal(t, "", list[0].LastMessage)
}

func TestSubscribeAllRecomputesOnChange(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)
	ctx := context.Background()

	deliver, next := collect(t)
	unsub, err := d.SubscribeAll("u1", deliver)
	require.NoError(t, err)
	defer unsub()

	assert.Empty(t, next())

	require.NoError(t, d.Replace(ctx, "c1", conv("u1", "u2", 5)))
	list := next()
	require.Len(t, list, 1)
	assert.Equal(t, "hey", list[0].LastMessage)

	require.NoError(t, d.Update(ctx, "c1", map[string]any{"last_message": "newer", "last_message_at": 6}))
	list = next()
	require.Len(t, list, 1)
	assert.Equal(t, "newer", list[0].LastMessage)
}

func TestUpdateMergesWithoutErasingSiblings(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)
	ctx := context.Background()

	require.NoError(t, d.Replace(ctx, "c1", conv("u1", "u2", 5)))
	require.NoError(t, d.Update(ctx, "c1", map[string]any{"last_message": "patched"}))

	rec, _, err := store.GetRecord(kv, "c1")
	require.NoError(t, err)
	assert.Equal(t, "patched", rec["last_message"])
	// Participants survive the merge.
	assert.Len(t, rec["participants"], 2)
}

func TestReplaceRejectsPartialRecord(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)

	err := d.Replace(context.Background(), "c1", Conversation{
		Participants: [2]Participant{{ID: "u1"}, {}},
	})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	kv := kvtest.New("CONVERSATIONS")
	d := New(kv)
	ctx := context.Background()

	deliver, next := collect(t)
	unsubBad, err := d.SubscribeAll("u1", func([]Conversation) { panic("broken subscriber") })
	require.NoError(t, err)
	defer unsubBad()

	unsub, err := d.SubscribeAll("u1", deliver)
	require.NoError(t, err)
	defer unsub()

	next()
	require.NoError(t, d.Replace(ctx, "c1", conv("u1", "u2", 5)))
	assert.Len(t, next(), 1)
}
