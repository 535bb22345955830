package typing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/etutoring-realtime/internal/kvtest"
)

func wait(t *testing.T, ch chan map[string]State) map[string]State {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing state")
		return nil
	}
}

func TestSetTypingWritesAndClearsLeaf(t *testing.T) {
	kv := kvtest.New("TYPING")
	c := New(kv)
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", true))
	entry, err := kv.Get("c1.u1")
	require.NoError(t, err)
	assert.Contains(t, string(entry.Value()), `"user_id":"u1"`)

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", false))
	_, err = kv.Get("c1.u1")
	assert.Error(t, err)
}

func TestClearingAbsentLeafIsNoop(t *testing.T) {
	kv := kvtest.New("TYPING")
	c := New(kv)
	require.NoError(t, c.SetTyping(context.Background(), "c1", "ghost", false))
}

func TestSubscribeTracksTypingSet(t *testing.T) {
	kv := kvtest.New("TYPING")
	c := New(kv)
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", true))
	// Other conversations stay out of scope.
	require.NoError(t, c.SetTyping(ctx, "c2", "u9", true))

	ch := make(chan map[string]State, 16)
	unsub, err := c.Subscribe("c1", func(m map[string]State) { ch <- m })
	require.NoError(t, err)
	defer unsub()

	m := wait(t, ch)
	require.Len(t, m, 1)
	assert.Equal(t, "u1", m["u1"].UserID)
	assert.NotZero(t, m["u1"].Timestamp)

	require.NoError(t, c.SetTyping(ctx, "c1", "u2", true))
	m = wait(t, ch)
	assert.Len(t, m, 2)

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", false))
	m = wait(t, ch)
	require.Len(t, m, 1)
	_, stillTyping := m["u1"]
	assert.False(t, stillTyping)
}

func TestDecodeMapFallsBackToKeySegment(t *testing.T) {
	kv := kvtest.New("TYPING")
	kv.Put("c1.u1", []byte(`{"timestamp":5}`))

	c := New(kv)
	ch := make(chan map[string]State, 16)
	unsub, err := c.Subscribe("c1", func(m map[string]State) { ch <- m })
	require.NoError(t, err)
	defer unsub()

	m := wait(t, ch)
	assert.Equal(t, "u1", m["u1"].UserID)
}
