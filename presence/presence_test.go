package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/etutoring-realtime/internal/kvtest"
	"github.com/example/etutoring-realtime/store"
)

func newTracker() (*Tracker, *kvtest.KV, *kvtest.KV) {
	status := kvtest.New("PRESENCE")
	lease := kvtest.New("PRESENCE_LEASE")
	return NewTracker(status, lease, time.Second), status, lease
}

func waitRecord(t *testing.T, ch chan *Record) *Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence record")
		return nil
	}
}

func TestPublishOnlineWritesRecordAndLease(t *testing.T) {
	tr, status, lease := newTracker()

	teardown, err := tr.PublishOnline(context.Background(), "u1", map[string]any{
		"name":   "Alice",
		"avatar": nil,
	})
	require.NoError(t, err)
	defer teardown()

	rec, _, err := store.GetRecord(status, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec["user_id"])
	assert.Equal(t, StatusOnline, rec["status"])
	assert.NotZero(t, rec["last_active"])
	assert.Equal(t, "Alice", rec["name"])
	// Nil profile fields never reach the wire.
	_, hasAvatar := rec["avatar"]
	assert.False(t, hasAvatar)

	keys, err := lease.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "u1.")
}

func TestTeardownReleasesLeaseAndGoesOffline(t *testing.T) {
	tr, status, lease := newTracker()

	teardown, err := tr.PublishOnline(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.NoError(t, teardown())

	_, err = lease.Keys()
	assert.Error(t, err) // no keys left

	rec, _, err := store.GetRecord(status, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, rec["status"])
}

func TestTeardownKeepsProfileFields(t *testing.T) {
	tr, status, _ := newTracker()

	teardown, err := tr.PublishOnline(context.Background(), "u1", map[string]any{
		"name":   "Alice",
		"avatar": "a.png",
	})
	require.NoError(t, err)
	require.NoError(t, teardown())

	// Both offline paths, graceful teardown and the expired-lease
	// fallback, must leave the same record shape.
	rec, _, err := store.GetRecord(status, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, rec["status"])
	assert.Equal(t, "u1", rec["user_id"])
	assert.Equal(t, "Alice", rec["name"])
	assert.Equal(t, "a.png", rec["avatar"])
}

func TestTeardownWritesOfflineWhenRecordPurged(t *testing.T) {
	tr, status, _ := newTracker()

	teardown, err := tr.PublishOnline(context.Background(), "u1", nil)
	require.NoError(t, err)

	// An operator purge between publish and teardown must not make
	// the graceful offline write fail.
	require.NoError(t, status.Delete("u1"))
	require.NoError(t, teardown())

	rec, _, err := store.GetRecord(status, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, rec["status"])
	assert.Equal(t, "u1", rec["user_id"])
}

func TestTwoSessionsHoldIndependentLeases(t *testing.T) {
	tr, _, lease := newTracker()
	ctx := context.Background()

	down1, err := tr.PublishOnline(ctx, "u1", nil)
	require.NoError(t, err)
	down2, err := tr.PublishOnline(ctx, "u1", nil)
	require.NoError(t, err)

	keys, err := lease.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, down1())
	keys, err = lease.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, down2())
}

func TestSubscribeSeparatesProfileFromReservedFields(t *testing.T) {
	tr, _, _ := newTracker()
	ctx := context.Background()

	ch := make(chan *Record, 16)
	unsub, err := tr.Subscribe("u1", func(rec *Record) { ch <- rec })
	require.NoError(t, err)
	defer unsub()

	// Absent record.
	assert.Nil(t, waitRecord(t, ch))

	teardown, err := tr.PublishOnline(ctx, "u1", map[string]any{"name": "Alice"})
	require.NoError(t, err)

	rec := waitRecord(t, ch)
	require.NotNil(t, rec)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.NotZero(t, rec.LastActive)
	assert.Equal(t, "Alice", rec.Profile["name"])
	_, reserved := rec.Profile["status"]
	assert.False(t, reserved)

	require.NoError(t, teardown())
	rec = waitRecord(t, ch)
	require.NotNil(t, rec)
	assert.Equal(t, StatusOffline, rec.Status)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	tr, _, _ := newTracker()
	ctx := context.Background()

	unsubBad, err := tr.Subscribe("u1", func(*Record) { panic("bad subscriber") })
	require.NoError(t, err)
	defer unsubBad()

	ch := make(chan *Record, 16)
	unsub, err := tr.Subscribe("u1", func(rec *Record) { ch <- rec })
	require.NoError(t, err)
	defer unsub()

	waitRecord(t, ch)
	teardown, err := tr.PublishOnline(ctx, "u1", nil)
	require.NoError(t, err)
	defer teardown()

	rec := waitRecord(t, ch)
	require.NotNil(t, rec)
	assert.Equal(t, StatusOnline, rec.Status)
}
