// Package kvtest provides an in-memory stand-in for a JetStream KV
// bucket, covering the store.Bucket subset plus the watcher protocol
// (initial values, nil marker, live updates).
package kvtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// KV is a fake bucket. The zero value is not usable; create with New.
type KV struct {
	mu       sync.Mutex
	name     string
	revision uint64
	data     map[string]*entry
	watchers []*watcher
}

// New returns an empty fake bucket with the given name.
func New(name string) *KV {
	return &KV{name: name, data: make(map[string]*entry)}
}

type entry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
	created  time.Time
	op       nats.KeyValueOp
}

func (e *entry) Bucket() string             { return e.bucket }
func (e *entry) Key() string                { return e.key }
func (e *entry) Value() []byte              { return e.value }
func (e *entry) Revision() uint64           { return e.revision }
func (e *entry) Created() time.Time         { return e.created }
func (e *entry) Delta() uint64              { return 0 }
func (e *entry) Operation() nats.KeyValueOp { return e.op }

type watcher struct {
	pattern string
	updates chan nats.KeyValueEntry
	stopped chan struct{}
	once    sync.Once
}

var (
	_ nats.KeyValueEntry = (*entry)(nil)
	_ nats.KeyWatcher    = (*watcher)(nil)
)

func (w *watcher) Updates() <-chan nats.KeyValueEntry { return w.updates }

func (w *watcher) Context() context.Context { return context.Background() }

func (w *watcher) Stop() error {
	w.once.Do(func() { close(w.stopped) })
	return nil
}

func (w *watcher) deliver(e nats.KeyValueEntry) {
	select {
	case <-w.stopped:
	case w.updates <- e:
	}
}

func matches(pattern, key string) bool {
	if pattern == ">" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".>"); ok {
		return strings.HasPrefix(key, prefix+".")
	}
	return pattern == key
}

// Bucket returns the bucket name.
func (kv *KV) Bucket() string { return kv.name }

// Get returns the live entry at key, or nats.ErrKeyNotFound.
func (kv *KV) Get(key string) (nats.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.data[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return e, nil
}

// Put stores value at key and fans the update out to watchers.
func (kv *KV) Put(key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	kv.revision++
	e := &entry{
		bucket:   kv.name,
		key:      key,
		value:    append([]byte(nil), value...),
		revision: kv.revision,
		created:  time.Now(),
		op:       nats.KeyValuePut,
	}
	kv.data[key] = e
	targets := kv.watchersFor(key)
	kv.mu.Unlock()

	for _, w := range targets {
		w.deliver(e)
	}
	return e.revision, nil
}

// Update is Put guarded by a revision check (CAS).
func (kv *KV) Update(key string, value []byte, last uint64) (uint64, error) {
	kv.mu.Lock()
	cur, ok := kv.data[key]
	if !ok || cur.revision != last {
		kv.mu.Unlock()
		return 0, fmt.Errorf("nats: wrong last sequence: key %q", key)
	}
	kv.mu.Unlock()
	return kv.Put(key, value)
}

// Delete removes key and notifies watchers with a delete marker.
func (kv *KV) Delete(key string, _ ...nats.DeleteOpt) error {
	kv.mu.Lock()
	if _, ok := kv.data[key]; !ok {
		kv.mu.Unlock()
		return nats.ErrKeyNotFound
	}
	delete(kv.data, key)
	kv.revision++
	e := &entry{
		bucket:   kv.name,
		key:      key,
		revision: kv.revision,
		created:  time.Now(),
		op:       nats.KeyValueDelete,
	}
	targets := kv.watchersFor(key)
	kv.mu.Unlock()

	for _, w := range targets {
		w.deliver(e)
	}
	return nil
}

// Expire simulates a TTL expiry: the server purges the key without any
// client issuing a delete.
func (kv *KV) Expire(key string) {
	kv.mu.Lock()
	delete(kv.data, key)
	kv.revision++
	e := &entry{
		bucket:   kv.name,
		key:      key,
		revision: kv.revision,
		created:  time.Now(),
		op:       nats.KeyValuePurge,
	}
	targets := kv.watchersFor(key)
	kv.mu.Unlock()

	for _, w := range targets {
		w.deliver(e)
	}
}

// Keys lists live keys, or nats.ErrNoKeysFound for an empty bucket.
func (kv *KV) Keys(_ ...nats.WatchOpt) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if len(kv.data) == 0 {
		return nil, nats.ErrNoKeysFound
	}
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Watch streams current entries matching pattern, then a nil marker,
// then live updates. WatchOpts are accepted but not interpreted; the
// snapshot phase never contains deletes, which is all the core relies
// on from IgnoreDeletes.
func (kv *KV) Watch(pattern string, _ ...nats.WatchOpt) (nats.KeyWatcher, error) {
	w := &watcher{
		pattern: pattern,
		updates: make(chan nats.KeyValueEntry, 256),
		stopped: make(chan struct{}),
	}

	kv.mu.Lock()
	var initial []*entry
	for _, e := range kv.data {
		if matches(pattern, e.key) {
			initial = append(initial, e)
		}
	}
	kv.watchers = append(kv.watchers, w)
	kv.mu.Unlock()

	for _, e := range initial {
		w.deliver(e)
	}
	w.deliver(nil)
	return w, nil
}

// WatchAll is Watch over every key in the bucket.
func (kv *KV) WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error) {
	return kv.Watch(">", opts...)
}

func (kv *KV) watchersFor(key string) []*watcher {
	live := kv.watchers[:0]
	var targets []*watcher
	for _, w := range kv.watchers {
		select {
		case <-w.stopped:
			continue
		default:
		}
		live = append(live, w)
		if matches(w.pattern, key) {
			targets = append(targets, w)
		}
	}
	kv.watchers = live
	return targets
}
