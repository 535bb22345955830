package store

import (
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Unsubscribe cancels a subscription. Safe to call more than once.
// Callers must invoke it on teardown or the watcher leaks.
type Unsubscribe func()

// ReadPrefix takes a one-shot snapshot of every record under pattern.
// A watcher's initial values are consumed up to the nil marker and the
// watcher is stopped; this is the only snapshot primitive KV offers.
func ReadPrefix(b Bucket, pattern string) (map[string][]byte, error) {
	watcher, err := b.Watch(pattern, nats.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	snap := make(map[string][]byte)
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		snap[entry.Key()] = entry.Value()
	}
	return snap, nil
}

// Observe watches every path under pattern and invokes onSnapshot with
// the full current state: once after hydration, then again on every
// change. The callback gets a fresh copy each time and runs on the
// watcher goroutine.
func Observe(b Bucket, pattern string, onSnapshot func(map[string][]byte)) (Unsubscribe, error) {
	watcher, err := b.Watch(pattern)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		state := make(map[string][]byte)
		hydrated := false
		for {
			select {
			case <-done:
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// Hydration complete; deliver the initial snapshot.
					hydrated = true
					onSnapshot(cloneState(state))
					continue
				}
				switch entry.Operation() {
				case nats.KeyValuePut:
					state[entry.Key()] = entry.Value()
				case nats.KeyValueDelete, nats.KeyValuePurge:
					delete(state, entry.Key())
				}
				if hydrated {
					onSnapshot(cloneState(state))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			watcher.Stop()
		})
	}, nil
}

func cloneState(state map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// Deliver runs a subscriber callback, absorbing panics so one bad
// subscriber cannot take down delivery to the others or the watcher
// loop itself.
func Deliver(label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Subscriber callback panicked", "subscription", label, "panic", r)
		}
	}()
	fn()
}
