// presenced is the infrastructure half of the presence disconnect
// fallback. Clients keep a TTL lease alive next to their presence
// record; when a client dies without a graceful offline write, the
// lease expires and presenced flips the record to offline on the
// client's behalf. CAS on the record revision keeps the flip
// idempotent across instances and repeated expiry events.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/etutoring-realtime/bridge"
	"github.com/example/etutoring-realtime/internal/otelhelper"
	"github.com/example/etutoring-realtime/presence"
	"github.com/example/etutoring-realtime/store"
)

// leaseTracker is a thread-safe in-memory mirror of the lease bucket.
type leaseTracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]bool // userId -> set of session ids
}

func newLeaseTracker() *leaseTracker {
	return &leaseTracker{sessions: make(map[string]map[string]bool)}
}

func (lt *leaseTracker) add(userID, sessionID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.sessions[userID] == nil {
		lt.sessions[userID] = make(map[string]bool)
	}
	lt.sessions[userID][sessionID] = true
}

// remove reports whether this was the user's last live session.
func (lt *leaseTracker) remove(userID, sessionID string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if sessions, ok := lt.sessions[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(lt.sessions, userID)
			return true
		}
	}
	return false
}

func (lt *leaseTracker) reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.sessions = make(map[string]map[string]bool)
}

// flipOffline overwrites the user's presence record to offline,
// preserving the denormalized profile fields. CAS on the revision
// deduplicates across instances: only the winner logs the flip.
func flipOffline(statusKV store.Bucket, userID string, flips metric.Int64Counter) {
	entry, err := statusKV.Get(userID)
	if err != nil {
		// Never published, or purged; nothing to flip.
		return
	}

	var rec map[string]any
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		rec = map[string]any{"user_id": userID}
	}
	if status, _ := rec["status"].(string); status == presence.StatusOffline {
		return
	}

	rec["status"] = presence.StatusOffline
	rec["last_active"] = time.Now().UnixMilli()
	data, _ := json.Marshal(rec)

	if _, err := statusKV.Update(userID, data, entry.Revision()); err != nil {
		slog.Debug("Offline flip lost CAS race", "user", userID)
		return
	}
	flips.Add(context.Background(), 1, metric.WithAttributes(attribute.String("user", userID)))
	slog.Info("Flipped abandoned presence record offline", "user", userID)
}

// watchLeases mirrors the lease bucket and reacts to expirations. The
// initial pass up to the nil marker hydrates the tracker; after that,
// a delete or purge of a user's last lease triggers the offline flip.
func watchLeases(ctx context.Context, leaseKV, statusKV store.Bucket, lt *leaseTracker, expirations, flips metric.Int64Counter) {
	watcher, err := leaseKV.WatchAll()
	if err != nil {
		slog.Error("Failed to watch lease bucket", "error", err)
		return
	}
	defer watcher.Stop()

	hydrated := false
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				hydrated = true
				slog.Info("Lease watcher hydrated")
				continue
			}

			parts := strings.SplitN(entry.Key(), ".", 2)
			if len(parts) != 2 {
				continue
			}
			userID, sessionID := parts[0], parts[1]

			switch entry.Operation() {
			case nats.KeyValuePut:
				lt.add(userID, sessionID)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				wasLast := lt.remove(userID, sessionID)
				if !hydrated {
					continue
				}
				expirations.Add(ctx, 1, metric.WithAttributes(attribute.String("user", userID)))
				if wasLast {
					slog.Info("Last lease gone", "user", userID, "session", sessionID)
					flipOffline(statusKV, userID, flips)
				} else {
					slog.Debug("Lease gone, user has other sessions", "user", userID, "session", sessionID)
				}
			}
		}
	}
}

func createBuckets(js nats.JetStreamContext) error {
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bridge.PresenceBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bridge.PresenceLeaseBucket,
		History: 1,
		TTL:     bridge.LeaseTTL,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("presenced")
	expirations, _ := meter.Int64Counter("presence_lease_expirations_total",
		metric.WithDescription("Total lease expirations observed"))
	flips, _ := meter.Int64Counter("presence_offline_flips_total",
		metric.WithDescription("Total presence records flipped offline by the fallback"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "presenced")
	natsPass := envOrDefault("NATS_PASS", "presenced-secret")

	slog.Info("Starting presenced", "nats_url", natsURL)

	lt := newLeaseTracker()

	var watcherMu sync.Mutex
	var watcherCancel context.CancelFunc

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("presenced"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected, rebinding buckets and restarting lease watcher")

				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				if err := createBuckets(js); err != nil {
					slog.Error("Failed to recreate buckets after reconnect", "error", err)
					return
				}

				lt.reset()
				statusKV, _ := js.KeyValue(bridge.PresenceBucket)
				leaseKV, _ := js.KeyValue(bridge.PresenceLeaseBucket)

				watcherMu.Lock()
				if watcherCancel != nil {
					watcherCancel()
				}
				newCtx, newCancel := context.WithCancel(context.Background())
				watcherCancel = newCancel
				watcherMu.Unlock()
				go watchLeases(newCtx, leaseKV, statusKV, lt, expirations, flips)
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := createBuckets(js); err != nil {
		slog.Error("Failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	slog.Info("KV buckets ready", "buckets", bridge.PresenceBucket+", "+bridge.PresenceLeaseBucket)

	statusKV, _ := js.KeyValue(bridge.PresenceBucket)
	leaseKV, _ := js.KeyValue(bridge.PresenceLeaseBucket)

	watcherMu.Lock()
	initialCtx, initialCancel := context.WithCancel(ctx)
	watcherCancel = initialCancel
	watcherMu.Unlock()
	go watchLeases(initialCtx, leaseKV, statusKV, lt, expirations, flips)

	slog.Info("presenced ready, watching lease expirations")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presenced")
	watcherMu.Lock()
	if watcherCancel != nil {
		watcherCancel()
	}
	watcherMu.Unlock()
	nc.Drain()
}
