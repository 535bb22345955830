// Package bridge exchanges an application-issued credential for a live
// realtime-store session and owns the buckets every other component
// attaches to. One session per Bridge; the package-level Default
// bridge covers the common one-session-per-process case.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when a handle is requested before a
// successful Connect.
var ErrNotConnected = errors.New("bridge: not connected")

// ErrCredentialExpired is returned without dialing when the supplied
// token is a JWT that is already past its expiry.
var ErrCredentialExpired = errors.New("bridge: credential expired")

// LeaseTTL is the TTL on the presence lease bucket. A session that
// stops refreshing its lease is declared gone after this long.
const LeaseTTL = 45 * time.Second

// Credential carries the short-lived token minted by the auth service.
// The bridge never validates or mints tokens; it only hands the token
// to the store.
type Credential struct {
	Token string
	URL   string
	Name  string // connection name, for server-side observability
}

// Bridge owns at most one live session. The zero value is ready.
type Bridge struct {
	mu     sync.Mutex
	handle *Handle
}

// Default is the process-wide bridge used by the package-level funcs.
var Default Bridge

// Connect establishes the session, creating the KV buckets on first
// use. Idempotent: while a session is live, further calls return the
// existing handle without re-authenticating.
func (b *Bridge) Connect(ctx context.Context, cred Credential) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil {
		return b.handle, nil
	}
	if err := checkExpiry(cred.Token); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := cred.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cred.Name
	if name == "" {
		name = "etutoring-realtime"
	}

	nc, err := nats.Connect(url,
		nats.Token(cred.Token),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Realtime store disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Realtime store reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}

	h, err := newHandle(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.handle = h
	return h, nil
}

// Handle returns the live handle, or ErrNotConnected.
func (b *Bridge) Handle() (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		return nil, ErrNotConnected
	}
	return b.handle, nil
}

// Disconnect drains the session and clears the idempotency cache.
// No-op when already disconnected.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		return
	}
	if err := b.handle.nc.Drain(); err != nil {
		b.handle.nc.Close()
	}
	b.handle = nil
}

// Connect connects the Default bridge.
func Connect(ctx context.Context, cred Credential) (*Handle, error) {
	return Default.Connect(ctx, cred)
}

// GetHandle returns the Default bridge's handle.
func GetHandle() (*Handle, error) { return Default.Handle() }

// Disconnect tears down the Default bridge's session.
func Disconnect() { Default.Disconnect() }

// checkExpiry fails fast on an already-expired JWT. Opaque tokens are
// passed through untouched; expiry is then the store's call.
func checkExpiry(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("%w: expired at %s", ErrCredentialExpired, exp.Format(time.RFC3339))
	}
	return nil
}
