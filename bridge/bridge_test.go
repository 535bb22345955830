package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestConnectRejectsExpiredJWTWithoutDialing(t *testing.T) {
	var b Bridge
	_, err := b.Connect(context.Background(), Credential{
		Token: signedToken(t, time.Now().Add(-time.Hour)),
		URL:   "nats://127.0.0.1:1", // must never be dialed
	})
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestCheckExpiryAcceptsFreshJWT(t *testing.T) {
	assert.NoError(t, checkExpiry(signedToken(t, time.Now().Add(time.Hour))))
}

func TestCheckExpiryPassesOpaqueTokens(t *testing.T) {
	// Not a JWT at all; expiry is the store's call then.
	assert.NoError(t, checkExpiry("s3cr3t-opaque-token"))
	assert.NoError(t, checkExpiry(""))
}

func TestCheckExpiryPassesJWTWithoutExp(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	assert.NoError(t, checkExpiry(s))
}

func TestHandleBeforeConnect(t *testing.T) {
	var b Bridge
	_, err := b.Handle()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectWithoutSessionIsNoop(t *testing.T) {
	var b Bridge
	b.Disconnect()
	_, err := b.Handle()
	assert.ErrorIs(t, err, ErrNotConnected)
}
