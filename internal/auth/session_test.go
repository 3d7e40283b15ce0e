package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/logging"
)

func signToken(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Email: sub + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestLogin_VerifiedToken(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := NewManager(store, "s3cret", logging.Discard())

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s, err := m.Login(ctx, signToken(t, "s3cret", "user-1", exp))
	require.NoError(t, err)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "user-1@example.com", s.Email)
	assert.True(t, exp.Equal(s.ExpiresAt))

	uid, ok := m.CurrentUser(ctx)
	assert.True(t, ok)
	assert.Equal(t, "user-1", uid)

	// A fresh manager over the same store sees the persisted session.
	again := NewManager(store, "s3cret", logging.Discard())
	uid, ok = again.CurrentUser(ctx)
	assert.True(t, ok)
	assert.Equal(t, "user-1", uid)

	tok, err := again.AccessToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestLogin_RejectsBadSignature(t *testing.T) {
	m := NewManager(kv.NewMemoryStore(), "s3cret", logging.Discard())
	_, err := m.Login(context.Background(), signToken(t, "other", "user-1", time.Now().Add(time.Hour)))
	assert.Error(t, err)
	_, ok := m.CurrentUser(context.Background())
	assert.False(t, ok)
}

func TestLogin_Unverified(t *testing.T) {
	m := NewManager(kv.NewMemoryStore(), "", logging.Discard())
	s, err := m.Login(context.Background(), signToken(t, "anything", "user-2", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "user-2", s.UserID)
}

func TestLogin_ExpiredToken(t *testing.T) {
	for _, secret := range []string{"s3cret", ""} {
		m := NewManager(kv.NewMemoryStore(), secret, logging.Discard())
		_, err := m.Login(context.Background(), signToken(t, "s3cret", "user-1", time.Now().Add(-time.Minute)))
		assert.ErrorIs(t, err, ErrTokenExpired, "secret=%q", secret)
	}
}

func TestLogin_MissingSubject(t *testing.T) {
	m := NewManager(kv.NewMemoryStore(), "s3cret", logging.Discard())
	_, err := m.Login(context.Background(), signToken(t, "s3cret", "", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestCurrent_ExpiresWithClock(t *testing.T) {
	ctx := context.Background()
	m := NewManager(kv.NewMemoryStore(), "s3cret", logging.Discard())
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Login(ctx, signToken(t, "s3cret", "user-1", base.Add(time.Hour)))
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok := m.CurrentUser(ctx)
	assert.False(t, ok)
	_, err = m.AccessToken(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := NewManager(store, "", logging.Discard())
	_, err := m.Login(ctx, signToken(t, "x", "user-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx))
	_, ok := m.CurrentUser(ctx)
	assert.False(t, ok)
	_, found, err := store.Get(ctx, SessionKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCurrent_CorruptSession(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(ctx, SessionKey, "{not json"))
	m := NewManager(store, "", logging.Discard())
	_, ok := m.CurrentUser(ctx)
	assert.False(t, ok)
}
