// Package auth tracks the signed-in user. The session is a JWT issued by the
// hosted backend; its sub claim is the owning-user id every remote call is
// scoped by.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/logging"
)

// SessionKey is where the session is persisted.
const SessionKey = "@BestBefore:session"

var (
	ErrNoSession    = errors.New("auth: not signed in")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrNoSubject    = errors.New("auth: token has no sub claim")
)

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Session struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email,omitempty"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Manager struct {
	store  kv.Store
	secret []byte
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *Session
	loaded bool
}

// NewManager verifies tokens with secret (HMAC). An empty secret accepts
// tokens unverified, reading only their claims.
func NewManager(store kv.Store, secret string, logger *logging.Logger) *Manager {
	return &Manager{
		store:  store,
		secret: []byte(secret),
		logger: logger.With("auth"),
		now:    time.Now,
	}
}

// ParseToken extracts the claims of token.
func (m *Manager) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	if len(m.secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		}, jwt.WithTimeFunc(m.now))
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		if err != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
		if claims.ExpiresAt != nil && !m.now().Before(claims.ExpiresAt.Time) {
			return nil, ErrTokenExpired
		}
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}

// Login validates token and persists it as the current session.
func (m *Manager) Login(ctx context.Context, token string) (Session, error) {
	claims, err := m.ParseToken(token)
	if err != nil {
		return Session{}, err
	}
	s := Session{UserID: claims.Subject, Email: claims.Email, AccessToken: token}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, SessionKey, string(data)); err != nil {
		return Session{}, fmt.Errorf("persist session: %w", err)
	}
	m.cached = &s
	m.loaded = true
	m.logger.Infof("signed in user_id=%s", s.UserID)
	return s, nil
}

func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Remove(ctx, SessionKey); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	m.cached = nil
	m.loaded = true
	m.logger.Infof("signed out")
	return nil
}

// Current returns the live session. Missing, unreadable and expired sessions
// all report ok=false.
func (m *Manager) Current(ctx context.Context) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		m.cached = m.load(ctx)
		m.loaded = m.cached != nil || ctx.Err() == nil
	}
	if m.cached == nil {
		return Session{}, false
	}
	if m.cached.Expired(m.now()) {
		m.logger.Debugf("session expired user_id=%s", m.cached.UserID)
		return Session{}, false
	}
	return *m.cached, true
}

func (m *Manager) load(ctx context.Context) *Session {
	raw, found, err := m.store.Get(ctx, SessionKey)
	if err != nil {
		m.logger.Warnf("read session: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.UserID == "" {
		m.logger.Warnf("discarding unreadable session: %v", err)
		return nil
	}
	return &s
}

// CurrentUser returns the signed-in user id.
func (m *Manager) CurrentUser(ctx context.Context) (string, bool) {
	s, ok := m.Current(ctx)
	return s.UserID, ok
}

// AccessToken returns the bearer token of the live session.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	s, ok := m.Current(ctx)
	if !ok {
		return "", ErrNoSession
	}
	return s.AccessToken, nil
}
