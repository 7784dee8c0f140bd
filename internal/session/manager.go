// Package session issues, rotates and revokes refresh-token sessions and
// mints the stateless access tokens that accompany them.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/ids"
	"github.com/SibhatG/betterauth/internal/obs"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	secretBytes       = 32
)

// Manager owns the refresh-token lifecycle.
type Manager struct {
	store auth.Store
	ttl   time.Duration
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager returns a Manager persisting sessions in store.
func NewManager(store auth.Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, ttl: defaultRefreshTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issued is a stored session plus the opaque token handed to the client.
type Issued struct {
	Session      *auth.Session
	RefreshToken string
}

// Issue creates a new session for userID.
func (m *Manager) Issue(ctx context.Context, userID, userAgent, ip string) (Issued, error) {
	next, token, err := m.newSession(userID, userAgent, ip)
	if err != nil {
		return Issued{}, err
	}
	if err := m.store.Sessions(ctx).Create(ctx, next); err != nil {
		obs.ObserveSession("issue", "error")
		return Issued{}, err
	}
	obs.ObserveSession("issue", "ok")
	return Issued{Session: next, RefreshToken: token}, nil
}

// Rotate exchanges a refresh token for a new one. The old session is revoked
// in the same step the new one is stored, so a rotated token never
// validates again. Empty userAgent or ip inherit the old session's values.
func (m *Manager) Rotate(ctx context.Context, token, userAgent, ip string) (Issued, error) {
	old, err := m.Validate(ctx, token)
	if err != nil {
		obs.ObserveSession("rotate", "rejected")
		return Issued{}, err
	}
	if userAgent == "" {
		userAgent = old.UserAgent
	}
	if ip == "" {
		ip = old.IP
	}
	next, raw, err := m.newSession(old.UserID, userAgent, ip)
	if err != nil {
		return Issued{}, err
	}
	if err := m.store.Sessions(ctx).Rotate(ctx, old.ID, next, m.now()); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			obs.ObserveSession("rotate", "raced")
		} else {
			obs.ObserveSession("rotate", "error")
		}
		return Issued{}, err
	}
	obs.ObserveSession("rotate", "ok")
	return Issued{Session: next, RefreshToken: raw}, nil
}

// Validate resolves a refresh token to its active session. A token whose id
// exists but whose secret does not match revokes that session.
func (m *Manager) Validate(ctx context.Context, token string) (*auth.Session, error) {
	id, secret, err := splitRefreshToken(token)
	if err != nil {
		return nil, auth.ErrInvalidToken
	}
	store := m.store.Sessions(ctx)
	sess, err := store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if !sess.ActiveAt(m.now()) {
		return nil, auth.ErrInvalidToken
	}
	if !secureCompareHash(sess.TokenHash, secret) {
		if err := store.Revoke(ctx, sess.ID, m.now()); err != nil {
			return nil, err
		}
		return nil, auth.ErrInvalidToken
	}
	return sess, nil
}

// Revoke is idempotent; unknown ids report auth.ErrNotFound.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.Sessions(ctx).Revoke(ctx, sessionID, m.now()); err != nil {
		return err
	}
	obs.ObserveSession("revoke", "ok")
	return nil
}

// RevokeToken revokes the session a refresh token belongs to.
func (m *Manager) RevokeToken(ctx context.Context, token string) (*auth.Session, error) {
	sess, err := m.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return sess, m.Revoke(ctx, sess.ID)
}

// RevokeAll revokes every session of userID.
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	if err := m.store.Sessions(ctx).RevokeAll(ctx, userID, m.now()); err != nil {
		return err
	}
	obs.ObserveSession("revoke_all", "ok")
	return nil
}

// List returns the active sessions of userID, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*auth.Session, error) {
	return m.store.Sessions(ctx).ListActive(ctx, userID, m.now())
}

// Find loads a session regardless of state.
func (m *Manager) Find(ctx context.Context, sessionID string) (*auth.Session, error) {
	return m.store.Sessions(ctx).Find(ctx, sessionID)
}

func (m *Manager) newSession(userID, userAgent, ip string) (*auth.Session, string, error) {
	secret, err := ids.Secret(secretBytes)
	if err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	id := ids.New()
	sum := sha256.Sum256([]byte(secret))
	return &auth.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		UserAgent: userAgent,
		IP:        ip,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}, id + "." + secret, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
