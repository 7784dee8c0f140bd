package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	RecoveryCodes(ctx context.Context) RecoveryCodeStore
	Credentials(ctx context.Context) CredentialStore
}

// UserStore manages users. Lookups return ErrNotFound when nothing matches.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByLogin matches either the username or the email.
	FindByLogin(ctx context.Context, login string) (*User, error)
	FindByVerificationToken(ctx context.Context, token string) (*User, error)
	FindByResetToken(ctx context.Context, token string) (*User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	SetVerificationToken(ctx context.Context, userID, token string, sentAt time.Time) error
	MarkEmailVerified(ctx context.Context, userID string) error
	SetResetToken(ctx context.Context, userID, token string, sentAt time.Time) error
	// UpdatePassword replaces the hash and clears any pending reset token.
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetMFASecret(ctx context.Context, userID, sealedSecret string) error
	// SetMFAEnabled toggles MFA. Disabling also clears the stored secret.
	SetMFAEnabled(ctx context.Context, userID string, enabled bool) error
}

// SessionStore manages refresh-token sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// ListActive returns the user's sessions that are neither revoked nor expired at now.
	ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error)
	// Rotate revokes oldID and stores next as one atomic step. It fails with
	// ErrInvalidToken unless oldID is still active at now, so at most one of
	// several concurrent rotations of the same session succeeds.
	Rotate(ctx context.Context, oldID string, next *Session, now time.Time) error
	// Revoke is idempotent. It returns ErrNotFound for unknown ids.
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAll(ctx context.Context, userID string, at time.Time) error
}

// RecoveryCodeStore manages hashed recovery codes.
type RecoveryCodeStore interface {
	// Replace discards every code of the user and stores codes.
	Replace(ctx context.Context, userID string, codes []*RecoveryCode) error
	ListUnused(ctx context.Context, userID string) ([]*RecoveryCode, error)
	// MarkUsed flips used from false to true. It reports false when another
	// caller already consumed the code.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteAll(ctx context.Context, userID string) error
}

// CredentialStore manages WebAuthn credentials.
type CredentialStore interface {
	// Add fails with ErrCredentialExists when the id is already registered.
	Add(ctx context.Context, c *WebAuthnCredential) error
	Find(ctx context.Context, id string) (*WebAuthnCredential, error)
	ListByUser(ctx context.Context, userID string) ([]*WebAuthnCredential, error)
	// AdvanceCounter stores counter only if it is strictly greater than the
	// stored value, otherwise it returns ErrCounterNotIncreased.
	AdvanceCounter(ctx context.Context, id string, counter uint32, usedAt time.Time) error
}
