package auth

import "time"

// User is an account that can authenticate.
type User struct {
	ID                 string
	Username           string
	Email              string
	PasswordHash       string
	EmailVerified      bool
	VerificationToken  string
	VerificationSentAt *time.Time
	ResetToken         string
	ResetSentAt        *time.Time
	// MFASecret holds the sealed TOTP secret, never the plaintext.
	MFASecret   string
	MFAEnabled  bool
	Active      bool
	Admin       bool
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is a persisted refresh-token record.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	UserAgent string
	IP        string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Revoked   bool
}

// ActiveAt reports whether the session can still be exchanged at t.
func (s *Session) ActiveAt(t time.Time) bool {
	return s != nil && !s.Revoked && t.Before(s.ExpiresAt)
}

// RecoveryCode is a single-use MFA fallback. Only the hash is stored.
type RecoveryCode struct {
	ID        string
	UserID    string
	CodeHash  string
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// WebAuthnCredential is a registered passkey.
type WebAuthnCredential struct {
	// ID is the base64url (unpadded) credential id.
	ID         string
	UserID     string
	PublicKey  []byte
	Counter    uint32
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
