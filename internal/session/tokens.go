package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/ids"
	"github.com/SibhatG/betterauth/internal/risk"
)

const (
	defaultIssuer    = "betterauth"
	defaultAccessTTL = time.Hour
	defaultStepUpTTL = 5 * time.Minute
	minSecretLength  = 32

	typeAccess = "access"
	typeStepUp = "step_up"
)

// Claims are the verified contents of an access token.
type Claims struct {
	Admin     bool   `json:"is_admin"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// StepUp describes a login that passed the password gate but still owes a
// second factor.
type StepUp struct {
	UserID  string
	Login   string
	Methods []string
	Reason  string
	Attempt risk.Attempt
	Expires time.Time
}

type stepUpClaims struct {
	Login     string       `json:"login"`
	Methods   []string     `json:"methods"`
	Reason    string       `json:"reason"`
	Attempt   risk.Attempt `json:"attempt"`
	TokenType string       `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens mints and verifies HS256-signed tokens. Verification never touches storage.
type Tokens struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	stepUpTTL time.Duration
	now       func() time.Time
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) error {
		if strings.TrimSpace(issuer) != "" {
			t.issuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithStepUpTTL configures how long a pending step-up stays redeemable.
func WithStepUpTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) error {
		if ttl > 0 {
			t.stepUpTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *Tokens) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokens requires a signing secret of at least 32 bytes.
func NewTokens(secret string, opts ...TokenOption) (*Tokens, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session: signing secret must be at least %d bytes", minSecretLength)
	}
	t := &Tokens{
		secret:    []byte(secret),
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTTL,
		stepUpTTL: defaultStepUpTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AccessTTL returns the configured access token lifetime.
func (t *Tokens) AccessTTL() time.Duration { return t.accessTTL }

// MintAccess signs an access token for userID.
func (t *Tokens) MintAccess(userID string, admin bool) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	now := t.now().UTC()
	exp := now.Add(t.accessTTL)
	claims := Claims{
		Admin:     admin,
		TokenType: typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.UUID(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseAccess verifies signature, issuer, type and expiry.
func (t *Tokens) ParseAccess(token string) (*Claims, error) {
	var claims Claims
	if err := t.parse(token, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != typeAccess || strings.TrimSpace(claims.Subject) == "" {
		return nil, auth.ErrInvalidToken
	}
	return &claims, nil
}

// MintStepUp signs a short-lived token binding a pending login to its user
// and the attempt context it was scored with.
func (t *Tokens) MintStepUp(s StepUp) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.stepUpTTL)
	claims := stepUpClaims{
		Login:     s.Login,
		Methods:   s.Methods,
		Reason:    s.Reason,
		Attempt:   s.Attempt,
		TokenType: typeStepUp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.UUID(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseStepUp verifies a token produced by MintStepUp.
func (t *Tokens) ParseStepUp(token string) (StepUp, error) {
	var claims stepUpClaims
	if err := t.parse(token, &claims); err != nil {
		return StepUp{}, err
	}
	if claims.TokenType != typeStepUp || strings.TrimSpace(claims.Subject) == "" {
		return StepUp{}, auth.ErrInvalidToken
	}
	return StepUp{
		UserID:  claims.Subject,
		Login:   claims.Login,
		Methods: claims.Methods,
		Reason:  claims.Reason,
		Attempt: claims.Attempt,
		Expires: claims.ExpiresAt.Time,
	}, nil
}

func (t *Tokens) parse(token string, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.ErrInvalidToken
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return auth.ErrTokenExpired
	default:
		return auth.ErrInvalidToken
	}
}
