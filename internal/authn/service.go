// Package authn composes password, second factor, passkey, risk and session
// primitives into the account and login flows exposed to clients.
package authn

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/breach"
	"github.com/SibhatG/betterauth/internal/mfa"
	"github.com/SibhatG/betterauth/internal/obs"
	"github.com/SibhatG/betterauth/internal/risk"
	"github.com/SibhatG/betterauth/internal/session"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

const (
	defaultResetTTL = 24 * time.Hour

	// Second factors a pending login can be completed with.
	MethodTOTP     = "totp"
	MethodRecovery = "recovery"
	MethodPasskey  = "passkey"

	reasonRisk       = "risk"
	reasonMFAEnabled = "mfa_enabled"
)

// Deps are the collaborators a Service cannot run without. Passkeys may be
// nil, in which case passkey operations report auth.ErrNotImplemented.
type Deps struct {
	Store    auth.Store
	MFA      *mfa.Verifier
	Passkeys *webauthn.Broker
	Risk     *risk.Engine
	Sessions *session.Manager
	Tokens   *session.Tokens
}

// Service runs registration, login, step-up and account management flows.
type Service struct {
	store    auth.Store
	hasher   *auth.Hasher
	mfa      *mfa.Verifier
	passkeys *webauthn.Broker
	risk     *risk.Engine
	sessions *session.Manager
	tokens   *session.Tokens
	breach   breach.Checker
	mailer   Mailer
	now      func() time.Time
	resetTTL time.Duration

	// dummyHash is verified against when the login names no account, so
	// unknown users cost as much as wrong passwords.
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithHasher replaces the default argon2id hasher.
func WithHasher(h *auth.Hasher) Option {
	return func(s *Service) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithBreachChecker sets the compromised-password signal.
func WithBreachChecker(c breach.Checker) Option {
	return func(s *Service) {
		if c != nil {
			s.breach = c
		}
	}
}

// WithMailer sets where verification and reset links are delivered.
func WithMailer(m Mailer) Option {
	return func(s *Service) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithResetTTL sets how long a password reset token stays redeemable.
func WithResetTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// NewService wires the flows over d.
func NewService(d Deps, opts ...Option) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("authn: store is required")
	case d.MFA == nil:
		return nil, errors.New("authn: mfa verifier is required")
	case d.Risk == nil:
		return nil, errors.New("authn: risk engine is required")
	case d.Sessions == nil || d.Tokens == nil:
		return nil, errors.New("authn: session manager and tokens are required")
	}
	s := &Service{
		store:    d.Store,
		hasher:   auth.NewHasher(auth.DefaultArgon2Params),
		mfa:      d.MFA,
		passkeys: d.Passkeys,
		risk:     d.Risk,
		sessions: d.Sessions,
		tokens:   d.Tokens,
		breach:   breach.Default(),
		mailer:   LogMailer{},
		now:      time.Now,
		resetTTL: defaultResetTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := s.hasher.Hash("betterauth-timing-equaliser")
	if err != nil {
		return nil, err
	}
	s.dummyHash = dummy
	return s, nil
}

// compromised consults the breach signal. Checker errors are logged and
// count as not compromised.
func (s *Service) compromised(ctx context.Context, password string) bool {
	hit, err := s.breach.IsCompromised(ctx, breach.Digest(password))
	if err != nil {
		obs.Logger().Warn("breach check failed", zap.Error(err))
		return false
	}
	return hit
}

func (s *Service) findUser(ctx context.Context, userID string) (*auth.User, error) {
	u, err := s.store.Users(ctx).Find(ctx, userID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrUserNotFound
	}
	return u, err
}
