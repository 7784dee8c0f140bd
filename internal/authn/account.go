package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/audit"
	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/ids"
	"github.com/SibhatG/betterauth/internal/obs"
	"github.com/SibhatG/betterauth/internal/risk"
)

const accountTokenBytes = 32

// RegisterRequest creates an account.
type RegisterRequest struct {
	Username             string
	Email                string
	Password             string
	PasswordConfirmation string
}

// MFASetup is shown to the user once while enrolling an authenticator app.
type MFASetup struct {
	Secret string `json:"secret"`
	URI    string `json:"provisioning_uri"`
}

// Register validates req, rejects taken names and breached passwords, stores
// the account and sends a verification token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*auth.User, error) {
	username := strings.TrimSpace(req.Username)
	email := auth.NormalizeEmail(req.Email)
	if err := auth.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := auth.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := auth.ValidatePasswordPair(req.Password, req.PasswordConfirmation); err != nil {
		return nil, err
	}

	users := s.store.Users(ctx)
	taken, err := users.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, auth.ErrUsernameExists
	}
	if taken, err = users.ExistsByEmail(ctx, email); err != nil {
		return nil, err
	}
	if taken {
		return nil, auth.ErrEmailExists
	}
	if s.compromised(ctx, req.Password) {
		return nil, fmt.Errorf("%w: password appears in a known data breach", auth.ErrInvalidInput)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	token, err := ids.Secret(accountTokenBytes)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sent := now
	u := &auth.User{
		ID:                 ids.New(),
		Username:           username,
		Email:              email,
		PasswordHash:       hash,
		VerificationToken:  token,
		VerificationSentAt: &sent,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := users.Create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.mailer.SendVerification(ctx, email, token); err != nil {
		obs.Logger().Warn("send verification email", zap.String("user_id", u.ID), zap.Error(err))
	}
	_ = audit.LogEvent(ctx, audit.UserRegistered, zap.String("user_id", u.ID))
	return u, nil
}

// User returns the account userID.
func (s *Service) User(ctx context.Context, userID string) (*auth.User, error) {
	return s.findUser(ctx, userID)
}

// VerifyEmail redeems a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*auth.User, error) {
	users := s.store.Users(ctx)
	u, err := users.FindByVerificationToken(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if err := users.MarkEmailVerified(ctx, u.ID); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.EmailVerified, zap.String("user_id", u.ID))
	return s.findUser(ctx, u.ID)
}

// ResendVerification issues a fresh verification token, replacing the old one.
func (s *Service) ResendVerification(ctx context.Context, userID string) error {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return fmt.Errorf("%w: email is already verified", auth.ErrInvalidInput)
	}
	token, err := ids.Secret(accountTokenBytes)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).SetVerificationToken(ctx, u.ID, token, s.now().UTC()); err != nil {
		return err
	}
	return s.mailer.SendVerification(ctx, u.Email, token)
}

// RequestPasswordReset sends a reset token when email belongs to an account.
// It succeeds either way so the answer does not reveal registered addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = auth.NormalizeEmail(email)
	if err := auth.ValidateEmail(email); err != nil {
		return err
	}
	u, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	token, err := ids.Secret(accountTokenBytes)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).SetResetToken(ctx, u.ID, token, s.now().UTC()); err != nil {
		return err
	}
	if err := s.mailer.SendPasswordReset(ctx, u.Email, token); err != nil {
		obs.Logger().Warn("send password reset email", zap.String("user_id", u.ID), zap.Error(err))
	}
	return nil
}

// ConfirmPasswordReset sets a new password from a reset token no older than
// the reset TTL and revokes every session of the account.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, password, confirmation string) error {
	if err := auth.ValidatePasswordPair(password, confirmation); err != nil {
		return err
	}
	users := s.store.Users(ctx)
	u, err := users.FindByResetToken(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrInvalidToken
		}
		return err
	}
	if u.ResetSentAt == nil {
		return auth.ErrInvalidToken
	}
	if s.now().Sub(*u.ResetSentAt) > s.resetTTL {
		return auth.ErrTokenExpired
	}
	if s.compromised(ctx, password) {
		return fmt.Errorf("%w: password appears in a known data breach", auth.ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	if err := s.sessions.RevokeAll(ctx, u.ID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.PasswordReset, zap.String("user_id", u.ID))
	return nil
}

// SetupMFA stores a new sealed TOTP secret. MFA stays off until EnableMFA
// confirms the user can produce codes from it.
func (s *Service) SetupMFA(ctx context.Context, userID string) (MFASetup, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return MFASetup{}, err
	}
	if u.MFAEnabled {
		return MFASetup{}, auth.ErrMFAAlreadyEnabled
	}
	enrollment, err := s.mfa.Enroll(u.ID, u.Email)
	if err != nil {
		return MFASetup{}, err
	}
	if err := s.store.Users(ctx).SetMFASecret(ctx, u.ID, enrollment.SealedSecret); err != nil {
		return MFASetup{}, err
	}
	return MFASetup{Secret: enrollment.Secret, URI: enrollment.URI}, nil
}

// EnableMFA turns MFA on once code matches the pending secret and returns
// a fresh set of recovery codes.
func (s *Service) EnableMFA(ctx context.Context, userID, code string) ([]string, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.MFAEnabled {
		return nil, auth.ErrMFAAlreadyEnabled
	}
	if u.MFASecret == "" {
		return nil, fmt.Errorf("%w: mfa setup has not been started", auth.ErrInvalidInput)
	}
	ok, err := s.mfa.CheckSealed(u.ID, u.MFASecret, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, auth.ErrInvalidMFACode
	}
	// Codes first: MFA is never on without a way to recover.
	codes, err := s.mfa.IssueRecoveryCodes(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Users(ctx).SetMFAEnabled(ctx, u.ID, true); err != nil {
		if derr := s.mfa.DiscardRecoveryCodes(context.WithoutCancel(ctx), u.ID); derr != nil {
			obs.Logger().Warn("discard recovery codes", zap.String("user_id", u.ID), zap.Error(derr))
		}
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.MFAEnabled, zap.String("user_id", u.ID))
	return codes, nil
}

// DisableMFA requires the password and a current TOTP code, then removes the
// secret and every recovery code.
func (s *Service) DisableMFA(ctx context.Context, userID, password, code string) error {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.MFAEnabled {
		return auth.ErrMFANotEnabled
	}
	ok, err := s.hasher.Verify(password, u.PasswordHash)
	if err != nil {
		return err
	}
	identifier := risk.Identifier(u.Username)
	if !ok {
		s.recordFailure(ctx, identifier, u.ID, s.stamp(risk.Attempt{}), "mfa_disable_bad_password")
		return auth.ErrInvalidCredentials
	}
	ok, err = s.mfa.CheckSealed(u.ID, u.MFASecret, code)
	if err != nil {
		return err
	}
	if !ok {
		s.recordFailure(ctx, identifier, u.ID, s.stamp(risk.Attempt{}), "mfa_disable_bad_code")
		return auth.ErrInvalidMFACode
	}
	if err := s.store.Users(ctx).SetMFAEnabled(ctx, u.ID, false); err != nil {
		return err
	}
	if err := s.mfa.DiscardRecoveryCodes(ctx, u.ID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.MFADisabled, zap.String("user_id", u.ID))
	return nil
}

// RegenerateRecoveryCodes replaces every recovery code of userID.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.MFAEnabled {
		return nil, auth.ErrMFANotEnabled
	}
	codes, err := s.mfa.IssueRecoveryCodes(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.RecoveryRegenerated, zap.String("user_id", u.ID))
	return codes, nil
}

// RemainingRecoveryCodes counts the unused recovery codes of userID.
func (s *Service) RemainingRecoveryCodes(ctx context.Context, userID string) (int, error) {
	return s.mfa.RemainingRecoveryCodes(ctx, userID)
}
