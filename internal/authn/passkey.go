package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/audit"
	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/obs"
	"github.com/SibhatG/betterauth/internal/risk"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

// PasskeyLoginRequest completes a passwordless login.
type PasskeyLoginRequest struct {
	CeremonyID string
	Assertion  webauthn.AssertionResponse
	Attempt    risk.Attempt
}

// StartPasskeyRegistration opens a registration ceremony for userID that
// excludes the passkeys already registered.
func (s *Service) StartPasskeyRegistration(ctx context.Context, userID string) (webauthn.Options, error) {
	if s.passkeys == nil {
		return webauthn.Options{}, auth.ErrNotImplemented
	}
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return webauthn.Options{}, err
	}
	existing, err := s.store.Credentials(ctx).ListByUser(ctx, user.ID)
	if err != nil {
		return webauthn.Options{}, err
	}
	return s.passkeys.StartRegistration(ctx, user.ID, user.Username, existing)
}

// FinishPasskeyRegistration verifies the authenticator's response and stores
// the new passkey.
func (s *Service) FinishPasskeyRegistration(ctx context.Context, userID, ceremonyID string, resp webauthn.RegistrationResponse) (*auth.WebAuthnCredential, error) {
	if s.passkeys == nil {
		return nil, auth.ErrNotImplemented
	}
	cred, err := s.passkeys.CompleteRegistration(ctx, userID, ceremonyID, resp)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.PasskeyRegistered, zap.String("user_id", userID), zap.String("credential_id", cred.ID))
	return cred, nil
}

// ListPasskeys returns the passkeys registered to userID.
func (s *Service) ListPasskeys(ctx context.Context, userID string) ([]*auth.WebAuthnCredential, error) {
	return s.store.Credentials(ctx).ListByUser(ctx, userID)
}

// StartPasskeyLogin resolves login to its user and opens an authentication
// ceremony over that user's passkeys only.
func (s *Service) StartPasskeyLogin(ctx context.Context, login string) (webauthn.Options, error) {
	if s.passkeys == nil {
		return webauthn.Options{}, auth.ErrNotImplemented
	}
	login = strings.TrimSpace(login)
	if login == "" {
		return webauthn.Options{}, fmt.Errorf("%w: login is required", auth.ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return webauthn.Options{}, auth.ErrInvalidCredentials
		}
		return webauthn.Options{}, err
	}
	creds, err := s.store.Credentials(ctx).ListByUser(ctx, user.ID)
	if err != nil {
		return webauthn.Options{}, err
	}
	return s.passkeys.StartAuthentication(ctx, creds)
}

// FinishPasskeyLogin verifies the assertion and runs the same risk gate as a
// password login. A user-verified assertion counts as two factors; without
// user verification a required step-up falls back to TOTP or recovery codes.
func (s *Service) FinishPasskeyLogin(ctx context.Context, req PasskeyLoginRequest) (*Result, error) {
	if s.passkeys == nil {
		return nil, auth.ErrNotImplemented
	}
	attempt := s.stamp(req.Attempt)

	owner, creds, err := s.credentialOwner(ctx, req.Assertion.CredentialID)
	if err != nil {
		return nil, err
	}
	// An unknown credential still reaches the broker so the ceremony is consumed.
	assertion, err := s.completeAssertion(ctx, req.CeremonyID, req.Assertion, creds)
	if err != nil {
		if owner != nil {
			s.recordFailure(ctx, risk.Identifier(owner.Username), owner.ID, attempt, "bad_passkey")
		}
		obs.ObserveLogin(MethodPasskey, "failed")
		return nil, err
	}
	user := owner
	if !user.Active {
		_ = audit.LogEvent(ctx, audit.LoginFailed, zap.String("user_id", user.ID), zap.String("reason", "inactive"))
		obs.ObserveLogin(MethodPasskey, "denied")
		return nil, auth.ErrPermissionDenied
	}

	identifier := risk.Identifier(user.Username)
	assessment, err := s.assess(ctx, user.ID, identifier, attempt, false)
	if err != nil {
		return nil, err
	}
	if assessment.Action == risk.ActionBlock {
		return nil, s.blocked(ctx, user.ID, MethodPasskey, assessment)
	}
	if !assertion.UserVerified {
		var reason string
		switch {
		case assessment.Action == risk.ActionRequireMFA:
			reason = reasonRisk
		case user.MFAEnabled:
			reason = reasonMFAEnabled
		}
		if reason != "" {
			if !user.MFAEnabled {
				_ = audit.LogEvent(ctx, audit.LoginBlocked, zap.String("user_id", user.ID), zap.String("reason", "no_second_factor"))
				obs.ObserveLogin(MethodPasskey, "step_up_unavailable")
				return nil, auth.ErrStepUpUnavailable
			}
			return s.challenge(ctx, user, user.Username, reason, []string{MethodTOTP, MethodRecovery}, attempt)
		}
	}
	return s.finish(ctx, user, identifier, attempt, MethodPasskey)
}

// credentialOwner loads the user owning credentialID and all of that user's
// passkeys. Unknown credentials yield a nil owner and no error.
func (s *Service) credentialOwner(ctx context.Context, credentialID string) (*auth.User, []*auth.WebAuthnCredential, error) {
	cred, err := s.store.Credentials(ctx).Find(ctx, credentialID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	owner, err := s.store.Users(ctx).Find(ctx, cred.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	creds, err := s.store.Credentials(ctx).ListByUser(ctx, owner.ID)
	if err != nil {
		return nil, nil, err
	}
	return owner, creds, nil
}

// assertPasskey verifies an assertion against userID's passkeys.
func (s *Service) assertPasskey(ctx context.Context, userID, ceremonyID string, resp webauthn.AssertionResponse) (*webauthn.Assertion, error) {
	if s.passkeys == nil {
		return nil, auth.ErrNotImplemented
	}
	creds, err := s.store.Credentials(ctx).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.completeAssertion(ctx, ceremonyID, resp, creds)
}

func (s *Service) completeAssertion(ctx context.Context, ceremonyID string, resp webauthn.AssertionResponse, creds []*auth.WebAuthnCredential) (*webauthn.Assertion, error) {
	a, err := s.passkeys.CompleteAuthentication(ctx, ceremonyID, resp, creds)
	if errors.Is(err, auth.ErrCounterNotIncreased) {
		_ = audit.LogEvent(ctx, audit.PasskeyCounterReject, zap.String("credential_id", resp.CredentialID))
	}
	return a, err
}
