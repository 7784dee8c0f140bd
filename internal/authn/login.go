package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/audit"
	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/obs"
	"github.com/SibhatG/betterauth/internal/risk"
	"github.com/SibhatG/betterauth/internal/session"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

// LoginRequest is a password login. Code optionally carries a TOTP or
// recovery code so users with MFA can finish in one round trip.
type LoginRequest struct {
	Login    string
	Password string
	Code     string
	Attempt  risk.Attempt
}

// Tokens are handed out once every gate has passed.
type Tokens struct {
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// StepUpChallenge halts a login until one of Methods is presented together
// with Token.
type StepUpChallenge struct {
	Token     string    `json:"step_up_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Methods   []string  `json:"methods"`
	Reason    string    `json:"reason"`
}

// Result holds exactly one of Tokens or StepUp.
type Result struct {
	Tokens *Tokens
	StepUp *StepUpChallenge
}

// StepUpRequest completes a halted login with a code or a passkey assertion.
type StepUpRequest struct {
	Token      string
	Code       string
	CeremonyID string
	Assertion  *webauthn.AssertionResponse
}

// Login runs the password pipeline: resolve, verify, active check, risk,
// then either tokens or a step-up challenge.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: login and password are required", auth.ErrInvalidInput)
	}
	attempt := s.stamp(req.Attempt)
	identifier := risk.Identifier(login)

	user, err := s.store.Users(ctx).FindByLogin(ctx, login)
	if err != nil {
		if !errors.Is(err, auth.ErrNotFound) {
			return nil, err
		}
		_, _ = s.hasher.Verify(req.Password, s.dummyHash)
		s.recordFailure(ctx, identifier, "", attempt, "user_not_found")
		obs.ObserveLogin("password", "failed")
		return nil, auth.ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		s.recordFailure(ctx, identifier, user.ID, attempt, "bad_password")
		obs.ObserveLogin("password", "failed")
		return nil, auth.ErrInvalidCredentials
	}
	if !user.Active {
		_ = audit.LogEvent(ctx, audit.LoginFailed, zap.String("user_id", user.ID), zap.String("reason", "inactive"))
		obs.ObserveLogin("password", "denied")
		return nil, auth.ErrPermissionDenied
	}
	s.upgradeHash(ctx, user, req.Password)

	assessment, err := s.assess(ctx, user.ID, identifier, attempt, s.compromised(ctx, req.Password))
	if err != nil {
		return nil, err
	}
	if assessment.Action == risk.ActionBlock {
		return nil, s.blocked(ctx, user.ID, "password", assessment)
	}

	reason, methods, err := s.stepUpPlan(ctx, user, assessment)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return s.finish(ctx, user, identifier, attempt, "password")
	}
	if req.Code != "" && user.MFAEnabled {
		method, err := s.verifyCode(ctx, user, req.Code)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidMFACode) {
				s.recordFailure(ctx, identifier, user.ID, attempt, "bad_mfa_code")
				obs.ObserveLogin("password", "failed")
			}
			return nil, err
		}
		return s.finish(ctx, user, identifier, attempt, "password+"+method)
	}
	return s.challenge(ctx, user, login, reason, methods, attempt)
}

// CompleteStepUp redeems a step-up token. Risk is assessed again before the
// factor is checked so a block never consumes a recovery code.
func (s *Service) CompleteStepUp(ctx context.Context, req StepUpRequest) (*Result, error) {
	pending, err := s.tokens.ParseStepUp(req.Token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).Find(ctx, pending.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if !user.Active {
		return nil, auth.ErrPermissionDenied
	}
	identifier := risk.Identifier(pending.Login)
	assessment, err := s.assess(ctx, user.ID, identifier, pending.Attempt, false)
	if err != nil {
		return nil, err
	}
	if assessment.Action == risk.ActionBlock {
		return nil, s.blocked(ctx, user.ID, "step_up", assessment)
	}

	var method string
	switch {
	case req.Assertion != nil:
		if !hasMethod(pending.Methods, MethodPasskey) {
			return nil, fmt.Errorf("%w: passkey is not an allowed method for this login", auth.ErrInvalidInput)
		}
		if _, err := s.assertPasskey(ctx, user.ID, req.CeremonyID, *req.Assertion); err != nil {
			s.recordFailure(ctx, identifier, user.ID, pending.Attempt, "bad_passkey")
			obs.ObserveLogin("step_up", "failed")
			return nil, err
		}
		method = MethodPasskey
	case strings.TrimSpace(req.Code) != "":
		if !hasMethod(pending.Methods, MethodTOTP) {
			return nil, fmt.Errorf("%w: codes are not an allowed method for this login", auth.ErrInvalidInput)
		}
		method, err = s.verifyCode(ctx, user, req.Code)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidMFACode) {
				s.recordFailure(ctx, identifier, user.ID, pending.Attempt, "bad_mfa_code")
				obs.ObserveLogin("step_up", "failed")
			}
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: a code or passkey assertion is required", auth.ErrInvalidInput)
	}
	return s.finish(ctx, user, identifier, pending.Attempt, "step_up+"+method)
}

// StartStepUpPasskey opens an authentication ceremony for the user a
// step-up token belongs to.
func (s *Service) StartStepUpPasskey(ctx context.Context, token string) (webauthn.Options, error) {
	if s.passkeys == nil {
		return webauthn.Options{}, auth.ErrNotImplemented
	}
	pending, err := s.tokens.ParseStepUp(token)
	if err != nil {
		return webauthn.Options{}, err
	}
	if !hasMethod(pending.Methods, MethodPasskey) {
		return webauthn.Options{}, fmt.Errorf("%w: passkey is not an allowed method for this login", auth.ErrInvalidInput)
	}
	creds, err := s.store.Credentials(ctx).ListByUser(ctx, pending.UserID)
	if err != nil {
		return webauthn.Options{}, err
	}
	return s.passkeys.StartAuthentication(ctx, creds)
}

func (s *Service) stamp(a risk.Attempt) risk.Attempt {
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	return a
}

func (s *Service) assess(ctx context.Context, userID, identifier string, attempt risk.Attempt, compromised bool) (risk.Assessment, error) {
	a, err := s.risk.Assess(ctx, userID, identifier, attempt, compromised)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("assess risk: %w", err)
	}
	_ = audit.LogEvent(ctx, audit.RiskAssessed,
		zap.String("user_id", userID),
		zap.Int("score", a.Score),
		zap.Any("factors", a.Factors),
		zap.String("action", string(a.Action)),
	)
	obs.ObserveRisk(string(a.Action), a.Score)
	return a, nil
}

func (s *Service) blocked(ctx context.Context, userID, method string, a risk.Assessment) error {
	_ = audit.LogEvent(ctx, audit.LoginBlocked, zap.String("user_id", userID), zap.Int("score", a.Score))
	obs.ObserveLogin(method, "blocked")
	return auth.ErrRiskBlocked
}

// stepUpPlan decides whether a second factor is owed and which ones the user
// can present. An empty reason means no step-up.
func (s *Service) stepUpPlan(ctx context.Context, user *auth.User, a risk.Assessment) (string, []string, error) {
	var reason string
	switch {
	case a.Action == risk.ActionRequireMFA:
		reason = reasonRisk
	case user.MFAEnabled:
		reason = reasonMFAEnabled
	default:
		return "", nil, nil
	}
	var methods []string
	if user.MFAEnabled {
		methods = append(methods, MethodTOTP, MethodRecovery)
	}
	if s.passkeys != nil {
		creds, err := s.store.Credentials(ctx).ListByUser(ctx, user.ID)
		if err != nil {
			return "", nil, err
		}
		if len(creds) > 0 {
			methods = append(methods, MethodPasskey)
		}
	}
	if len(methods) == 0 {
		_ = audit.LogEvent(ctx, audit.LoginBlocked, zap.String("user_id", user.ID), zap.String("reason", "no_second_factor"))
		obs.ObserveLogin("password", "step_up_unavailable")
		return "", nil, auth.ErrStepUpUnavailable
	}
	return reason, methods, nil
}

func (s *Service) challenge(ctx context.Context, user *auth.User, login, reason string, methods []string, attempt risk.Attempt) (*Result, error) {
	token, exp, err := s.tokens.MintStepUp(session.StepUp{
		UserID:  user.ID,
		Login:   login,
		Methods: methods,
		Reason:  reason,
		Attempt: attempt,
	})
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.StepUpRequired,
		zap.String("user_id", user.ID),
		zap.String("reason", reason),
		zap.Strings("methods", methods),
	)
	obs.ObserveLogin("password", "step_up")
	return &Result{StepUp: &StepUpChallenge{Token: token, ExpiresAt: exp, Methods: methods, Reason: reason}}, nil
}

// verifyCode accepts a TOTP code, falling back to a recovery code.
func (s *Service) verifyCode(ctx context.Context, user *auth.User, code string) (string, error) {
	if !user.MFAEnabled {
		return "", auth.ErrMFANotEnabled
	}
	ok, err := s.mfa.CheckSealed(user.ID, user.MFASecret, code)
	if err != nil {
		return "", err
	}
	if ok {
		return MethodTOTP, nil
	}
	ok, err = s.mfa.ConsumeRecoveryCode(ctx, user.ID, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", auth.ErrInvalidMFACode
	}
	_ = audit.LogEvent(ctx, audit.RecoveryConsumed, zap.String("user_id", user.ID))
	return MethodRecovery, nil
}

// recordFailure counts a failed attempt against identifier and, for known
// users, appends a failed history entry.
func (s *Service) recordFailure(ctx context.Context, identifier, userID string, attempt risk.Attempt, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.risk.RecordFailure(ctx, identifier); err != nil {
		obs.Logger().Warn("record failed attempt", zap.Error(err))
	}
	if userID != "" {
		if err := s.risk.RecordLogin(ctx, userID, attempt, false); err != nil {
			obs.Logger().Warn("record login history", zap.Error(err))
		}
	}
	_ = audit.LogEvent(ctx, audit.LoginFailed, zap.String("user_id", userID), zap.String("reason", reason))
}

// finish is the commit point of every login flow. Once the session is
// stored the remaining bookkeeping runs even if the caller has gone away.
func (s *Service) finish(ctx context.Context, user *auth.User, identifier string, attempt risk.Attempt, method string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	access, accessExp, err := s.tokens.MintAccess(user.ID, user.Admin)
	if err != nil {
		return nil, err
	}
	issued, err := s.sessions.Issue(ctx, user.ID, attempt.UserAgent, attempt.IP)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	if err := s.risk.RecordLogin(ctx, user.ID, attempt, true); err != nil {
		obs.Logger().Warn("record login history", zap.Error(err))
	}
	if identifier != "" {
		if err := s.risk.ResetFailures(ctx, identifier); err != nil {
			obs.Logger().Warn("reset failed attempts", zap.Error(err))
		}
	}
	if err := s.store.Users(ctx).UpdateLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		obs.Logger().Warn("update last login", zap.Error(err))
	}
	_ = audit.LogEvent(ctx, audit.LoginSucceeded,
		zap.String("user_id", user.ID),
		zap.String("method", method),
		zap.String("session_id", issued.Session.ID),
	)
	obs.ObserveLogin(method, "success")

	return &Result{Tokens: &Tokens{
		UserID:           user.ID,
		SessionID:        issued.Session.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.Session.ExpiresAt,
	}}, nil
}

// upgradeHash re-hashes a verified password stored with outdated parameters.
// Failures are logged and never fail the login.
func (s *Service) upgradeHash(ctx context.Context, user *auth.User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	digest, err := s.hasher.Hash(password)
	if err == nil {
		err = s.store.Users(ctx).UpdatePassword(ctx, user.ID, digest)
	}
	if err != nil {
		obs.Logger().Warn("password rehash failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	user.PasswordHash = digest
}

func hasMethod(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
