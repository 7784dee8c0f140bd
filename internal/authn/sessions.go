package authn

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/audit"
	"github.com/SibhatG/betterauth/internal/auth"
)

// Refresh rotates a refresh token and mints a new access token. Tokens of
// deactivated accounts are refused.
func (s *Service) Refresh(ctx context.Context, refreshToken, userAgent, ip string) (*Tokens, error) {
	current, err := s.sessions.Validate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).Find(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if !user.Active {
		return nil, auth.ErrPermissionDenied
	}
	issued, err := s.sessions.Rotate(ctx, refreshToken, userAgent, ip)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.tokens.MintAccess(user.ID, user.Admin)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.SessionRotated,
		zap.String("user_id", user.ID),
		zap.String("from_session_id", current.ID),
		zap.String("session_id", issued.Session.ID),
	)
	return &Tokens{
		UserID:           user.ID,
		SessionID:        issued.Session.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.Session.ExpiresAt,
	}, nil
}

// Logout revokes the session behind refreshToken.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sess, err := s.sessions.RevokeToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.SessionRevoked, zap.String("user_id", sess.UserID), zap.String("session_id", sess.ID))
	return nil
}

// LogoutAll revokes every session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.SessionRevoked, zap.String("user_id", userID), zap.Bool("all", true))
	return nil
}

// ListSessions returns the active sessions of userID, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*auth.Session, error) {
	return s.sessions.List(ctx, userID)
}

// RevokeSession revokes one of userID's own sessions.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	sess, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return auth.ErrPermissionDenied
	}
	if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.SessionRevoked, zap.String("user_id", userID), zap.String("session_id", sess.ID))
	return nil
}

// Authenticate verifies an access token without touching storage.
func (s *Service) Authenticate(accessToken string) (auth.Principal, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{UserID: claims.Subject, Admin: claims.Admin, TokenID: claims.ID}, nil
}
