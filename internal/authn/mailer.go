package authn

import (
	"context"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/obs"
)

// Mailer delivers account tokens to the user's mailbox.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogMailer records that a message would have been sent. Tokens are not logged.
type LogMailer struct{}

func (LogMailer) SendVerification(_ context.Context, email, _ string) error {
	obs.Logger().Info("verification email queued", zap.String("email", email))
	return nil
}

func (LogMailer) SendPasswordReset(_ context.Context, email, _ string) error {
	obs.Logger().Info("password reset email queued", zap.String("email", email))
	return nil
}
