package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names emitted by the authentication flows.
const (
	LoginSucceeded       = "auth.login.succeeded"
	LoginFailed          = "auth.login.failed"
	LoginBlocked         = "auth.login.blocked"
	StepUpRequired       = "auth.login.step_up_required"
	RiskAssessed         = "auth.risk.assessed"
	SessionRotated       = "auth.session.rotated"
	SessionRevoked       = "auth.session.revoked"
	UserRegistered       = "auth.user.registered"
	EmailVerified        = "auth.user.email_verified"
	PasswordReset        = "auth.user.password_reset"
	MFAEnabled           = "auth.mfa.enabled"
	MFADisabled          = "auth.mfa.disabled"
	RecoveryConsumed     = "auth.recovery.consumed"
	RecoveryRegenerated  = "auth.recovery.regenerated"
	PasskeyRegistered    = "auth.webauthn.registered"
	PasskeyCounterReject = "auth.webauthn.counter_rejected"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id attached by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and principal context.
// Callers must never pass secrets, codes or tokens in fields.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	all := make([]zap.Field, 0, len(fields)+3)
	all = append(all, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestID(ctx); rid != "" {
		all = append(all, zap.String("request_id", rid))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		all = append(all, zap.String("principal_id", p.UserID))
	}
	all = append(all, fields...)
	obs.Logger().Info("audit", all...)
	return nil
}
