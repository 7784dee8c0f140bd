package auth

import (
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrAlreadyExists  = errors.New("auth: already exists")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrNotImplemented = errors.New("auth: not implemented")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrEmailExists        = errors.New("auth: email already registered")
	ErrUsernameExists     = errors.New("auth: username already taken")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrInvalidMFACode     = errors.New("auth: invalid mfa code")
	ErrMFANotEnabled      = errors.New("auth: mfa not enabled")
	ErrMFAAlreadyEnabled  = errors.New("auth: mfa already enabled")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrRiskBlocked        = errors.New("auth: login blocked by risk policy")
	ErrStepUpUnavailable  = errors.New("auth: no second factor available for step-up")
	ErrRateLimited        = errors.New("auth: rate limit exceeded")

	ErrChallengeNotFound   = errors.New("auth: webauthn challenge not found or expired")
	ErrCredentialNotFound  = errors.New("auth: webauthn credential not found")
	ErrCredentialExists    = errors.New("auth: webauthn credential already registered")
	ErrCeremonyMismatch    = errors.New("auth: webauthn ceremony mismatch")
	ErrSignatureInvalid    = errors.New("auth: webauthn signature invalid")
	ErrCounterNotIncreased = errors.New("auth: webauthn signature counter did not increase")
)

// Kind classifies errors into the coarse categories surfaced to callers.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindToken
	KindValidation
	KindDenied
	KindNotFound
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindToken:
		return "token"
	case KindValidation:
		return "validation"
	case KindDenied:
		return "denied"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// KindOf maps err onto its Kind. Unrecognised errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidMFACode),
		errors.Is(err, ErrChallengeNotFound),
		errors.Is(err, ErrCredentialNotFound),
		errors.Is(err, ErrCeremonyMismatch),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrCounterNotIncreased),
		errors.Is(err, ErrUnauthorized):
		return KindAuthentication
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return KindToken
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrRiskBlocked),
		errors.Is(err, ErrStepUpUnavailable),
		errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFAAlreadyEnabled):
		return KindDenied
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrEmailExists),
		errors.Is(err, ErrUsernameExists),
		errors.Is(err, ErrCredentialExists),
		errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// Public returns the message safe to show to an unauthenticated caller.
// Authentication failures and missing records collapse into a single message
// so callers cannot tell which factor was wrong or whether an account exists.
func Public(err error) string {
	switch KindOf(err) {
	case KindAuthentication:
		if errors.Is(err, ErrInvalidMFACode) {
			return "invalid verification code"
		}
		return "invalid credentials"
	case KindToken:
		if errors.Is(err, ErrTokenExpired) {
			return "token expired"
		}
		return "invalid token"
	case KindValidation:
		return strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": ")
	case KindDenied:
		switch {
		case errors.Is(err, ErrRiskBlocked):
			return "login blocked"
		case errors.Is(err, ErrStepUpUnavailable):
			return "additional verification required but no second factor is configured"
		case errors.Is(err, ErrMFANotEnabled):
			return "mfa is not enabled"
		case errors.Is(err, ErrMFAAlreadyEnabled):
			return "mfa is already enabled"
		}
		return "permission denied"
	case KindNotFound:
		return "invalid credentials"
	case KindConflict:
		switch {
		case errors.Is(err, ErrEmailExists):
			return "email already registered"
		case errors.Is(err, ErrUsernameExists):
			return "username already taken"
		}
		return "already exists"
	case KindRateLimited:
		return "rate limit exceeded"
	default:
		return "internal server error"
	}
}
