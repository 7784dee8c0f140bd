// Package mfa verifies second factors: TOTP codes and single-use recovery codes.
package mfa

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/SibhatG/betterauth/internal/auth"
)

const (
	defaultIssuer = "Better Auth"
	period        = 30
	skew          = 1
	secretSize    = 20
	codeDigits    = 6
)

var validateOpts = totp.ValidateOpts{
	Period:    period,
	Skew:      skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is the material handed to a user setting up TOTP.
type Enrollment struct {
	Secret       string
	SealedSecret string
	URI          string
}

// Verifier checks TOTP and recovery codes.
type Verifier struct {
	store     auth.Store
	sealer    *Sealer
	issuer    string
	codeCount int
	now       func() time.Time

	mu       sync.Mutex
	lastStep map[string]int64
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer sets the issuer label shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		if strings.TrimSpace(issuer) != "" {
			v.issuer = issuer
		}
	}
}

// WithRecoveryCodeCount sets how many recovery codes are issued at once.
func WithRecoveryCodeCount(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.codeCount = n
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier returns a Verifier storing recovery codes in store and sealing
// TOTP secrets with sealer.
func NewVerifier(store auth.Store, sealer *Sealer, opts ...Option) *Verifier {
	v := &Verifier{
		store:     store,
		sealer:    sealer,
		issuer:    defaultIssuer,
		codeCount: defaultRecoveryCodes,
		now:       time.Now,
		lastStep:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enroll creates a fresh TOTP secret for userID. The secret is returned in
// plaintext once, for display, and sealed for storage.
func (v *Verifier) Enroll(userID, account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: account,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("mfa: generate secret: %w", err)
	}
	sealed, err := v.sealer.Seal(key.Secret(), userID)
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), SealedSecret: sealed, URI: key.URL()}, nil
}

// VerifyTOTP reports whether code is valid for secret at the current time,
// accepting one period of drift either way. It keeps no state.
func (v *Verifier) VerifyTOTP(secret, code string) bool {
	code = normalizeTOTP(code)
	if len(code) != codeDigits {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, v.now(), validateOpts)
	return err == nil && ok
}

// CheckSealed opens sealedSecret for userID and validates code. A code is
// accepted at most once: any time step at or before the last accepted step
// for the user is refused.
func (v *Verifier) CheckSealed(userID, sealedSecret, code string) (bool, error) {
	if sealedSecret == "" {
		return false, auth.ErrMFANotEnabled
	}
	secret, err := v.sealer.Open(sealedSecret, userID)
	if err != nil {
		return false, err
	}
	code = normalizeTOTP(code)
	if len(code) != codeDigits {
		return false, nil
	}
	step, ok := matchStep(secret, code, v.now())
	if !ok {
		return false, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if last, seen := v.lastStep[userID]; seen && step <= last {
		return false, nil
	}
	v.lastStep[userID] = step
	if len(v.lastStep) > 4096 {
		v.pruneLocked(step)
	}
	return true, nil
}

// OpenSecret returns the plaintext secret for userID.
func (v *Verifier) OpenSecret(userID, sealedSecret string) (string, error) {
	return v.sealer.Open(sealedSecret, userID)
}

func (v *Verifier) pruneLocked(current int64) {
	for user, step := range v.lastStep {
		if current-step > 2*skew+1 {
			delete(v.lastStep, user)
		}
	}
}

func matchStep(secret, code string, at time.Time) (int64, bool) {
	for off := -skew; off <= skew; off++ {
		t := at.Add(time.Duration(off*period) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, t, validateOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return t.Unix() / period, true
		}
	}
	return 0, false
}

func normalizeTOTP(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}
