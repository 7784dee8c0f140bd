package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/ids"
)

const (
	defaultRecoveryCodes = 10
	recoveryCodeLength   = 16
	recoveryGroup        = 4
	recoveryAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// GenerateRecoveryCodes returns n random codes formatted as xxxx-xxxx-xxxx-xxxx.
func GenerateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	max := big.NewInt(int64(len(recoveryAlphabet)))
	for i := 0; i < n; i++ {
		var b strings.Builder
		for j := 0; j < recoveryCodeLength; j++ {
			if j > 0 && j%recoveryGroup == 0 {
				b.WriteByte('-')
			}
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, err
			}
			b.WriteByte(recoveryAlphabet[idx.Int64()])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}

// normalizeRecovery strips separators and case so users may retype codes loosely.
func normalizeRecovery(code string) string {
	r := strings.NewReplacer("-", "", " ", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(code)))
}

func hashRecovery(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// IssueRecoveryCodes replaces the user's recovery codes with a fresh set and
// returns the plaintext codes. They are never retrievable again.
func (v *Verifier) IssueRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := GenerateRecoveryCodes(v.codeCount)
	if err != nil {
		return nil, err
	}
	now := v.now().UTC()
	records := make([]*auth.RecoveryCode, 0, len(codes))
	for _, c := range codes {
		records = append(records, &auth.RecoveryCode{
			ID:        ids.New(),
			UserID:    userID,
			CodeHash:  hashRecovery(normalizeRecovery(c)),
			CreatedAt: now,
		})
	}
	if err := v.store.RecoveryCodes(ctx).Replace(ctx, userID, records); err != nil {
		return nil, err
	}
	return codes, nil
}

// ConsumeRecoveryCode marks the matching unused code as used. It reports
// true only for the single caller whose mark succeeded.
func (v *Verifier) ConsumeRecoveryCode(ctx context.Context, userID, code string) (bool, error) {
	normalized := normalizeRecovery(code)
	if len(normalized) != recoveryCodeLength {
		return false, nil
	}
	want := []byte(hashRecovery(normalized))

	store := v.store.RecoveryCodes(ctx)
	unused, err := store.ListUnused(ctx, userID)
	if err != nil {
		return false, err
	}
	var match *auth.RecoveryCode
	for _, rc := range unused {
		if subtle.ConstantTimeCompare([]byte(rc.CodeHash), want) == 1 {
			match = rc
		}
	}
	if match == nil {
		return false, nil
	}
	return store.MarkUsed(ctx, match.ID, v.now().UTC())
}

// RemainingRecoveryCodes counts unused codes.
func (v *Verifier) RemainingRecoveryCodes(ctx context.Context, userID string) (int, error) {
	unused, err := v.store.RecoveryCodes(ctx).ListUnused(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(unused), nil
}

// DiscardRecoveryCodes removes every code of the user.
func (v *Verifier) DiscardRecoveryCodes(ctx context.Context, userID string) error {
	return v.store.RecoveryCodes(ctx).DeleteAll(ctx, userID)
}
