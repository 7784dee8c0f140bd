package auth

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

var cheapParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}

func TestHasherRoundTrip(t *testing.T) {
	h := NewHasher(cheapParams)
	digest, err := h.Hash("Password123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(digest, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected digest format: %s", digest)
	}
	ok, err := h.Verify("Password123", digest)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("password123", digest)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestHasherSaltsEachDigest(t *testing.T) {
	h := NewHasher(cheapParams)
	a, _ := h.Hash("Password123")
	b, _ := h.Hash("Password123")
	if a == b {
		t.Fatalf("expected distinct digests for the same secret")
	}
}

func TestHasherVerifiesForeignParams(t *testing.T) {
	digest, err := NewHasher(Argon2Params{Memory: 2048, Iterations: 2, Parallelism: 1}).Hash("Password123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h := NewHasher(cheapParams)
	ok, err := h.Verify("Password123", digest)
	if err != nil || !ok {
		t.Fatalf("expected match across params, got ok=%v err=%v", ok, err)
	}
	if !h.NeedsRehash(digest) {
		t.Fatalf("expected rehash for different params")
	}
}

func TestHasherAcceptsLegacyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("Password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := NewHasher(cheapParams)
	ok, err := h.Verify("Password123", string(legacy))
	if err != nil || !ok {
		t.Fatalf("expected bcrypt match, got ok=%v err=%v", ok, err)
	}
	ok, _ = h.Verify("nope", string(legacy))
	if ok {
		t.Fatalf("expected bcrypt mismatch")
	}
	if !h.NeedsRehash(string(legacy)) {
		t.Fatalf("bcrypt digests should be rehashed")
	}
}

func TestHasherRejectsMalformed(t *testing.T) {
	h := NewHasher(cheapParams)
	for _, digest := range []string{"", "plain", "$argon2id$v=19$m=x$a$b", "$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5"} {
		if _, err := h.Verify("x", digest); err == nil {
			t.Fatalf("expected error for %q", digest)
		}
	}
	if _, err := h.Hash(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty secret, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	for _, name := range []string{"user123", "user_name", "user-name"} {
		if err := ValidateUsername(name); err != nil {
			t.Fatalf("username %q: %v", name, err)
		}
	}
	for _, name := range []string{"us", "user.name", "user@name", strings.Repeat("a", 31)} {
		if err := ValidateUsername(name); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("username %q should be rejected", name)
		}
	}
	for _, email := range []string{"user@example.com", "user.name@example.co.uk"} {
		if err := ValidateEmail(email); err != nil {
			t.Fatalf("email %q: %v", email, err)
		}
	}
	for _, email := range []string{"user", "user@", "@example.com", "user@.com"} {
		if err := ValidateEmail(email); err == nil {
			t.Fatalf("email %q should be rejected", email)
		}
	}
	if err := ValidatePassword("Password123"); err != nil {
		t.Fatalf("password: %v", err)
	}
	for _, pw := range []string{"Pass1", "password123", "PASSWORD123", "Passwordabc"} {
		if err := ValidatePassword(pw); err == nil {
			t.Fatalf("password %q should be rejected", pw)
		}
	}
	if err := ValidatePasswordPair("Password123", "Password124"); err == nil {
		t.Fatalf("mismatched confirmation should be rejected")
	}
}

func TestKindOfAndPublic(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		public string
	}{
		{ErrInvalidCredentials, KindAuthentication, "invalid credentials"},
		{fmt.Errorf("verify: %w", ErrSignatureInvalid), KindAuthentication, "invalid credentials"},
		{ErrInvalidMFACode, KindAuthentication, "invalid verification code"},
		{ErrTokenExpired, KindToken, "token expired"},
		{ErrInvalidToken, KindToken, "invalid token"},
		{fmt.Errorf("%w: username is required", ErrInvalidInput), KindValidation, "username is required"},
		{ErrRiskBlocked, KindDenied, "login blocked"},
		{ErrPermissionDenied, KindDenied, "permission denied"},
		{ErrUserNotFound, KindNotFound, "invalid credentials"},
		{ErrEmailExists, KindConflict, "email already registered"},
		{ErrRateLimited, KindRateLimited, "rate limit exceeded"},
		{errors.New("pq: connection refused"), KindInternal, "internal server error"},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf(%v) = %v, want %v", tc.err, got, tc.kind)
		}
		if got := Public(tc.err); got != tc.public {
			t.Fatalf("Public(%v) = %q, want %q", tc.err, got, tc.public)
		}
	}
}
