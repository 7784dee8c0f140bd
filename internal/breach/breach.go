// Package breach answers whether a password appears in a known-compromised set.
package breach

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Checker reports whether a password digest is known to be compromised.
type Checker interface {
	IsCompromised(ctx context.Context, digest string) (bool, error)
}

// Digest returns the uppercase hex SHA-1 of password, the form used by
// public breach corpora.
func Digest(password string) string {
	sum := sha1.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

var commonPasswords = []string{
	"123456", "password", "12345678", "qwerty", "123456789",
	"12345", "1234", "111111", "1234567", "dragon",
	"123123", "baseball", "abc123", "football", "monkey",
	"letmein", "shadow", "master", "666666", "qwertyuiop",
	"Password1", "Password123", "Qwerty123", "Welcome1", "Letmein1",
}

// Set is an in-memory Checker.
type Set struct {
	mu      sync.RWMutex
	digests map[string]struct{}
}

// NewSet returns a Set seeded with the digests of passwords.
func NewSet(passwords ...string) *Set {
	s := &Set{digests: make(map[string]struct{}, len(passwords))}
	for _, p := range passwords {
		s.digests[Digest(p)] = struct{}{}
	}
	return s
}

// Default returns a Set seeded with widely reused passwords.
func Default() *Set {
	return NewSet(commonPasswords...)
}

// AddDigest marks a SHA-1 digest as compromised.
func (s *Set) AddDigest(digest string) {
	s.mu.Lock()
	s.digests[strings.ToUpper(strings.TrimSpace(digest))] = struct{}{}
	s.mu.Unlock()
}

// Load reads digests one per line. Lines may carry a ":count" suffix and
// blank or '#' lines are skipped.
func (s *Set) Load(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	var n int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, ':'); i >= 0 {
			line = line[:i]
		}
		if len(line) != sha1.Size*2 {
			return n, fmt.Errorf("breach: malformed digest %q", line)
		}
		s.AddDigest(line)
		n++
	}
	return n, sc.Err()
}

// Len returns the number of known digests.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.digests)
}

func (s *Set) IsCompromised(_ context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.digests[strings.ToUpper(digest)]
	return ok, nil
}
