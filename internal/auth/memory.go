package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each sub-store has its own lock and
// returns copies so callers never alias stored records.
type MemoryStore struct {
	users    *memoryUsers
	sessions *memorySessions
	codes    *memoryCodes
	creds    *memoryCredentials
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    &memoryUsers{byID: make(map[string]*User)},
		sessions: &memorySessions{byID: make(map[string]*Session)},
		codes:    &memoryCodes{byID: make(map[string]*RecoveryCode)},
		creds:    &memoryCredentials{byID: make(map[string]*WebAuthnCredential)},
	}
}

func (m *MemoryStore) Users(context.Context) UserStore                 { return m.users }
func (m *MemoryStore) Sessions(context.Context) SessionStore           { return m.sessions }
func (m *MemoryStore) RecoveryCodes(context.Context) RecoveryCodeStore { return m.codes }
func (m *MemoryStore) Credentials(context.Context) CredentialStore     { return m.creds }

type memoryUsers struct {
	mu   sync.RWMutex
	byID map[string]*User
}

func cloneUser(u *User) *User {
	cp := *u
	return &cp
}

func (s *memoryUsers) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[u.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range s.byID {
		if strings.EqualFold(existing.Username, u.Username) {
			return ErrUsernameExists
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrEmailExists
		}
	}
	s.byID[u.ID] = cloneUser(u)
	return nil
}

func (s *memoryUsers) Find(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memoryUsers) findBy(match func(*User) bool) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	return s.findBy(func(u *User) bool { return strings.EqualFold(u.Username, username) })
}

func (s *memoryUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	return s.findBy(func(u *User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *memoryUsers) FindByLogin(_ context.Context, login string) (*User, error) {
	return s.findBy(func(u *User) bool {
		return strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login)
	})
}

func (s *memoryUsers) FindByVerificationToken(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.findBy(func(u *User) bool { return u.VerificationToken == token })
}

func (s *memoryUsers) FindByResetToken(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.findBy(func(u *User) bool { return u.ResetToken == token })
}

func (s *memoryUsers) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, err := s.FindByUsername(ctx, username)
	return err == nil, nil
}

func (s *memoryUsers) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := s.FindByEmail(ctx, email)
	return err == nil, nil
}

func (s *memoryUsers) update(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (s *memoryUsers) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	return s.update(userID, func(u *User) {
		t := at
		u.LastLoginAt = &t
		u.UpdatedAt = at
	})
}

func (s *memoryUsers) SetVerificationToken(_ context.Context, userID, token string, sentAt time.Time) error {
	return s.update(userID, func(u *User) {
		t := sentAt
		u.VerificationToken = token
		u.VerificationSentAt = &t
	})
}

func (s *memoryUsers) MarkEmailVerified(_ context.Context, userID string) error {
	return s.update(userID, func(u *User) {
		u.EmailVerified = true
		u.VerificationToken = ""
		u.VerificationSentAt = nil
	})
}

func (s *memoryUsers) SetResetToken(_ context.Context, userID, token string, sentAt time.Time) error {
	return s.update(userID, func(u *User) {
		t := sentAt
		u.ResetToken = token
		u.ResetSentAt = &t
	})
}

func (s *memoryUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	return s.update(userID, func(u *User) {
		u.PasswordHash = passwordHash
		u.ResetToken = ""
		u.ResetSentAt = nil
	})
}

func (s *memoryUsers) SetMFASecret(_ context.Context, userID, sealedSecret string) error {
	return s.update(userID, func(u *User) { u.MFASecret = sealedSecret })
}

func (s *memoryUsers) SetMFAEnabled(_ context.Context, userID string, enabled bool) error {
	return s.update(userID, func(u *User) {
		u.MFAEnabled = enabled
		if !enabled {
			u.MFASecret = ""
		}
	})
}

type memorySessions struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func cloneSession(s *Session) *Session {
	cp := *s
	return &cp
}

func (s *memorySessions) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sess.ID]; ok {
		return ErrAlreadyExists
	}
	s.byID[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memorySessions) Find(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *memorySessions) ListActive(_ context.Context, userID string, now time.Time) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.byID {
		if sess.UserID == userID && sess.ActiveAt(now) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memorySessions) Rotate(_ context.Context, oldID string, next *Session, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[oldID]
	if !ok || !old.ActiveAt(now) {
		return ErrInvalidToken
	}
	if _, ok := s.byID[next.ID]; ok {
		return ErrAlreadyExists
	}
	old.Revoked = true
	old.UpdatedAt = now
	s.byID[next.ID] = cloneSession(next)
	return nil
}

func (s *memorySessions) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Revoked {
		sess.Revoked = true
		sess.UpdatedAt = at
	}
	return nil
}

func (s *memorySessions) RevokeAll(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.byID {
		if sess.UserID == userID && !sess.Revoked {
			sess.Revoked = true
			sess.UpdatedAt = at
		}
	}
	return nil
}

type memoryCodes struct {
	mu   sync.Mutex
	byID map[string]*RecoveryCode
}

func (s *memoryCodes) Replace(_ context.Context, userID string, codes []*RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.byID {
		if c.UserID == userID {
			delete(s.byID, id)
		}
	}
	for _, c := range codes {
		cp := *c
		s.byID[c.ID] = &cp
	}
	return nil
}

func (s *memoryCodes) ListUnused(_ context.Context, userID string) ([]*RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RecoveryCode
	for _, c := range s.byID {
		if c.UserID == userID && !c.Used {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryCodes) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.Used {
		return false, nil
	}
	t := at
	c.Used = true
	c.UsedAt = &t
	return true, nil
}

func (s *memoryCodes) DeleteAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.byID {
		if c.UserID == userID {
			delete(s.byID, id)
		}
	}
	return nil
}

type memoryCredentials struct {
	mu   sync.RWMutex
	byID map[string]*WebAuthnCredential
}

func cloneCredential(c *WebAuthnCredential) *WebAuthnCredential {
	cp := *c
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func (s *memoryCredentials) Add(_ context.Context, c *WebAuthnCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return ErrCredentialExists
	}
	s.byID[c.ID] = cloneCredential(c)
	return nil
}

func (s *memoryCredentials) Find(_ context.Context, id string) (*WebAuthnCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *memoryCredentials) ListByUser(_ context.Context, userID string) ([]*WebAuthnCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WebAuthnCredential
	for _, c := range s.byID {
		if c.UserID == userID {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryCredentials) AdvanceCounter(_ context.Context, id string, counter uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if counter <= c.Counter {
		return ErrCounterNotIncreased
	}
	t := usedAt
	c.Counter = counter
	c.LastUsedAt = &t
	return nil
}
