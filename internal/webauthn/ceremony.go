package webauthn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/obs"
)

// Kind distinguishes registration from authentication ceremonies.
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// Ceremony is a pending challenge. It is consumed exactly once.
type Ceremony struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	UserID    string `json:"user_id"`
	Challenge string `json:"challenge"`
	// Credentials is the exclude list for registration and the allow list
	// for authentication.
	Credentials []string  `json:"credentials,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CeremonyStore keeps pending ceremonies.
type CeremonyStore interface {
	Put(ctx context.Context, c *Ceremony) error
	// Take removes and returns the ceremony in one indivisible step. Of several
	// concurrent callers with the same id at most one receives it; the rest,
	// and callers with unknown ids, get auth.ErrChallengeNotFound.
	Take(ctx context.Context, id string) (*Ceremony, error)
}

// MemoryCeremonies is an in-process CeremonyStore.
type MemoryCeremonies struct {
	mu    sync.Mutex
	items map[string]*Ceremony
	now   func() time.Time
}

// NewMemoryCeremonies returns an empty store.
func NewMemoryCeremonies() *MemoryCeremonies {
	return &MemoryCeremonies{items: make(map[string]*Ceremony), now: time.Now}
}

func (m *MemoryCeremonies) Put(_ context.Context, c *Ceremony) error {
	cp := *c
	cp.Credentials = append([]string(nil), c.Credentials...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[c.ID]; ok {
		return auth.ErrAlreadyExists
	}
	m.items[c.ID] = &cp
	return nil
}

func (m *MemoryCeremonies) Take(_ context.Context, id string) (*Ceremony, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, auth.ErrChallengeNotFound
	}
	delete(m.items, id)
	return c, nil
}

// Len reports the number of pending ceremonies.
func (m *MemoryCeremonies) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Sweep drops ceremonies that expired before now and returns how many were removed.
func (m *MemoryCeremonies) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, c := range m.items {
		if now.After(c.ExpiresAt) {
			delete(m.items, id)
			n++
		}
	}
	return n
}

// Run sweeps expired ceremonies every interval until ctx is done.
func (m *MemoryCeremonies) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				obs.Logger().Debug("swept expired webauthn ceremonies", zap.Int("count", n))
			}
		}
	}
}
