package risk

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount        = 32
	defaultHistoryCap = 200
)

type shard struct {
	mu       sync.RWMutex
	history  map[string][]LoginRecord
	failures map[string]FailedAttempts
}

// MemoryStore keeps history and failure counters in process, split across
// shards so unrelated users do not contend on one lock.
type MemoryStore struct {
	shards     [shardCount]*shard
	historyCap int
}

// NewMemoryStore keeps at most historyCap records per user; <=0 uses the default.
func NewMemoryStore(historyCap int) *MemoryStore {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	m := &MemoryStore{historyCap: historyCap}
	for i := range m.shards {
		m.shards[i] = &shard{
			history:  make(map[string][]LoginRecord),
			failures: make(map[string]FailedAttempts),
		}
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) AppendLogin(_ context.Context, rec LoginRecord) error {
	s := m.shardFor("u:" + rec.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[rec.UserID], rec)
	if len(h) > m.historyCap {
		h = append([]LoginRecord(nil), h[len(h)-m.historyCap:]...)
	}
	s.history[rec.UserID] = h
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, identifier string, at time.Time, window time.Duration) error {
	s := m.shardFor("f:" + identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[identifier]
	if !ok || at.Sub(f.FirstAttempt) > window {
		f = FailedAttempts{Identifier: identifier, FirstAttempt: at}
	}
	f.Count++
	f.LastAttempt = at
	s.failures[identifier] = f
	return nil
}

func (m *MemoryStore) ResetFailures(_ context.Context, identifier string) error {
	s := m.shardFor("f:" + identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, identifier)
	return nil
}

// Snapshot copies the user's successful logins and the identifier's counter.
// The two reads take separate shard locks, one at a time.
func (m *MemoryStore) Snapshot(_ context.Context, userID, identifier string) (Snapshot, error) {
	var snap Snapshot
	if userID != "" {
		s := m.shardFor("u:" + userID)
		s.mu.RLock()
		for _, rec := range s.history[userID] {
			if rec.Success {
				snap.History = append(snap.History, rec)
			}
		}
		s.mu.RUnlock()
	}
	if identifier != "" {
		s := m.shardFor("f:" + identifier)
		s.mu.RLock()
		snap.Failures = s.failures[identifier]
		s.mu.RUnlock()
	}
	return snap, nil
}

// History returns every record for userID, oldest first.
func (m *MemoryStore) History(userID string) []LoginRecord {
	s := m.shardFor("u:" + userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LoginRecord(nil), s.history[userID]...)
}
