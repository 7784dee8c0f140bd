package risk

import (
	"context"
	"strings"
	"time"
)

// Engine scores login attempts against stored history.
type Engine struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default weights and thresholds.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine returns an Engine backed by store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, policy: DefaultPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// Identifier normalises a login identifier so failure counters are shared
// regardless of case or surrounding whitespace.
func Identifier(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Assess snapshots state for userID and identifier and scores attempt.
// A zero attempt timestamp is replaced with the engine clock.
func (e *Engine) Assess(ctx context.Context, userID, identifier string, attempt Attempt, compromised bool) (Assessment, error) {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = e.now()
	}
	snap, err := e.store.Snapshot(ctx, userID, Identifier(identifier))
	if err != nil {
		return Assessment{}, err
	}
	return e.policy.Evaluate(snap, attempt, compromised), nil
}

// RecordLogin appends an attempt to the user's history.
func (e *Engine) RecordLogin(ctx context.Context, userID string, attempt Attempt, success bool) error {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = e.now()
	}
	return e.store.AppendLogin(ctx, attempt.Record(userID, success))
}

// RecordFailure increments the failure counter for identifier.
func (e *Engine) RecordFailure(ctx context.Context, identifier string) error {
	return e.store.RecordFailure(ctx, Identifier(identifier), e.now(), e.policy.FailureWindow)
}

// ResetFailures clears the failure counter for identifier.
func (e *Engine) ResetFailures(ctx context.Context, identifier string) error {
	return e.store.ResetFailures(ctx, Identifier(identifier))
}
