// Package redisstore keeps short-lived WebAuthn ceremonies in Redis so any
// API replica can complete a ceremony another one started.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

const defaultPrefix = "betterauth:ceremony:"

var _ webauthn.CeremonyStore = (*Ceremonies)(nil)

// Ceremonies implements webauthn.CeremonyStore. Entries expire with the
// ceremony itself.
type Ceremonies struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures Ceremonies.
type Option func(*Ceremonies)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Ceremonies) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Ceremonies) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New wraps client.
func New(client redis.UniversalClient, opts ...Option) *Ceremonies {
	c := &Ceremonies{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial parses a redis:// URL and checks the server is reachable.
func Dial(ctx context.Context, url string, opts ...Option) (*Ceremonies, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

func (c *Ceremonies) key(id string) string { return c.prefix + id }

func (c *Ceremonies) Put(ctx context.Context, cer *webauthn.Ceremony) error {
	ttl := cer.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: ceremony already expired", auth.ErrInvalidInput)
	}
	raw, err := json.Marshal(cer)
	if err != nil {
		return fmt.Errorf("encode ceremony: %w", err)
	}
	ok, err := c.client.SetNX(ctx, c.key(cer.ID), raw, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrAlreadyExists
	}
	return nil
}

// Take uses GETDEL so only one caller observes the value.
func (c *Ceremonies) Take(ctx context.Context, id string) (*webauthn.Ceremony, error) {
	raw, err := c.client.GetDel(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	var cer webauthn.Ceremony
	if err := json.Unmarshal(raw, &cer); err != nil {
		return nil, fmt.Errorf("decode ceremony: %w", err)
	}
	return &cer, nil
}

// Ping reports whether Redis answers.
func (c *Ceremonies) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *Ceremonies) Close() error { return c.client.Close() }
