// Package config loads service settings from an optional TOML file, a .env
// file and the process environment, in that order of increasing precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/SibhatG/betterauth/internal/risk"
)

const minSecretLength = 32

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Tokens    TokenConfig     `toml:"tokens"`
	WebAuthn  WebAuthnConfig  `toml:"webauthn"`
	MFA       MFAConfig       `toml:"mfa"`
	Risk      RiskConfig      `toml:"risk"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	HealthAddr      string        `toml:"health_addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`

	// TrustForwardedFor takes the client IP from X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool `toml:"trust_forwarded_for"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres backend when set; otherwise state is in memory.
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	// URL selects the Redis ceremony store when set.
	URL string `toml:"url"`
}

type TokenConfig struct {
	Secret     string        `toml:"secret"`
	Issuer     string        `toml:"issuer"`
	AccessTTL  time.Duration `toml:"access_ttl"`
	RefreshTTL time.Duration `toml:"refresh_ttl"`
	StepUpTTL  time.Duration `toml:"step_up_ttl"`
}

type WebAuthnConfig struct {
	RPID    string        `toml:"rp_id"`
	RPName  string        `toml:"rp_name"`
	Origins []string      `toml:"origins"`
	Timeout time.Duration `toml:"timeout"`
}

type MFAConfig struct {
	Issuer string `toml:"issuer"`
	// EncryptionKey is a base64 encoded 32 byte key sealing TOTP secrets.
	EncryptionKey string `toml:"encryption_key"`
	RecoveryCodes int    `toml:"recovery_codes"`
}

type RiskConfig struct {
	BlockAt      int `toml:"block_at"`
	RequireMFAAt int `toml:"require_mfa_at"`
	HistoryLimit int `toml:"history_limit"`
	// BreachList is an optional file of SHA-1 digests, one per line.
	BreachList string `toml:"breach_list"`
}

type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

type LogConfig struct {
	Level string `toml:"level"`
	Dev   bool   `toml:"dev"`
}

// Default returns settings suitable for local development, minus secrets.
func Default() *Config {
	p := risk.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			HealthAddr:      ":9090",
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Tokens: TokenConfig{
			Issuer:     "betterauth",
			AccessTTL:  time.Hour,
			RefreshTTL: 7 * 24 * time.Hour,
			StepUpTTL:  5 * time.Minute,
		},
		WebAuthn: WebAuthnConfig{
			RPID:    "localhost",
			RPName:  "Better Auth",
			Origins: []string{"http://localhost:8080"},
			Timeout: 5 * time.Minute,
		},
		MFA: MFAConfig{
			Issuer:        "Better Auth",
			RecoveryCodes: 10,
		},
		Risk: RiskConfig{
			BlockAt:      p.BlockAt,
			RequireMFAAt: p.RequireMFAAt,
			HistoryLimit: 200,
		},
		RateLimit: RateLimitConfig{PerSecond: 5, Burst: 20},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty), then .env (if present), then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadTOML(path); err != nil {
			return nil, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML overlays the file onto c. Unknown keys are rejected.
func (c *Config) LoadTOML(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("decode %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays BETTERAUTH_* variables (plus LOG_LEVEL and LOG_DEV).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs ValidateErrors
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: key, Message: err.Error()})
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: key, Message: err.Error()})
				return
			}
			*dst = n
		}
	}

	str("BETTERAUTH_ADDR", &c.Server.Addr)
	str("BETTERAUTH_HEALTH_ADDR", &c.Server.HealthAddr)
	str("BETTERAUTH_PG_DSN", &c.Database.DSN)
	str("BETTERAUTH_REDIS_URL", &c.Redis.URL)
	str("BETTERAUTH_JWT_SECRET", &c.Tokens.Secret)
	str("BETTERAUTH_JWT_ISSUER", &c.Tokens.Issuer)
	dur("BETTERAUTH_ACCESS_TTL", &c.Tokens.AccessTTL)
	dur("BETTERAUTH_REFRESH_TTL", &c.Tokens.RefreshTTL)
	str("BETTERAUTH_RP_ID", &c.WebAuthn.RPID)
	str("BETTERAUTH_RP_NAME", &c.WebAuthn.RPName)
	if v, ok := lookup("BETTERAUTH_RP_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.WebAuthn.Origins = origins
	}
	str("BETTERAUTH_TOTP_ISSUER", &c.MFA.Issuer)
	str("BETTERAUTH_MFA_KEY", &c.MFA.EncryptionKey)
	num("BETTERAUTH_RISK_BLOCK_AT", &c.Risk.BlockAt)
	num("BETTERAUTH_RISK_MFA_AT", &c.Risk.RequireMFAAt)
	str("BETTERAUTH_BREACH_LIST", &c.Risk.BreachList)
	if v, ok := lookup("BETTERAUTH_RATE_PER_SEC"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: "BETTERAUTH_RATE_PER_SEC", Message: err.Error()})
		} else {
			c.RateLimit.PerSecond = f
		}
	}
	num("BETTERAUTH_RATE_BURST", &c.RateLimit.Burst)
	if v, ok := lookup("BETTERAUTH_TRUST_FORWARDED_FOR"); ok {
		c.Server.TrustForwardedFor = v == "1" || strings.EqualFold(v, "true")
	}
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("LOG_DEV"); ok {
		c.Log.Dev = v == "1" || strings.EqualFold(v, "true")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidationError names one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, msg string) { errs = append(errs, ValidationError{Field: field, Message: msg}) }

	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if len(c.Tokens.Secret) < minSecretLength {
		add("tokens.secret", fmt.Sprintf("must be at least %d bytes", minSecretLength))
	}
	for field, ttl := range map[string]time.Duration{
		"tokens.access_ttl":  c.Tokens.AccessTTL,
		"tokens.refresh_ttl": c.Tokens.RefreshTTL,
		"tokens.step_up_ttl": c.Tokens.StepUpTTL,
		"webauthn.timeout":   c.WebAuthn.Timeout,
	} {
		if ttl <= 0 {
			add(field, "must be positive")
		}
	}
	if c.Tokens.RefreshTTL > 0 && c.Tokens.RefreshTTL < c.Tokens.AccessTTL {
		add("tokens.refresh_ttl", "must not be shorter than access_ttl")
	}
	if _, err := c.SealingKey(); err != nil {
		add("mfa.encryption_key", err.Error())
	}
	if c.MFA.RecoveryCodes <= 0 {
		add("mfa.recovery_codes", "must be positive")
	}
	if c.WebAuthn.RPID == "" {
		add("webauthn.rp_id", "must not be empty")
	}
	if len(c.WebAuthn.Origins) == 0 {
		add("webauthn.origins", "at least one origin is required")
	}
	if c.Risk.RequireMFAAt <= 0 || c.Risk.BlockAt <= c.Risk.RequireMFAAt || c.Risk.BlockAt > 100 {
		add("risk", "thresholds must satisfy 0 < require_mfa_at < block_at <= 100")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		add("rate_limit", "per_second and burst must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SealingKey decodes the MFA encryption key.
func (c *Config) SealingKey() ([]byte, error) {
	if c.MFA.EncryptionKey == "" {
		return nil, errors.New("must be set")
	}
	key, err := base64.StdEncoding.DecodeString(c.MFA.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// RiskPolicy applies the configured thresholds to the default weights.
func (c *Config) RiskPolicy() risk.Policy {
	p := risk.DefaultPolicy()
	if c.Risk.BlockAt > 0 {
		p.BlockAt = c.Risk.BlockAt
	}
	if c.Risk.RequireMFAAt > 0 {
		p.RequireMFAAt = c.Risk.RequireMFAAt
	}
	return p
}
