// Package webauthn runs passkey registration and authentication ceremonies.
package webauthn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/ids"
	"github.com/SibhatG/betterauth/internal/obs"
)

const defaultTimeout = 5 * time.Minute

// Config binds ceremonies to a relying party.
type Config struct {
	RPID    string
	RPName  string
	Origins []string
	Timeout time.Duration
}

// Options is the payload a client passes to navigator.credentials.
type Options struct {
	CeremonyID         string   `json:"ceremony_id"`
	Challenge          string   `json:"challenge"`
	RPID               string   `json:"rp_id"`
	RPName             string   `json:"rp_name,omitempty"`
	UserID             string   `json:"user_id"`
	Username           string   `json:"username,omitempty"`
	Timeout            int64    `json:"timeout"`
	Algorithms         []int64  `json:"algorithms,omitempty"`
	ExcludeCredentials []string `json:"exclude_credentials,omitempty"`
	AllowCredentials   []string `json:"allow_credentials,omitempty"`
	UserVerification   string   `json:"user_verification"`
}

// RegistrationResponse is the authenticator's reply to a registration ceremony.
type RegistrationResponse struct {
	CredentialID      string
	ClientDataJSON    []byte
	AttestationObject []byte
	// Name is a user supplied label for the passkey.
	Name string
}

// AssertionResponse is the authenticator's reply to an authentication ceremony.
type AssertionResponse struct {
	CredentialID      string
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// Assertion is a verified authentication.
type Assertion struct {
	Credential   *auth.WebAuthnCredential
	UserVerified bool
}

type attestationObject struct {
	Format   string         `cbor:"fmt"`
	AuthData []byte         `cbor:"authData"`
	AttStmt  map[string]any `cbor:"attStmt"`
}

var supportedAlgorithms = []int64{
	int64(webauthncose.AlgES256),
	int64(webauthncose.AlgEdDSA),
	int64(webauthncose.AlgRS256),
}

// Broker issues and completes ceremonies.
type Broker struct {
	cfg        Config
	rpIDHash   [32]byte
	store      auth.Store
	ceremonies CeremonyStore
	now        func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(b *Broker) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBroker validates cfg and returns a Broker.
func NewBroker(cfg Config, store auth.Store, ceremonies CeremonyStore, opts ...Option) (*Broker, error) {
	if strings.TrimSpace(cfg.RPID) == "" {
		return nil, errors.New("webauthn: rp id is required")
	}
	if len(cfg.Origins) == 0 {
		return nil, errors.New("webauthn: at least one origin is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RPName == "" {
		cfg.RPName = cfg.RPID
	}
	b := &Broker{
		cfg:        cfg,
		rpIDHash:   sha256.Sum256([]byte(cfg.RPID)),
		store:      store,
		ceremonies: ceremonies,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Broker) begin(ctx context.Context, kind Kind, userID string, credentials []string) (*Ceremony, error) {
	challenge, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("webauthn: create challenge: %w", err)
	}
	now := b.now().UTC()
	c := &Ceremony{
		ID:          ids.New(),
		Kind:        kind,
		UserID:      userID,
		Challenge:   challenge.String(),
		Credentials: credentials,
		CreatedAt:   now,
		ExpiresAt:   now.Add(b.cfg.Timeout),
	}
	if err := b.ceremonies.Put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Broker) options(c *Ceremony, username string) Options {
	return Options{
		CeremonyID:       c.ID,
		Challenge:        c.Challenge,
		RPID:             b.cfg.RPID,
		RPName:           b.cfg.RPName,
		UserID:           base64.RawURLEncoding.EncodeToString([]byte(c.UserID)),
		Username:         username,
		Timeout:          b.cfg.Timeout.Milliseconds(),
		UserVerification: string(protocol.VerificationPreferred),
	}
}

// StartRegistration opens a registration ceremony. existing credentials are
// excluded so an authenticator is not registered twice.
func (b *Broker) StartRegistration(ctx context.Context, userID, username string, existing []*auth.WebAuthnCredential) (Options, error) {
	if strings.TrimSpace(userID) == "" {
		return Options{}, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	exclude := credentialIDs(existing)
	c, err := b.begin(ctx, KindRegistration, userID, exclude)
	if err != nil {
		return Options{}, err
	}
	opts := b.options(c, username)
	opts.Algorithms = supportedAlgorithms
	opts.ExcludeCredentials = exclude
	return opts, nil
}

// CompleteRegistration consumes the ceremony and stores the new credential
// with its counter at zero. The ceremony must have been opened for userID.
func (b *Broker) CompleteRegistration(ctx context.Context, userID, ceremonyID string, resp RegistrationResponse) (*auth.WebAuthnCredential, error) {
	c, err := b.take(ctx, ceremonyID, KindRegistration)
	if err != nil {
		obs.ObserveCeremony(string(KindRegistration), "not_found")
		return nil, err
	}
	if c.UserID != userID {
		obs.ObserveCeremony(string(KindRegistration), "rejected")
		return nil, fmt.Errorf("%w: ceremony belongs to another user", auth.ErrCeremonyMismatch)
	}
	cred, err := b.verifyRegistration(c, resp)
	if err != nil {
		obs.ObserveCeremony(string(KindRegistration), "rejected")
		return nil, err
	}
	if err := b.store.Credentials(ctx).Add(ctx, cred); err != nil {
		obs.ObserveCeremony(string(KindRegistration), "error")
		return nil, err
	}
	obs.ObserveCeremony(string(KindRegistration), "ok")
	return cred, nil
}

func (b *Broker) verifyRegistration(c *Ceremony, resp RegistrationResponse) (*auth.WebAuthnCredential, error) {
	if err := b.verifyClientData(resp.ClientDataJSON, protocol.CreateCeremony, c.Challenge); err != nil {
		return nil, err
	}
	var att attestationObject
	if err := webauthncbor.Unmarshal(resp.AttestationObject, &att); err != nil {
		return nil, fmt.Errorf("%w: attestation object: %v", auth.ErrCeremonyMismatch, err)
	}
	var data protocol.AuthenticatorData
	if err := data.Unmarshal(att.AuthData); err != nil {
		return nil, fmt.Errorf("%w: authenticator data: %v", auth.ErrCeremonyMismatch, err)
	}
	if err := b.verifyAuthData(&data); err != nil {
		return nil, err
	}
	if !data.Flags.HasAttestedCredentialData() || len(data.AttData.CredentialID) == 0 {
		return nil, fmt.Errorf("%w: attested credential data missing", auth.ErrCeremonyMismatch)
	}
	credID := base64.RawURLEncoding.EncodeToString(data.AttData.CredentialID)
	if resp.CredentialID != "" && resp.CredentialID != credID {
		return nil, fmt.Errorf("%w: credential id does not match attestation", auth.ErrCeremonyMismatch)
	}
	for _, excluded := range c.Credentials {
		if excluded == credID {
			return nil, auth.ErrCredentialExists
		}
	}
	if _, err := webauthncose.ParsePublicKey(data.AttData.CredentialPublicKey); err != nil {
		return nil, fmt.Errorf("%w: credential public key: %v", auth.ErrCeremonyMismatch, err)
	}
	return &auth.WebAuthnCredential{
		ID:        credID,
		UserID:    c.UserID,
		PublicKey: append([]byte(nil), data.AttData.CredentialPublicKey...),
		Counter:   0,
		Name:      strings.TrimSpace(resp.Name),
		CreatedAt: b.now().UTC(),
	}, nil
}

// StartAuthentication opens an authentication ceremony for the owner of
// credentials. All credentials must belong to one user.
func (b *Broker) StartAuthentication(ctx context.Context, credentials []*auth.WebAuthnCredential) (Options, error) {
	if len(credentials) == 0 {
		return Options{}, auth.ErrCredentialNotFound
	}
	userID := credentials[0].UserID
	for _, cred := range credentials[1:] {
		if cred.UserID != userID {
			return Options{}, fmt.Errorf("%w: credentials belong to different users", auth.ErrInvalidInput)
		}
	}
	allow := credentialIDs(credentials)
	c, err := b.begin(ctx, KindAuthentication, userID, allow)
	if err != nil {
		return Options{}, err
	}
	opts := b.options(c, "")
	opts.AllowCredentials = allow
	return opts, nil
}

// CompleteAuthentication consumes the ceremony, verifies the assertion
// against the matching credential and advances its signature counter. The
// ceremony is gone afterwards whether or not verification succeeded.
func (b *Broker) CompleteAuthentication(ctx context.Context, ceremonyID string, resp AssertionResponse, credentials []*auth.WebAuthnCredential) (*Assertion, error) {
	c, err := b.take(ctx, ceremonyID, KindAuthentication)
	if err != nil {
		obs.ObserveCeremony(string(KindAuthentication), "not_found")
		return nil, err
	}
	assertion, err := b.verifyAssertion(ctx, c, resp, credentials)
	if err != nil {
		result := "rejected"
		if errors.Is(err, auth.ErrCounterNotIncreased) {
			result = "counter_rejected"
		}
		obs.ObserveCeremony(string(KindAuthentication), result)
		return nil, err
	}
	obs.ObserveCeremony(string(KindAuthentication), "ok")
	return assertion, nil
}

func (b *Broker) verifyAssertion(ctx context.Context, c *Ceremony, resp AssertionResponse, credentials []*auth.WebAuthnCredential) (*Assertion, error) {
	var cred *auth.WebAuthnCredential
	for _, candidate := range credentials {
		if candidate.ID == resp.CredentialID {
			cred = candidate
			break
		}
	}
	if cred == nil {
		return nil, auth.ErrCredentialNotFound
	}
	if cred.UserID != c.UserID || !contains(c.Credentials, cred.ID) {
		return nil, fmt.Errorf("%w: credential not allowed for this ceremony", auth.ErrCeremonyMismatch)
	}
	if len(resp.UserHandle) > 0 && string(resp.UserHandle) != c.UserID {
		return nil, fmt.Errorf("%w: user handle mismatch", auth.ErrCeremonyMismatch)
	}
	if err := b.verifyClientData(resp.ClientDataJSON, protocol.AssertCeremony, c.Challenge); err != nil {
		return nil, err
	}
	var data protocol.AuthenticatorData
	if err := data.Unmarshal(resp.AuthenticatorData); err != nil {
		return nil, fmt.Errorf("%w: authenticator data: %v", auth.ErrCeremonyMismatch, err)
	}
	if err := b.verifyAuthData(&data); err != nil {
		return nil, err
	}

	key, err := webauthncose.ParsePublicKey(cred.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("webauthn: stored public key: %w", err)
	}
	clientHash := sha256.Sum256(resp.ClientDataJSON)
	signed := make([]byte, 0, len(resp.AuthenticatorData)+len(clientHash))
	signed = append(signed, resp.AuthenticatorData...)
	signed = append(signed, clientHash[:]...)
	ok, err := webauthncose.VerifySignature(key, signed, resp.Signature)
	if err != nil || !ok {
		return nil, auth.ErrSignatureInvalid
	}

	if data.Counter <= cred.Counter {
		return nil, auth.ErrCounterNotIncreased
	}
	usedAt := b.now().UTC()
	if err := b.store.Credentials(ctx).AdvanceCounter(ctx, cred.ID, data.Counter, usedAt); err != nil {
		return nil, err
	}
	updated := *cred
	updated.Counter = data.Counter
	updated.LastUsedAt = &usedAt
	return &Assertion{Credential: &updated, UserVerified: data.Flags.UserVerified()}, nil
}

func (b *Broker) take(ctx context.Context, id string, kind Kind) (*Ceremony, error) {
	if strings.TrimSpace(id) == "" {
		return nil, auth.ErrChallengeNotFound
	}
	c, err := b.ceremonies.Take(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Kind != kind || b.now().After(c.ExpiresAt) {
		return nil, auth.ErrChallengeNotFound
	}
	return c, nil
}

func (b *Broker) verifyClientData(raw []byte, want protocol.CeremonyType, challenge string) error {
	var cd protocol.CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return fmt.Errorf("%w: client data: %v", auth.ErrCeremonyMismatch, err)
	}
	if cd.Type != want {
		return fmt.Errorf("%w: unexpected ceremony type %q", auth.ErrCeremonyMismatch, cd.Type)
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimRight(cd.Challenge, "=")), []byte(challenge)) != 1 {
		return fmt.Errorf("%w: challenge mismatch", auth.ErrCeremonyMismatch)
	}
	if !contains(b.cfg.Origins, cd.Origin) {
		return fmt.Errorf("%w: origin %q not allowed", auth.ErrCeremonyMismatch, cd.Origin)
	}
	return nil
}

func (b *Broker) verifyAuthData(data *protocol.AuthenticatorData) error {
	if !bytes.Equal(data.RPIDHash, b.rpIDHash[:]) {
		return fmt.Errorf("%w: relying party mismatch", auth.ErrCeremonyMismatch)
	}
	if !data.Flags.UserPresent() {
		return fmt.Errorf("%w: user not present", auth.ErrCeremonyMismatch)
	}
	return nil
}

func credentialIDs(creds []*auth.WebAuthnCredential) []string {
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.ID)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
