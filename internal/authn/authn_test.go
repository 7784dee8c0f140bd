package authn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/SibhatG/betterauth/internal/audit"
	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/breach"
	"github.com/SibhatG/betterauth/internal/mfa"
	"github.com/SibhatG/betterauth/internal/obs"
	"github.com/SibhatG/betterauth/internal/risk"
	"github.com/SibhatG/betterauth/internal/session"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

const testPassword = "Str0ngPass"

var (
	home = risk.Attempt{
		DeviceID:  "laptop",
		IP:        "203.0.113.5",
		UserAgent: "test-agent",
		Location:  &risk.GeoLocation{Latitude: 48.8566, Longitude: 2.3522, City: "Paris"},
	}
	newYork = risk.Attempt{
		DeviceID:  "laptop",
		IP:        "198.51.100.7",
		UserAgent: "test-agent",
		Location:  &risk.GeoLocation{Latitude: 40.7128, Longitude: -74.0060, City: "New York"},
	}
)

type recordingMailer struct {
	mu           sync.Mutex
	verification map[string]string
	reset        map[string]string
}

func (m *recordingMailer) SendVerification(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verification[email] = token
	return nil
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset[email] = token
	return nil
}

type env struct {
	ctx      context.Context
	now      time.Time
	store    *auth.MemoryStore
	history  *risk.MemoryStore
	breached *breach.Set
	mail     *recordingMailer
	svc      *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:      context.Background(),
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		store:    auth.NewMemoryStore(),
		history:  risk.NewMemoryStore(50),
		breached: breach.NewSet("Breached123"),
		mail:     &recordingMailer{verification: map[string]string{}, reset: map[string]string{}},
	}
	clock := func() time.Time { return e.now }

	sealer, err := mfa.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	tokens, err := session.NewTokens(strings.Repeat("k", 32), session.WithTokenClock(clock))
	require.NoError(t, err)
	broker, err := webauthn.NewBroker(webauthn.Config{
		RPID:    testRPID,
		RPName:  "Better Auth",
		Origins: []string{testOrigin},
	}, e.store, webauthn.NewMemoryCeremonies(), webauthn.WithClock(clock))
	require.NoError(t, err)

	e.svc, err = NewService(Deps{
		Store:    e.store,
		MFA:      mfa.NewVerifier(e.store, sealer, mfa.WithClock(clock)),
		Passkeys: broker,
		Risk:     risk.NewEngine(e.history, risk.WithClock(clock)),
		Sessions: session.NewManager(e.store, session.WithClock(clock)),
		Tokens:   tokens,
	},
		WithClock(clock),
		WithHasher(auth.NewHasher(auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1})),
		WithBreachChecker(e.breached),
		WithMailer(e.mail),
	)
	require.NoError(t, err)
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *env) register(t *testing.T, username string) *auth.User {
	t.Helper()
	u, err := e.svc.Register(e.ctx, RegisterRequest{
		Username:             username,
		Email:                username + "@example.com",
		Password:             testPassword,
		PasswordConfirmation: testPassword,
	})
	require.NoError(t, err)
	return u
}

func (e *env) login(login, password string, attempt risk.Attempt) (*Result, error) {
	return e.svc.Login(e.ctx, LoginRequest{Login: login, Password: password, Attempt: attempt})
}

func (e *env) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := totp.GenerateCode(secret, e.now)
	require.NoError(t, err)
	return c
}

// enableMFA enrols and activates TOTP, then moves the clock to the next step
// so the enabling code cannot collide with the next one.
func (e *env) enableMFA(t *testing.T, userID string) (string, []string) {
	t.Helper()
	setup, err := e.svc.SetupMFA(e.ctx, userID)
	require.NoError(t, err)
	require.Contains(t, setup.URI, "otpauth://totp/")
	codes, err := e.svc.EnableMFA(e.ctx, userID, e.code(t, setup.Secret))
	require.NoError(t, err)
	e.advance(30 * time.Second)
	return setup.Secret, codes
}

func (e *env) enrollPasskey(t *testing.T, userID string) *softKey {
	t.Helper()
	k := newSoftKey(t)
	opts, err := e.svc.StartPasskeyRegistration(e.ctx, userID)
	require.NoError(t, err)
	cred, err := e.svc.FinishPasskeyRegistration(e.ctx, userID, opts.CeremonyID, k.register(t, opts))
	require.NoError(t, err)
	require.Equal(t, k.id(), cred.ID)
	return k
}

func (e *env) failures(t *testing.T, login string) int {
	t.Helper()
	snap, err := e.history.Snapshot(e.ctx, "", risk.Identifier(login))
	require.NoError(t, err)
	return snap.Failures.Count
}

func (e *env) sessions(t *testing.T, userID string) []*auth.Session {
	t.Helper()
	list, err := e.svc.ListSessions(e.ctx, userID)
	require.NoError(t, err)
	return list
}

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	t.Cleanup(obs.SetLogger(zap.New(core)))
	return logs
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{})
	require.Error(t, err)
}

func TestPasswordLoginIssuesTokens(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")

	res, err := e.login("ALICE@example.com", testPassword, home)
	require.NoError(t, err)
	require.Nil(t, res.StepUp)
	require.NotNil(t, res.Tokens)
	require.Equal(t, u.ID, res.Tokens.UserID)
	require.NotEmpty(t, res.Tokens.RefreshToken)

	p, err := e.svc.Authenticate(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, u.ID, p.UserID)
	require.False(t, p.Admin)

	require.Len(t, e.sessions(t, u.ID), 1)
	hist := e.history.History(u.ID)
	require.Len(t, hist, 1)
	require.True(t, hist[0].Success)

	got, err := e.svc.User(e.ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, e.store.Users(e.ctx).UpdatePassword(e.ctx, u.ID, string(legacy)))

	_, err = e.login("alice", testPassword, home)
	require.NoError(t, err)

	got, err := e.svc.User(e.ctx, u.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got.PasswordHash, "$argon2id$"), got.PasswordHash)

	_, err = e.login("alice", testPassword, home)
	require.NoError(t, err)
}

func TestLoginValidatesBeforeLookup(t *testing.T) {
	e := newEnv(t)
	_, err := e.login(" ", testPassword, home)
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = e.login("alice", "", home)
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	require.Zero(t, e.failures(t, "alice"))
}

func TestUnknownUserLooksLikeBadPassword(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice")
	logs := observe(t)

	_, errUnknown := e.login("nobody", testPassword, home)
	_, errBad := e.login("alice", "Wr0ngPassword", home)
	require.ErrorIs(t, errUnknown, auth.ErrInvalidCredentials)
	require.ErrorIs(t, errBad, auth.ErrInvalidCredentials)
	require.Equal(t, auth.Public(errUnknown), auth.Public(errBad))

	require.Equal(t, 1, e.failures(t, "nobody"))
	require.Equal(t, 1, e.failures(t, "alice"))

	failed := logs.FilterField(zap.String("event", audit.LoginFailed)).All()
	require.Len(t, failed, 2)
	require.Equal(t, "user_not_found", failed[0].ContextMap()["reason"])
	require.Equal(t, "bad_password", failed[1].ContextMap()["reason"])
}

func TestSuccessfulLoginResetsFailures(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	for i := 0; i < 4; i++ {
		_, err := e.login("alice", "Wr0ngPassword", home)
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	require.Equal(t, 4, e.failures(t, "alice"))

	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	require.Zero(t, e.failures(t, "alice"))

	var failed int
	for _, rec := range e.history.History(u.ID) {
		if !rec.Success {
			failed++
		}
	}
	require.Equal(t, 4, failed)
}

func TestInactiveUserIsDenied(t *testing.T) {
	e := newEnv(t)
	hasher := auth.NewHasher(auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1})
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, e.store.Users(e.ctx).Create(e.ctx, &auth.User{
		ID: "u-inactive", Username: "dormant", Email: "dormant@example.com", PasswordHash: hash,
	}))

	_, err = e.login("dormant", testPassword, home)
	require.ErrorIs(t, err, auth.ErrPermissionDenied)
	require.Empty(t, e.sessions(t, "u-inactive"))
}

func TestBreachedPasswordBlocksLogin(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	e.breached.AddDigest(breach.Digest(testPassword))
	logs := observe(t)

	_, err := e.login("alice", testPassword, home)
	require.ErrorIs(t, err, auth.ErrRiskBlocked)
	require.Empty(t, e.sessions(t, u.ID))
	require.Zero(t, e.failures(t, "alice"), "a blocked login is not a failed password")

	assessed := logs.FilterField(zap.String("event", audit.RiskAssessed)).All()
	require.Len(t, assessed, 1)
	require.Equal(t, []risk.TriggeredFactor{
		{Name: risk.FactorCompromisedPassword, Weight: risk.DefaultPolicy().CompromisedPassword},
	}, assessed[0].ContextMap()["factors"])
}

func TestImpossibleTravelWithoutSecondFactor(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	_, err := e.login("alice", testPassword, home)
	require.NoError(t, err)

	e.advance(10 * time.Minute)
	_, err = e.login("alice", testPassword, newYork)
	require.ErrorIs(t, err, auth.ErrStepUpUnavailable)
	require.Len(t, e.sessions(t, u.ID), 1)
}

func TestRiskBlockBeatsCorrectCredentials(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	secret, _ := e.enableMFA(t, u.ID)
	res, err := e.svc.Login(e.ctx, LoginRequest{Login: "alice", Password: testPassword, Code: e.code(t, secret), Attempt: home})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)

	for i := 0; i < 4; i++ {
		_, err := e.login("alice", "Wr0ngPassword", newYork)
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	e.advance(10 * time.Minute)
	_, err = e.svc.Login(e.ctx, LoginRequest{Login: "alice", Password: testPassword, Code: e.code(t, secret), Attempt: newYork})
	require.ErrorIs(t, err, auth.ErrRiskBlocked)
	require.Equal(t, 4, e.failures(t, "alice"))
	require.Len(t, e.sessions(t, u.ID), 1)
}

func TestMFALoginHaltsUntilCode(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	secret, codes := e.enableMFA(t, u.ID)
	require.Len(t, codes, 10)

	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	require.Nil(t, res.Tokens)
	require.NotNil(t, res.StepUp)
	require.Equal(t, reasonMFAEnabled, res.StepUp.Reason)
	require.Equal(t, []string{MethodTOTP, MethodRecovery}, res.StepUp.Methods)
	require.Empty(t, e.sessions(t, u.ID))

	_, err = e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token, Code: "000000"})
	require.ErrorIs(t, err, auth.ErrInvalidMFACode)
	require.Equal(t, 1, e.failures(t, "alice"))
	require.Empty(t, e.sessions(t, u.ID))

	done, err := e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token, Code: e.code(t, secret)})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)
	require.Len(t, e.sessions(t, u.ID), 1)
	require.Zero(t, e.failures(t, "alice"))
}

func TestTOTPCodeIsNotReplayable(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	secret, _ := e.enableMFA(t, u.ID)
	code := e.code(t, secret)

	res, err := e.svc.Login(e.ctx, LoginRequest{Login: "alice", Password: testPassword, Code: code, Attempt: home})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)

	_, err = e.svc.Login(e.ctx, LoginRequest{Login: "alice", Password: testPassword, Code: code, Attempt: home})
	require.ErrorIs(t, err, auth.ErrInvalidMFACode)
}

func TestRecoveryCodeCompletesLoginOnce(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	_, codes := e.enableMFA(t, u.ID)

	res, err := e.svc.Login(e.ctx, LoginRequest{Login: "alice", Password: testPassword, Code: strings.ToLower(codes[3]), Attempt: home})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	left, err := e.svc.RemainingRecoveryCodes(e.ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, 9, left)

	_, err = e.svc.Login(e.ctx, LoginRequest{Login: "alice", Password: testPassword, Code: codes[3], Attempt: home})
	require.ErrorIs(t, err, auth.ErrInvalidMFACode)
}

func TestConcurrentStepUpWithOneRecoveryCode(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	_, codes := e.enableMFA(t, u.ID)
	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	require.NotNil(t, res.StepUp)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token, Code: codes[0]})
			if err == nil && out.Tokens != nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, auth.ErrInvalidMFACode) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Len(t, e.sessions(t, u.ID), 1)
}

func TestStepUpTokenExpires(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	secret, _ := e.enableMFA(t, u.ID)
	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)

	e.advance(6 * time.Minute)
	_, err = e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token, Code: e.code(t, secret)})
	require.ErrorIs(t, err, auth.ErrTokenExpired)

	_, err = e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: "garbage", Code: e.code(t, secret)})
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token})
	require.Error(t, err)
}

func TestRiskStepUpWithPasskey(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	k := e.enrollPasskey(t, u.ID)
	_, err := e.login("alice", testPassword, home)
	require.NoError(t, err)

	e.advance(10 * time.Minute)
	res, err := e.login("alice", testPassword, newYork)
	require.NoError(t, err)
	require.NotNil(t, res.StepUp)
	require.Equal(t, reasonRisk, res.StepUp.Reason)
	require.Equal(t, []string{MethodPasskey}, res.StepUp.Methods)

	_, err = e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token, Code: "123456"})
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	opts, err := e.svc.StartStepUpPasskey(e.ctx, res.StepUp.Token)
	require.NoError(t, err)
	require.Equal(t, []string{k.id()}, opts.AllowCredentials)
	assertion := k.assert(t, opts)
	done, err := e.svc.CompleteStepUp(e.ctx, StepUpRequest{
		Token:      res.StepUp.Token,
		CeremonyID: opts.CeremonyID,
		Assertion:  &assertion,
	})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)
	require.Len(t, e.sessions(t, u.ID), 2)
}

func TestPasskeyLogin(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	k := e.enrollPasskey(t, u.ID)

	opts, err := e.svc.StartPasskeyLogin(e.ctx, "alice")
	require.NoError(t, err)
	res, err := e.svc.FinishPasskeyLogin(e.ctx, PasskeyLoginRequest{
		CeremonyID: opts.CeremonyID,
		Assertion:  k.assert(t, opts),
		Attempt:    home,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	require.Equal(t, u.ID, res.Tokens.UserID)

	creds, err := e.svc.ListPasskeys(e.ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	require.Equal(t, uint32(1), creds[0].Counter)
	require.Equal(t, "test key", creds[0].Name)
}

func TestPasskeyLoginResolvesUserFirst(t *testing.T) {
	e := newEnv(t)
	e.register(t, "bob")

	_, err := e.svc.StartPasskeyLogin(e.ctx, "nobody")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = e.svc.StartPasskeyLogin(e.ctx, "bob")
	require.ErrorIs(t, err, auth.ErrCredentialNotFound)
}

func TestPasskeyCounterRegressionIsRejected(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	k := e.enrollPasskey(t, u.ID)

	opts, err := e.svc.StartPasskeyLogin(e.ctx, "alice")
	require.NoError(t, err)
	_, err = e.svc.FinishPasskeyLogin(e.ctx, PasskeyLoginRequest{CeremonyID: opts.CeremonyID, Assertion: k.assert(t, opts), Attempt: home})
	require.NoError(t, err)

	logs := observe(t)
	k.counter = 0
	opts, err = e.svc.StartPasskeyLogin(e.ctx, "alice")
	require.NoError(t, err)
	_, err = e.svc.FinishPasskeyLogin(e.ctx, PasskeyLoginRequest{CeremonyID: opts.CeremonyID, Assertion: k.assert(t, opts), Attempt: home})
	require.ErrorIs(t, err, auth.ErrCounterNotIncreased)
	require.Equal(t, 1, logs.FilterField(zap.String("event", audit.PasskeyCounterReject)).Len())
	require.Equal(t, 1, e.failures(t, "alice"))
	require.Len(t, e.sessions(t, u.ID), 1)
}

func TestPasskeyWithoutVerificationStepsUp(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	secret, _ := e.enableMFA(t, u.ID)
	k := e.enrollPasskey(t, u.ID)
	k.flags &^= protocol.FlagUserVerified

	opts, err := e.svc.StartPasskeyLogin(e.ctx, "alice")
	require.NoError(t, err)
	res, err := e.svc.FinishPasskeyLogin(e.ctx, PasskeyLoginRequest{CeremonyID: opts.CeremonyID, Assertion: k.assert(t, opts), Attempt: home})
	require.NoError(t, err)
	require.NotNil(t, res.StepUp)
	require.Equal(t, []string{MethodTOTP, MethodRecovery}, res.StepUp.Methods)

	done, err := e.svc.CompleteStepUp(e.ctx, StepUpRequest{Token: res.StepUp.Token, Code: e.code(t, secret)})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)
}

func TestVerifiedPasskeySatisfiesRiskStepUp(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	k := e.enrollPasskey(t, u.ID)
	_, err := e.login("alice", testPassword, home)
	require.NoError(t, err)

	e.advance(10 * time.Minute)
	opts, err := e.svc.StartPasskeyLogin(e.ctx, "alice")
	require.NoError(t, err)
	res, err := e.svc.FinishPasskeyLogin(e.ctx, PasskeyLoginRequest{CeremonyID: opts.CeremonyID, Assertion: k.assert(t, opts), Attempt: newYork})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
}

func TestPasskeyRegistrationForAnotherUserFails(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	k := newSoftKey(t)

	opts, err := e.svc.StartPasskeyRegistration(e.ctx, alice.ID)
	require.NoError(t, err)
	_, err = e.svc.FinishPasskeyRegistration(e.ctx, bob.ID, opts.CeremonyID, k.register(t, opts))
	require.ErrorIs(t, err, auth.ErrCeremonyMismatch)

	_, err = e.svc.StartPasskeyRegistration(e.ctx, "missing")
	require.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice")

	cases := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"short username", RegisterRequest{"al", "al@example.com", testPassword, testPassword}, auth.ErrInvalidInput},
		{"bad email", RegisterRequest{"carol", "carol", testPassword, testPassword}, auth.ErrInvalidInput},
		{"weak password", RegisterRequest{"carol", "carol@example.com", "password", "password"}, auth.ErrInvalidInput},
		{"mismatch", RegisterRequest{"carol", "carol@example.com", testPassword, testPassword + "x"}, auth.ErrInvalidInput},
		{"username taken", RegisterRequest{"ALICE", "other@example.com", testPassword, testPassword}, auth.ErrUsernameExists},
		{"email taken", RegisterRequest{"carol", "Alice@Example.com", testPassword, testPassword}, auth.ErrEmailExists},
		{"breached", RegisterRequest{"carol", "carol@example.com", "Breached123", "Breached123"}, auth.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Register(e.ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEmailVerification(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	require.False(t, u.EmailVerified)
	first := e.mail.verification["alice@example.com"]
	require.NotEmpty(t, first)

	require.NoError(t, e.svc.ResendVerification(e.ctx, u.ID))
	second := e.mail.verification["alice@example.com"]
	require.NotEqual(t, first, second)

	_, err := e.svc.VerifyEmail(e.ctx, first)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	verified, err := e.svc.VerifyEmail(e.ctx, second)
	require.NoError(t, err)
	require.True(t, verified.EmailVerified)

	_, err = e.svc.VerifyEmail(e.ctx, second)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	require.ErrorIs(t, e.svc.ResendVerification(e.ctx, u.ID), auth.ErrInvalidInput)
}

func TestPasswordReset(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	_, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	require.Len(t, e.sessions(t, u.ID), 1)

	require.NoError(t, e.svc.RequestPasswordReset(e.ctx, "nobody@example.com"))
	require.Empty(t, e.mail.reset)

	require.NoError(t, e.svc.RequestPasswordReset(e.ctx, "Alice@example.com"))
	stale := e.mail.reset["alice@example.com"]
	require.NotEmpty(t, stale)
	e.advance(25 * time.Hour)
	err = e.svc.ConfirmPasswordReset(e.ctx, stale, "N3wPassword", "N3wPassword")
	require.ErrorIs(t, err, auth.ErrTokenExpired)

	require.NoError(t, e.svc.RequestPasswordReset(e.ctx, "alice@example.com"))
	token := e.mail.reset["alice@example.com"]
	require.ErrorIs(t, e.svc.ConfirmPasswordReset(e.ctx, token, "N3wPassword", "Other1234"), auth.ErrInvalidInput)
	require.ErrorIs(t, e.svc.ConfirmPasswordReset(e.ctx, "nope", "N3wPassword", "N3wPassword"), auth.ErrInvalidToken)
	require.NoError(t, e.svc.ConfirmPasswordReset(e.ctx, token, "N3wPassword", "N3wPassword"))
	require.Empty(t, e.sessions(t, u.ID))
	require.ErrorIs(t, e.svc.ConfirmPasswordReset(e.ctx, token, "N3wPassword", "N3wPassword"), auth.ErrInvalidToken)

	_, err = e.login("alice", testPassword, home)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	res, err := e.login("alice", "N3wPassword", home)
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
}

func TestMFALifecycle(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")

	_, err := e.svc.EnableMFA(e.ctx, u.ID, "123456")
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = e.svc.RegenerateRecoveryCodes(e.ctx, u.ID)
	require.ErrorIs(t, err, auth.ErrMFANotEnabled)

	setup, err := e.svc.SetupMFA(e.ctx, u.ID)
	require.NoError(t, err)
	stored, err := e.store.Users(e.ctx).Find(e.ctx, u.ID)
	require.NoError(t, err)
	require.NotContains(t, stored.MFASecret, setup.Secret)
	require.False(t, stored.MFAEnabled)

	_, err = e.svc.EnableMFA(e.ctx, u.ID, "000000")
	require.ErrorIs(t, err, auth.ErrInvalidMFACode)
	codes, err := e.svc.EnableMFA(e.ctx, u.ID, e.code(t, setup.Secret))
	require.NoError(t, err)
	require.Len(t, codes, 10)
	_, err = e.svc.SetupMFA(e.ctx, u.ID)
	require.ErrorIs(t, err, auth.ErrMFAAlreadyEnabled)

	fresh, err := e.svc.RegenerateRecoveryCodes(e.ctx, u.ID)
	require.NoError(t, err)
	require.NotEqual(t, codes, fresh)

	e.advance(30 * time.Second)
	require.ErrorIs(t, e.svc.DisableMFA(e.ctx, u.ID, "Wr0ngPassword", e.code(t, setup.Secret)), auth.ErrInvalidCredentials)
	require.ErrorIs(t, e.svc.DisableMFA(e.ctx, u.ID, testPassword, "000000"), auth.ErrInvalidMFACode)
	require.Equal(t, 2, e.failures(t, "alice"))
	require.Len(t, e.history.History(u.ID), 2)
	require.NoError(t, e.svc.DisableMFA(e.ctx, u.ID, testPassword, e.code(t, setup.Secret)))

	left, err := e.svc.RemainingRecoveryCodes(e.ctx, u.ID)
	require.NoError(t, err)
	require.Zero(t, left)
	require.ErrorIs(t, e.svc.DisableMFA(e.ctx, u.ID, testPassword, "000000"), auth.ErrMFANotEnabled)

	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
}

type codesDown struct {
	*auth.MemoryStore
}

func (s codesDown) RecoveryCodes(ctx context.Context) auth.RecoveryCodeStore {
	return failingCodes{s.MemoryStore.RecoveryCodes(ctx)}
}

type failingCodes struct {
	auth.RecoveryCodeStore
}

func (failingCodes) Replace(context.Context, string, []*auth.RecoveryCode) error {
	return errors.New("storage down")
}

func TestEnableMFAFailureLeavesMFAOff(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	setup, err := e.svc.SetupMFA(e.ctx, u.ID)
	require.NoError(t, err)

	sealer, err := mfa.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	store := codesDown{e.store}
	clock := func() time.Time { return e.now }
	tokens, err := session.NewTokens(strings.Repeat("k", 32), session.WithTokenClock(clock))
	require.NoError(t, err)
	svc, err := NewService(Deps{
		Store:    store,
		MFA:      mfa.NewVerifier(store, sealer, mfa.WithClock(clock)),
		Risk:     risk.NewEngine(e.history, risk.WithClock(clock)),
		Sessions: session.NewManager(store, session.WithClock(clock)),
		Tokens:   tokens,
	},
		WithClock(clock),
		WithHasher(auth.NewHasher(auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1})),
	)
	require.NoError(t, err)

	_, err = svc.EnableMFA(e.ctx, u.ID, e.code(t, setup.Secret))
	require.EqualError(t, err, "storage down")

	got, err := e.store.Users(e.ctx).Find(e.ctx, u.ID)
	require.NoError(t, err)
	require.False(t, got.MFAEnabled)

	codes, err := e.svc.EnableMFA(e.ctx, u.ID, e.code(t, setup.Secret))
	require.NoError(t, err)
	require.Len(t, codes, 10)
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	first := res.Tokens.RefreshToken

	e.advance(time.Minute)
	next, err := e.svc.Refresh(e.ctx, first, "", "")
	require.NoError(t, err)
	require.NotEqual(t, first, next.RefreshToken)
	require.NotEqual(t, res.Tokens.SessionID, next.SessionID)
	_, err = e.svc.Refresh(e.ctx, first, "", "")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	sessions := e.sessions(t, u.ID)
	require.Len(t, sessions, 1)
	require.Equal(t, home.UserAgent, sessions[0].UserAgent)

	require.NoError(t, e.svc.Logout(e.ctx, next.RefreshToken))
	_, err = e.svc.Refresh(e.ctx, next.RefreshToken, "", "")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	require.Empty(t, e.sessions(t, u.ID))
}

func TestConcurrentRefreshSucceedsOnce(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice")
	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Refresh(e.ctx, res.Tokens.RefreshToken, "", ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, auth.ErrInvalidToken) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestSessionOwnership(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	_, err := e.login("alice", testPassword, home)
	require.NoError(t, err)
	bobRes, err := e.login("bob", testPassword, home)
	require.NoError(t, err)

	require.ErrorIs(t, e.svc.RevokeSession(e.ctx, alice.ID, bobRes.Tokens.SessionID), auth.ErrPermissionDenied)
	require.ErrorIs(t, e.svc.RevokeSession(e.ctx, alice.ID, "missing"), auth.ErrNotFound)
	require.NoError(t, e.svc.RevokeSession(e.ctx, bob.ID, bobRes.Tokens.SessionID))
	require.Empty(t, e.sessions(t, bob.ID))

	_, err = e.login("alice", testPassword, home)
	require.NoError(t, err)
	require.Len(t, e.sessions(t, alice.ID), 2)
	require.NoError(t, e.svc.LogoutAll(e.ctx, alice.ID))
	require.Empty(t, e.sessions(t, alice.ID))
}

func TestAuthenticateRejectsOtherTokens(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, "alice")
	_, _ = e.enableMFA(t, u.ID)
	res, err := e.login("alice", testPassword, home)
	require.NoError(t, err)

	_, err = e.svc.Authenticate(res.StepUp.Token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = e.svc.Authenticate("")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
