package httpapi

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/authn"
	"github.com/SibhatG/betterauth/internal/risk"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

func (a *API) routes() {
	gate := NewRateGate(a.ratePerSec, a.rateBurst, a.trustForwarded)
	public := func(pattern string, h http.HandlerFunc) {
		a.mux.Handle(pattern, gate.Wrap(h))
	}
	private := func(pattern string, h http.HandlerFunc) {
		a.mux.Handle(pattern, a.withAuth(h))
	}

	public("POST /v1/auth/register", a.register)
	public("POST /v1/auth/verify-email", a.verifyEmail)
	public("POST /v1/auth/password-reset", a.requestPasswordReset)
	public("POST /v1/auth/password-reset/confirm", a.confirmPasswordReset)
	public("POST /v1/auth/login", a.login)
	public("POST /v1/auth/step-up", a.stepUp)
	public("POST /v1/auth/step-up/passkey", a.stepUpPasskey)
	public("POST /v1/auth/passkey/login/start", a.passkeyLoginStart)
	public("POST /v1/auth/passkey/login/finish", a.passkeyLoginFinish)
	public("POST /v1/auth/refresh", a.refresh)
	public("POST /v1/auth/logout", a.logout)

	private("GET /v1/me", a.me)
	private("POST /v1/me/verification", a.resendVerification)
	private("POST /v1/me/logout-all", a.logoutAll)
	private("GET /v1/me/sessions", a.listSessions)
	private("DELETE /v1/me/sessions/{id}", a.revokeSession)
	private("POST /v1/me/mfa/setup", a.mfaSetup)
	private("POST /v1/me/mfa/enable", a.mfaEnable)
	private("POST /v1/me/mfa/disable", a.mfaDisable)
	private("GET /v1/me/mfa/recovery-codes", a.recoveryRemaining)
	private("POST /v1/me/mfa/recovery-codes", a.recoveryRegenerate)
	private("GET /v1/me/passkeys", a.listPasskeys)
	private("POST /v1/me/passkeys/register/start", a.passkeyRegisterStart)
	private("POST /v1/me/passkeys/register/finish", a.passkeyRegisterFinish)
}

type userView struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	EmailVerified bool       `json:"email_verified"`
	MFAEnabled    bool       `json:"mfa_enabled"`
	Admin         bool       `json:"admin,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

func viewUser(u *auth.User) userView {
	return userView{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		MFAEnabled:    u.MFAEnabled,
		Admin:         u.Admin,
		CreatedAt:     u.CreatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
}

type sessionView struct {
	ID        string    `json:"id"`
	UserAgent string    `json:"user_agent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type passkeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type stepUpView struct {
	Status string `json:"status"`
	*authn.StepUpChallenge
}

// attemptFields are the client supplied risk signals of a login.
type attemptFields struct {
	DeviceID string            `json:"device_id,omitempty"`
	Location *risk.GeoLocation `json:"location,omitempty"`
}

func (a *API) attempt(r *http.Request, f attemptFields) risk.Attempt {
	return risk.Attempt{
		DeviceID:  strings.TrimSpace(f.DeviceID),
		IP:        clientIP(r, a.trustForwarded),
		UserAgent: r.UserAgent(),
		Location:  f.Location,
	}
}

// Binary WebAuthn fields travel as unpadded base64url.
type assertionBody struct {
	CredentialID      string `json:"credential_id"`
	ClientDataJSON    string `json:"client_data_json"`
	AuthenticatorData string `json:"authenticator_data"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"user_handle,omitempty"`
}

func (b assertionBody) decode() (webauthn.AssertionResponse, error) {
	var (
		out webauthn.AssertionResponse
		err error
	)
	out.CredentialID = strings.TrimSpace(b.CredentialID)
	if out.ClientDataJSON, err = unb64("client_data_json", b.ClientDataJSON); err != nil {
		return out, err
	}
	if out.AuthenticatorData, err = unb64("authenticator_data", b.AuthenticatorData); err != nil {
		return out, err
	}
	if out.Signature, err = unb64("signature", b.Signature); err != nil {
		return out, err
	}
	if b.UserHandle != "" {
		if out.UserHandle, err = unb64("user_handle", b.UserHandle); err != nil {
			return out, err
		}
	}
	return out, nil
}

func unb64(field, s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s must be base64url", auth.ErrInvalidInput, field)
	}
	return raw, nil
}

func writeResult(w http.ResponseWriter, res *authn.Result) {
	if res.StepUp != nil {
		writeJSON(w, http.StatusAccepted, stepUpView{Status: "step_up_required", StepUpChallenge: res.StepUp})
		return
	}
	writeJSON(w, http.StatusOK, res.Tokens)
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username             string `json:"username"`
		Email                string `json:"email"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if !bind(w, r, &body) {
		return
	}
	u, err := a.svc.Register(r.Context(), authn.RegisterRequest{
		Username:             body.Username,
		Email:                body.Email,
		Password:             body.Password,
		PasswordConfirmation: body.PasswordConfirmation,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewUser(u))
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !bind(w, r, &body) {
		return
	}
	u, err := a.svc.VerifyEmail(r.Context(), body.Token)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

func (a *API) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !bind(w, r, &body) {
		return
	}
	if err := a.svc.RequestPasswordReset(r.Context(), body.Email); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *API) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token                string `json:"token"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if !bind(w, r, &body) {
		return
	}
	if err := a.svc.ConfirmPasswordReset(r.Context(), body.Token, body.Password, body.PasswordConfirmation); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
		Code     string `json:"code,omitempty"`
		attemptFields
	}
	if !bind(w, r, &body) {
		return
	}
	res, err := a.svc.Login(r.Context(), authn.LoginRequest{
		Login:    body.Login,
		Password: body.Password,
		Code:     body.Code,
		Attempt:  a.attempt(r, body.attemptFields),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (a *API) stepUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token      string         `json:"step_up_token"`
		Code       string         `json:"code,omitempty"`
		CeremonyID string         `json:"ceremony_id,omitempty"`
		Assertion  *assertionBody `json:"assertion,omitempty"`
	}
	if !bind(w, r, &body) {
		return
	}
	req := authn.StepUpRequest{Token: body.Token, Code: body.Code, CeremonyID: body.CeremonyID}
	if body.Assertion != nil {
		resp, err := body.Assertion.decode()
		if err != nil {
			respondError(w, r, err)
			return
		}
		req.Assertion = &resp
	}
	res, err := a.svc.CompleteStepUp(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (a *API) stepUpPasskey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"step_up_token"`
	}
	if !bind(w, r, &body) {
		return
	}
	opts, err := a.svc.StartStepUpPasskey(r.Context(), body.Token)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (a *API) passkeyLoginStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Login string `json:"login"`
	}
	if !bind(w, r, &body) {
		return
	}
	opts, err := a.svc.StartPasskeyLogin(r.Context(), body.Login)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (a *API) passkeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CeremonyID string        `json:"ceremony_id"`
		Assertion  assertionBody `json:"assertion"`
		attemptFields
	}
	if !bind(w, r, &body) {
		return
	}
	resp, err := body.Assertion.decode()
	if err != nil {
		respondError(w, r, err)
		return
	}
	res, err := a.svc.FinishPasskeyLogin(r.Context(), authn.PasskeyLoginRequest{
		CeremonyID: body.CeremonyID,
		Assertion:  resp,
		Attempt:    a.attempt(r, body.attemptFields),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bind(w, r, &body) {
		return
	}
	tokens, err := a.svc.Refresh(r.Context(), body.RefreshToken, r.UserAgent(), clientIP(r, a.trustForwarded))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bind(w, r, &body) {
		return
	}
	if err := a.svc.Logout(r.Context(), body.RefreshToken); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	u, err := a.svc.User(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

func (a *API) resendVerification(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ResendVerification(r.Context(), principal(r).UserID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *API) logoutAll(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.LogoutAll(r.Context(), principal(r).UserID); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.svc.ListSessions(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{ID: s.ID, UserAgent: s.UserAgent, IP: s.IP, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RevokeSession(r.Context(), principal(r).UserID, r.PathValue("id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) mfaSetup(w http.ResponseWriter, r *http.Request) {
	setup, err := a.svc.SetupMFA(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (a *API) mfaEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !bind(w, r, &body) {
		return
	}
	codes, err := a.svc.EnableMFA(r.Context(), principal(r).UserID, body.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) mfaDisable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !bind(w, r, &body) {
		return
	}
	if err := a.svc.DisableMFA(r.Context(), principal(r).UserID, body.Password, body.Code); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) recoveryRemaining(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RemainingRecoveryCodes(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": n})
}

func (a *API) recoveryRegenerate(w http.ResponseWriter, r *http.Request) {
	codes, err := a.svc.RegenerateRecoveryCodes(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) listPasskeys(w http.ResponseWriter, r *http.Request) {
	creds, err := a.svc.ListPasskeys(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]passkeyView, 0, len(creds))
	for _, c := range creds {
		out = append(out, passkeyView{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt, LastUsedAt: c.LastUsedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": out})
}

func (a *API) passkeyRegisterStart(w http.ResponseWriter, r *http.Request) {
	opts, err := a.svc.StartPasskeyRegistration(r.Context(), principal(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (a *API) passkeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CeremonyID        string `json:"ceremony_id"`
		CredentialID      string `json:"credential_id"`
		ClientDataJSON    string `json:"client_data_json"`
		AttestationObject string `json:"attestation_object"`
		Name              string `json:"name,omitempty"`
	}
	if !bind(w, r, &body) {
		return
	}
	clientData, err := unb64("client_data_json", body.ClientDataJSON)
	if err != nil {
		respondError(w, r, err)
		return
	}
	attestation, err := unb64("attestation_object", body.AttestationObject)
	if err != nil {
		respondError(w, r, err)
		return
	}
	cred, err := a.svc.FinishPasskeyRegistration(r.Context(), principal(r).UserID, body.CeremonyID, webauthn.RegistrationResponse{
		CredentialID:      strings.TrimSpace(body.CredentialID),
		ClientDataJSON:    clientData,
		AttestationObject: attestation,
		Name:              body.Name,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, passkeyView{ID: cred.ID, Name: cred.Name, CreatedAt: cred.CreatedAt})
}
