package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/oautherr"
)

// Direct-auth challenge metadata keys.
const (
	metaEmail         = "email"
	metaClientID      = "client_id"
	metaScope         = "scope"
	metaCodeChallenge = "code_challenge"
)

// directRequest is the shared envelope of the direct-auth openers. The
// PKCE pair is bound at open time; the verifier is only ever presented at
// the token endpoint, so a stolen code is useless without it.
type directRequest struct {
	ClientID            string `json:"client_id"`
	TenantID            string `json:"tenant_id"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// validate resolves the client and checks the envelope. The scope must sit
// inside the client's registered allowance when one is declared.
func (h *Handlers) validateDirect(r *http.Request, req *directRequest) (*clients.Client, *oautherr.Error) {
	if req.ClientID == "" {
		return nil, oautherr.InvalidRequest("client_id is required")
	}
	client, err := h.clients.Get(r.Context(), req.ClientID)
	if err != nil {
		return nil, oautherr.InvalidClient("unknown client")
	}
	if req.CodeChallenge == "" {
		return nil, oautherr.InvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != "S256" {
		return nil, oautherr.InvalidRequest("code_challenge_method must be S256")
	}
	if len(client.AllowedScopes) > 0 && !common.ScopeSubset(req.Scope, common.JoinScope(client.AllowedScopes)) {
		return nil, oautherr.InvalidScope("scope exceeds the client registration")
	}
	return client, nil
}

// HandleDirectEmailSend is POST /api/v1/auth/direct/email/send. It opens a
// PKCE-gated email login: the one-time code would travel by mail (delivery
// is out of scope here, so it lands in the log).
func (h *Handlers) HandleDirectEmailSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req struct {
		directRequest
		Email string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.Email == "" {
		oautherr.Write(w, oautherr.InvalidRequest("email is required"))
		return
	}
	if _, oe := h.validateDirect(r, &req.directRequest); oe != nil {
		oautherr.Write(w, oe)
		return
	}

	if d := h.limiter.Allow(ctx, "email-send:"+req.Email, h.provider.GetInt(ctx, config.KeyRateEmailSend), time.Hour); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		oautherr.Write(w, oautherr.RateLimited("too many codes requested for this address"))
		return
	}

	now := time.Now()
	ttl := h.provider.GetDuration(ctx, config.KeyEmailCodeTTL)
	code := newEmailCode()
	id := challenge.MintID("ec", "", h.shardCount)
	ch := &challenge.Challenge{
		ID:        id,
		Kind:      challenge.KindEmailCode,
		Secret:    code,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ch.SetMeta(metaEmail, req.Email)
	ch.SetMeta(metaClientID, req.ClientID)
	ch.SetMeta(metaTenantID, tenantOrDefault(req.TenantID))
	ch.SetMeta(metaScope, req.Scope)
	ch.SetMeta(metaCodeChallenge, req.CodeChallenge)
	ch.SetMeta(metaAttempts, "0")
	if err := h.challenges.Put(ctx, ch); err != nil {
		h.log.Error().Err(err).Msg("Email code mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.log.Info().Str("challenge_id", id).Str("email", maskEmail(req.Email)).Str("code", code).
		Msg("Email login code issued")

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": id,
		"expires_in":   int(ttl.Seconds()),
	})
}

// HandleDirectEmailVerify is POST /api/v1/auth/direct/email/verify. A
// correct code resolves (or creates) the email-linked user and mints a
// direct-auth code redeemable at the token endpoint with the PKCE verifier.
func (h *Handlers) HandleDirectEmailVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req struct {
		ChallengeID string `json:"challenge_id"`
		Email       string `json:"email"`
		Code        string `json:"code"`
		ClientID    string `json:"client_id"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.ChallengeID == "" || req.Email == "" || req.Code == "" {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id, email and code are required"))
		return
	}

	if d := h.limiter.Allow(ctx, "email-verify:"+req.Email, h.provider.GetInt(ctx, config.KeyRateEmailVerify), time.Hour); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		oautherr.Write(w, oautherr.RateLimited("too many verification attempts"))
		return
	}

	client, redirect, oe := h.resolveDirectRedirect(r, req.ClientID, req.RedirectURI)
	if oe != nil {
		oautherr.Write(w, oe)
		return
	}

	maxAttempts := h.provider.GetInt(ctx, config.KeyEmailOTPMaxAttempts)
	pred := emailCodePredicate(req.Code, maxAttempts)
	ch, err := h.challenges.Consume(ctx, req.ChallengeID, func(c *challenge.Challenge) error {
		if c.MetaValue(metaEmail) != req.Email || c.MetaValue(metaClientID) != client.ID {
			return challenge.ErrPredicateMismatch
		}
		return pred(c)
	})
	if err != nil {
		h.bus.Publish(events.AuthLoginFailed, "", map[string]any{"method": "email_code"})
		oautherr.Write(w, oautherr.InvalidGrant("verification code rejected"))
		return
	}

	tenantID := ch.MetaValue(metaTenantID)
	userID, err := h.resolveLinkedUser(ctx, "email", req.Email)
	if err != nil {
		h.log.Error().Err(err).Msg("Email user resolution failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	code, expiresIn, err := h.mintDirectCode(ctx, &challenge.AuthCodeRecord{
		TenantID:            tenantID,
		UserID:              userID,
		ClientID:            client.ID,
		Scope:               ch.MetaValue(metaScope),
		RedirectURI:         redirect,
		AuthTime:            time.Now(),
		ACR:                 "1",
		AMR:                 []string{"otp"},
		CodeChallenge:       ch.MetaValue(metaCodeChallenge),
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Direct code mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.bus.Publish(events.AuthEmailCodeSucceeded, tenantID, map[string]any{
		"user_id":   userID,
		"client_id": client.ID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"expires_in": expiresIn,
	})
}

// HandleDirectPasskeyStart is POST /api/v1/auth/direct/passkey/start. It
// opens a PKCE-gated passkey assertion: the response carries the WebAuthn
// request options the browser feeds to navigator.credentials.get.
func (h *Handlers) HandleDirectPasskeyStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req directRequest
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if _, oe := h.validateDirect(r, &req); oe != nil {
		oautherr.Write(w, oe)
		return
	}

	now := time.Now()
	ttl := h.provider.GetDuration(ctx, config.KeyAnonChallengeTTL)
	id := challenge.MintID("pk", "", h.shardCount)
	ch := &challenge.Challenge{
		ID:        id,
		Kind:      challenge.KindPasskeyLogin,
		Secret:    common.RandomURLSafe(32),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ch.SetMeta(metaClientID, req.ClientID)
	ch.SetMeta(metaTenantID, tenantOrDefault(req.TenantID))
	ch.SetMeta(metaScope, req.Scope)
	ch.SetMeta(metaCodeChallenge, req.CodeChallenge)
	if err := h.challenges.Put(ctx, ch); err != nil {
		h.log.Error().Err(err).Msg("Passkey challenge mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": id,
		"public_key": map[string]any{
			"challenge":        ch.Secret,
			"timeout":          60000,
			"rpId":             h.rpID(),
			"userVerification": "preferred",
		},
		"expires_in": int(ttl.Seconds()),
	})
}

// HandleDirectPasskeyFinish is POST /api/v1/auth/direct/passkey/finish.
// The assertion check itself runs behind the configured verifier; this
// handler owns the challenge lifecycle and the code mint.
func (h *Handlers) HandleDirectPasskeyFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req struct {
		ChallengeID string          `json:"challenge_id"`
		Credential  json.RawMessage `json:"credential"`
		ClientID    string          `json:"client_id"`
		RedirectURI string          `json:"redirect_uri"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.ChallengeID == "" || len(req.Credential) == 0 {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id and credential are required"))
		return
	}

	client, redirect, oe := h.resolveDirectRedirect(r, req.ClientID, req.RedirectURI)
	if oe != nil {
		oautherr.Write(w, oe)
		return
	}

	ch, err := h.challenges.Consume(ctx, req.ChallengeID, func(c *challenge.Challenge) error {
		if c.Kind != challenge.KindPasskeyLogin || c.MetaValue(metaClientID) != client.ID {
			return challenge.ErrPredicateMismatch
		}
		return nil
	})
	if err != nil {
		oautherr.Write(w, oautherr.InvalidGrant("challenge is invalid or expired"))
		return
	}

	userID, err := h.passkeys(ctx, ch.Secret, req.Credential)
	if err != nil {
		var oerr *oautherr.Error
		if errors.As(err, &oerr) {
			oautherr.Write(w, oerr)
			return
		}
		h.bus.Publish(events.AuthPasskeyFailed, ch.MetaValue(metaTenantID), map[string]any{"client_id": client.ID})
		oautherr.Write(w, oautherr.InvalidGrant("passkey assertion rejected"))
		return
	}

	tenantID := ch.MetaValue(metaTenantID)
	code, expiresIn, err := h.mintDirectCode(ctx, &challenge.AuthCodeRecord{
		TenantID:            tenantID,
		UserID:              userID,
		ClientID:            client.ID,
		Scope:               ch.MetaValue(metaScope),
		RedirectURI:         redirect,
		AuthTime:            time.Now(),
		ACR:                 "2",
		AMR:                 []string{"webauthn"},
		CodeChallenge:       ch.MetaValue(metaCodeChallenge),
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Direct code mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.bus.Publish(events.AuthPasskeySucceeded, tenantID, map[string]any{
		"user_id":   userID,
		"client_id": client.ID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"expires_in": expiresIn,
	})
}

// resolveDirectRedirect checks the client and the redirect_uri the token
// exchange will present. Direct-auth codes redeem through the standard
// authorization_code grant, so the binding must be set here.
func (h *Handlers) resolveDirectRedirect(r *http.Request, clientID, redirectURI string) (*clients.Client, string, *oautherr.Error) {
	if clientID == "" {
		return nil, "", oautherr.InvalidRequest("client_id is required")
	}
	client, err := h.clients.Get(r.Context(), clientID)
	if err != nil {
		return nil, "", oautherr.InvalidClient("unknown client")
	}
	if redirectURI == "" {
		return nil, "", oautherr.InvalidRequest("redirect_uri is required")
	}
	if !client.AllowsRedirect(redirectURI) {
		return nil, "", oautherr.New(http.StatusBadRequest, oautherr.CodeInvalidRedirectURI, "redirect_uri is not registered")
	}
	return client, redirectURI, nil
}

// resolveLinkedUser maps an external identifier to its local user,
// creating the user and link on first login. A concurrent first login is
// settled by the link store's uniqueness: the loser re-reads the winner.
func (h *Handlers) resolveLinkedUser(ctx context.Context, providerID, providerUserID string) (string, error) {
	if link, err := h.links.Find(ctx, providerID, providerUserID); err == nil {
		return link.UserID, nil
	}
	userID := mintLocalUserID()
	err := h.links.Link(ctx, &identity.LinkedIdentity{
		UserID:         userID,
		ProviderID:     providerID,
		ProviderUserID: providerUserID,
	})
	if errors.Is(err, identity.ErrLinkTaken) {
		link, ferr := h.links.Find(ctx, providerID, providerUserID)
		if ferr != nil {
			return "", ferr
		}
		return link.UserID, nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// mintDirectCode stores the record and returns the code with its lifetime.
func (h *Handlers) mintDirectCode(ctx context.Context, rec *challenge.AuthCodeRecord) (string, int, error) {
	ttl := h.provider.GetDuration(ctx, config.KeyDirectAuthCodeTTL)
	code, err := h.authCodes.NewDirect(ctx, rec, ttl)
	if err != nil {
		return "", 0, err
	}
	return code, int(ttl.Seconds()), nil
}

// rpID is the WebAuthn relying-party id: the issuer host.
func (h *Handlers) rpID() string {
	u, err := url.Parse(h.issuer)
	if err != nil || u.Hostname() == "" {
		return h.issuer
	}
	return u.Hostname()
}
