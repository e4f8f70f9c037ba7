package grant

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clientauth"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/devicesecret"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/revocation"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// ScopeNativeSSO is the scope a client requests to opt into device
// secrets at code redemption.
const ScopeNativeSSO = "device_sso"

const (
	maxCodeLength     = 512
	maxClientIDLength = 255
)

// authorizationCode redeems a one-shot code for tokens. The code is
// consumed before the client authenticates so a failed credential check
// can never leave a live code behind, and a replay always has issued
// JTIs to revoke.
func (e *Engine) authorizationCode(ctx context.Context, r *http.Request) (*Response, error) {
	code := r.PostFormValue("code")
	if code == "" {
		return nil, oautherr.InvalidRequest("code is required")
	}
	if len(code) > maxCodeLength {
		return nil, oautherr.InvalidRequest("code is malformed")
	}
	redirectURI := r.PostFormValue("redirect_uri")
	if redirectURI == "" {
		return nil, oautherr.InvalidRequest("redirect_uri is required")
	}
	if err := e.checkRedirectURI(ctx, redirectURI); err != nil {
		return nil, err
	}
	verifier := r.PostFormValue("code_verifier")
	if verifier == "" {
		return nil, oautherr.InvalidRequest("code_verifier is required")
	}

	claimedID := clientauth.Identify(r)
	if claimedID == "" {
		return nil, oautherr.InvalidClient("client_id is required")
	}
	if len(claimedID) > maxClientIDLength {
		return nil, oautherr.InvalidRequest("client_id is malformed")
	}

	client, err := e.clients.Get(ctx, claimedID)
	if err != nil {
		return nil, oautherr.InvalidClient("unknown client")
	}
	profile := e.tenants.Resolve(ctx, client.Tenant)

	// DPoP runs before the code burns: a proof failure must not cost the
	// caller its code.
	jkt, err := e.dpopJKT(ctx, r, claimedID, profile.RequireDPoP || client.RequireDPoP)
	if err != nil {
		return nil, err
	}

	rec, err := e.authCodes.Consume(ctx, code, claimedID, verifier)
	if err != nil {
		return nil, e.consumeError(ctx, err, claimedID)
	}

	if rec.RedirectURI != redirectURI {
		return nil, oautherr.InvalidGrant("redirect_uri does not match the authorization request")
	}

	// Code-bound DPoP: the authorize request pinned a key, so the proof
	// must be present and from that key.
	if rec.DPoPJKT != "" {
		if jkt == "" {
			return nil, oautherr.InvalidDPoPProof("authorization code is bound to a DPoP key")
		}
		if jkt != rec.DPoPJKT {
			return nil, oautherr.InvalidDPoPProof("DPoP key does not match the authorization code binding")
		}
	}

	authed, err := e.auth.Authenticate(ctx, r)
	if err != nil {
		return nil, authError(err)
	}
	if authed.ID != claimedID {
		return nil, oautherr.InvalidClient("authenticated client does not match client_id")
	}
	if !authed.AllowsGrant(GrantAuthorizationCode) {
		return nil, oautherr.UnauthorizedClient("client is not registered for this grant")
	}

	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:              rec.UserID,
		ClientID:             authed.ID,
		Scope:                rec.Scope,
		TTL:                  accessTTL,
		JKT:                  jkt,
		AuthorizationDetails: rec.AuthorizationDetails,
		Anonymous:            rec.IsAnonymous,
		ACR:                  rec.ACR,
		AMR:                  rec.AMR,
		Tenant:               rec.TenantID,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", authed.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	deviceSecret := e.maybeIssueDeviceSecret(ctx, rec.UserID, rec.SID, rec.Scope, authed, profile)

	idToken := ""
	if common.ScopeContains(rec.Scope, "openid") {
		idToken, err = e.mintCodeIDToken(ctx, rec, authed, profile, access, deviceSecret)
		if err != nil {
			return nil, err
		}
	}

	refreshToken, refreshJTI, err := e.mintCodeRefresh(ctx, rec, authed, profile)
	if err != nil {
		return nil, err
	}

	if err := e.authCodes.RegisterIssuedTokens(ctx, code, accessJTI, refreshJTI); err != nil {
		e.log.Warn().Err(err).Str("client_id", authed.ID).Msg("Issued-token registration failed; replay revocation is degraded")
	}

	if rec.SID != "" {
		e.registerSessionClient(ctx, rec.SID, authed)
	}

	e.publishIssued(rec.TenantID, authed.ID, rec.UserID, accessJTI, refreshToken != "", idToken != "")

	resp := &Response{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Scope:        rec.Scope,
		DeviceSecret: deviceSecret,
	}
	if jkt != "" {
		resp.TokenType = TokenTypeDPoP
	}
	return resp, nil
}

// consumeError maps consume failures. A replay revokes the JTIs issued
// under the first redemption; every refusal surfaces the same generic
// description.
func (e *Engine) consumeError(ctx context.Context, err error, clientID string) error {
	var replay *challenge.ReplayError
	if errors.As(err, &replay) {
		e.revokeReplayedTokens(ctx, replay)
		e.log.Warn().Str("client_id", clientID).Msg("Authorization code replay detected")
		return oautherr.InvalidGrant("authorization code is invalid, expired or already used")
	}
	switch {
	case errors.Is(err, challenge.ErrNotFound),
		errors.Is(err, challenge.ErrExpired),
		errors.Is(err, challenge.ErrPredicateMismatch):
		return oautherr.InvalidGrant("authorization code is invalid, expired or already used")
	default:
		e.log.Error().Err(err).Msg("Authorization code consume failed")
		return oautherr.ServerError()
	}
}

func (e *Engine) revokeReplayedTokens(ctx context.Context, replay *challenge.ReplayError) {
	if replay.AccessJTI != "" {
		ttl := e.provider.GetDuration(ctx, config.KeyAccessTTL)
		if err := e.revocations.Revoke(ctx, replay.AccessJTI, ttl, revocation.ReasonAuthCodeReplay); err != nil {
			e.log.Error().Err(err).Str("jti", replay.AccessJTI).Msg("Replay revocation failed")
		}
	}
	if replay.RefreshJTI != "" {
		ttl := e.provider.GetDuration(ctx, config.KeyRefreshFamilyTTL)
		if err := e.revocations.Revoke(ctx, replay.RefreshJTI, ttl, revocation.ReasonAuthCodeReplay); err != nil {
			e.log.Error().Err(err).Str("jti", replay.RefreshJTI).Msg("Replay revocation failed")
		}
	}
}

// maybeIssueDeviceSecret creates a Native SSO device secret when the
// tenant allows it, the client asked via the device_sso scope, and the
// grant is bound to a session. A cap rejection degrades to a response
// without a secret rather than failing the login.
func (e *Engine) maybeIssueDeviceSecret(ctx context.Context, userID, sid, scope string, client *clients.Client, profile *tenant.Profile) string {
	if !profile.AllowsNativeSSO || sid == "" || !common.ScopeContains(scope, ScopeNativeSSO) {
		return ""
	}
	pol := devicesecret.Policy{
		TTL:        e.provider.GetDuration(ctx, config.KeyNativeSSODeviceSecretTTL),
		MaxUses:    e.provider.GetInt(ctx, config.KeyNativeSSOMaxUseCount),
		PerUserCap: e.provider.GetInt(ctx, config.KeyNativeSSODeviceSecretCap),
		Overflow:   e.provider.Get(ctx, config.KeyNativeSSOOverflowPolicy),
	}
	raw, _, err := e.deviceSecrets.Issue(ctx, userID, sid, client.ID, pol)
	if err != nil {
		if errors.Is(err, devicesecret.ErrUserCapExceeded) {
			e.log.Warn().Str("user_id", userID).Msg("Device secret cap reached; issuing without one")
		} else {
			e.log.Error().Err(err).Str("user_id", userID).Msg("Device secret issuance failed")
		}
		return ""
	}
	return raw
}

func (e *Engine) mintCodeIDToken(ctx context.Context, rec *challenge.AuthCodeRecord, client *clients.Client, profile *tenant.Profile, access, deviceSecret string) (string, error) {
	params := token.IDParams{
		Subject:      rec.UserID,
		ClientID:     client.ID,
		TTL:          e.idTTL(ctx, profile),
		Nonce:        rec.Nonce,
		AuthTime:     rec.AuthTime,
		ACR:          rec.ACR,
		AMR:          rec.AMR,
		SessionID:    rec.SID,
		AccessToken:  access,
		DeviceSecret: deviceSecret,
	}
	// Hybrid flows precompute c_hash at the authorize endpoint; carry it
	// through unchanged.
	if rec.CHash != "" {
		params.Extra = map[string]any{"c_hash": rec.CHash}
	}
	signed, err := e.minter.MintIDToken(ctx, params)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("ID token mint failed")
		return "", oautherr.ServerError()
	}
	return e.sealIDToken(client, signed)
}

// mintCodeRefresh starts the rotation family for this (user, client)
// pair at version 1. A fresh login supersedes any previous family, so a
// stolen older refresh token trips theft detection instead of working.
func (e *Engine) mintCodeRefresh(ctx context.Context, rec *challenge.AuthCodeRecord, client *clients.Client, profile *tenant.Profile) (string, string, error) {
	if !profile.AllowsRefreshToken || !client.AllowsGrant(GrantRefreshToken) {
		return "", "", nil
	}
	ttl := e.refreshTTL(ctx)
	head, err := e.refresh.ReplaceFamily(ctx, rec.UserID, client.ID, rec.Scope, ttl)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh family creation failed")
		return "", "", oautherr.ServerError()
	}
	signed, err := e.minter.MintRefresh(ctx, token.RefreshParams{
		Subject:  rec.UserID,
		ClientID: client.ID,
		Scope:    rec.Scope,
		JTI:      head.JTI,
		Version:  head.Version,
		TTL:      ttl,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh token mint failed")
		return "", "", oautherr.ServerError()
	}
	return signed, head.JTI, nil
}

// registerSessionClient links the session to the redeeming client so
// logout can fan out later. Logout metadata is snapshotted here; the
// webhook secret is sealed before it touches the index.
func (e *Engine) registerSessionClient(ctx context.Context, sid string, client *clients.Client) {
	link := &session.SessionClient{
		SessionID:                         sid,
		ClientID:                          client.ID,
		BackchannelLogoutURI:              client.BackchannelLogoutURI,
		BackchannelLogoutSessionRequired:  client.BackchannelSessionLogout,
		FrontchannelLogoutURI:             client.FrontchannelLogoutURI,
		FrontchannelLogoutSessionRequired: client.FrontchannelSessionLogout,
		WebhookURL:                        client.WebhookURL,
		CreatedAt:                         time.Now(),
	}
	if client.WebhookSecret != "" && e.webhookBox != nil {
		sealed, err := e.webhookBox.Seal(client.WebhookSecret)
		if err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("Webhook secret seal failed")
		} else {
			link.WebhookSecretEnc = sealed
		}
	}
	if err := e.sessionClients.Register(ctx, link); err != nil {
		e.log.Warn().Err(err).Str("session_id", sid).Str("client_id", client.ID).Msg("Session-client registration failed")
	}
}

// checkRedirectURI enforces the transport policy on the wire parameter:
// HTTPS, loopback HTTP, or a private-use scheme for native apps. The
// equality check against the stored code happens after consume.
func (e *Engine) checkRedirectURI(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return oautherr.InvalidRequest("redirect_uri must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		if e.provider.GetBool(ctx, config.KeyAllowInsecureRedirects) {
			return nil
		}
		return oautherr.InvalidRequest("redirect_uri must use HTTPS")
	default:
		// Private-use schemes (RFC 8252) for native apps.
		if strings.Contains(u.Scheme, ".") {
			return nil
		}
		return oautherr.InvalidRequest("redirect_uri scheme is not allowed")
	}
}
