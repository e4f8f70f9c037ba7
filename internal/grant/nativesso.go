package grant

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// nativeSSO exchanges an ID token plus a device secret for tokens on a
// sibling app: same vendor, same device, no new login. The device secret
// use is spent atomically before anything else so parallel probing with
// a stolen secret burns its budget, and the subject ID token is one-shot
// within its lifetime.
func (e *Engine) nativeSSO(ctx context.Context, r *http.Request, client *clients.Client, profile *tenant.Profile, subjectToken string) (*Response, error) {
	if !profile.AllowsNativeSSO {
		return nil, oautherr.UnauthorizedClient("tenant profile does not allow native sso")
	}

	dec := e.limiter.AllowWithBlock(ctx,
		"native_sso:"+client.ID+":"+clientIP(r),
		e.provider.GetInt(ctx, config.KeyNativeSSORateLimit),
		e.provider.GetDuration(ctx, config.KeyNativeSSORateWindow),
		e.provider.GetDuration(ctx, config.KeyNativeSSORateBlock),
	)
	if !dec.Allowed {
		return nil, oautherr.RateLimited("too many native sso attempts")
	}

	actorToken := r.PostFormValue("actor_token")
	if actorToken == "" {
		return nil, oautherr.InvalidRequest("actor_token is required")
	}

	secret, err := e.deviceSecrets.ValidateAndUse(ctx, actorToken)
	if err != nil {
		e.log.Debug().Err(err).Str("client_id", client.ID).Msg("Device secret rejected")
		return nil, oautherr.InvalidGrant("device secret is invalid or expired")
	}

	claims, err := e.minter.ParseIDToken(ctx, subjectToken, false)
	if err != nil {
		return nil, oautherr.InvalidGrant("subject token is invalid or expired")
	}
	if claims.Subject == "" || claims.Subject != secret.UserID {
		return nil, oautherr.InvalidGrant("subject token does not match the device secret")
	}
	if err := e.burnSubjectJTI(ctx, claims); err != nil {
		return nil, err
	}

	// Cross-client redemption needs the global switch, the requesting
	// client and the originating client all opted in.
	if secret.ClientID != "" && secret.ClientID != client.ID {
		if err := e.checkCrossClient(ctx, client, secret.ClientID); err != nil {
			return nil, err
		}
	}

	requested := r.PostFormValue("scope")
	if requested == "" {
		requested = "openid " + ScopeNativeSSO
	}
	granted := requested
	if len(client.AllowedScopes) > 0 {
		granted = common.ScopeIntersect(requested, common.JoinScope(client.AllowedScopes))
	}

	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:  secret.UserID,
		ClientID: client.ID,
		Scope:    granted,
		TTL:      accessTTL,
		Tenant:   client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	newSecret := e.maybeIssueDeviceSecret(ctx, secret.UserID, secret.SessionID, granted, client, profile)

	idToken := ""
	if common.ScopeContains(granted, "openid") {
		signed, err := e.minter.MintIDToken(ctx, token.IDParams{
			Subject:      secret.UserID,
			ClientID:     client.ID,
			TTL:          e.idTTL(ctx, profile),
			SessionID:    secret.SessionID,
			AccessToken:  access,
			DeviceSecret: newSecret,
		})
		if err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("ID token mint failed")
			return nil, oautherr.ServerError()
		}
		idToken, err = e.sealIDToken(client, signed)
		if err != nil {
			return nil, err
		}
	}

	refreshToken := ""
	if profile.AllowsRefreshToken && client.AllowsGrant(GrantRefreshToken) {
		ttl := e.refreshTTL(ctx)
		head, err := e.refresh.ReplaceFamily(ctx, secret.UserID, client.ID, granted, ttl)
		if err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh family creation failed")
			return nil, oautherr.ServerError()
		}
		refreshToken, err = e.minter.MintRefresh(ctx, token.RefreshParams{
			Subject:  secret.UserID,
			ClientID: client.ID,
			Scope:    granted,
			JTI:      head.JTI,
			Version:  head.Version,
			TTL:      ttl,
		})
		if err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh token mint failed")
			return nil, oautherr.ServerError()
		}
	}

	// The sibling app joins the originating session, so logout fans out
	// to it like any other participant.
	if secret.SessionID != "" {
		e.registerSessionClient(ctx, secret.SessionID, client)
	}

	e.publishIssued(client.Tenant, client.ID, secret.UserID, accessJTI, refreshToken != "", idToken != "")

	return &Response{
		AccessToken:     access,
		TokenType:       TokenTypeBearer,
		ExpiresIn:       int64(accessTTL.Seconds()),
		RefreshToken:    refreshToken,
		IDToken:         idToken,
		Scope:           granted,
		DeviceSecret:    newSecret,
		IssuedTokenType: TokenTypeURNAccess,
	}, nil
}

// burnSubjectJTI keeps a subject ID token one-shot for the rest of its
// lifetime. The replay store is authoritative: when it cannot answer,
// the exchange fails rather than risking a replay.
func (e *Engine) burnSubjectJTI(ctx context.Context, claims *token.IDClaims) error {
	if claims.ID == "" || e.replays == nil {
		return nil
	}
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time) + time.Minute; remaining > ttl {
			ttl = remaining
		}
	}
	fresh, err := e.replays.SetNX(ctx, "nsso:jti:"+claims.ID, "1", ttl)
	if err != nil {
		e.log.Error().Err(err).Msg("Native sso replay store unavailable")
		return oautherr.ServerError()
	}
	if !fresh {
		return oautherr.InvalidGrant("subject token has already been used")
	}
	return nil
}

func (e *Engine) checkCrossClient(ctx context.Context, requesting *clients.Client, originID string) error {
	if !e.provider.GetBool(ctx, config.KeyNativeSSOCrossClient) {
		return oautherr.InvalidTarget("cross-client native sso is disabled")
	}
	if !requesting.CrossClientSSO {
		return oautherr.InvalidTarget("client is not enabled for cross-client native sso")
	}
	origin, err := e.clients.Get(ctx, originID)
	if err != nil || !origin.CrossClientSSO {
		return oautherr.InvalidTarget("originating client is not enabled for cross-client native sso")
	}
	return nil
}

// clientIP is the rate-limit key component: the first forwarded hop when
// a proxy fronts the server, otherwise the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
