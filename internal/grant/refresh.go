package grant

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// revokedRefreshDescription is the wire description for every refusal
// that ends a family: theft, admin revocation and replayed-code
// revocation all read the same to the caller.
const revokedRefreshDescription = "Refresh token has been revoked"

// refreshToken rotates a family head and mints the next generation of
// tokens. Any incoming version other than the head burns the family.
func (e *Engine) refreshToken(ctx context.Context, r *http.Request) (*Response, error) {
	raw := r.PostFormValue("refresh_token")
	if raw == "" {
		return nil, oautherr.InvalidRequest("refresh_token is required")
	}

	client, profile, err := e.preamble(ctx, r, GrantRefreshToken)
	if err != nil {
		return nil, err
	}

	claims, err := e.minter.ParseRefresh(ctx, raw)
	if err != nil {
		return nil, oautherr.InvalidGrant("refresh token is invalid or expired")
	}
	if claims.ClientID != client.ID {
		return nil, oautherr.InvalidGrant("refresh token was issued to a different client")
	}

	// A replayed authorization code revokes the refresh jti it issued;
	// that revocation lands here.
	if revoked, err := e.revocations.IsRevoked(ctx, claims.ID); err != nil {
		e.log.Error().Err(err).Str("jti", claims.ID).Msg("Revocation check failed")
		return nil, oautherr.ServerError()
	} else if revoked {
		return nil, oautherr.InvalidGrant(revokedRefreshDescription)
	}

	jkt, err := e.dpopJKT(ctx, r, client.ID, profile.RequireDPoP || client.RequireDPoP)
	if err != nil {
		return nil, err
	}

	requestedScope := r.PostFormValue("scope")
	if requestedScope == "" {
		requestedScope = claims.Scope
	}

	if e.provider.GetBool(ctx, config.KeyRefreshRotationOff) {
		return e.refreshWithoutRotation(ctx, raw, claims, client, profile, jkt)
	}

	head, err := e.refresh.Rotate(ctx, claims.Version, claims.ID, claims.Subject, client.ID, requestedScope)
	if err != nil {
		return nil, rotateError(err)
	}

	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:  claims.Subject,
		ClientID: client.ID,
		Scope:    head.Scope,
		TTL:      accessTTL,
		JKT:      jkt,
		Tenant:   client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	idToken := ""
	if common.ScopeContains(head.Scope, "openid") {
		idToken, err = e.mintRefreshIDToken(ctx, claims.Subject, client, e.idTTL(ctx, profile), access)
		if err != nil {
			return nil, err
		}
	}

	// The new refresh token inherits the family's absolute expiry;
	// rotation never extends a family's life.
	newRefresh, err := e.minter.MintRefresh(ctx, token.RefreshParams{
		Subject:  claims.Subject,
		ClientID: client.ID,
		Scope:    head.Scope,
		JTI:      head.JTI,
		Version:  head.Version,
		TTL:      time.Until(head.ExpiresAt),
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh token mint failed")
		return nil, oautherr.ServerError()
	}

	e.bus.Publish(events.TokenAccessIssued, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       claims.Subject,
		"jti":       accessJTI,
	})
	e.bus.Publish(events.TokenRefreshRotated, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       claims.Subject,
		"rtv":       head.Version,
	})
	if idToken != "" {
		e.bus.Publish(events.TokenIDIssued, client.Tenant, map[string]any{
			"client_id": client.ID,
			"sub":       claims.Subject,
		})
	}

	resp := &Response{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: newRefresh,
		IDToken:      idToken,
		Scope:        head.Scope,
	}
	if jkt != "" {
		resp.TokenType = TokenTypeDPoP
	}
	return resp, nil
}

// refreshWithoutRotation serves deployments that disable rotation for
// test rigs: the presented token must still be the family head, and it
// comes back unchanged.
func (e *Engine) refreshWithoutRotation(ctx context.Context, raw string, claims *token.RefreshClaims, client *clients.Client, profile *tenant.Profile, jkt string) (*Response, error) {
	fam, err := e.refresh.Get(ctx, claims.Subject, client.ID)
	if err != nil {
		return nil, rotateError(err)
	}
	if !fam.Healthy() || fam.HeadJTI != claims.ID || fam.HeadVersion != claims.Version {
		return nil, oautherr.InvalidGrant(revokedRefreshDescription)
	}

	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:  claims.Subject,
		ClientID: client.ID,
		Scope:    fam.Scope,
		TTL:      accessTTL,
		JKT:      jkt,
		Tenant:   client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	idToken := ""
	if common.ScopeContains(fam.Scope, "openid") {
		idToken, err = e.mintRefreshIDToken(ctx, claims.Subject, client, e.idTTL(ctx, profile), access)
		if err != nil {
			return nil, err
		}
	}

	e.bus.Publish(events.TokenAccessIssued, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       claims.Subject,
		"jti":       accessJTI,
	})

	resp := &Response{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: raw,
		IDToken:      idToken,
		Scope:        fam.Scope,
	}
	if jkt != "" {
		resp.TokenType = TokenTypeDPoP
	}
	return resp, nil
}

// mintRefreshIDToken mints the ID token for a rotation. Refresh claims
// carry no session context, so sid, nonce and auth_time stay absent.
func (e *Engine) mintRefreshIDToken(ctx context.Context, subject string, client *clients.Client, ttl time.Duration, access string) (string, error) {
	signed, err := e.minter.MintIDToken(ctx, token.IDParams{
		Subject:     subject,
		ClientID:    client.ID,
		TTL:         ttl,
		AccessToken: access,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("ID token mint failed")
		return "", oautherr.ServerError()
	}
	return e.sealIDToken(client, signed)
}

func rotateError(err error) error {
	switch {
	case errors.Is(err, refresh.ErrTheftDetected), errors.Is(err, refresh.ErrFamilyRevoked):
		return oautherr.InvalidGrant(revokedRefreshDescription)
	case errors.Is(err, refresh.ErrFamilyNotFound):
		return oautherr.InvalidGrant("refresh token is invalid or expired")
	case errors.Is(err, refresh.ErrScopeWidened):
		return oautherr.InvalidScope("requested scope exceeds the original grant")
	default:
		return oautherr.From(err)
	}
}
