package grant

import (
	"context"
	"errors"
	"net/http"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/token"
)

// jwtBearer exchanges an externally-signed assertion for an access
// token. No ID token, no refresh token: the external issuer owns the
// user's session, Authrim only vouches for the API call.
func (e *Engine) jwtBearer(ctx context.Context, r *http.Request) (*Response, error) {
	assertion := r.PostFormValue("assertion")
	if assertion == "" {
		return nil, oautherr.InvalidRequest("assertion is required")
	}

	client, profile, err := e.preamble(ctx, r, GrantJWTBearer)
	if err != nil {
		return nil, err
	}

	entry, claims, err := e.trust.VerifyAssertion(assertion)
	if err != nil {
		if errors.Is(err, ErrUntrustedIssuer) {
			return nil, oautherr.InvalidGrant("assertion issuer is not trusted")
		}
		e.log.Debug().Err(err).Str("client_id", client.ID).Msg("jwt-bearer assertion rejected")
		return nil, oautherr.InvalidGrant("assertion is invalid")
	}
	if !entry.AllowJWTBearer {
		return nil, oautherr.UnauthorizedClient("issuer is not enabled for jwt-bearer")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, oautherr.InvalidGrant("assertion carries no subject")
	}

	granted, err := issuerBoxedScope(r.PostFormValue("scope"), entry.AllowedScopes, client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	jkt, err := e.dpopJKT(ctx, r, client.ID, profile.RequireDPoP || client.RequireDPoP)
	if err != nil {
		return nil, err
	}

	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:        subject,
		ClientID:       client.ID,
		Scope:          granted,
		TTL:            accessTTL,
		JKT:            jkt,
		OriginalIssuer: entry.Issuer,
		Tenant:         client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	e.bus.Publish(events.TokenAccessIssued, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       subject,
		"jti":       accessJTI,
		"issuer":    entry.Issuer,
	})

	resp := &Response{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       granted,
	}
	if jkt != "" {
		resp.TokenType = TokenTypeDPoP
	}
	return resp, nil
}

// issuerBoxedScope computes the jwt-bearer scope. The request must stay
// inside the issuer's declared box (an empty box grants nothing), then
// narrows to the client's allowed set.
func issuerBoxedScope(requested string, issuerAllowed, clientAllowed []string) (string, error) {
	issuerScope := common.JoinScope(issuerAllowed)
	if requested == "" {
		requested = issuerScope
	}
	if !common.ScopeSubset(requested, issuerScope) {
		return "", oautherr.InvalidScope("requested scope exceeds what the issuer may grant")
	}
	if len(clientAllowed) > 0 {
		requested = common.ScopeIntersect(requested, common.JoinScope(clientAllowed))
	}
	return requested, nil
}
