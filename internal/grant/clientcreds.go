package grant

import (
	"context"
	"net/http"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/token"
)

// clientCredentials mints an access token for the client's own service
// principal. No user, so no refresh family and no ID token: a client
// that wants another token presents its credentials again.
func (e *Engine) clientCredentials(ctx context.Context, r *http.Request) (*Response, error) {
	if !e.provider.GetBool(ctx, config.KeyClientCredentialsEnabled) {
		return nil, oautherr.UnsupportedGrantType("client_credentials is disabled")
	}

	client, profile, err := e.preamble(ctx, r, GrantClientCredentials)
	if err != nil {
		return nil, err
	}
	if !client.Confidential() {
		return nil, oautherr.UnauthorizedClient("client_credentials requires a confidential client")
	}

	jkt, err := e.dpopJKT(ctx, r, client.ID, profile.RequireDPoP || client.RequireDPoP)
	if err != nil {
		return nil, err
	}

	requested := r.PostFormValue("scope")
	if requested == "" {
		requested = common.JoinScope(client.AllowedScopes)
	}
	granted := requested
	if len(client.AllowedScopes) > 0 {
		granted = common.ScopeIntersect(requested, common.JoinScope(client.AllowedScopes))
	}

	accessTTL := e.accessTTL(ctx, profile)
	subject := "client:" + client.ID
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:  subject,
		ClientID: client.ID,
		Scope:    granted,
		TTL:      accessTTL,
		JKT:      jkt,
		Tenant:   client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	e.bus.Publish(events.TokenAccessIssued, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       subject,
		"jti":       accessJTI,
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
