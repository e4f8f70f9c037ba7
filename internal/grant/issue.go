package grant

import (
	"context"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// issueUserTokens mints the standard response for a user-approved
// backchannel grant: access token, refresh family when policy allows,
// ID token when openid is in scope. Device and CIBA approvals carry no
// browser session, so sid, nonce and auth_time stay absent.
func (e *Engine) issueUserTokens(ctx context.Context, client *clients.Client, profile *tenant.Profile, userID, scope, tenantID, jkt string) (*Response, error) {
	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:  userID,
		ClientID: client.ID,
		Scope:    scope,
		TTL:      accessTTL,
		JKT:      jkt,
		Tenant:   tenantID,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	refreshToken := ""
	if profile.AllowsRefreshToken && client.AllowsGrant(GrantRefreshToken) {
		ttl := e.refreshTTL(ctx)
		head, err := e.refresh.ReplaceFamily(ctx, userID, client.ID, scope, ttl)
		if err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh family creation failed")
			return nil, oautherr.ServerError()
		}
		refreshToken, err = e.minter.MintRefresh(ctx, token.RefreshParams{
			Subject:  userID,
			ClientID: client.ID,
			Scope:    scope,
			JTI:      head.JTI,
			Version:  head.Version,
			TTL:      ttl,
		})
		if err != nil {
			e.log.Error().Err(err).Str("client_id", client.ID).Msg("Refresh token mint failed")
			return nil, oautherr.ServerError()
		}
	}

	idToken := ""
	if common.ScopeContains(scope, "openid") {
		signed, err := e.minter.MintIDToken(ctx, token.IDParams{
			Subject:     userID,
			ClientID:    client.ID,
			TTL:         e.idTTL(ctx, profile),
			AccessToken: access,
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

	e.publishIssued(tenantID, client.ID, userID, accessJTI, refreshToken != "", idToken != "")

	resp := &Response{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Scope:        scope,
	}
	if jkt != "" {
		resp.TokenType = TokenTypeDPoP
	}
	return resp, nil
}

// sealIDToken wraps a signed ID token in a JWE when the client registered
// an encryption algorithm; otherwise the signed form passes through.
func (e *Engine) sealIDToken(client *clients.Client, signed string) (string, error) {
	if client.IDTokenEncryptionAlg == "" {
		return signed, nil
	}
	out, err := token.EncryptIDToken(signed, client.EncryptionKey(), client.IDTokenEncryptionAlg, client.IDTokenEncryptionEnc)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("ID token encryption failed")
		return "", oautherr.ServerError()
	}
	return out, nil
}
