package grant

import (
	"context"
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/revocation"
)

// HandleRevoke is POST /revoke (RFC 7009). A refresh token revokes its
// whole family; an access token lands in the revocation index for its
// remaining life. Per the RFC, tokens that are invalid, expired or not
// ours get a 200 with no further detail: the caller learns nothing about
// what the token was.
func (e *Engine) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := parseTokenForm(r); err != nil {
		oautherr.Write(w, oautherr.From(err))
		return
	}

	client, err := e.auth.Authenticate(ctx, r)
	if err != nil {
		oautherr.Write(w, oautherr.From(authError(err)))
		return
	}

	raw := r.PostFormValue("token")
	if raw == "" {
		oautherr.Write(w, oautherr.InvalidRequest("token is required"))
		return
	}

	// The hint only orders the attempts; a wrong hint must not change
	// the outcome.
	if r.PostFormValue("token_type_hint") == "access_token" {
		if !e.revokeAccess(ctx, raw, client.ID) {
			e.revokeRefresh(ctx, raw, client.ID)
		}
	} else {
		if !e.revokeRefresh(ctx, raw, client.ID) {
			e.revokeAccess(ctx, raw, client.ID)
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// revokeRefresh burns the presented token's family. Only the client the
// token was issued to may revoke it; anyone else gets the same silent 200
// as an invalid token.
func (e *Engine) revokeRefresh(ctx context.Context, raw, clientID string) bool {
	claims, err := e.minter.ParseRefresh(ctx, raw)
	if err != nil || claims.ClientID != clientID {
		return false
	}
	if err := e.refresh.Revoke(ctx, claims.Subject, claims.ClientID, refresh.ReasonClientRequest); err != nil {
		e.log.Warn().Err(err).Str("client_id", clientID).Msg("Refresh family revocation failed")
		return false
	}
	if jti := claims.ID; jti != "" {
		ttl := time.Until(claims.ExpiresAt.Time)
		if err := e.revocations.Revoke(ctx, jti, ttl, revocation.ReasonClientRequest); err != nil {
			e.log.Warn().Err(err).Msg("Revocation index write failed")
		}
	}
	return true
}

// revokeAccess places the presented access token's jti in the index for
// the token's remaining life.
func (e *Engine) revokeAccess(ctx context.Context, raw, clientID string) bool {
	claims, err := e.minter.ParseSigned(ctx, raw, false)
	if err != nil {
		return false
	}
	if c, _ := claims["client_id"].(string); c != clientID {
		return false
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return false
	}
	ttl := time.Hour
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ttl = time.Until(exp.Time)
	}
	if err := e.revocations.Revoke(ctx, jti, ttl, revocation.ReasonClientRequest); err != nil {
		e.log.Warn().Err(err).Msg("Revocation index write failed")
		return false
	}
	return true
}
