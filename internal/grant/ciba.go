package grant

import (
	"context"
	"net/http"

	"github.com/authrim/authrim/internal/oautherr"
)

// cibaGrant redeems a backchannel authentication request. The request's
// issued flag flips inside the store's atomic consume, so double
// redemption is structurally impossible. Push-mode requests skip
// interval pacing; the store knows the delivery mode.
func (e *Engine) cibaGrant(ctx context.Context, r *http.Request) (*Response, error) {
	authReqID := r.PostFormValue("auth_req_id")
	if authReqID == "" {
		return nil, oautherr.InvalidRequest("auth_req_id is required")
	}

	client, profile, err := e.preamble(ctx, r, GrantCIBA)
	if err != nil {
		return nil, err
	}
	if !client.Confidential() {
		return nil, oautherr.UnauthorizedClient("backchannel authentication requires a confidential client")
	}

	jkt, err := e.dpopJKT(ctx, r, client.ID, profile.RequireDPoP || client.RequireDPoP)
	if err != nil {
		return nil, err
	}

	req, err := e.ciba.Redeem(ctx, authReqID, client.ID)
	if err != nil {
		return nil, pollError(err, "auth_req_id")
	}

	return e.issueUserTokens(ctx, client, profile, req.UserID, req.Scope, req.TenantID, jkt)
}
