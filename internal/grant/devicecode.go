package grant

import (
	"context"
	"errors"
	"net/http"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/oautherr"
)

// deviceCode serves RFC 8628 polling. The underlying store enforces the
// poll interval and consumes an approved code exactly once, so a race
// between two polls issues tokens to at most one of them.
func (e *Engine) deviceCode(ctx context.Context, r *http.Request) (*Response, error) {
	deviceCode := r.PostFormValue("device_code")
	if deviceCode == "" {
		return nil, oautherr.InvalidRequest("device_code is required")
	}

	client, profile, err := e.preamble(ctx, r, GrantDeviceCode)
	if err != nil {
		return nil, err
	}

	jkt, err := e.dpopJKT(ctx, r, client.ID, profile.RequireDPoP || client.RequireDPoP)
	if err != nil {
		return nil, err
	}

	rec, err := e.deviceCodes.Poll(ctx, deviceCode, client.ID)
	if err != nil {
		return nil, pollError(err, "device code")
	}

	return e.issueUserTokens(ctx, client, profile, rec.UserID, rec.Scope, rec.TenantID, jkt)
}

// pollError maps store sentinels onto the RFC 8628 error vocabulary,
// shared with CIBA redemption.
func pollError(err error, what string) error {
	switch {
	case errors.Is(err, challenge.ErrPollPending):
		return oautherr.AuthorizationPending()
	case errors.Is(err, challenge.ErrPollSlowDown):
		return oautherr.SlowDown()
	case errors.Is(err, challenge.ErrPollDenied):
		return oautherr.AccessDenied("the user denied the authorization request")
	case errors.Is(err, challenge.ErrExpired):
		return oautherr.ExpiredToken(what + " has expired")
	case errors.Is(err, challenge.ErrNotFound),
		errors.Is(err, challenge.ErrAlreadyConsumed),
		errors.Is(err, challenge.ErrPredicateMismatch):
		return oautherr.InvalidGrant(what + " is invalid or expired")
	default:
		return oautherr.From(err)
	}
}
