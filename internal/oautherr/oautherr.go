// Package oautherr carries the OAuth 2.x error vocabulary used at the HTTP
// edge. Store-level failures are mapped into these before anything is
// written to a client; internal detail never crosses the boundary.
package oautherr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Canonical error codes (RFC 6749, RFC 8628, RFC 8693, RFC 9449).
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidTarget           = "invalid_target"
	CodeInvalidDPoPProof        = "invalid_dpop_proof"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
	CodeAuthorizationPending    = "authorization_pending"
	CodeSlowDown                = "slow_down"
	CodeExpiredToken            = "expired_token"
	CodeRateLimited             = "rate_limited"
	CodeUnsupportedTokenType    = "unsupported_token_type"
	CodeInvalidRedirectURI      = "invalid_redirect_uri"
	CodeInteractionRequired     = "interaction_required"
	CodeRequestNotSupported     = "request_not_supported"
	CodeInvalidClientMetadata   = "invalid_client_metadata"
	CodeUnsupportedResponseType = "unsupported_response_type"
)

// Error is an OAuth wire error: code, public description, HTTP status.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// New creates an Error with an explicit HTTP status.
func New(status int, code, description string) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// InvalidRequest reports malformed or missing parameters.
func InvalidRequest(description string) *Error {
	return New(http.StatusBadRequest, CodeInvalidRequest, description)
}

// InvalidClient reports failed client authentication. Always 401.
func InvalidClient(description string) *Error {
	return New(http.StatusUnauthorized, CodeInvalidClient, description)
}

// InvalidGrant reports a bad, expired, replayed or revoked grant.
func InvalidGrant(description string) *Error {
	return New(http.StatusBadRequest, CodeInvalidGrant, description)
}

// UnauthorizedClient reports a grant disallowed by tenant or client policy.
func UnauthorizedClient(description string) *Error {
	return New(http.StatusForbidden, CodeUnauthorizedClient, description)
}

// UnsupportedGrantType reports an unknown grant_type value.
func UnsupportedGrantType(description string) *Error {
	return New(http.StatusBadRequest, CodeUnsupportedGrantType, description)
}

// InvalidScope reports a scope outside what policy permits.
func InvalidScope(description string) *Error {
	return New(http.StatusBadRequest, CodeInvalidScope, description)
}

// InvalidTarget reports a disallowed resource or audience. 403 per RFC 8693 usage here.
func InvalidTarget(description string) *Error {
	return New(http.StatusForbidden, CodeInvalidTarget, description)
}

// InvalidDPoPProof reports a missing, malformed or replayed DPoP proof.
func InvalidDPoPProof(description string) *Error {
	return New(http.StatusBadRequest, CodeInvalidDPoPProof, description)
}

// AccessDenied reports user refusal.
func AccessDenied(description string) *Error {
	return New(http.StatusForbidden, CodeAccessDenied, description)
}

// ServerError reports a collaborator failure without leaking detail.
func ServerError() *Error {
	return New(http.StatusInternalServerError, CodeServerError, "internal error")
}

// RateLimited reports too many attempts.
func RateLimited(description string) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimited, description)
}

// AuthorizationPending reports that the user has not yet approved a
// device or CIBA request.
func AuthorizationPending() *Error {
	return New(http.StatusBadRequest, CodeAuthorizationPending, "authorization request is still pending")
}

// SlowDown tells a polling client to back off.
func SlowDown() *Error {
	return New(http.StatusBadRequest, CodeSlowDown, "polling too frequently")
}

// ExpiredToken reports an expired device code or CIBA request.
func ExpiredToken(description string) *Error {
	return New(http.StatusBadRequest, CodeExpiredToken, description)
}

// As unwraps err to an *Error when possible.
func As(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// From coerces any error into an *Error, mapping unknown errors to a
// generic server_error so internals never leak.
func From(err error) *Error {
	if oe, ok := As(err); ok {
		return oe
	}
	return ServerError()
}

// Write emits err as the JSON error body. Token endpoint responses are
// uncacheable; 401s carry WWW-Authenticate per RFC 6750.
func Write(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("Bearer error=%q, error_description=%q", err.Code, err.Description))
	}
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             err.Code,
		"error_description": err.Description,
	})
}

// WriteAny coerces and writes an arbitrary error.
func WriteAny(w http.ResponseWriter, err error) {
	Write(w, From(err))
}
