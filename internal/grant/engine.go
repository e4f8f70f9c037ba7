// Package grant implements the token endpoint: a dispatcher over
// per-grant state machines that share a client-authentication preamble,
// per-tenant gating and the token minting pipeline.
package grant

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clientauth"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/devicesecret"
	"github.com/authrim/authrim/internal/dpop"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/ratelimit"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/revocation"
	"github.com/authrim/authrim/internal/secretbox"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/storage"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// Wire grant_type values the dispatcher recognizes.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// Deps carries every collaborator the engine consults. Bus and Log may
// be nil; the other fields are required by at least one grant and a nil
// value panics on first use of that grant.
type Deps struct {
	Clients        *clients.Store
	Authenticator  *clientauth.Authenticator
	Tenants        *tenant.Profiles
	Minter         *token.Minter
	Provider       *config.Provider
	AuthCodes      *challenge.AuthCodes
	DeviceCodes    *challenge.DeviceCodes
	CIBARequests   *challenge.CIBARequests
	Refresh        *refresh.Manager
	Revocations    revocation.Index
	DPoP           *dpop.Validator
	SessionClients session.ClientIndex
	DeviceSecrets  *devicesecret.Manager
	Trust          *TrustRing
	Limiter        *ratelimit.Limiter
	Replays        storage.KeyValue
	WebhookBox     *secretbox.Box
	Bus            events.Bus
	Log            *common.Logger
}

// Engine executes token-endpoint grants against the stores.
type Engine struct {
	clients        *clients.Store
	auth           *clientauth.Authenticator
	tenants        *tenant.Profiles
	minter         *token.Minter
	provider       *config.Provider
	authCodes      *challenge.AuthCodes
	deviceCodes    *challenge.DeviceCodes
	ciba           *challenge.CIBARequests
	refresh        *refresh.Manager
	revocations    revocation.Index
	dpop           *dpop.Validator
	sessionClients session.ClientIndex
	deviceSecrets  *devicesecret.Manager
	trust          *TrustRing
	limiter        *ratelimit.Limiter
	replays        storage.KeyValue
	webhookBox     *secretbox.Box
	bus            events.Bus
	log            *common.Logger
}

func NewEngine(d Deps) *Engine {
	if d.Bus == nil {
		d.Bus = events.NopBus{}
	}
	if d.Log == nil {
		d.Log = common.NewSilentLogger()
	}
	if d.Trust == nil {
		d.Trust, _ = NewTrustRing(d.Minter.Issuer(), nil)
	}
	return &Engine{
		clients:        d.Clients,
		auth:           d.Authenticator,
		tenants:        d.Tenants,
		minter:         d.Minter,
		provider:       d.Provider,
		authCodes:      d.AuthCodes,
		deviceCodes:    d.DeviceCodes,
		ciba:           d.CIBARequests,
		refresh:        d.Refresh,
		revocations:    d.Revocations,
		dpop:           d.DPoP,
		sessionClients: d.SessionClients,
		deviceSecrets:  d.DeviceSecrets,
		trust:          d.Trust,
		limiter:        d.Limiter,
		replays:        d.Replays,
		webhookBox:     d.WebhookBox,
		bus:            d.Bus,
		log:            d.Log,
	}
}

// HandleToken is the POST /oauth2/token handler.
func (e *Engine) HandleToken(w http.ResponseWriter, r *http.Request) {
	resp, err := e.Exchange(r)
	if err != nil {
		oe := oautherr.From(err)
		if oe.Status >= http.StatusInternalServerError {
			e.log.Error().Err(err).Str("grant_type", r.PostFormValue("grant_type")).Msg("Token request failed")
		}
		oautherr.Write(w, oe)
		return
	}
	writeTokenResponse(w, resp)
}

// Exchange validates the envelope and runs the named grant. Handlers that
// need the response before writing it (tests, RFC 8628 interval tuning)
// call this directly.
func (e *Engine) Exchange(r *http.Request) (*Response, error) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		return nil, oautherr.New(http.StatusMethodNotAllowed, oautherr.CodeInvalidRequest, "token requests must use POST")
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "application/x-www-form-urlencoded" {
		return nil, oautherr.InvalidRequest("content type must be application/x-www-form-urlencoded")
	}
	if err := r.ParseForm(); err != nil {
		return nil, oautherr.InvalidRequest("malformed request body")
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case GrantAuthorizationCode:
		return e.authorizationCode(ctx, r)
	case GrantRefreshToken:
		return e.refreshToken(ctx, r)
	case GrantDeviceCode:
		return e.deviceCode(ctx, r)
	case GrantCIBA:
		return e.cibaGrant(ctx, r)
	case GrantJWTBearer:
		return e.jwtBearer(ctx, r)
	case GrantTokenExchange:
		return e.tokenExchange(ctx, r)
	case GrantClientCredentials:
		return e.clientCredentials(ctx, r)
	case "":
		return nil, oautherr.InvalidRequest("grant_type is required")
	default:
		return nil, oautherr.UnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", grantType))
	}
}

// preamble authenticates the caller and gates the grant by tenant and
// client policy. Public clients come back unauthenticated; grants that
// cannot serve them check Confidential themselves.
func (e *Engine) preamble(ctx context.Context, r *http.Request, grantType string) (*clients.Client, *tenant.Profile, error) {
	client, err := e.auth.Authenticate(ctx, r)
	if err != nil {
		return nil, nil, authError(err)
	}
	profile := e.tenants.Resolve(ctx, client.Tenant)
	if !profile.AllowsGrant(grantType) {
		return nil, nil, oautherr.UnauthorizedClient("tenant profile does not allow this grant")
	}
	if !client.AllowsGrant(grantType) {
		return nil, nil, oautherr.UnauthorizedClient("client is not registered for this grant")
	}
	return client, profile, nil
}

// authError maps authenticator failures onto the wire taxonomy.
func authError(err error) error {
	switch {
	case errors.Is(err, clientauth.ErrNoCredentials):
		return oautherr.InvalidClient("client authentication required")
	case errors.Is(err, clientauth.ErrUnknownClient):
		return oautherr.InvalidClient("unknown client")
	case errors.Is(err, clientauth.ErrBadCredentials):
		return oautherr.InvalidClient("client authentication failed")
	case errors.Is(err, clientauth.ErrMethodMismatch):
		return oautherr.InvalidClient("client must use its registered authentication method")
	case errors.Is(err, clientauth.ErrBadAssertion):
		return oautherr.InvalidClient("invalid client assertion")
	default:
		return oautherr.From(err)
	}
}

// dpopJKT pre-validates the DPoP header when present and returns the
// proof key's thumbprint. required turns a missing header into an error.
func (e *Engine) dpopJKT(ctx context.Context, r *http.Request, clientID string, required bool) (string, error) {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		if required {
			return "", oautherr.InvalidDPoPProof("DPoP proof is required")
		}
		return "", nil
	}
	jkt, err := e.dpop.Validate(ctx, proof, r.Method, requestURL(r), "", clientID)
	if err != nil {
		e.log.Debug().Err(err).Str("client_id", clientID).Msg("DPoP proof rejected")
		return "", oautherr.InvalidDPoPProof(dpopReason(err))
	}
	return jkt, nil
}

// dpopReason keeps proof rejections diagnosable without echoing claim
// contents back.
func dpopReason(err error) string {
	switch {
	case errors.Is(err, dpop.ErrReplayed):
		return "proof jti already used"
	case errors.Is(err, dpop.ErrStale):
		return "proof iat outside the acceptance window"
	case errors.Is(err, dpop.ErrMethodMismatch), errors.Is(err, dpop.ErrURIMismatch):
		return "proof does not match the request"
	case errors.Is(err, dpop.ErrAccessTokenHash):
		return "ath does not match the presented token"
	default:
		return "malformed DPoP proof"
	}
}

// requestURL reconstructs the absolute URL for DPoP htu comparison.
// The query string is excluded per RFC 9449.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// accessTTL resolves the access-token lifetime: runtime TTL clamped by
// the tenant ceiling.
func (e *Engine) accessTTL(ctx context.Context, profile *tenant.Profile) time.Duration {
	return profile.CapTTL(e.provider.GetDuration(ctx, config.KeyAccessTTL))
}

func (e *Engine) idTTL(ctx context.Context, profile *tenant.Profile) time.Duration {
	return profile.CapTTL(e.provider.GetDuration(ctx, config.KeyIDTTL))
}

// refreshTTL is the family lifetime. Tenant ceilings bound access and ID
// tokens only; families carry their own TTL.
func (e *Engine) refreshTTL(ctx context.Context) time.Duration {
	return e.provider.GetDuration(ctx, config.KeyRefreshFamilyTTL)
}

// publishIssued emits the per-token issuance events. Publishing never
// blocks the request.
func (e *Engine) publishIssued(tenantID, clientID, subject, accessJTI string, refreshIssued, idIssued bool) {
	data := map[string]any{
		"client_id": clientID,
		"sub":       subject,
		"jti":       accessJTI,
	}
	e.bus.Publish(events.TokenAccessIssued, tenantID, data)
	if refreshIssued {
		e.bus.Publish(events.TokenRefreshIssued, tenantID, map[string]any{
			"client_id": clientID,
			"sub":       subject,
		})
	}
	if idIssued {
		e.bus.Publish(events.TokenIDIssued, tenantID, map[string]any{
			"client_id": clientID,
			"sub":       subject,
		})
	}
}
