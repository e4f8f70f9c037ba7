package grant

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/oautherr"
)

// deviceAuthorizeResponse is the RFC 8628 §3.2 body.
type deviceAuthorizeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// cibaAuthorizeResponse is the CIBA authentication-request body.
type cibaAuthorizeResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int    `json:"interval"`
}

// HandleDeviceAuthorize is POST /device/authorize: it opens an RFC 8628
// device flow, minting the device code the grant later polls and the user
// code the user types on the verification page.
func (e *Engine) HandleDeviceAuthorize(w http.ResponseWriter, r *http.Request) {
	resp, err := e.deviceAuthorize(r)
	if err != nil {
		oautherr.Write(w, oautherr.From(err))
		return
	}
	writeProducerResponse(w, resp)
}

func (e *Engine) deviceAuthorize(r *http.Request) (*deviceAuthorizeResponse, error) {
	ctx := r.Context()
	if err := parseTokenForm(r); err != nil {
		return nil, err
	}

	client, _, err := e.preamble(ctx, r, GrantDeviceCode)
	if err != nil {
		return nil, err
	}

	scope, err := boxScope(r.PostFormValue("scope"), client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	ttl := e.provider.GetDuration(ctx, config.KeyDeviceCodeTTL)
	interval := int(e.provider.GetDuration(ctx, config.KeyDevicePollInterval).Seconds())
	rec, err := e.deviceCodes.New(ctx, client.Tenant, client.ID, scope, ttl, interval)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Device code mint failed")
		return nil, oautherr.ServerError()
	}

	verificationURI := e.minter.Issuer() + "/device"
	return &deviceAuthorizeResponse{
		DeviceCode:              rec.DeviceCode,
		UserCode:                rec.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + rec.UserCode,
		ExpiresIn:               int64(ttl.Seconds()),
		Interval:                rec.Interval,
	}, nil
}

// HandleCIBAAuthorize is POST /ciba/authorize: it opens a backchannel
// authentication request and hands the client the auth_req_id it will
// poll (or be pinged about) at the token endpoint.
func (e *Engine) HandleCIBAAuthorize(w http.ResponseWriter, r *http.Request) {
	resp, err := e.cibaAuthorize(r)
	if err != nil {
		oautherr.Write(w, oautherr.From(err))
		return
	}
	writeProducerResponse(w, resp)
}

func (e *Engine) cibaAuthorize(r *http.Request) (*cibaAuthorizeResponse, error) {
	ctx := r.Context()
	if err := parseTokenForm(r); err != nil {
		return nil, err
	}

	client, _, err := e.preamble(ctx, r, GrantCIBA)
	if err != nil {
		return nil, err
	}
	if !client.Confidential() {
		return nil, oautherr.UnauthorizedClient("backchannel authentication requires a confidential client")
	}

	loginHint := r.PostFormValue("login_hint")
	if loginHint == "" {
		return nil, oautherr.InvalidRequest("login_hint is required")
	}
	scope, err := boxScope(r.PostFormValue("scope"), client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	mode := r.PostFormValue("delivery_mode")
	if mode == "" {
		mode = challenge.CIBADeliveryPoll
	}
	switch mode {
	case challenge.CIBADeliveryPoll, challenge.CIBADeliveryPing, challenge.CIBADeliveryPush:
	default:
		return nil, oautherr.InvalidRequest("unsupported delivery mode")
	}
	notify := r.PostFormValue("client_notification_token")
	if mode != challenge.CIBADeliveryPoll && notify == "" {
		return nil, oautherr.InvalidRequest("client_notification_token is required for ping and push delivery")
	}

	ttl := e.provider.GetDuration(ctx, config.KeyCIBARequestTTL)
	interval := int(e.provider.GetDuration(ctx, config.KeyDevicePollInterval).Seconds())
	req := &challenge.CIBARequest{
		TenantID:       client.Tenant,
		ClientID:       client.ID,
		Scope:          scope,
		LoginHint:      loginHint,
		BindingMessage: r.PostFormValue("binding_message"),
		DeliveryMode:   mode,
		NotifyToken:    notify,
		Interval:       interval,
	}
	req, err = e.ciba.New(ctx, req, ttl)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("CIBA request mint failed")
		return nil, oautherr.ServerError()
	}

	return &cibaAuthorizeResponse{
		AuthReqID: req.AuthReqID,
		ExpiresIn: int64(ttl.Seconds()),
		Interval:  req.Interval,
	}, nil
}

// boxScope narrows the requested scope to the client's allowed set. An
// absent request takes everything the client is allowed; a request
// entirely outside the box is refused rather than silently emptied.
func boxScope(requested string, allowed []string) (string, error) {
	if len(allowed) == 0 {
		return requested, nil
	}
	if requested == "" {
		return common.JoinScope(allowed), nil
	}
	granted := common.ScopeIntersect(requested, common.JoinScope(allowed))
	if granted == "" && strings.TrimSpace(requested) != "" {
		return "", oautherr.InvalidScope("requested scope is not allowed for this client")
	}
	return granted, nil
}

// parseTokenForm applies the token-endpoint envelope rules to the
// producer endpoints, which share its content type and method.
func parseTokenForm(r *http.Request) error {
	if r.Method != http.MethodPost {
		return oautherr.New(http.StatusMethodNotAllowed, oautherr.CodeInvalidRequest, "requests must use POST")
	}
	if err := r.ParseForm(); err != nil {
		return oautherr.InvalidRequest("malformed request body")
	}
	return nil
}

func writeProducerResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
