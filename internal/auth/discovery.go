package auth

import (
	"encoding/json"
	"net/http"

	"github.com/authrim/authrim/internal/grant"
)

// HandleDiscovery serves GET /.well-known/openid-configuration.
//
// Metadata is built from the configured issuer rather than the request Host so
// that cached documents stay stable behind proxies and port mappings.
func (h *Handlers) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	metadata := map[string]any{
		"issuer":                                h.issuer,
		"authorization_endpoint":                h.issuer + "/authorize",
		"token_endpoint":                        h.issuer + "/token",
		"jwks_uri":                              h.issuer + "/.well-known/jwks.json",
		"registration_endpoint":                 h.issuer + "/register",
		"revocation_endpoint":                   h.issuer + "/revoke",
		"end_session_endpoint":                  h.issuer + "/logout",
		"check_session_iframe":                  h.issuer + "/session/check",
		"device_authorization_endpoint":         h.issuer + "/device/authorize",
		"backchannel_authentication_endpoint":   h.issuer + "/ciba/authorize",
		"frontchannel_logout_supported":         true,
		"frontchannel_logout_session_supported": true,
		"backchannel_logout_supported":          true,
		"backchannel_logout_session_supported":  true,
		"response_types_supported":              []string{"code"},
		"grant_types_supported": []string{
			grant.GrantAuthorizationCode,
			grant.GrantRefreshToken,
			grant.GrantClientCredentials,
			grant.GrantDeviceCode,
			grant.GrantCIBA,
			grant.GrantJWTBearer,
			grant.GrantTokenExchange,
		},
		"subject_types_supported":                  []string{"public"},
		"id_token_signing_alg_values_supported":    []string{h.ring.Algorithm()},
		"code_challenge_methods_supported":         []string{"S256"},
		"dpop_signing_alg_values_supported":        []string{"RS256", "ES256"},
		"backchannel_token_delivery_modes_supported": []string{"poll", "ping", "push"},
		"token_endpoint_auth_methods_supported": []string{
			"none",
			"client_secret_basic",
			"client_secret_post",
			"client_secret_jwt",
			"private_key_jwt",
		},
		"scopes_supported": []string{"openid", "profile", "email", "offline_access", "device_sso"},
		"claims_supported": []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "acr", "amr", "sid", "nonce"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(metadata)
}

// HandleJWKS serves GET /.well-known/jwks.json with the public half of the
// signing key ring, including retired-but-overlapping keys so cached ID tokens
// keep verifying through a rotation.
func (h *Handlers) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	set, err := h.ring.JWKS(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("JWKS request failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(set)
}
