package grant

import (
	"encoding/json"
	"net/http"
)

// Token types stamped on responses.
const (
	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"
)

// Response is the token-endpoint success body.
type Response struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	DeviceSecret    string `json:"device_secret,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// writeTokenResponse emits the success body. Token responses are never
// cacheable.
func writeTokenResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
