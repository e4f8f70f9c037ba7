package auth

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/authrim/authrim/internal/grant"
)

func TestDiscovery_Document(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleDiscovery, http.MethodGet, "/.well-known/openid-configuration", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("discovery = %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("discovery should be cacheable, got %q", cc)
	}

	doc := decodeBody(t, rr)
	if doc["issuer"] != testIssuer {
		t.Errorf("issuer = %v", doc["issuer"])
	}
	if doc["token_endpoint"] != testIssuer+"/token" {
		t.Errorf("token_endpoint = %v", doc["token_endpoint"])
	}
	if doc["jwks_uri"] != testIssuer+"/.well-known/jwks.json" {
		t.Errorf("jwks_uri = %v", doc["jwks_uri"])
	}

	var grants []string
	for _, g := range doc["grant_types_supported"].([]any) {
		grants = append(grants, g.(string))
	}
	for _, want := range []string{
		grant.GrantAuthorizationCode,
		grant.GrantRefreshToken,
		grant.GrantClientCredentials,
		grant.GrantDeviceCode,
		grant.GrantCIBA,
		grant.GrantJWTBearer,
		grant.GrantTokenExchange,
	} {
		if !slices.Contains(grants, want) {
			t.Errorf("grant_types_supported missing %q", want)
		}
	}

	if methods, _ := doc["code_challenge_methods_supported"].([]any); len(methods) != 1 || methods[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", doc["code_challenge_methods_supported"])
	}
	if algs, _ := doc["id_token_signing_alg_values_supported"].([]any); len(algs) != 1 || algs[0] != "ES256" {
		t.Errorf("signing algs = %v", doc["id_token_signing_alg_values_supported"])
	}
	if doc["backchannel_logout_supported"] != true || doc["frontchannel_logout_supported"] != true {
		t.Error("logout support flags missing")
	}
}

func TestDiscovery_JWKS(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleJWKS, http.MethodGet, "/.well-known/jwks.json", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("jwks = %d", rr.Code)
	}

	raw := rr.Body.String()
	if strings.Contains(raw, `"d"`) {
		t.Fatal("JWKS leaks private key material")
	}

	doc := decodeBody(t, rr)
	keys, _ := doc["keys"].([]any)
	if len(keys) == 0 {
		t.Fatal("no keys in JWKS")
	}
	key, _ := keys[0].(map[string]any)
	if key["kid"] == "" || key["kty"] == "" {
		t.Errorf("key = %v", key)
	}
}
