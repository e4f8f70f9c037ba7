package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/authrim/authrim/internal/audit"
)

func TestRegister_PublicClient(t *testing.T) {
	env := newAuthEnv(t)

	rr := do(t, env.handlers.HandleRegister, http.MethodPost, "/register", map[string]any{
		"client_name":   "My SPA",
		"redirect_uris": []string{"https://app.example.com/cb"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	id, _ := body["client_id"].(string)
	if id == "" {
		t.Fatal("no client_id issued")
	}
	if body["client_name"] != "My SPA" {
		t.Errorf("client_name = %v", body["client_name"])
	}
	if body["token_endpoint_auth_method"] != "none" {
		t.Errorf("auth method = %v", body["token_endpoint_auth_method"])
	}
	if _, ok := body["client_secret"]; ok {
		t.Error("public client got a secret")
	}

	client, err := env.clients.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("registered client not stored: %v", err)
	}
	if !client.Public || !client.AllowsRedirect("https://app.example.com/cb") {
		t.Errorf("stored client = %+v", client)
	}

	if len(env.audits.ByAction(audit.ActionClientRegistered)) != 1 {
		t.Error("no registration audit entry")
	}
}

func TestRegister_ConfidentialClientGetsSecret(t *testing.T) {
	env := newAuthEnv(t)

	rr := do(t, env.handlers.HandleRegister, http.MethodPost, "/register", map[string]any{
		"redirect_uris":              []string{"https://api.example.com/cb"},
		"token_endpoint_auth_method": "client_secret_basic",
		"scope":                      "openid profile",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if secret, _ := body["client_secret"].(string); secret == "" {
		t.Error("confidential client got no secret")
	}
	if body["client_secret_expires_at"] != float64(0) {
		t.Errorf("client_secret_expires_at = %v", body["client_secret_expires_at"])
	}
}

func TestRegister_MissingRedirectURIs(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleRegister, http.MethodPost, "/register", map[string]any{
		"client_name": "broken",
	})
	wantWireError(t, rr, http.StatusBadRequest, "invalid_client_metadata")
}
