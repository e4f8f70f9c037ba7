package grant

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/token"
)

func (env *testEnv) addRefreshClient(id string) *clients.Client {
	return env.addClient(&clients.Client{
		ID:            id,
		Secret:        "s3cret",
		GrantTypes:    []string{GrantAuthorizationCode, GrantRefreshToken},
		AllowedScopes: []string{"openid", "profile", "email"},
	})
}

// issueRefresh starts a fresh family and mints its head token, the way
// code redemption does.
func (env *testEnv) issueRefresh(t *testing.T, userID, clientID, scope string, ttl time.Duration) string {
	t.Helper()
	ctx := context.Background()
	head, err := env.refresh.ReplaceFamily(ctx, userID, clientID, scope, ttl)
	if err != nil {
		t.Fatalf("replace family: %v", err)
	}
	raw, err := env.minter.MintRefresh(ctx, token.RefreshParams{
		Subject:  userID,
		ClientID: clientID,
		Scope:    scope,
		JTI:      head.JTI,
		Version:  head.Version,
		TTL:      ttl,
	})
	if err != nil {
		t.Fatalf("mint refresh: %v", err)
	}
	return raw
}

func refreshForm(raw, clientID string) url.Values {
	return url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {raw},
		"client_id":     {clientID},
		"client_secret": {"s3cret"},
	}
}

func TestRefresh_RotationAdvancesVersion(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	raw := env.issueRefresh(t, "user-1", "web", "openid profile", time.Hour)

	resp, err := env.exchange(refreshForm(raw, "web"))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp.RefreshToken == "" || resp.RefreshToken == raw {
		t.Fatal("expected a rotated refresh token")
	}
	rt, err := env.minter.ParseRefresh(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("parse rotated token: %v", err)
	}
	if rt.Version != 2 {
		t.Errorf("expected rtv 2, got %d", rt.Version)
	}

	claims := env.accessClaims(t, resp.AccessToken)
	if claims["sub"] != "user-1" || claims["scope"] != "openid profile" {
		t.Errorf("unexpected access claims: %v", claims)
	}
	if resp.IDToken == "" {
		t.Error("openid scope should mint an id token on rotation")
	}
	if !env.recorder.WaitFor(events.TokenRefreshRotated, 1, time.Second) {
		t.Error("rotation event not published")
	}
}

func TestRefresh_NoIDTokenWithoutOpenID(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	raw := env.issueRefresh(t, "user-1", "web", "profile", time.Hour)

	resp, err := env.exchange(refreshForm(raw, "web"))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp.IDToken != "" {
		t.Error("id token minted without the openid scope")
	}
}

func TestRefresh_OldTokenBurnsFamily(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	v1 := env.issueRefresh(t, "user-1", "web", "profile", time.Hour)

	resp, err := env.exchange(refreshForm(v1, "web"))
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	v2 := resp.RefreshToken

	// Replaying the superseded token is treated as theft.
	_, err = env.exchange(refreshForm(v1, "web"))
	oe := wantOAuthError(t, err, oautherr.CodeInvalidGrant)
	if oe.Description != "Refresh token has been revoked" {
		t.Errorf("unexpected description: %q", oe.Description)
	}

	// The burn takes the whole family with it, current head included.
	_, err = env.exchange(refreshForm(v2, "web"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestRefresh_RevokedJTIRefuses(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	raw := env.issueRefresh(t, "user-1", "web", "profile", time.Hour)

	ctx := context.Background()
	rt, err := env.minter.ParseRefresh(ctx, raw)
	if err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
	if err := env.revocations.Revoke(ctx, rt.ID, time.Hour, "admin_revoked"); err != nil {
		t.Fatalf("revoke jti: %v", err)
	}

	_, err = env.exchange(refreshForm(raw, "web"))
	oe := wantOAuthError(t, err, oautherr.CodeInvalidGrant)
	if oe.Description != "Refresh token has been revoked" {
		t.Errorf("unexpected description: %q", oe.Description)
	}
}

func TestRefresh_FamilyRevocationRefuses(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	raw := env.issueRefresh(t, "user-1", "web", "profile", time.Hour)

	if err := env.refresh.Revoke(context.Background(), "user-1", "web", refresh.ReasonUserLogout); err != nil {
		t.Fatalf("revoke family: %v", err)
	}

	_, err := env.exchange(refreshForm(raw, "web"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestRefresh_ScopeNarrowsButNeverWidens(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	raw := env.issueRefresh(t, "user-1", "web", "openid profile email", time.Hour)

	// Widening is refused and must not burn the family.
	form := refreshForm(raw, "web")
	form.Set("scope", "openid profile email admin")
	_, err := env.exchange(form)
	wantOAuthError(t, err, oautherr.CodeInvalidScope)

	form = refreshForm(raw, "web")
	form.Set("scope", "profile")
	resp, err := env.exchange(form)
	if err != nil {
		t.Fatalf("narrowing refresh: %v", err)
	}
	if resp.Scope != "profile" {
		t.Errorf("expected narrowed scope, got %q", resp.Scope)
	}

	// The narrowing sticks: the next rotation's default is the narrowed
	// scope.
	resp2, err := env.exchange(refreshForm(resp.RefreshToken, "web"))
	if err != nil {
		t.Fatalf("follow-up refresh: %v", err)
	}
	if resp2.Scope != "profile" {
		t.Errorf("narrowed scope did not persist, got %q", resp2.Scope)
	}
}

func TestRefresh_WrongClientRefuses(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	env.addRefreshClient("other")
	raw := env.issueRefresh(t, "user-1", "web", "profile", time.Hour)

	_, err := env.exchange(refreshForm(raw, "other"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestRefresh_RotationNeverExtendsFamily(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	raw := env.issueRefresh(t, "user-1", "web", "profile", 30*time.Minute)

	resp, err := env.exchange(refreshForm(raw, "web"))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rt, err := env.minter.ParseRefresh(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("parse rotated token: %v", err)
	}
	limit := time.Now().Add(31 * time.Minute)
	if rt.ExpiresAt.After(limit) {
		t.Errorf("rotated token outlives its family: %v", rt.ExpiresAt)
	}
}

func TestRefresh_RotationOffReturnsSameToken(t *testing.T) {
	env := newTestEnv(t)
	env.addRefreshClient("web")
	env.overrides[config.KeyRefreshRotationOff] = "true"
	raw := env.issueRefresh(t, "user-1", "web", "profile", time.Hour)

	for i := 0; i < 2; i++ {
		resp, err := env.exchange(refreshForm(raw, "web"))
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		if resp.RefreshToken != raw {
			t.Fatalf("rotation-off should echo the presented token")
		}
	}
}
