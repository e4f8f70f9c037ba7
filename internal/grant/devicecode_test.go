package grant

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/oautherr"
)

func (env *testEnv) addDeviceClient(id string) *clients.Client {
	return env.addClient(&clients.Client{
		ID:            id,
		Secret:        "s3cret",
		GrantTypes:    []string{GrantDeviceCode, GrantRefreshToken},
		AllowedScopes: []string{"openid", "profile"},
	})
}

// startDeviceAuth opens a device authorization with the given poll
// interval. interval 0 disables pacing so tests can poll back to back.
func (env *testEnv) startDeviceAuth(t *testing.T, clientID string, interval int) (deviceCode, userCode string) {
	t.Helper()
	rec, err := env.deviceCodes.New(context.Background(), "", clientID, "openid profile", 5*time.Minute, interval)
	if err != nil {
		t.Fatalf("start device auth: %v", err)
	}
	return rec.DeviceCode, rec.UserCode
}

func deviceForm(deviceCode, clientID string) url.Values {
	return url.Values{
		"grant_type":    {GrantDeviceCode},
		"device_code":   {deviceCode},
		"client_id":     {clientID},
		"client_secret": {"s3cret"},
	}
}

func TestDeviceCode_PendingThenApproved(t *testing.T) {
	env := newTestEnv(t)
	env.addDeviceClient("tv")
	deviceCode, userCode := env.startDeviceAuth(t, "tv", 0)

	_, err := env.exchange(deviceForm(deviceCode, "tv"))
	wantOAuthError(t, err, oautherr.CodeAuthorizationPending)

	if err := env.deviceCodes.Decide(context.Background(), userCode, "user-1", true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	resp, err := env.exchange(deviceForm(deviceCode, "tv"))
	if err != nil {
		t.Fatalf("poll after approval: %v", err)
	}
	claims := env.accessClaims(t, resp.AccessToken)
	if claims["sub"] != "user-1" {
		t.Errorf("unexpected subject: %v", claims["sub"])
	}
	if resp.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if resp.IDToken == "" {
		t.Error("expected an id token for the openid scope")
	}
}

func TestDeviceCode_SlowDown(t *testing.T) {
	env := newTestEnv(t)
	env.addDeviceClient("tv")
	deviceCode, _ := env.startDeviceAuth(t, "tv", 5)

	// The first poll is never paced.
	_, err := env.exchange(deviceForm(deviceCode, "tv"))
	wantOAuthError(t, err, oautherr.CodeAuthorizationPending)

	_, err = env.exchange(deviceForm(deviceCode, "tv"))
	wantOAuthError(t, err, oautherr.CodeSlowDown)
}

func TestDeviceCode_Denied(t *testing.T) {
	env := newTestEnv(t)
	env.addDeviceClient("tv")
	deviceCode, userCode := env.startDeviceAuth(t, "tv", 0)

	if err := env.deviceCodes.Decide(context.Background(), userCode, "user-1", false); err != nil {
		t.Fatalf("deny: %v", err)
	}

	_, err := env.exchange(deviceForm(deviceCode, "tv"))
	oe := wantOAuthError(t, err, oautherr.CodeAccessDenied)
	if oe.Status != 403 {
		t.Errorf("expected 403, got %d", oe.Status)
	}

	// The denial burns the code.
	_, err = env.exchange(deviceForm(deviceCode, "tv"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestDeviceCode_ApprovalRedeemsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addDeviceClient("tv")
	deviceCode, userCode := env.startDeviceAuth(t, "tv", 0)

	if err := env.deviceCodes.Decide(context.Background(), userCode, "user-1", true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := env.exchange(deviceForm(deviceCode, "tv")); err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	_, err := env.exchange(deviceForm(deviceCode, "tv"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestDeviceCode_WrongClientRefuses(t *testing.T) {
	env := newTestEnv(t)
	env.addDeviceClient("tv")
	env.addDeviceClient("other")
	deviceCode, _ := env.startDeviceAuth(t, "tv", 0)

	_, err := env.exchange(deviceForm(deviceCode, "other"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestDeviceCode_MissingCode(t *testing.T) {
	env := newTestEnv(t)
	env.addDeviceClient("tv")

	_, err := env.exchange(url.Values{
		"grant_type":    {GrantDeviceCode},
		"client_id":     {"tv"},
		"client_secret": {"s3cret"},
	})
	wantOAuthError(t, err, oautherr.CodeInvalidRequest)
}
