package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/common"
)

// KeyValue is the durable-KV surface the Provider reads from. A nil or
// erroring store falls through to the environment and defaults.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
}

// Runtime keys recognized by the Provider. Values resolve with priority
// durable KV > AUTHRIM_* environment variable > hard-coded default.
const (
	KeyAccessTTL        = "ttl.access_token"
	KeyIDTTL            = "ttl.id_token"
	KeyRefreshFamilyTTL = "ttl.refresh_family"
	KeyAuthCodeTTL      = "ttl.auth_code"
	KeyDeviceCodeTTL    = "ttl.device_code"
	KeyCIBARequestTTL   = "ttl.ciba_request"
	KeySessionTTL       = "ttl.session"
	KeySessionMaxTTL    = "ttl.session_max"

	KeyDevicePollInterval = "device.poll_interval"

	KeyRotationOff        = "keys.rotation_off"
	KeyRefreshRotationOff = "refresh.rotation_off"

	KeyAllowInsecureRedirects = "oidc.allow_insecure_redirects"

	KeyDPoPProofWindow  = "dpop.proof_window"
	KeyDPoPReplayWindow = "dpop.replay_window"

	KeyFAPIEnabled     = "fapi.enabled"
	KeyFAPIRequireDPoP = "fapi.require_dpop"

	KeyTokenExchangeEnabled      = "oidc.token_exchange.enabled"
	KeyTokenExchangeSubjectTypes = "oidc.token_exchange.allowed_subject_token_types"
	KeyTokenExchangeMaxResources = "oidc.token_exchange.max_resource_params"
	KeyTokenExchangeMaxAudiences = "oidc.token_exchange.max_audience_params"
	KeyIDJAGEnabled              = "oidc.token_exchange.id_jag.enabled"
	KeyIDJAGAllowedIssuers       = "oidc.token_exchange.id_jag.allowed_issuers"
	KeyIDJAGRequireConfidential  = "oidc.token_exchange.id_jag.require_confidential"
	KeyClientCredentialsEnabled  = "oidc.client_credentials.enabled"

	KeyNativeSSODeviceSecretTTL = "native_sso.device_secret_ttl"
	KeyNativeSSODeviceSecretCap = "native_sso.device_secret_cap"
	KeyNativeSSOOverflowPolicy  = "native_sso.overflow_policy"
	KeyNativeSSOMaxUseCount     = "native_sso.max_use_count"
	KeyNativeSSOCrossClient     = "native_sso.allow_cross_client"
	KeyNativeSSORateLimit       = "native_sso.rate_limit"
	KeyNativeSSORateWindow      = "native_sso.rate_window"
	KeyNativeSSORateBlock       = "native_sso.rate_block"

	KeyEmailOTPMaxAttempts = "email_otp.max_attempts"

	KeyAnonChallengeTTL  = "ttl.anon_challenge"
	KeyUpgradeTTL        = "ttl.upgrade"
	KeyEmailCodeTTL      = "ttl.email_code"
	KeyDirectAuthCodeTTL = "ttl.direct_auth_code"
	KeySessionTokenTTL   = "ttl.session_token"

	KeyAnonDeviceSecret = "anon.device_hash_secret"

	KeyRateAnonLogin   = "rate.anon_login_per_minute"
	KeyRateEmailSend   = "rate.email_send_per_hour"
	KeyRateEmailVerify = "rate.email_verify_per_hour"

	KeyAllowedOrigins = "cors.allowed_origins"

	KeyConsentTTL           = "ttl.consent"
	KeyConsentChallengeTTL  = "ttl.consent_challenge"
	KeyPrivacyPolicyVersion = "policy.privacy_version"
	KeyTOSVersion           = "policy.tos_version"

	KeyLogoutTokenTTL           = "logout.token_ttl"
	KeyLogoutBackchannelRetries = "logout.backchannel_retries"
	KeyLogoutBackchannelTimeout = "logout.backchannel_timeout"
	KeyLogoutWebhookRetries     = "logout.webhook_retries"
	KeyLogoutWebhookTimeout     = "logout.webhook_timeout"
	KeyLogoutDefaultRedirect    = "logout.default_redirect"
)

// runtimeDefaults carries the hard-coded fallback for every recognized key.
var runtimeDefaults = map[string]string{
	KeyAccessTTL:        "15m",
	KeyIDTTL:            "15m",
	KeyRefreshFamilyTTL: "720h",
	KeyAuthCodeTTL:      "60s",
	KeyDeviceCodeTTL:    "10m",
	KeyCIBARequestTTL:   "5m",
	KeySessionTTL:       "1h",
	KeySessionMaxTTL:    "24h",

	KeyDevicePollInterval: "5s",

	KeyRotationOff:        "false",
	KeyRefreshRotationOff: "false",

	KeyAllowInsecureRedirects: "false",

	KeyDPoPProofWindow:  "5m",
	KeyDPoPReplayWindow: "10m",

	KeyFAPIEnabled:     "false",
	KeyFAPIRequireDPoP: "false",

	KeyTokenExchangeEnabled:      "true",
	KeyTokenExchangeSubjectTypes: "urn:ietf:params:oauth:token-type:access_token,urn:ietf:params:oauth:token-type:id_token,urn:ietf:params:oauth:token-type:jwt",
	KeyTokenExchangeMaxResources: "10",
	KeyTokenExchangeMaxAudiences: "10",
	KeyIDJAGEnabled:              "false",
	KeyIDJAGAllowedIssuers:       "",
	KeyIDJAGRequireConfidential:  "true",
	KeyClientCredentialsEnabled:  "true",

	KeyNativeSSODeviceSecretTTL: "720h",
	KeyNativeSSODeviceSecretCap: "10",
	KeyNativeSSOOverflowPolicy:  "revoke_oldest",
	KeyNativeSSOMaxUseCount:     "1000",
	KeyNativeSSOCrossClient:     "false",
	KeyNativeSSORateLimit:       "20",
	KeyNativeSSORateWindow:      "1m",
	KeyNativeSSORateBlock:       "5m",

	KeyEmailOTPMaxAttempts: "5",

	KeyAnonChallengeTTL:  "5m",
	KeyUpgradeTTL:        "15m",
	KeyEmailCodeTTL:      "10m",
	KeyDirectAuthCodeTTL: "5m",
	KeySessionTokenTTL:   "60s",

	KeyAnonDeviceSecret: "",

	KeyRateAnonLogin:   "30",
	KeyRateEmailSend:   "10",
	KeyRateEmailVerify: "30",

	KeyAllowedOrigins: "",

	KeyConsentTTL:           "0s",
	KeyConsentChallengeTTL:  "10m",
	KeyPrivacyPolicyVersion: "",
	KeyTOSVersion:           "",

	KeyLogoutTokenTTL:           "2m",
	KeyLogoutBackchannelRetries: "3",
	KeyLogoutBackchannelTimeout: "10s",
	KeyLogoutWebhookRetries:     "3",
	KeyLogoutWebhookTimeout:     "10s",
	KeyLogoutDefaultRedirect:    "/",
}

// Provider resolves runtime configuration values with the priority
// durable KV > environment > default. TTLs, feature flags, rate limits
// and tenant profiles all flow through here so they can change without
// a restart.
type Provider struct {
	kv  KeyValue
	log *common.Logger
}

// NewProvider creates a Provider over the given KV store. kv may be nil;
// resolution then starts at the environment.
func NewProvider(kv KeyValue, log *common.Logger) *Provider {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Provider{kv: kv, log: log}
}

// Get resolves key to a string value. KV errors fall through silently to
// the environment and defaults; auth decisions never depend on KV health.
func (p *Provider) Get(ctx context.Context, key string) string {
	if p.kv != nil {
		val, err := p.kv.Get(ctx, key)
		if err == nil && val != "" {
			return val
		}
		if err != nil {
			p.log.Debug().Str("key", key).Err(err).Msg("config kv lookup failed, falling back")
		}
	}
	if val := os.Getenv(envName(key)); val != "" {
		return val
	}
	return runtimeDefaults[key]
}

// GetDuration resolves key as a duration. Unparseable values fall back to
// the registered default, then to zero.
func (p *Provider) GetDuration(ctx context.Context, key string) time.Duration {
	if d, err := time.ParseDuration(p.Get(ctx, key)); err == nil {
		return d
	}
	if d, err := time.ParseDuration(runtimeDefaults[key]); err == nil {
		return d
	}
	return 0
}

// GetInt resolves key as an integer.
func (p *Provider) GetInt(ctx context.Context, key string) int {
	if n, err := strconv.Atoi(p.Get(ctx, key)); err == nil {
		return n
	}
	if n, err := strconv.Atoi(runtimeDefaults[key]); err == nil {
		return n
	}
	return 0
}

// GetBool resolves key as a boolean. Accepts the strconv forms.
func (p *Provider) GetBool(ctx context.Context, key string) bool {
	if b, err := strconv.ParseBool(p.Get(ctx, key)); err == nil {
		return b
	}
	b, _ := strconv.ParseBool(runtimeDefaults[key])
	return b
}

// GetStrings resolves key as a comma-separated list. Empty entries are
// dropped; an empty value yields nil.
func (p *Provider) GetStrings(ctx context.Context, key string) []string {
	raw := p.Get(ctx, key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envName maps a dotted runtime key to its AUTHRIM_* environment form:
// "ttl.access_token" → "AUTHRIM_TTL_ACCESS_TOKEN".
func envName(key string) string {
	upper := strings.ToUpper(key)
	upper = strings.NewReplacer(".", "_", "-", "_").Replace(upper)
	return "AUTHRIM_" + upper
}
