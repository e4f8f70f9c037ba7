// Package config loads Authrim configuration from TOML files with
// environment and flag overrides, and exposes the runtime Provider used
// for values that may change without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Environment string         `toml:"environment"`
	Issuer      string         `toml:"issuer"`
	Server      ServerConfig   `toml:"server"`
	Keys        KeysConfig     `toml:"keys"`
	Tokens      TokensConfig   `toml:"tokens"`
	Sessions    SessionsConfig `toml:"sessions"`
	Sharding    ShardingConfig `toml:"sharding"`
	Storage     StorageConfig  `toml:"storage"`
	Logging     LoggingConfig  `toml:"logging"`
	Logout      LogoutConfig   `toml:"logout"`
	RateLimit   RateConfig     `toml:"rate_limit"`
	Clients     []ClientSeed   `toml:"clients"`
	Trust       TrustConfig    `toml:"trust"`
	Tenants     map[string]TenantConfig `toml:"tenants"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int      `toml:"port"`
	Host           string   `toml:"host"`
	AllowedOrigins []string `toml:"allowed_origins"`
	CookieDomain   string   `toml:"cookie_domain"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
}

// KeysConfig controls the signing key ring.
type KeysConfig struct {
	Algorithm       string `toml:"algorithm"`        // "RS256" or "ES256"
	RotationPeriod  string `toml:"rotation_period"`  // how often Rotate runs, e.g. "720h"
	RotationOverlap string `toml:"rotation_overlap"` // verification window for the demoted key
	RotationOff     bool   `toml:"rotation_off"`     // honored outside prod only
}

// TokensConfig carries default token lifetimes. The runtime Provider can
// override each of these per deployment without a restart.
type TokensConfig struct {
	AccessTTL         string `toml:"access_ttl"`
	IDTTL             string `toml:"id_ttl"`
	RefreshFamilyTTL  string `toml:"refresh_family_ttl"`
	AuthCodeTTL       string `toml:"auth_code_ttl"`
	DeviceCodeTTL     string `toml:"device_code_ttl"`
	DeviceInterval    string `toml:"device_interval"`
	CIBARequestTTL    string `toml:"ciba_request_ttl"`
	DeviceSecretTTL   string `toml:"device_secret_ttl"`
	DeviceSecretCap   int    `toml:"device_secret_cap"`
	DeviceSecretOver  string `toml:"device_secret_overflow"` // "revoke_oldest" or "reject"
	DPoPProofWindow   string `toml:"dpop_proof_window"`
	DPoPReplayWindow  string `toml:"dpop_replay_window"`
}

// SessionsConfig controls browser session behavior.
type SessionsConfig struct {
	TTL        string `toml:"ttl"`
	MaxTTL     string `toml:"max_ttl"`
	ShardCount int    `toml:"shard_count"`
}

// ShardingConfig sizes the sharded id namespaces. RefreshGenerations holds
// one shard count per refresh-family generation; the last entry is the
// active generation, earlier ones stay readable until their families expire.
type ShardingConfig struct {
	ChallengeShards    int   `toml:"challenge_shards"`
	RefreshGenerations []int `toml:"refresh_generations"`
}

// StorageConfig contains storage layer settings.
type StorageConfig struct {
	Backend  string         `toml:"backend"` // "memory" or "redis"
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
}

// PostgresConfig contains the relational store settings.
type PostgresConfig struct {
	URL        string `toml:"url"`
	Migrate    bool   `toml:"migrate"`
	Migrations string `toml:"migrations"` // migration source dir, default "migrations"
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// LogoutConfig controls logout fan-out delivery.
type LogoutConfig struct {
	BackchannelTimeout string `toml:"backchannel_timeout"`
	WebhookTimeout     string `toml:"webhook_timeout"`
	MaxRetries         int    `toml:"max_retries"`
	WebhookKeyHex      string `toml:"webhook_key_hex"` // 32-byte key for webhook secret encryption
}

// RateConfig carries fixed-window rate limit defaults.
type RateConfig struct {
	AnonLoginPerMinute   int    `toml:"anon_login_per_minute"`
	EmailSendPerHour     int    `toml:"email_send_per_hour"`
	EmailVerifyPerHour   int    `toml:"email_verify_per_hour"`
	NativeSSOPerMinute   int    `toml:"native_sso_per_minute"`
	NativeSSOBlock       string `toml:"native_sso_block"`
	TokenBurst           int    `toml:"token_burst"` // in-process smoother on /token
}

// ClientSeed is a statically registered OAuth client, the file-config
// counterpart of dynamic registration.
type ClientSeed struct {
	ID                        string   `toml:"id"`
	Secret                    string   `toml:"secret"`
	RedirectURIs              []string `toml:"redirect_uris"`
	GrantTypes                []string `toml:"grant_types"`
	TokenEndpointAuthMethod   string   `toml:"token_endpoint_auth_method"`
	JWKSFile                  string   `toml:"jwks_file"`
	Public                    bool     `toml:"public"`
	RequireDPoP               bool     `toml:"require_dpop"`
	AllowedScopes             []string `toml:"allowed_scopes"`
	SubjectTokenClients       []string `toml:"subject_token_clients"`
	TokenExchangeResources    []string `toml:"token_exchange_resources"`
	CrossClientSSO            bool     `toml:"cross_client_sso"`
	IDTokenEncryptionAlg      string   `toml:"id_token_encryption_alg"`
	IDTokenEncryptionEnc      string   `toml:"id_token_encryption_enc"`
	EncryptionJWKSFile        string   `toml:"encryption_jwks_file"`
	BackchannelLogoutURI      string   `toml:"backchannel_logout_uri"`
	BackchannelSessionLogout  bool     `toml:"backchannel_session_logout"`
	FrontchannelLogoutURI     string   `toml:"frontchannel_logout_uri"`
	FrontchannelSessionLogout bool     `toml:"frontchannel_session_logout"`
	WebhookURL                string   `toml:"webhook_url"`
	WebhookSecret             string   `toml:"webhook_secret"`
	PostLogoutRedirectURIs    []string `toml:"post_logout_redirect_uris"`
	Tenant                    string   `toml:"tenant"`
}

// TrustConfig registers external issuers for assertion-based grants.
type TrustConfig struct {
	Issuers []TrustedIssuer `toml:"issuers"`
}

// TrustedIssuer describes an external token issuer Authrim accepts
// assertions from, and the scope/audience box its assertions live in.
type TrustedIssuer struct {
	Issuer         string   `toml:"issuer"`
	JWKSFile       string   `toml:"jwks_file"`
	AllowJWTBearer bool     `toml:"allow_jwt_bearer"`
	AllowIDJAG     bool     `toml:"allow_id_jag"`
	AllowedScopes  []string `toml:"allowed_scopes"`
	Audience       string   `toml:"audience"`
}

// TenantConfig is the file-level seed for a tenant profile. The runtime
// Provider value, when present, wins over this.
type TenantConfig struct {
	AllowsRefreshToken      bool `toml:"allows_refresh_token"`
	AllowsTokenExchange     bool `toml:"allows_token_exchange"`
	AllowsClientCredentials bool `toml:"allows_client_credentials"`
	AllowsCIBA              bool `toml:"allows_ciba"`
	AllowsJWTBearer         bool `toml:"allows_jwt_bearer"`
	AllowsDeviceCode        bool `toml:"allows_device_code"`
	AllowsNativeSSO         bool `toml:"allows_native_sso"`
	MaxTokenTTLSeconds      int  `toml:"max_token_ttl_seconds"`
	RequireDPoP             bool `toml:"require_dpop"`
	FAPIEnabled             bool `toml:"fapi_enabled"`
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	config.Environment = normalizeEnvironment(config.Environment)

	return config, nil
}

// applyEnvOverrides applies AUTHRIM_* environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AUTHRIM_ENV"); env != "" {
		config.Environment = env
	}
	if issuer := os.Getenv("AUTHRIM_ISSUER"); issuer != "" {
		config.Issuer = issuer
	}
	if port := os.Getenv("AUTHRIM_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("AUTHRIM_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if url := os.Getenv("AUTHRIM_REDIS_URL"); url != "" {
		config.Storage.Redis.URL = url
	}
	if url := os.Getenv("AUTHRIM_POSTGRES_URL"); url != "" {
		config.Storage.Postgres.URL = url
	}
	if backend := os.Getenv("AUTHRIM_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if level := os.Getenv("AUTHRIM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("AUTHRIM_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if key := os.Getenv("AUTHRIM_WEBHOOK_KEY"); key != "" {
		config.Logout.WebhookKeyHex = key
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction reports whether the server runs in production mode.
// The environment value is normalized at load time.
func (c *Config) IsProduction() bool {
	return strings.ToLower(strings.TrimSpace(c.Environment)) == "prod"
}

// normalizeEnvironment maps environment aliases to their canonical short forms.
// "development" → "dev", "production" → "prod". All other values pass through unchanged.
func normalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development":
		return "dev"
	case "production":
		return "prod"
	default:
		return env
	}
}
