// Package tenant resolves per-tenant policy profiles: which grants a tenant
// may use, its token TTL ceiling, and its DPoP / FAPI posture.
package tenant

import (
	"context"
	"strconv"
	"time"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
)

// DefaultTenant is the profile used when a client carries no tenant label.
const DefaultTenant = "default"

// Profile is the resolved policy for one tenant.
type Profile struct {
	ID                      string
	AllowsRefreshToken      bool
	AllowsTokenExchange     bool
	AllowsClientCredentials bool
	AllowsCIBA              bool
	AllowsJWTBearer         bool
	AllowsDeviceCode        bool
	AllowsNativeSSO         bool
	MaxTokenTTL             time.Duration
	RequireDPoP             bool
	FAPIEnabled             bool
}

// AllowsGrant maps a wire grant_type onto the profile flags.
// authorization_code is always redeemable; tenants gate code issuance
// upstream, not redemption.
func (p *Profile) AllowsGrant(grantType string) bool {
	switch grantType {
	case "authorization_code":
		return true
	case "refresh_token":
		return p.AllowsRefreshToken
	case "client_credentials":
		return p.AllowsClientCredentials
	case "urn:ietf:params:oauth:grant-type:device_code":
		return p.AllowsDeviceCode
	case "urn:openid:params:grant-type:ciba":
		return p.AllowsCIBA
	case "urn:ietf:params:oauth:grant-type:jwt-bearer":
		return p.AllowsJWTBearer
	case "urn:ietf:params:oauth:grant-type:token-exchange":
		return p.AllowsTokenExchange
	default:
		return false
	}
}

// CapTTL clamps ttl to the tenant ceiling. A zero ceiling means no cap.
func (p *Profile) CapTTL(ttl time.Duration) time.Duration {
	if p.MaxTokenTTL > 0 && ttl > p.MaxTokenTTL {
		return p.MaxTokenTTL
	}
	return ttl
}

// Profiles resolves tenant profiles from the config seeds with runtime
// overrides from the Provider under "tenant:<id>:<field>".
type Profiles struct {
	provider *config.Provider
	seeds    map[string]config.TenantConfig
	log      *common.Logger
}

func NewProfiles(provider *config.Provider, seeds map[string]config.TenantConfig, log *common.Logger) *Profiles {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Profiles{provider: provider, seeds: seeds, log: log}
}

// Resolve returns the profile for id, falling back to the default tenant's
// seed when the id is unknown.
func (ps *Profiles) Resolve(ctx context.Context, id string) *Profile {
	if id == "" {
		id = DefaultTenant
	}
	seed, ok := ps.seeds[id]
	if !ok {
		if id != DefaultTenant {
			ps.log.Debug().Str("tenant", id).Msg("Unknown tenant, using default profile")
		}
		seed = ps.seeds[DefaultTenant]
	}

	p := &Profile{
		ID:                      id,
		AllowsRefreshToken:      ps.flag(ctx, id, "allows_refresh_token", seed.AllowsRefreshToken),
		AllowsTokenExchange:     ps.flag(ctx, id, "allows_token_exchange", seed.AllowsTokenExchange),
		AllowsClientCredentials: ps.flag(ctx, id, "allows_client_credentials", seed.AllowsClientCredentials),
		AllowsCIBA:              ps.flag(ctx, id, "allows_ciba", seed.AllowsCIBA),
		AllowsJWTBearer:         ps.flag(ctx, id, "allows_jwt_bearer", seed.AllowsJWTBearer),
		AllowsDeviceCode:        ps.flag(ctx, id, "allows_device_code", seed.AllowsDeviceCode),
		AllowsNativeSSO:         ps.flag(ctx, id, "allows_native_sso", seed.AllowsNativeSSO),
		RequireDPoP:             ps.flag(ctx, id, "require_dpop", seed.RequireDPoP),
		FAPIEnabled:             ps.flag(ctx, id, "fapi_enabled", seed.FAPIEnabled),
	}

	ttlSeconds := seed.MaxTokenTTLSeconds
	if raw := ps.provider.Get(ctx, "tenant:"+id+":max_token_ttl_seconds"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			ttlSeconds = n
		}
	}
	p.MaxTokenTTL = time.Duration(ttlSeconds) * time.Second

	// FAPI implies sender-constrained tokens.
	if p.FAPIEnabled {
		p.RequireDPoP = true
	}
	return p
}

// flag applies a runtime override only when the provider has an explicit
// value; absent keys keep the seed.
func (ps *Profiles) flag(ctx context.Context, id, field string, seeded bool) bool {
	raw := ps.provider.Get(ctx, "tenant:"+id+":"+field)
	if raw == "" {
		return seeded
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return seeded
	}
	return b
}
