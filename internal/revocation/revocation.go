// Package revocation tracks revoked token jtis until the tokens would have
// expired anyway. Lookups are O(1); the index only ever holds jtis whose
// tokens are still within their lifetime.
package revocation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
)

// accessJTIPrefix marks access-token jtis: "at:<shard>:<random>". The
// embedded shard routes lookups without a central map and tolerates
// scale-out (raw index mod current count).
const accessJTIPrefix = "at"

// retentionMargin pads the entry TTL past the token's remaining life so a
// revoked token never outlives its index entry under clock skew.
const retentionMargin = 5 * time.Minute

// Revocation reasons recorded with each entry.
const (
	ReasonAuthCodeReplay = "auth_code_replay"
	ReasonClientRequest  = "client_requested"
	ReasonUserLogout     = "user_logout"
	ReasonAdminRevoked   = "admin_revoked"
)

// Entry is one revoked jti with its reason.
type Entry struct {
	JTI       string    `json:"jti"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Index is the revocation check consulted on every token verification.
// ttl is the token's remaining lifetime; the index retains the entry a
// margin longer.
type Index interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration, reason string) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Lookup(ctx context.Context, jti string) (*Entry, error)
}

// MintAccessJTI returns a fresh routable access-token jti.
func MintAccessJTI(shardCount int) string {
	random := common.RandomURLSafe(18)
	return fmt.Sprintf("%s:%d:%s", accessJTIPrefix, challenge.Shard(random, shardCount), random)
}

// shardOf routes a jti to its owning shard. Jtis minted under an older
// shard count remap by modulo; jtis without an embedded index (refresh
// jtis carry generation first, opaque jtis carry nothing) hash instead.
func shardOf(jti string, count int) int {
	if count <= 1 {
		return 0
	}
	parts := strings.Split(jti, ":")
	if len(parts) >= 3 && parts[0] == accessJTIPrefix {
		if raw, err := strconv.Atoi(parts[1]); err == nil && raw >= 0 {
			return raw % count
		}
	}
	return challenge.Shard(jti, count)
}
