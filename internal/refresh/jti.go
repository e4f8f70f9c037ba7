// Package refresh manages rotating refresh-token families with theft
// detection. A family is the append-only chain of refresh tokens issued to
// one (user, client) pair; only the chain head is redeemable, and presenting
// anything else burns the whole family.
package refresh

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/authrim/authrim/internal/common"
)

// jtiPrefix marks refresh-token jtis: "rt:<generation>:<shard>:<random>".
// The embedded coordinates let any holder of the JWT route to the owning
// shard without a central index.
const jtiPrefix = "rt"

// MintJTI returns a fresh head jti for a family living at (generation, shard).
func MintJTI(generation, shard int) string {
	return fmt.Sprintf("%s:%d:%d:%s", jtiPrefix, generation, shard, common.RandomURLSafe(24))
}

// ParseJTI recovers the routing coordinates from a refresh jti. Malformed
// jtis report ok=false and are treated the same as unknown families.
func ParseJTI(jti string) (generation, shard int, ok bool) {
	parts := strings.SplitN(jti, ":", 4)
	if len(parts) != 4 || parts[0] != jtiPrefix || parts[3] == "" {
		return 0, 0, false
	}
	generation, err := strconv.Atoi(parts[1])
	if err != nil || generation < 1 {
		return 0, 0, false
	}
	shard, err = strconv.Atoi(parts[2])
	if err != nil || shard < 0 {
		return 0, 0, false
	}
	return generation, shard, true
}
