// Package keyring owns the token signing keys: active-key lookup, rotation
// with an overlap window, JWKS publication and verification-key resolution
// by kid.
package keyring

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/internal/common"
)

// Key status values.
const (
	StatusActive  = "active"
	StatusOverlap = "overlap"
	StatusRetired = "retired"
)

// BakedJWKSEnv names the environment variable that may carry a public JWKS
// baked into the deployment. Verification consults it before the store so
// the common case needs no store round trip.
const BakedJWKSEnv = "AUTHRIM_BAKED_JWKS"

var (
	// ErrUnknownKey means no key matches the requested kid even after a
	// fresh fetch. Callers treat it as a signature failure.
	ErrUnknownKey = errors.New("keyring: unknown key id")
	// ErrNoActiveKey means the ring holds no usable signing key.
	ErrNoActiveKey = errors.New("keyring: no active signing key")
)

// Key is one signing key with its lifecycle bounds.
type Key struct {
	KID       string          `json:"kid"`
	Algorithm string          `json:"alg"`
	Private   json.RawMessage `json:"private"` // serialized jose.JSONWebKey with private material
	NotBefore time.Time       `json:"not_before"`
	NotAfter  time.Time       `json:"not_after,omitempty"` // zero while active
	Status    string          `json:"status"`
}

// Ring is the persisted key set: one active key plus overlap keys that
// remain valid for verification until their NotAfter.
type Ring struct {
	Active       *Key      `json:"active,omitempty"`
	Overlap      []*Key    `json:"overlap,omitempty"`
	NextRotation time.Time `json:"next_rotation"`
}

// privateJWK deserializes the key's private JWK.
func (k *Key) privateJWK() (*jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(k.Private); err != nil {
		return nil, fmt.Errorf("unmarshal private jwk: %w", err)
	}
	return &jwk, nil
}

// KeyRing resolves signing and verification keys with a short-TTL
// in-process cache. The cache is invalidated immediately on a kid miss so
// emergency rotation with zero overlap still verifies.
type KeyRing struct {
	store    Store
	log      *common.Logger
	alg      string
	cacheTTL time.Duration

	baked map[string]crypto.PublicKey

	mu        sync.RWMutex
	cached    *Ring
	fetchedAt time.Time
}

// New creates a KeyRing over store. alg selects generated key types:
// "RS256" (RSA-2048) or "ES256" (P-256). cacheTTL bounds how stale the
// in-process ring may be; zero means 5 minutes.
func New(store Store, alg string, cacheTTL time.Duration, log *common.Logger) *KeyRing {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if alg == "" {
		alg = "RS256"
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	kr := &KeyRing{store: store, alg: alg, cacheTTL: cacheTTL, log: log}
	kr.loadBaked()
	return kr
}

// loadBaked parses the optional environment-baked public JWKS.
func (kr *KeyRing) loadBaked() {
	raw := os.Getenv(BakedJWKSEnv)
	if raw == "" {
		return
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		kr.log.Warn().Err(err).Msg("ignoring malformed baked JWKS")
		return
	}
	kr.baked = make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID != "" && k.IsPublic() {
			kr.baked[k.KeyID] = k.Key
		}
	}
}

// Bootstrap ensures the ring holds an active key, generating the first one
// when empty. Safe to call on every startup.
func (kr *KeyRing) Bootstrap(ctx context.Context) error {
	return kr.store.Update(ctx, func(ring *Ring) (*Ring, error) {
		if ring.Active != nil {
			return ring, nil
		}
		key, err := generateKey(kr.alg)
		if err != nil {
			return nil, err
		}
		ring.Active = key
		kr.log.Info().Str("kid", key.KID).Str("alg", key.Algorithm).Msg("generated initial signing key")
		return ring, nil
	})
}

// ActiveSigningKey returns the current private signing key and its kid.
func (kr *KeyRing) ActiveSigningKey(ctx context.Context) (crypto.Signer, string, error) {
	ring, err := kr.ring(ctx, false)
	if err != nil {
		return nil, "", err
	}
	if ring.Active == nil {
		return nil, "", ErrNoActiveKey
	}
	jwk, err := ring.Active.privateJWK()
	if err != nil {
		return nil, "", err
	}
	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return nil, "", fmt.Errorf("keyring: key %s is not a signer", ring.Active.KID)
	}
	return signer, ring.Active.KID, nil
}

// Algorithm returns the signing algorithm keys are generated with.
func (kr *KeyRing) Algorithm() string { return kr.alg }

// VerificationKey returns the public key for kid. Resolution order:
// environment-baked JWKS, cached ring (kid match skips the TTL), then a
// forced refetch. A miss after refetch is ErrUnknownKey.
func (kr *KeyRing) VerificationKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if pub, ok := kr.baked[kid]; ok {
		return pub, nil
	}

	ring, err := kr.ring(ctx, false)
	if err != nil {
		return nil, err
	}
	if pub := verificationKeyFrom(ring, kid); pub != nil {
		return pub, nil
	}

	// Unknown kid: drop the cache and refetch once. Emergency rotation with
	// zero overlap depends on this path.
	ring, err = kr.ring(ctx, true)
	if err != nil {
		return nil, err
	}
	if pub := verificationKeyFrom(ring, kid); pub != nil {
		return pub, nil
	}
	kr.log.Warn().Str("kid", kid).Msg("verification key not found after refetch")
	return nil, ErrUnknownKey
}

// verificationKeyFrom scans active and unexpired overlap keys for kid.
// Empty kid selects the active key.
func verificationKeyFrom(ring *Ring, kid string) crypto.PublicKey {
	now := time.Now()
	candidates := make([]*Key, 0, 1+len(ring.Overlap))
	if ring.Active != nil {
		candidates = append(candidates, ring.Active)
	}
	for _, k := range ring.Overlap {
		if k.NotAfter.IsZero() || now.Before(k.NotAfter) {
			candidates = append(candidates, k)
		}
	}
	for _, k := range candidates {
		if kid != "" && k.KID != kid {
			continue
		}
		jwk, err := k.privateJWK()
		if err != nil {
			continue
		}
		return jwk.Public().Key
	}
	return nil
}

// JWKS returns the public key set: active plus unexpired overlap keys.
func (kr *KeyRing) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	ring, err := kr.ring(ctx, false)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	var set jose.JSONWebKeySet
	now := time.Now()
	appendPublic := func(k *Key) {
		jwk, err := k.privateJWK()
		if err != nil {
			return
		}
		pub := jwk.Public()
		pub.Use = "sig"
		set.Keys = append(set.Keys, pub)
	}
	if ring.Active != nil {
		appendPublic(ring.Active)
	}
	for _, k := range ring.Overlap {
		if k.NotAfter.IsZero() || now.Before(k.NotAfter) {
			appendPublic(k)
		}
	}
	return set, nil
}

// Rotate atomically generates a new active key and demotes the previous
// active to overlap status for the given window. A zero overlap retires the
// old key immediately (emergency rotation). Expired overlap keys are pruned.
func (kr *KeyRing) Rotate(ctx context.Context, overlap time.Duration) (string, error) {
	var newKID string
	err := kr.store.Update(ctx, func(ring *Ring) (*Ring, error) {
		key, err := generateKey(kr.alg)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		if prev := ring.Active; prev != nil {
			if overlap > 0 {
				prev.Status = StatusOverlap
				prev.NotAfter = now.Add(overlap)
				ring.Overlap = append(ring.Overlap, prev)
			} else {
				kr.log.Warn().Str("kid", prev.KID).Msg("emergency rotation, retiring key with no overlap")
			}
		}
		kept := ring.Overlap[:0]
		for _, k := range ring.Overlap {
			if k.NotAfter.IsZero() || now.Before(k.NotAfter) {
				kept = append(kept, k)
			}
		}
		ring.Overlap = kept
		ring.Active = key
		newKID = key.KID
		return ring, nil
	})
	if err != nil {
		return "", err
	}
	kr.invalidate()
	kr.log.Info().Str("kid", newKID).Dur("overlap", overlap).Msg("rotated signing key")
	return newKID, nil
}

// RunRotation rotates on a fixed period until ctx is done. Serves as the
// single scheduler; deploys run it on one instance.
func (kr *KeyRing) RunRotation(ctx context.Context, period, overlap time.Duration) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := kr.Rotate(ctx, overlap); err != nil {
				kr.log.Error().Err(err).Msg("scheduled key rotation failed")
			}
		}
	}
}

// ring returns the cached ring, refetching when stale or when force is set.
func (kr *KeyRing) ring(ctx context.Context, force bool) (*Ring, error) {
	kr.mu.RLock()
	cached, fetchedAt := kr.cached, kr.fetchedAt
	kr.mu.RUnlock()
	if !force && cached != nil && time.Since(fetchedAt) < kr.cacheTTL {
		return cached, nil
	}

	ring, err := kr.store.Get(ctx)
	if err != nil {
		// Keep serving the stale ring over failing outright.
		if cached != nil && !force {
			kr.log.Warn().Err(err).Msg("key ring fetch failed, serving cached")
			return cached, nil
		}
		return nil, fmt.Errorf("keyring: load: %w", err)
	}
	kr.mu.Lock()
	kr.cached = ring
	kr.fetchedAt = time.Now()
	kr.mu.Unlock()
	return ring, nil
}

func (kr *KeyRing) invalidate() {
	kr.mu.Lock()
	kr.cached = nil
	kr.fetchedAt = time.Time{}
	kr.mu.Unlock()
}

// generateKey creates a fresh signing key for alg.
func generateKey(alg string) (*Key, error) {
	var priv interface{}
	switch alg {
	case "RS256":
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		priv = rsaKey
	case "ES256":
		ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ec key: %w", err)
		}
		priv = ecKey
	default:
		return nil, fmt.Errorf("keyring: unsupported algorithm %q", alg)
	}

	kid := common.NewID()
	jwk := jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: alg, Use: "sig"}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal jwk: %w", err)
	}
	return &Key{
		KID:       kid,
		Algorithm: alg,
		Private:   raw,
		NotBefore: time.Now(),
		Status:    StatusActive,
	}, nil
}
