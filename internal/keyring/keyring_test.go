package keyring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/storage"
)

func newTestRing(t *testing.T, alg string) *KeyRing {
	t.Helper()
	kr := New(NewMemoryStore(), alg, time.Minute, common.NewSilentLogger())
	if err := kr.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return kr
}

func TestBootstrap_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	kr := newTestRing(t, "ES256")

	_, kid, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}

	if err := kr.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	kr.invalidate()
	_, again, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if again != kid {
		t.Errorf("bootstrap replaced the active key: %s -> %s", kid, again)
	}
}

func TestActiveSigningKey_EmptyRing(t *testing.T) {
	kr := New(NewMemoryStore(), "ES256", time.Minute, common.NewSilentLogger())
	if _, _, err := kr.ActiveSigningKey(context.Background()); !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("expected ErrNoActiveKey, got %v", err)
	}
}

func TestRotate_OverlapKeepsOldKeyVerifiable(t *testing.T) {
	ctx := context.Background()
	kr := newTestRing(t, "ES256")

	_, oldKID, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}

	newKID, err := kr.Rotate(ctx, time.Hour)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKID == oldKID {
		t.Fatal("rotation must mint a new key")
	}

	_, activeKID, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key after rotation: %v", err)
	}
	if activeKID != newKID {
		t.Errorf("signing must move to the new key, got %s", activeKID)
	}

	// Tokens signed before the rotation stay verifiable for the overlap window.
	if _, err := kr.VerificationKey(ctx, oldKID); err != nil {
		t.Errorf("overlap key must still verify: %v", err)
	}
	if _, err := kr.VerificationKey(ctx, newKID); err != nil {
		t.Errorf("new key must verify: %v", err)
	}

	set, err := kr.JWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("expected active plus overlap in JWKS, got %d keys", len(set.Keys))
	}
	for _, k := range set.Keys {
		if !k.IsPublic() {
			t.Errorf("JWKS leaked private material for kid %s", k.KeyID)
		}
		if k.Use != "sig" {
			t.Errorf("key %s missing sig use", k.KeyID)
		}
	}
}

func TestRotate_EmergencyRetiresImmediately(t *testing.T) {
	ctx := context.Background()
	kr := newTestRing(t, "ES256")

	_, oldKID, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}

	if _, err := kr.Rotate(ctx, 0); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := kr.VerificationKey(ctx, oldKID); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("compromised key must stop verifying, got %v", err)
	}

	set, err := kr.JWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Errorf("expected only the replacement key, got %d", len(set.Keys))
	}
}

func TestVerificationKey_RefetchOnMiss(t *testing.T) {
	// Two rings over the same store model two instances. Instance B has a
	// warm cache from before A rotates; the unknown kid must trigger a
	// refetch instead of failing.
	ctx := context.Background()
	store := NewMemoryStore()
	a := New(store, "ES256", time.Hour, common.NewSilentLogger())
	if err := a.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	b := New(store, "ES256", time.Hour, common.NewSilentLogger())
	if _, err := b.JWKS(ctx); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	newKID, err := a.Rotate(ctx, time.Hour)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := b.VerificationKey(ctx, newKID); err != nil {
		t.Errorf("stale instance must refetch on kid miss: %v", err)
	}
}

func TestKeyRing_RSASigner(t *testing.T) {
	ctx := context.Background()
	kr := newTestRing(t, "RS256")

	signer, kid, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if signer == nil || kid == "" {
		t.Fatal("expected a usable RSA signer")
	}
	if kr.Algorithm() != "RS256" {
		t.Errorf("unexpected algorithm %s", kr.Algorithm())
	}
}

func TestGenerateKey_UnsupportedAlgorithm(t *testing.T) {
	if _, err := generateKey("HS256"); err == nil {
		t.Error("symmetric algorithms must be rejected")
	}
}

func TestKVStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })

	kr := New(NewKVStore(kv), "ES256", time.Minute, common.NewSilentLogger())
	if err := kr.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	_, kid, err := kr.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}

	// A second ring over the same backend sees the persisted state.
	other := New(NewKVStore(kv), "ES256", time.Minute, common.NewSilentLogger())
	if _, err := other.VerificationKey(ctx, kid); err != nil {
		t.Errorf("persisted key not visible to second instance: %v", err)
	}
}
