package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func att(source string, belief float64) ebsl.Attestation {
	return ebsl.Attestation{
		Source:  source,
		Target:  "0xTarget",
		Opinion: ebsl.Opinion{Belief: belief, Disbelief: 0.1, Uncertainty: 0.9 - belief, BaseRate: 0.5},
		Weight:  1,
	}
}

func TestProofKeyIsOrderIndependent(t *testing.T) {
	a, b := att("0xA", 0.5), att("0xB", 0.7)
	k1 := ProofKey([]ebsl.Attestation{a, b}, proofs.TypeExact, 0)
	k2 := ProofKey([]ebsl.Attestation{b, a}, proofs.TypeExact, 0)
	if k1 != k2 {
		t.Fatalf("key depends on order: %s vs %s", k1, k2)
	}
	if ProofKey([]ebsl.Attestation{a, b}, proofs.TypeThreshold, 600000) == k1 {
		t.Fatalf("proof type must be part of the key")
	}
	if ProofKey([]ebsl.Attestation{a, b}, proofs.TypeThreshold, 600000) == ProofKey([]ebsl.Attestation{a, b}, proofs.TypeThreshold, 700000) {
		t.Fatalf("threshold must be part of the key")
	}
	if ProofKey([]ebsl.Attestation{a, att("0xB", 0.6)}, proofs.TypeExact, 0) == k1 {
		t.Fatalf("opinion change must change the key")
	}
}

func TestMemoryProofCacheTTLAndEviction(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	cache := NewMemoryProofCache(WithMaxSize(2), WithClock(clock.Now))
	ctx := context.Background()
	result := proofs.Result{Proof: []float64{1, 2}, Hash: "0x01"}

	_ = cache.Set(ctx, "a", result, 0)
	clock.now = clock.now.Add(time.Second)
	_ = cache.Set(ctx, "b", result, time.Minute)
	clock.now = clock.now.Add(time.Second)
	_ = cache.Set(ctx, "c", result, 0)

	if _, ok, _ := cache.Get(ctx, "a"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
	got, ok, _ := cache.Get(ctx, "c")
	if !ok || got.Hash != "0x01" {
		t.Fatalf("expected cached result")
	}
	got.Proof[0] = 99
	if again, _, _ := cache.Get(ctx, "c"); again.Proof[0] != 1 {
		t.Fatalf("cache must return copies")
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "b"); ok {
		t.Fatalf("entry with short TTL should expire")
	}
	if removed := cache.Cleanup(); removed != 0 || cache.Len() != 1 {
		t.Fatalf("unexpected cleanup result: removed=%d len=%d", removed, cache.Len())
	}
	clock.now = clock.now.Add(DefaultTTL)
	if removed := cache.Cleanup(); removed != 1 || cache.Len() != 0 {
		t.Fatalf("default TTL not applied: removed=%d len=%d", removed, cache.Len())
	}
}

func TestMemoryReputationCacheIgnoresCase(t *testing.T) {
	cache := NewMemoryReputationCache()
	ctx := context.Background()
	_ = cache.Set(ctx, "0xABC", ebsl.ReputationResult{UserAddress: "0xABC", Score: 750000}, 0)
	got, ok, err := cache.Get(ctx, "0xabc")
	if err != nil || !ok || got.Score != 750000 {
		t.Fatalf("unexpected cache result %+v %v %v", got, ok, err)
	}
}

func TestRedisCacheReportsStorageFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	cache := NewRedisProofCache(client, "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, err := cache.Get(ctx, "k"); xerrors.TypeOf(err) != xerrors.TypeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if err := NewRedisReputationCache(client, "tp", time.Minute).Set(ctx, "0xabc", ebsl.ReputationResult{}, 0); xerrors.TypeOf(err) != xerrors.TypeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if key := cache.store.key("proof", "k"); key != "trustproof:proof:k" {
		t.Fatalf("unexpected key %s", key)
	}
}
