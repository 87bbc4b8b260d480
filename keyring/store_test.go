package keyring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}

	store, err := NewStore(rdb, "tk", masterKey, time.Hour)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}

	return store, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestStageDoesNotTouchActiveKey(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()

	first, err := store.Rotate(ctx, "acme")
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	staged, err := store.Stage(ctx, "acme")
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if staged.Status != StatusStaged {
		t.Fatalf("status = %q, want staged", staged.Status)
	}
	if staged.NotAfter != 0 {
		t.Fatal("staged key must have no NotAfter")
	}

	active, err := store.Active(ctx, "acme")
	if err != nil {
		t.Fatalf("active failed: %v", err)
	}
	if active.ID != first.ID {
		t.Fatalf("active key changed by staging: %s != %s", active.ID, first.ID)
	}
}

func TestPromoteRetiresPriorActive(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()

	k0, err := store.Rotate(ctx, "acme")
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	k1, err := store.Stage(ctx, "acme")
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	if err := store.Promote(ctx, "acme", k1.ID); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	active, err := store.Active(ctx, "acme")
	if err != nil {
		t.Fatalf("active failed: %v", err)
	}
	if active.ID != k1.ID {
		t.Fatalf("active = %s, want %s", active.ID, k1.ID)
	}

	retired, err := store.Get(ctx, "acme", k0.ID)
	if err != nil {
		t.Fatalf("get retired failed: %v", err)
	}
	if retired.Status != StatusRetired {
		t.Fatalf("prior active status = %q, want retired", retired.Status)
	}
	if retired.NotAfter == 0 {
		t.Fatal("retired key must carry NotAfter")
	}

	// Retired-but-unexpired keys stay verifiable; staged keys never appear.
	set, err := store.PublicSet(ctx, "acme")
	if err != nil {
		t.Fatalf("public set failed: %v", err)
	}
	kids := map[string]bool{}
	for _, jwk := range set {
		kids[jwk.Kid] = true
	}
	if !kids[k0.Kid] || !kids[k1.Kid] {
		t.Fatalf("public set missing keys: %v", kids)
	}
	if len(set) != 2 {
		t.Fatalf("public set size = %d, want 2", len(set))
	}
}

func TestPromoteUnknownKey(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	err := store.Promote(context.Background(), "acme", "no-such-key")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestPromoteForeignTenantKeyNotFound(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	key, err := store.Stage(ctx, "acme")
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	err = store.Promote(ctx, "globex", key.ID)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound across tenants, got %v", err)
	}
}

func TestPromoteNonStagedKey(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	key, err := store.Rotate(ctx, "acme")
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	err = store.Promote(ctx, "acme", key.ID)
	if !errors.Is(err, ErrKeyNotStaged) {
		t.Fatalf("expected ErrKeyNotStaged for active key, got %v", err)
	}
}

func TestConcurrentPromoteExactlyOneWins(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()

	ka, err := store.Stage(ctx, "acme")
	if err != nil {
		t.Fatalf("stage ka failed: %v", err)
	}
	kb, err := store.Stage(ctx, "acme")
	if err != nil {
		t.Fatalf("stage kb failed: %v", err)
	}

	// Both promoters observed the same pre-promotion state (no active key);
	// the Lua CAS must let exactly one through.
	snapshot, err := store.activeID(ctx, "acme")
	if err != nil {
		t.Fatalf("active id failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{ka.ID, kb.ID} {
		wg.Add(1)
		go func(slot int, keyID string) {
			defer wg.Done()
			errs[slot] = store.promoteFrom(ctx, "acme", keyID, snapshot)
		}(i, id)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrPromotionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected promote error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}

	// Key invariant: never zero, never two active keys.
	keys, err := store.List(ctx, "acme")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var active int
	for _, key := range keys {
		if key.Status == StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active key count = %d, want 1", active)
	}
}

func TestActiveSignerRoundTrip(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()

	key, err := store.Rotate(ctx, "acme")
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	kid, priv, err := store.ActiveSigner(ctx, "acme")
	if err != nil {
		t.Fatalf("active signer failed: %v", err)
	}
	if kid != key.Kid {
		t.Fatalf("kid = %s, want %s", kid, key.Kid)
	}

	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("public key failed: %v", err)
	}

	verifiers, err := store.VerifierSet(ctx, "acme")
	if err != nil {
		t.Fatalf("verifier set failed: %v", err)
	}
	got, ok := verifiers[kid]
	if !ok {
		t.Fatalf("verifier set missing kid %s", kid)
	}
	if !pub.Equal(got) {
		t.Fatal("verifier public key mismatch")
	}
	if !pub.Equal(priv.Public()) {
		t.Fatal("sealed private key does not match public JWK")
	}
}

func TestActiveWithoutKeys(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	_, err := store.Active(context.Background(), "acme")
	if !errors.Is(err, ErrNoActiveKey) {
		t.Fatalf("expected ErrNoActiveKey, got %v", err)
	}
}

func TestMarshalJWKSStableETag(t *testing.T) {
	store, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	if _, err := store.Rotate(ctx, "acme"); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	set, err := store.PublicSet(ctx, "acme")
	if err != nil {
		t.Fatalf("public set failed: %v", err)
	}

	body1, etag1, err := MarshalJWKS(set)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	_, etag2, err := MarshalJWKS(set)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if etag1 != etag2 {
		t.Fatal("etag must be deterministic for identical bodies")
	}
	if len(body1) == 0 || etag1 == `""` {
		t.Fatal("empty jwks body or etag")
	}

	if _, err := store.Rotate(ctx, "acme"); err != nil {
		t.Fatalf("second rotate failed: %v", err)
	}
	set2, err := store.PublicSet(ctx, "acme")
	if err != nil {
		t.Fatalf("public set failed: %v", err)
	}
	_, etag3, err := MarshalJWKS(set2)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if etag3 == etag1 {
		t.Fatal("etag must change when the key set changes")
	}
}
