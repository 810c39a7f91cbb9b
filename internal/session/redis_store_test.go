package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"notetree/api/internal/authz"
)

var alice = authz.Principal{SubjectID: "user-123", TenantID: "org-1", Email: "alice@example.com"}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("NewRedisStore() expected error for invalid url")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-1", alice, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	got, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if got != alice {
		t.Fatalf("LookupRefreshSession() = %+v, want %+v", got, alice)
	}

	ttl := mr.TTL("notetree:refresh:hash-1")
	if ttl <= 23*time.Hour || ttl > 24*time.Hour {
		t.Fatalf("ttl = %s, want about 24h", ttl)
	}
}

func TestRefreshSessionExpiry(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-1", alice, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("LookupRefreshSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-1", alice, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("LookupRefreshSession() after revoke error = %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "missing"); err != nil {
		t.Fatalf("RevokeRefreshSession(missing) error = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	if err := store.SaveRefreshSession(ctx, "hash-1", alice, now.Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	got, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil || got != alice {
		t.Fatalf("LookupRefreshSession() = %+v, %v", got, err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired lookup error = %v", err)
	}

	if err := store.SaveRefreshSession(ctx, "hash-2", alice, now.Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "hash-2"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoked lookup error = %v", err)
	}
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
