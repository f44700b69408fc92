package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New("redis://"+mr.Addr(), "ucl_test")
	if err != nil {
		t.Fatalf("failed to create cache store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestSetAndGetGlobalContext(t *testing.T) {
	store, _ := setupTestCache(t)
	ctx := context.Background()

	data := map[string]any{"shared_knowledge": map[string]any{"lang": "go"}}
	if !store.SetGlobalContext(ctx, "proj_1", data, 3) {
		t.Fatal("SetGlobalContext failed")
	}

	got, ok := store.GlobalContext(ctx, "proj_1")
	if !ok {
		t.Fatal("GlobalContext missed after set")
	}
	if got["_version"] != float64(3) {
		t.Fatalf("_version = %v, want 3", got["_version"])
	}
	knowledge, _ := got["shared_knowledge"].(map[string]any)
	if knowledge["lang"] != "go" {
		t.Fatalf("payload lost: %v", got)
	}
}

func TestVersionMismatchDropsEntry(t *testing.T) {
	store, mr := setupTestCache(t)
	ctx := context.Background()

	if !store.SetGlobalContext(ctx, "proj_1", map[string]any{"a": 1}, 2) {
		t.Fatal("SetGlobalContext failed")
	}

	// Simulate a partial write: the version marker moved on but the
	// payload did not.
	key := store.Key(KindGlobal, "proj_1")
	mr.Set(versionKey(key), "5")

	if _, ok := store.GlobalContext(ctx, "proj_1"); ok {
		t.Fatal("mismatched entry should be reported absent")
	}
	if mr.Exists(key) {
		t.Fatal("mismatched entry should be deleted")
	}
}

func TestGlobalUpdateInvalidatesDependents(t *testing.T) {
	store, mr := setupTestCache(t)
	ctx := context.Background()

	if !store.SetGlobalContext(ctx, "proj_1", map[string]any{"v": 1}, 1) {
		t.Fatal("SetGlobalContext failed")
	}
	if !store.SetPlatformContext(ctx, "proj_1", "claude", map[string]any{"p": 1}, 1) {
		t.Fatal("SetPlatformContext failed")
	}
	if !store.SetQueryResult(ctx, "proj_1", "claude", "abc123", map[string]any{"results": []any{}}, []string{"backend"}) {
		t.Fatal("SetQueryResult failed")
	}

	// A new global version must sweep out everything derived from it.
	if !store.SetGlobalContext(ctx, "proj_1", map[string]any{"v": 2}, 2) {
		t.Fatal("second SetGlobalContext failed")
	}

	if _, ok := store.PlatformContext(ctx, "proj_1", "claude"); ok {
		t.Fatal("platform entry should be invalidated by global update")
	}
	if _, ok := store.QueryResult(ctx, "proj_1", "claude", "abc123"); ok {
		t.Fatal("query entry should be invalidated by global update")
	}

	globalKey := store.Key(KindGlobal, "proj_1")
	if !mr.Exists(globalKey) {
		t.Fatal("the global entry itself should survive its own update")
	}
}

func TestDomainWriteClearsQueryResults(t *testing.T) {
	store, _ := setupTestCache(t)
	ctx := context.Background()

	if !store.SetQueryResult(ctx, "proj_1", "claude", "h1", map[string]any{"total": 4}, nil) {
		t.Fatal("SetQueryResult failed")
	}
	if !store.SetDomainContext(ctx, "proj_1", "backend", map[string]any{"key_concepts": []any{"grpc"}}) {
		t.Fatal("SetDomainContext failed")
	}

	if _, ok := store.QueryResult(ctx, "proj_1", "claude", "h1"); ok {
		t.Fatal("query results should be cleared on any domain write")
	}
	if _, ok := store.DomainContext(ctx, "proj_1", "backend"); !ok {
		t.Fatal("domain entry should be readable after set")
	}
}

func TestInvalidatePlatformScope(t *testing.T) {
	store, _ := setupTestCache(t)
	ctx := context.Background()

	store.SetPlatformContext(ctx, "proj_1", "claude", map[string]any{"p": 1}, 1)
	store.SetPlatformContext(ctx, "proj_1", "chatgpt", map[string]any{"p": 2}, 1)
	store.SetQueryResult(ctx, "proj_1", "claude", "h1", map[string]any{"total": 1}, nil)

	store.InvalidatePlatform(ctx, "proj_1", "claude")

	if _, ok := store.PlatformContext(ctx, "proj_1", "claude"); ok {
		t.Fatal("claude platform entry should be gone")
	}
	if _, ok := store.QueryResult(ctx, "proj_1", "claude", "h1"); ok {
		t.Fatal("claude query entry should be gone")
	}
	if _, ok := store.PlatformContext(ctx, "proj_1", "chatgpt"); !ok {
		t.Fatal("chatgpt platform entry should survive")
	}
}

func TestMergedContextMemoizes(t *testing.T) {
	store, _ := setupTestCache(t)
	ctx := context.Background()

	store.SetGlobalContext(ctx, "proj_1", map[string]any{"g": 1}, 1)
	store.SetPlatformContext(ctx, "proj_1", "claude", map[string]any{"p": 1}, 1)
	store.SetDomainContext(ctx, "proj_1", "backend", map[string]any{"d": 1})

	merged, cached := store.MergedContext(ctx, "proj_1", "claude", []string{"backend"})
	if cached {
		t.Fatal("first assembly should not report a cache hit")
	}
	if _, ok := merged["global"]; !ok {
		t.Fatalf("merged view missing global tier: %v", merged)
	}
	domains, _ := merged["domains"].(map[string]any)
	if _, ok := domains["backend"]; !ok {
		t.Fatalf("merged view missing backend domain: %v", merged)
	}

	if _, cached = store.MergedContext(ctx, "proj_1", "claude", []string{"backend"}); !cached {
		t.Fatal("second read should hit the memoized entry")
	}
}

func TestEntriesExpire(t *testing.T) {
	store, mr := setupTestCache(t)
	ctx := context.Background()

	store.SetQueryResult(ctx, "proj_1", "claude", "h1", map[string]any{"total": 1}, nil)
	mr.FastForward(KindQuery.TTL() + time.Second)

	if _, ok := store.QueryResult(ctx, "proj_1", "claude", "h1"); ok {
		t.Fatal("query entry should expire after its TTL")
	}
}

func TestStatsCountsEntriesPerKind(t *testing.T) {
	store, _ := setupTestCache(t)
	ctx := context.Background()

	store.SetGlobalContext(ctx, "proj_1", map[string]any{"g": 1}, 1)
	store.SetDomainContext(ctx, "proj_1", "backend", map[string]any{"d": 1})
	store.SetDomainContext(ctx, "proj_1", "frontend", map[string]any{"d": 2})
	store.SetGlobalContext(ctx, "proj_other", map[string]any{"g": 1}, 1)

	stats := store.Stats(ctx, "proj_1")
	if stats["global"] != 1 {
		t.Fatalf("global count = %d, want 1", stats["global"])
	}
	if stats["domain"] != 2 {
		t.Fatalf("domain count = %d, want 2", stats["domain"])
	}
}

func TestDomainsHashIsOrderInsensitive(t *testing.T) {
	a := DomainsHash([]string{"backend", "frontend"})
	b := DomainsHash([]string{"frontend", "backend"})
	if a != b {
		t.Fatalf("hash should not depend on order: %q != %q", a, b)
	}
	if a == DomainsHash([]string{"backend"}) {
		t.Fatal("different domain sets should hash differently")
	}
}
