package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ucl/api/internal/events"
	"ucl/api/internal/store"
)

type delivery struct {
	changeID     string
	changeType   ChangeType
	platformType string
}

type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
	failFor    map[string]error
}

func (r *recorder) notify(_ context.Context, c *Change, platformType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[platformType]; ok {
		return err
	}
	r.deliveries = append(r.deliveries, delivery{changeID: c.ID, changeType: c.Type, platformType: platformType})
	return nil
}

func (r *recorder) platforms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.deliveries {
		out = append(out, d.platformType)
	}
	return out
}

func newTestService(t *testing.T, policy Policy) (*Service, *store.MemoryStore, *recorder) {
	t.Helper()
	memStore := store.NewMemoryStore()
	svc := NewService(memStore, nil, events.NewManager(), policy)
	rec := &recorder{}
	svc.SetPlatformNotifier(rec.notify)
	return svc, memStore, rec
}

func fastPolicy() Policy {
	policy := DefaultPolicy()
	policy.PollInterval = 5 * time.Millisecond
	policy.ErrorBackoff = 5 * time.Millisecond
	return policy
}

func seedPlatforms(t *testing.T, memStore *store.MemoryStore, projectID string, types ...string) {
	t.Helper()
	for _, platformType := range types {
		_, err := memStore.CreatePlatformContext(context.Background(), store.PlatformContext{
			ID:           "pctx_" + platformType,
			ProjectID:    projectID,
			PlatformType: platformType,
		})
		if err != nil {
			t.Fatalf("seed platform %s: %v", platformType, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGlobalChangeReachesActivePlatforms(t *testing.T) {
	svc, memStore, rec := newTestService(t, fastPolicy())
	seedPlatforms(t, memStore, "proj_1", "claude", "chatgpt")

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	if err := svc.OnGlobalContextChanged(ctx, "proj_1", map[string]any{"shared_knowledge": "x"}, "claude"); err != nil {
		t.Fatalf("OnGlobalContextChanged: %v", err)
	}

	waitFor(t, func() bool { return len(rec.platforms()) == 2 })

	seen := map[string]bool{}
	for _, p := range rec.platforms() {
		seen[p] = true
	}
	if !seen["claude"] || !seen["chatgpt"] {
		t.Fatalf("deliveries = %v, want both platforms", rec.platforms())
	}
}

func TestAutoSyncGlobalDisabled(t *testing.T) {
	policy := fastPolicy()
	policy.AutoSyncGlobal = false
	svc, memStore, rec := newTestService(t, policy)
	seedPlatforms(t, memStore, "proj_1", "claude")

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	if err := svc.OnGlobalContextChanged(ctx, "proj_1", map[string]any{"a": 1}, "claude"); err != nil {
		t.Fatalf("OnGlobalContextChanged: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.platforms(); len(got) != 0 {
		t.Fatalf("no deliveries expected when auto sync is off, got %v", got)
	}
}

func TestLowConfidenceChangeParkedForApproval(t *testing.T) {
	svc, memStore, rec := newTestService(t, fastPolicy())
	seedPlatforms(t, memStore, "proj_1", "unknown_ai", "claude")

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	// Tool recommendations from an unrecognized platform score
	// 0.75 * 0.8 = 0.6, below the 0.7 threshold.
	changes := map[string]any{
		"learned_preferences": map[string]any{"preferred_tools": []any{"make"}},
	}
	if err := svc.OnPlatformContextChanged(ctx, "proj_1", "unknown_ai", changes, true); err != nil {
		t.Fatalf("OnPlatformContextChanged: %v", err)
	}

	waitFor(t, func() bool { return len(svc.PendingApprovals()) == 1 })

	held := svc.PendingApprovals()[0]
	if held.Type != InsightsMerged {
		t.Fatalf("held change type = %s, want %s", held.Type, InsightsMerged)
	}
	if !held.RequiresApproval() {
		t.Fatal("held change should report RequiresApproval")
	}
	if len(held.PropagatedTo) != 0 {
		t.Fatalf("held change must not be propagated, got %v", held.PropagatedTo)
	}

	// The platform-local change itself still went through.
	for _, d := range rec.deliveries {
		if d.changeType == InsightsMerged {
			t.Fatal("insights change should not have been delivered")
		}
	}
}

func TestInsightsMergedIntoTargetPlatform(t *testing.T) {
	svc, memStore, _ := newTestService(t, fastPolicy())
	seedPlatforms(t, memStore, "proj_1", "claude", "chatgpt")

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	// Coding patterns from claude score 0.95 * 0.9, above threshold.
	changes := map[string]any{
		"learned_preferences": map[string]any{
			"coding_patterns": map[string]any{"style": "early returns"},
		},
	}
	if err := svc.OnPlatformContextChanged(ctx, "proj_1", "claude", changes, true); err != nil {
		t.Fatalf("OnPlatformContextChanged: %v", err)
	}

	waitFor(t, func() bool {
		pc, err := memStore.GetPlatformContextByType(ctx, "proj_1", "chatgpt")
		if err != nil {
			return false
		}
		_, ok := pc.PlatformSpecificData["shared_insights"]
		return ok
	})

	pc, err := memStore.GetPlatformContextByType(ctx, "proj_1", "chatgpt")
	if err != nil {
		t.Fatalf("GetPlatformContextByType: %v", err)
	}
	shared, _ := pc.PlatformSpecificData["shared_insights"].(map[string]any)
	wrapped, _ := shared[KindCodingPatterns].(map[string]any)
	if wrapped["source_platform"] != "claude" || wrapped["adapted_for"] != "chatgpt" {
		t.Fatalf("insights not adapted for target: %v", shared)
	}

	// The source platform must not receive its own insights back.
	source, err := memStore.GetPlatformContextByType(ctx, "proj_1", "claude")
	if err != nil {
		t.Fatalf("GetPlatformContextByType: %v", err)
	}
	if _, ok := source.PlatformSpecificData["shared_insights"]; ok {
		t.Fatal("source platform should be excluded from insight targets")
	}
}

func TestDeliveryFailureSkipsOnlyThatTarget(t *testing.T) {
	svc, memStore, rec := newTestService(t, fastPolicy())
	rec.failFor = map[string]error{"chatgpt": errors.New("connection refused")}
	seedPlatforms(t, memStore, "proj_1", "claude", "chatgpt", "copilot")

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	if err := svc.OnGlobalContextChanged(ctx, "proj_1", map[string]any{"a": 1}, "system"); err != nil {
		t.Fatalf("OnGlobalContextChanged: %v", err)
	}

	waitFor(t, func() bool { return len(rec.platforms()) == 2 })
	time.Sleep(20 * time.Millisecond)

	for _, p := range rec.platforms() {
		if p == "chatgpt" {
			t.Fatal("failed target should not be recorded as delivered")
		}
	}
}

func TestForceSyncQueuesGlobalAndInsights(t *testing.T) {
	svc, memStore, _ := newTestService(t, fastPolicy())
	ctx := context.Background()

	_, err := memStore.CreateProject(ctx, store.Project{ID: "proj_1", Name: "acme"}, store.GlobalContext{
		ID:              "gctx_1",
		SharedKnowledge: map[string]any{"lang": "go"},
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	seedPlatforms(t, memStore, "proj_1", "chatgpt")
	_, err = memStore.CreatePlatformContext(ctx, store.PlatformContext{
		ID:           "pctx_claude",
		ProjectID:    "proj_1",
		PlatformType: "claude",
		LearnedPreferences: map[string]any{
			"coding_patterns": map[string]any{"style": "early returns"},
		},
	})
	if err != nil {
		t.Fatalf("CreatePlatformContext: %v", err)
	}

	queued, err := svc.ForceSyncProject(ctx, "proj_1")
	if err != nil {
		t.Fatalf("ForceSyncProject: %v", err)
	}
	// One synthetic global change plus one insight extraction from the
	// claude context; chatgpt has nothing extractable.
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}

	status, err := svc.Status(ctx, "proj_1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PendingChanges != 2 {
		t.Fatalf("PendingChanges = %d, want 2", status.PendingChanges)
	}
}

func TestStatusReportsActivePlatformsAndPolicy(t *testing.T) {
	svc, memStore, _ := newTestService(t, fastPolicy())
	seedPlatforms(t, memStore, "proj_1", "claude", "chatgpt")

	status, err := svc.Status(context.Background(), "proj_1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.ActivePlatforms) != 2 {
		t.Fatalf("ActivePlatforms = %v, want 2 entries", status.ActivePlatforms)
	}
	if status.Policy["auto_sync_global_context"] != true {
		t.Fatalf("policy snapshot wrong: %v", status.Policy)
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, fastPolicy())
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx)
	svc.Stop()
	svc.Stop()
}
