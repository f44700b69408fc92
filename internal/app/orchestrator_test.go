package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"ucl/api/internal/cache"
	"ucl/api/internal/ratelimit"
	"ucl/api/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Service, *store.MemoryStore) {
	t.Helper()
	svc, memStore := newTestService(t)
	limiter := ratelimit.NewKeyed(60, time.Minute)
	return NewOrchestrator(svc, nil, limiter), svc, memStore
}

func TestRegisterAIValidatesAndNormalizes(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, err := o.RegisterAI(AICapabilities{})
	wantDomainError(t, err, 422, "VALIDATION_ERROR")

	aiID, err := o.RegisterAI(AICapabilities{AIType: " Claude ", PreferredFormat: "markdown", RequestsPerMinute: 2})
	if err != nil {
		t.Fatalf("RegisterAI: %v", err)
	}
	if aiID == "" {
		t.Fatal("RegisterAI should return an instance id")
	}
	if got := o.ResolveFormat("claude", "auto"); got != "markdown" {
		t.Fatalf("ResolveFormat = %q, want the registered preference", got)
	}
}

func TestResolveFormat(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	if got := o.ResolveFormat("claude", "json"); got != "json" {
		t.Fatalf("explicit format should win, got %q", got)
	}
	if got := o.ResolveFormat("unregistered", "auto"); got != "structured" {
		t.Fatalf("unknown AI should fall back to structured, got %q", got)
	}
}

func TestHandleContextRequestRateLimited(t *testing.T) {
	o, svc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	project := mustCreateProject(t, svc, "acme")

	o.limiter.SetLimit("inst_1", 1)

	req := ContextRequest{AIType: "claude", AIInstanceID: "inst_1", Query: "auth"}
	if _, err := o.HandleContextRequest(ctx, project.ID, req); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := o.HandleContextRequest(ctx, project.ID, req)
	wantDomainError(t, err, 429, "RATE_LIMITED")
}

func TestHandleContextRequestSessionHandling(t *testing.T) {
	o, svc, memStore := newTestOrchestrator(t)
	ctx := context.Background()
	project := mustCreateProject(t, svc, "acme")

	// No session supplied: one is opened per request.
	req := ContextRequest{AIType: "claude", Query: "auth"}
	if _, err := o.HandleContextRequest(ctx, project.ID, req); err != nil {
		t.Fatalf("HandleContextRequest: %v", err)
	}
	sessions, err := memStore.ListSessionsByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListSessionsByProject: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}

	// Reusing the session id keeps the count stable and tallies the
	// query against it.
	req.SessionID = sessions[0].ID
	if _, err := o.HandleContextRequest(ctx, project.ID, req); err != nil {
		t.Fatalf("HandleContextRequest: %v", err)
	}
	sessions, err = memStore.ListSessionsByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListSessionsByProject: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions after reuse = %d, want 1", len(sessions))
	}
	if sessions[0].QueriesCount != 2 {
		t.Fatalf("QueriesCount = %d, want 2", sessions[0].QueriesCount)
	}

	// A stale session id falls back to opening a fresh session.
	req.SessionID = "sess_gone"
	if _, err := o.HandleContextRequest(ctx, project.ID, req); err != nil {
		t.Fatalf("HandleContextRequest: %v", err)
	}
	sessions, _ = memStore.ListSessionsByProject(ctx, project.ID)
	if len(sessions) != 2 {
		t.Fatalf("sessions after stale id = %d, want 2", len(sessions))
	}
}

func TestCachedRequestStillCountsAsActivity(t *testing.T) {
	svc, memStore := newTestService(t)
	mr := miniredis.RunT(t)
	cacheStore, err := cache.New("redis://"+mr.Addr(), "ucl_test")
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	o := NewOrchestrator(svc, cacheStore, ratelimit.NewKeyed(60, time.Minute))
	ctx := context.Background()
	project := mustCreateProject(t, svc, "acme")

	mustUpsertDomain(t, svc, project.ID, UpsertDomainInput{
		DomainType:   "backend",
		Technologies: []string{"go"},
	})
	session, err := svc.StartSession(ctx, project.ID, "claude", "inst_1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	req := ContextRequest{AIType: "claude", SessionID: session.ID, Query: "go", Domains: []string{"backend"}}
	first, err := o.HandleContextRequest(ctx, project.ID, req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := o.HandleContextRequest(ctx, project.ID, req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	// The second request was served from the cache: no new query row.
	if got := len(memStore.Queries()); got != 1 {
		t.Fatalf("queries saved = %d, want 1", got)
	}
	if second.TotalResults != first.TotalResults {
		t.Fatalf("cached TotalResults = %d, want %d", second.TotalResults, first.TotalResults)
	}

	// Session activity is refreshed on hits as well as misses.
	refreshed, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if refreshed.QueriesCount != 2 {
		t.Fatalf("QueriesCount = %d, want 2", refreshed.QueriesCount)
	}
}

func TestHandleContextUpdate(t *testing.T) {
	o, svc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	project := mustCreateProject(t, svc, "acme")
	if _, err := svc.CreatePlatformContext(ctx, project.ID, "claude", nil); err != nil {
		t.Fatalf("CreatePlatformContext: %v", err)
	}
	session, err := svc.StartSession(ctx, project.ID, "claude", "inst_1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_, err = o.HandleContextUpdate(ctx, project.ID, ContextUpdate{
		AIType:    "chatgpt",
		SessionID: session.ID,
	})
	wantDomainError(t, err, 422, "AI_TYPE_MISMATCH")

	ok, err := o.HandleContextUpdate(ctx, project.ID, ContextUpdate{
		AIType:    "claude",
		SessionID: session.ID,
		Updates: []map[string]any{
			{"learned_preferences": map[string]any{"style": "early returns"}},
			{"performance_metrics": map[string]any{"success_rate": 0.9}},
		},
	})
	if err != nil {
		t.Fatalf("HandleContextUpdate: %v", err)
	}
	if !ok {
		t.Fatal("all updates should land")
	}

	data, err := svc.GetPlatformContext(ctx, project.ID, "claude")
	if err != nil {
		t.Fatalf("GetPlatformContext: %v", err)
	}
	prefs, _ := data["learned_preferences"].(map[string]any)
	if prefs["style"] != "early returns" {
		t.Fatalf("update not applied: %v", data)
	}
}

func TestShapeResponseTrimsToContextBudget(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if _, err := o.RegisterAI(AICapabilities{AIType: "copilot", MaxContextLength: 2000}); err != nil {
		t.Fatalf("RegisterAI: %v", err)
	}

	long := make([]map[string]any, 5)
	for i := range long {
		long[i] = map[string]any{"content": string(make([]byte, 600))}
	}
	shaped := o.shapeResponse(QueryResult{Results: long, TotalResults: 5}, "copilot")
	if len(shaped.Results) != 2 {
		t.Fatalf("shaped results = %d, want 2 for a 2000-char budget", len(shaped.Results))
	}

	// Unregistered AI types are passed through untouched.
	unshaped := o.shapeResponse(QueryResult{Results: long, TotalResults: 5}, "unknown")
	if len(unshaped.Results) != 5 {
		t.Fatalf("unregistered type should not be trimmed, got %d", len(unshaped.Results))
	}
}

func TestSubscriptionsAndAnalytics(t *testing.T) {
	o, svc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	project := mustCreateProject(t, svc, "acme")

	subID := o.SubscribeAI("inst_1", project.ID, []string{"backend"})
	if subID == "" {
		t.Fatal("SubscribeAI should return an id")
	}

	session, err := svc.StartSession(ctx, project.ID, "claude", "inst_1", nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := svc.UpdateSessionActivity(ctx, session.ID, "auth", []string{"backend"}); err != nil {
		t.Fatalf("UpdateSessionActivity: %v", err)
	}

	analytics, err := o.AIAnalytics(ctx, project.ID, "", 0)
	if err != nil {
		t.Fatalf("AIAnalytics: %v", err)
	}
	if analytics["period_days"] != 7 {
		t.Fatalf("period_days = %v, want the 7 day default", analytics["period_days"])
	}
	if analytics["total_sessions"] != 1 || analytics["active_sessions"] != 1 {
		t.Fatalf("session counts wrong: %v", analytics)
	}
	if analytics["total_queries"] != 1 {
		t.Fatalf("total_queries = %v, want 1", analytics["total_queries"])
	}
	if analytics["active_subscriptions"] != 1 {
		t.Fatalf("active_subscriptions = %v, want 1", analytics["active_subscriptions"])
	}
	usage, _ := analytics["domain_usage"].(map[string]int)
	if usage["backend"] != 1 {
		t.Fatalf("domain_usage = %v", usage)
	}

	if !o.UnsubscribeAI(subID) {
		t.Fatal("UnsubscribeAI should report success")
	}
	if o.UnsubscribeAI(subID) {
		t.Fatal("second UnsubscribeAI should report false")
	}
}

func TestCollaborationInsights(t *testing.T) {
	o, svc, memStore := newTestOrchestrator(t)
	ctx := context.Background()
	project := mustCreateProject(t, svc, "acme")

	now := time.Now().UTC()
	end1 := now.Add(-30 * time.Minute)
	seed := []store.AISession{
		{ID: "sess_a", ProjectID: project.ID, AIType: "claude", DomainsAccessed: []string{"backend", "auth"}, SessionEnd: &end1},
		{ID: "sess_b", ProjectID: project.ID, AIType: "chatgpt", DomainsAccessed: []string{"backend"}},
	}
	for _, sess := range seed {
		if _, err := memStore.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	insights, err := o.CollaborationInsights(ctx, project.ID, 7)
	if err != nil {
		t.Fatalf("CollaborationInsights: %v", err)
	}

	overlap, _ := insights["domain_overlap"].(map[string]any)
	pairs, _ := overlap["pairs"].(map[string]float64)
	if pairs["chatgpt+claude"] != 0.5 {
		t.Fatalf("jaccard(claude, chatgpt) = %v, want 0.5", pairs["chatgpt+claude"])
	}

	score, _ := insights["collaboration_score"].(float64)
	if score < 0.5 || score > 1 {
		t.Fatalf("collaboration_score = %v, want within [0.5, 1] for two cooperating types", score)
	}

	concurrent, _ := insights["concurrent_usage"].(map[string]any)
	if concurrent["max_concurrent"].(int) < 1 {
		t.Fatalf("max_concurrent = %v", concurrent["max_concurrent"])
	}
}
