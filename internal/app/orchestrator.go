package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"ucl/api/internal/cache"
	"ucl/api/internal/ratelimit"
	"ucl/api/internal/store"
	"ucl/api/internal/util"
)

// AICapabilities describes a registered AI platform's limits and
// formatting preferences.
type AICapabilities struct {
	AIType            string   `json:"aiType"`
	MaxContextLength  int      `json:"maxContextLength"`
	PreferredFormat   string   `json:"preferredFormat"`
	RequestsPerMinute int      `json:"requestsPerMinute"`
	SupportedDomains  []string `json:"supportedDomains"`
}

// ContextRequest is one AI's context query.
type ContextRequest struct {
	AIType         string         `json:"aiType"`
	AIInstanceID   string         `json:"aiInstanceId"`
	SessionID      string         `json:"sessionId"`
	Query          string         `json:"query"`
	Domains        []string       `json:"domains"`
	ResponseFormat string         `json:"responseFormat"`
	IncludeHistory bool           `json:"includeHistory"`
	MaxResults     int            `json:"maxResults"`
	Metadata       map[string]any `json:"metadata"`
}

// ContextUpdate carries partial context updates from one AI, applied
// against its platform context.
type ContextUpdate struct {
	AIType     string           `json:"aiType"`
	SessionID  string           `json:"sessionId"`
	DomainType string           `json:"domainType"`
	Updates    []map[string]any `json:"updates"`
}

type subscription struct {
	AIInstanceID string
	ProjectID    string
	Domains      map[string]struct{}
	CreatedAt    time.Time
}

// Orchestrator is the thin coordination layer between AI clients and
// the context service: per-instance rate limiting, session lifecycle,
// query-result caching and response shaping.
type Orchestrator struct {
	service *Service
	cache   *cache.Store
	limiter *ratelimit.Keyed

	mu            sync.Mutex
	registered    map[string]AICapabilities // keyed by AI type
	subscriptions map[string]subscription
}

func NewOrchestrator(service *Service, cacheStore *cache.Store, limiter *ratelimit.Keyed) *Orchestrator {
	return &Orchestrator{
		service:       service,
		cache:         cacheStore,
		limiter:       limiter,
		registered:    make(map[string]AICapabilities),
		subscriptions: make(map[string]subscription),
	}
}

// RegisterAI records the AI's capabilities and returns its instance
// id. Registering the same AI type again replaces the capabilities.
func (o *Orchestrator) RegisterAI(caps AICapabilities) (string, error) {
	aiType := strings.TrimSpace(strings.ToLower(caps.AIType))
	if aiType == "" {
		return "", validationError("aiType is required")
	}
	caps.AIType = aiType

	aiID := util.NewID("ai")
	o.mu.Lock()
	o.registered[aiType] = caps
	o.mu.Unlock()

	if caps.RequestsPerMinute > 0 {
		o.limiter.SetLimit(aiID, caps.RequestsPerMinute)
	}
	log.Printf("orchestrator: registered %s as %s", aiType, aiID)
	return aiID, nil
}

// HandleContextRequest serves one AI's query: rate limit, resolve the
// session, check the query cache, run the pipeline, shape the
// response for the AI's capabilities.
func (o *Orchestrator) HandleContextRequest(ctx context.Context, projectID string, req ContextRequest) (QueryResult, error) {
	if req.AIInstanceID != "" && !o.limiter.Allow(req.AIInstanceID) {
		return QueryResult{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED",
			fmt.Sprintf("Rate limit exceeded for AI %s", req.AIInstanceID), nil)
	}

	session, err := o.resolveSession(ctx, projectID, req)
	if err != nil {
		return QueryResult{}, err
	}

	hash := requestHash(req)
	if o.cache != nil {
		if cached, ok := o.cache.QueryResult(ctx, projectID, req.AIType, hash); ok {
			// A cache hit still counts as session activity.
			if _, err := o.service.UpdateSessionActivity(ctx, session.ID, req.Query, req.Domains); err != nil {
				log.Printf("orchestrator: update session %s: %v", session.ID, err)
			}
			return queryResultFromMap(cached), nil
		}
	}

	result, err := o.service.QueryContext(ctx, projectID, QueryInput{
		Query:          req.Query,
		Domains:        req.Domains,
		AISessionID:    session.ID,
		ResponseFormat: req.ResponseFormat,
		IncludeHistory: req.IncludeHistory,
		MaxResults:     req.MaxResults,
	})
	if err != nil {
		return QueryResult{}, err
	}

	if _, err := o.service.UpdateSessionActivity(ctx, session.ID, req.Query, req.Domains); err != nil {
		log.Printf("orchestrator: update session %s: %v", session.ID, err)
	}

	result = o.shapeResponse(result, req.AIType)
	if o.cache != nil {
		o.cache.SetQueryResult(ctx, projectID, req.AIType, hash, queryResultToMap(result), req.Domains)
	}
	return result, nil
}

// HandleContextUpdate validates the session and applies each update
// item against the AI's platform context. A failed item is logged and
// skipped; the call reports whether every item landed.
func (o *Orchestrator) HandleContextUpdate(ctx context.Context, projectID string, update ContextUpdate) (bool, error) {
	session, err := o.service.GetSession(ctx, update.SessionID)
	if err != nil {
		return false, err
	}
	if session.AIType != update.AIType {
		return false, domainError(http.StatusUnprocessableEntity, "AI_TYPE_MISMATCH", "Session belongs to a different AI type", nil)
	}

	ok := true
	for _, item := range update.Updates {
		if _, err := o.service.UpdatePlatformContext(ctx, projectID, update.AIType, item, true); err != nil {
			log.Printf("orchestrator: apply update for %s: %v", update.AIType, err)
			ok = false
		}
	}
	return ok, nil
}

// SubscribeAI records an AI's interest in a project's domains. The
// actual event delivery happens over the subscriber streams; this
// registry only feeds the analytics counters.
func (o *Orchestrator) SubscribeAI(aiInstanceID, projectID string, domains []string) string {
	subscriptionID := util.NewID("sub")
	domainSet := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		domainSet[d] = struct{}{}
	}
	o.mu.Lock()
	o.subscriptions[subscriptionID] = subscription{
		AIInstanceID: aiInstanceID,
		ProjectID:    projectID,
		Domains:      domainSet,
		CreatedAt:    time.Now().UTC(),
	}
	o.mu.Unlock()
	return subscriptionID
}

// UnsubscribeAI drops the subscription. Idempotent.
func (o *Orchestrator) UnsubscribeAI(subscriptionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subscriptions[subscriptionID]; !ok {
		return false
	}
	delete(o.subscriptions, subscriptionID)
	return true
}

// AIAnalytics aggregates session activity for the trailing window,
// optionally narrowed to one AI type.
func (o *Orchestrator) AIAnalytics(ctx context.Context, projectID, aiType string, days int) (map[string]any, error) {
	if days <= 0 {
		days = 7
	}
	var (
		sessions []store.AISession
		err      error
	)
	if aiType != "" {
		sessions, err = o.service.store.ListSessionsByAIType(ctx, projectID, aiType)
	} else {
		sessions, err = o.service.store.ListSessionsByProject(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	recent := recentSessions(sessions, days)

	totalQueries, active := 0, 0
	aiTypeUsage := map[string]int{}
	domainUsage := map[string]int{}
	for _, sess := range recent {
		totalQueries += sess.QueriesCount
		if sess.Active() {
			active++
		}
		aiTypeUsage[sess.AIType]++
		for _, domain := range sess.DomainsAccessed {
			domainUsage[domain]++
		}
	}

	avgQueries := 0.0
	if len(recent) > 0 {
		avgQueries = float64(totalQueries) / float64(len(recent))
	}

	o.mu.Lock()
	activeSubscriptions := len(o.subscriptions)
	o.mu.Unlock()

	return map[string]any{
		"period_days":                  days,
		"total_sessions":               len(recent),
		"active_sessions":              active,
		"total_queries":                totalQueries,
		"avg_queries_per_session":      avgQueries,
		"avg_session_duration_minutes": avgSessionDuration(recent),
		"domain_usage":                 domainUsage,
		"ai_type_usage":                aiTypeUsage,
		"active_subscriptions":         activeSubscriptions,
	}, nil
}

// CollaborationInsights reports how the project's AIs work together:
// peak concurrency, domain overlap between AI types and handoffs
// where one AI picks up within an hour of another finishing.
func (o *Orchestrator) CollaborationInsights(ctx context.Context, projectID string, days int) (map[string]any, error) {
	if days <= 0 {
		days = 7
	}
	sessions, err := o.service.store.ListSessionsByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	recent := recentSessions(sessions, days)

	return map[string]any{
		"concurrent_usage":    analyzeConcurrentUsage(recent),
		"domain_overlap":      analyzeDomainOverlap(recent),
		"handoff_patterns":    analyzeHandoffs(recent),
		"collaboration_score": collaborationScore(recent),
	}, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, projectID string, req ContextRequest) (store.AISession, error) {
	if req.SessionID != "" {
		session, err := o.service.GetSession(ctx, req.SessionID)
		if err == nil {
			return session, nil
		}
		var derr *DomainError
		if !errors.As(err, &derr) {
			return store.AISession{}, err
		}
	}
	return o.service.StartSession(ctx, projectID, req.AIType, req.AIInstanceID, req.Metadata)
}

// ResolveFormat maps the "auto" response format to the AI's
// registered preference.
func (o *Orchestrator) ResolveFormat(aiType, requested string) string {
	if requested != "auto" && requested != "" {
		return requested
	}
	o.mu.Lock()
	caps, ok := o.registered[aiType]
	o.mu.Unlock()
	if ok && caps.PreferredFormat != "" {
		return caps.PreferredFormat
	}
	return "structured"
}

// shapeResponse trims the result set to the AI's context budget.
func (o *Orchestrator) shapeResponse(result QueryResult, aiType string) QueryResult {
	o.mu.Lock()
	caps, ok := o.registered[aiType]
	o.mu.Unlock()
	if !ok {
		return result
	}

	if caps.MaxContextLength > 0 {
		total := 0
		for _, r := range result.Results {
			total += len(fmt.Sprint(r))
		}
		if total > caps.MaxContextLength {
			keep := caps.MaxContextLength / 1000
			if keep < 1 {
				keep = 1
			}
			if keep < len(result.Results) {
				result.Results = result.Results[:keep]
			}
		}
	}
	return result
}

func requestHash(req ContextRequest) string {
	domains := append([]string(nil), req.Domains...)
	sort.Strings(domains)
	raw := fmt.Sprintf("%s|%s|%t|%d", req.Query, strings.Join(domains, ","), req.IncludeHistory, req.MaxResults)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func queryResultToMap(result QueryResult) map[string]any {
	results := make([]any, len(result.Results))
	for i, r := range result.Results {
		results[i] = r
	}
	return map[string]any{
		"query_id":           result.QueryID,
		"results":            results,
		"domains_found":      result.DomainsFound,
		"total_results":      result.TotalResults,
		"processing_time_ms": result.ProcessingTimeMS,
	}
}

func queryResultFromMap(data map[string]any) QueryResult {
	result := QueryResult{}
	result.QueryID, _ = data["query_id"].(string)
	if raw, ok := data["results"].([]any); ok {
		for _, entry := range raw {
			if m, ok := entry.(map[string]any); ok {
				result.Results = append(result.Results, m)
			}
		}
	}
	if raw, ok := data["domains_found"].([]any); ok {
		for _, entry := range raw {
			if s, ok := entry.(string); ok {
				result.DomainsFound = append(result.DomainsFound, s)
			}
		}
	} else if domains, ok := data["domains_found"].([]string); ok {
		result.DomainsFound = domains
	}
	if total, ok := data["total_results"].(float64); ok {
		result.TotalResults = int(total)
	} else if total, ok := data["total_results"].(int); ok {
		result.TotalResults = total
	}
	result.ProcessingTimeMS, _ = data["processing_time_ms"].(float64)
	return result
}

func recentSessions(sessions []store.AISession, days int) []store.AISession {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var recent []store.AISession
	for _, sess := range sessions {
		if sess.SessionStart.After(cutoff) {
			recent = append(recent, sess)
		}
	}
	return recent
}

func avgSessionDuration(sessions []store.AISession) float64 {
	total, n := 0.0, 0
	for _, sess := range sessions {
		if sess.SessionEnd == nil {
			continue
		}
		total += sess.SessionEnd.Sub(sess.SessionStart).Minutes()
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// analyzeConcurrentUsage sweeps session start/end points to find the
// peak and average number of simultaneously open sessions.
func analyzeConcurrentUsage(sessions []store.AISession) map[string]any {
	type point struct {
		at    time.Time
		delta int
	}
	now := time.Now().UTC()
	points := make([]point, 0, len(sessions)*2)
	for _, sess := range sessions {
		end := now
		if sess.SessionEnd != nil {
			end = *sess.SessionEnd
		}
		points = append(points, point{sess.SessionStart, 1}, point{end, -1})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	current, peak, sum := 0, 0, 0
	for _, p := range points {
		current += p.delta
		if current > peak {
			peak = current
		}
		sum += current
	}
	avg := 0.0
	if len(points) > 0 {
		avg = float64(sum) / float64(len(points))
	}
	return map[string]any{"max_concurrent": peak, "avg_concurrent": avg}
}

// analyzeDomainOverlap computes the Jaccard overlap of domains
// touched by different AI types.
func analyzeDomainOverlap(sessions []store.AISession) map[string]any {
	domainsByType := map[string]map[string]struct{}{}
	for _, sess := range sessions {
		if domainsByType[sess.AIType] == nil {
			domainsByType[sess.AIType] = map[string]struct{}{}
		}
		for _, domain := range sess.DomainsAccessed {
			domainsByType[sess.AIType][domain] = struct{}{}
		}
	}

	types := make([]string, 0, len(domainsByType))
	for aiType := range domainsByType {
		types = append(types, aiType)
	}
	sort.Strings(types)

	pairs := map[string]float64{}
	var total float64
	var count int
	for i := 0; i < len(types); i++ {
		for j := i + 1; j < len(types); j++ {
			score := jaccard(domainsByType[types[i]], domainsByType[types[j]])
			pairs[types[i]+"+"+types[j]] = score
			total += score
			count++
		}
	}
	overall := 0.0
	if count > 0 {
		overall = total / float64(count)
	}
	return map[string]any{"overlap_score": overall, "pairs": pairs}
}

// analyzeHandoffs finds transitions where one AI type starts within
// an hour of a different AI type ending, on the same domains or not.
func analyzeHandoffs(sessions []store.AISession) map[string]any {
	ordered := append([]store.AISession(nil), sessions...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SessionStart.Before(ordered[j].SessionStart) })

	var handoffs []map[string]any
	for _, ended := range ordered {
		if ended.SessionEnd == nil {
			continue
		}
		for _, next := range ordered {
			if next.AIType == ended.AIType {
				continue
			}
			gap := next.SessionStart.Sub(*ended.SessionEnd)
			if gap < 0 || gap > time.Hour {
				continue
			}
			handoffs = append(handoffs, map[string]any{
				"from":        ended.AIType,
				"to":          next.AIType,
				"gap_minutes": gap.Minutes(),
			})
		}
	}
	return map[string]any{"handoffs": handoffs, "count": len(handoffs)}
}

// collaborationScore is a coarse 0..1 indicator: how many distinct AI
// types participated, scaled by whether they shared domains.
func collaborationScore(sessions []store.AISession) float64 {
	if len(sessions) == 0 {
		return 0
	}
	types := map[string]struct{}{}
	for _, sess := range sessions {
		types[sess.AIType] = struct{}{}
	}
	if len(types) < 2 {
		return 0
	}
	overlap, _ := analyzeDomainOverlap(sessions)["overlap_score"].(float64)
	score := 0.5 + overlap/2
	if score > 1 {
		score = 1
	}
	return score
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
