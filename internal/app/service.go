package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"ucl/api/internal/cache"
	"ucl/api/internal/search"
	"ucl/api/internal/store"
	"ucl/api/internal/syncer"
	"ucl/api/internal/util"
)

const (
	defaultMaxResults  = 10
	historyBudget      = 10
	recentSessionLimit = 50
)

// Relevance assigned to each hierarchy tier when a query matches its
// stringified content. A deliberate scoring stub: weights rank the
// tiers, they are not computed from match quality.
const (
	weightSharedKnowledge    = 0.95
	weightSharedConventions  = 0.9
	weightCommonPattern      = 0.85
	weightPlatformData       = 0.9
	weightLearnedPreferences = 0.8
	weightInteractionHistory = 0.7
	weightStructured         = 0.8
)

type CreateProjectInput struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	RepositoryURL string   `json:"repositoryUrl"`
	Technologies  []string `json:"technologies"`
}

type UpsertDomainInput struct {
	DomainType   string           `json:"domainType"`
	Technologies []string         `json:"technologies"`
	FilePatterns []string         `json:"filePatterns"`
	KeyFiles     []string         `json:"keyFiles"`
	APIs         []map[string]any `json:"apis"`
	Dependencies []string         `json:"dependencies"`
	Conventions  map[string]any   `json:"conventions"`
	Metadata     map[string]any   `json:"metadata"`
}

type QueryInput struct {
	Query          string   `json:"query"`
	Domains        []string `json:"domains"`
	AISessionID    string   `json:"aiSessionId"`
	ResponseFormat string   `json:"responseFormat"`
	IncludeHistory bool     `json:"includeHistory"`
	MaxResults     int      `json:"maxResults"`
}

type QueryResult struct {
	QueryID          string           `json:"queryId"`
	Results          []map[string]any `json:"results"`
	DomainsFound     []string         `json:"domainsFound"`
	TotalResults     int              `json:"totalResults"`
	ProcessingTimeMS float64          `json:"processingTimeMs"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	CreateProject(ctx context.Context, project store.Project, global store.GlobalContext) (store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetProjectByName(ctx context.Context, name string) (store.Project, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	GetGlobalContextByProject(ctx context.Context, projectID string) (store.GlobalContext, error)
	UpdateGlobalContext(ctx context.Context, g *store.GlobalContext) error
	MergeInsights(ctx context.Context, projectID string, insights map[string]any, sourcePlatform string) (bool, error)
	CreatePlatformContext(ctx context.Context, p store.PlatformContext) (store.PlatformContext, error)
	GetPlatformContextByType(ctx context.Context, projectID, platformType string) (store.PlatformContext, error)
	ListPlatformContexts(ctx context.Context, projectID string) ([]store.PlatformContext, error)
	UpdatePlatformContext(ctx context.Context, p *store.PlatformContext) error
	UpsertDomainContext(ctx context.Context, d store.DomainContext) (store.DomainContext, error)
	GetDomainByType(ctx context.Context, projectID, domainType string) (store.DomainContext, error)
	ListDomainContexts(ctx context.Context, projectID string) ([]store.DomainContext, error)
	SearchDomains(ctx context.Context, projectID, query string, domainTypes []string) ([]store.DomainContext, error)
	CreateSession(ctx context.Context, sess store.AISession) (store.AISession, error)
	GetSession(ctx context.Context, sessionID string) (store.AISession, error)
	UpdateSession(ctx context.Context, sess store.AISession) (store.AISession, error)
	EndSession(ctx context.Context, sessionID string) (store.AISession, error)
	ListSessionsByProject(ctx context.Context, projectID string) ([]store.AISession, error)
	ListSessionsByAIType(ctx context.Context, projectID, aiType string) ([]store.AISession, error)
	SaveQuery(ctx context.Context, q store.ContextQuery) error
	SaveResponse(ctx context.Context, r store.ContextResponse) error
	QueryHistory(ctx context.Context, projectID, sessionID string, limit int) ([]store.ContextQuery, error)
	PopularQueries(ctx context.Context, projectID string, days, limit int) ([]store.PopularQuery, error)
}

// Service is the single point of truth for reading and writing the
// three context tiers. Cache and search are optional: a nil cache
// store means every read goes to the database, a search service with
// no backends simply returns no hits.
type Service struct {
	store  dataStore
	cache  *cache.Store
	search *search.Service
	syncer *syncer.Service
}

func NewService(st dataStore, cacheStore *cache.Store, searchSvc *search.Service, syncSvc *syncer.Service) *Service {
	if searchSvc == nil {
		searchSvc = search.NewService(nil, nil)
	}
	return &Service{store: st, cache: cacheStore, search: searchSvc, syncer: syncSvc}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateProject creates the project row together with its one global
// context, seeding shared_knowledge.project_info from the metadata.
func (s *Service) CreateProject(ctx context.Context, input CreateProjectInput) (store.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, validationError("name is required")
	}
	if _, err := s.store.GetProjectByName(ctx, name); err == nil {
		return store.Project{}, domainError(http.StatusConflict, "PROJECT_EXISTS", "A project with this name already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Project{}, fmt.Errorf("check project name: %w", err)
	}

	now := time.Now().UTC()
	project := store.Project{
		ID:            util.NewID("proj"),
		Name:          name,
		Description:   input.Description,
		RepositoryURL: input.RepositoryURL,
		Technologies:  input.Technologies,
		CreatedAt:     now,
		LastUpdated:   now,
	}
	global := store.GlobalContext{
		ID:        util.NewID("gctx"),
		ProjectID: project.ID,
		SharedKnowledge: map[string]any{
			"project_info": map[string]any{
				"name":           name,
				"description":    input.Description,
				"repository_url": input.RepositoryURL,
				"technologies":   input.Technologies,
			},
		},
		SharedConventions:     map[string]any{},
		SharedResources:       map[string]any{},
		CommonPatterns:        []any{},
		CrossPlatformInsights: map[string]any{},
		Version:               1,
		LastUpdated:           now,
	}
	project.GlobalContextID = global.ID

	created, err := s.store.CreateProject(ctx, project, global)
	if err != nil {
		return store.Project{}, fmt.Errorf("create project: %w", err)
	}
	return created, nil
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, notFound("Project not found")
	}
	return project, err
}

func (s *Service) GetProjectByName(ctx context.Context, name string) (store.Project, error) {
	project, err := s.store.GetProjectByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, notFound("Project not found")
	}
	return project, err
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

// GetGlobalContext serves the project-wide shared state, cache first.
func (s *Service) GetGlobalContext(ctx context.Context, projectID string) (map[string]any, error) {
	if s.cache != nil {
		if data, ok := s.cache.GlobalContext(ctx, projectID); ok {
			return data, nil
		}
	}
	g, err := s.store.GetGlobalContextByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("Global context not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load global context: %w", err)
	}
	data := globalToMap(g)
	if s.cache != nil {
		s.cache.SetGlobalContext(ctx, projectID, data, g.Version)
	}
	return data, nil
}

// UpdateGlobalContext merges the supplied partial fields into the
// existing record with dict-union semantics, bumps the version and
// hands the change to the sync service.
func (s *Service) UpdateGlobalContext(ctx context.Context, projectID string, updates map[string]any, sourcePlatform string) (store.GlobalContext, error) {
	g, err := s.store.GetGlobalContextByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.GlobalContext{}, notFound("Global context not found")
	}
	if err != nil {
		return store.GlobalContext{}, fmt.Errorf("load global context: %w", err)
	}

	g.SharedKnowledge = mergeMap(g.SharedKnowledge, asMap(updates["shared_knowledge"]))
	g.SharedConventions = mergeMap(g.SharedConventions, asMap(updates["shared_conventions"]))
	g.SharedResources = mergeMap(g.SharedResources, asMap(updates["shared_resources"]))
	g.CrossPlatformInsights = mergeMap(g.CrossPlatformInsights, asMap(updates["cross_platform_insights"]))
	if patterns, ok := updates["common_patterns"].([]any); ok {
		g.CommonPatterns = append(g.CommonPatterns, patterns...)
	}
	g.LastUpdated = time.Now().UTC()

	if err := s.store.UpdateGlobalContext(ctx, &g); err != nil {
		return store.GlobalContext{}, fmt.Errorf("update global context: %w", err)
	}

	if s.cache != nil {
		s.cache.InvalidateGlobalContext(ctx, projectID)
	}
	s.search.IndexRecord(globalRecord(g))
	if s.syncer != nil {
		if err := s.syncer.OnGlobalContextChanged(ctx, projectID, updates, sourcePlatform); err != nil {
			return store.GlobalContext{}, fmt.Errorf("queue global change: %w", err)
		}
	}
	return g, nil
}

// MergeInsightsToGlobal writes a platform's insight contribution into
// cross_platform_insights under the source platform's key. Returns
// false when the project has no global context.
func (s *Service) MergeInsightsToGlobal(ctx context.Context, projectID string, insights map[string]any, sourcePlatform string) (bool, error) {
	merged, err := s.store.MergeInsights(ctx, projectID, insights, sourcePlatform)
	if err != nil {
		return false, fmt.Errorf("merge insights: %w", err)
	}
	if merged && s.cache != nil {
		s.cache.InvalidateGlobalContext(ctx, projectID)
	}
	return merged, nil
}

// CreatePlatformContext creates a platform's private context. Unlike
// the read paths, a missing parent global context is an error here: a
// platform context cannot exist without it.
func (s *Service) CreatePlatformContext(ctx context.Context, projectID, platformType string, data map[string]any) (store.PlatformContext, error) {
	platformType = strings.TrimSpace(strings.ToLower(platformType))
	if platformType == "" {
		return store.PlatformContext{}, validationError("platformType is required")
	}

	g, err := s.store.GetGlobalContextByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return store.PlatformContext{}, domainError(http.StatusNotFound, "GLOBAL_CONTEXT_NOT_FOUND", "Cannot create a platform context without a global context", nil)
	}
	if err != nil {
		return store.PlatformContext{}, fmt.Errorf("load global context: %w", err)
	}
	if _, err := s.store.GetPlatformContextByType(ctx, projectID, platformType); err == nil {
		return store.PlatformContext{}, domainError(http.StatusConflict, "PLATFORM_CONTEXT_EXISTS", "Platform context already exists for this platform", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.PlatformContext{}, fmt.Errorf("check platform context: %w", err)
	}

	p := store.PlatformContext{
		ID:                   util.NewID("pctx"),
		ProjectID:            projectID,
		GlobalContextID:      g.ID,
		PlatformType:         platformType,
		PlatformSpecificData: orEmpty(data),
		LearnedPreferences:   map[string]any{},
		InteractionHistory:   []any{},
		CustomPrompts:        map[string]any{},
		PlatformConventions:  map[string]any{},
		PerformanceMetrics:   map[string]any{},
		Version:              1,
		LastUpdated:          time.Now().UTC(),
	}
	created, err := s.store.CreatePlatformContext(ctx, p)
	if err != nil {
		return store.PlatformContext{}, fmt.Errorf("create platform context: %w", err)
	}
	return created, nil
}

func (s *Service) GetPlatformContext(ctx context.Context, projectID, platformType string) (map[string]any, error) {
	if s.cache != nil {
		if data, ok := s.cache.PlatformContext(ctx, projectID, platformType); ok {
			return data, nil
		}
	}
	p, err := s.store.GetPlatformContextByType(ctx, projectID, platformType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("Platform context not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load platform context: %w", err)
	}
	data := platformToMap(p)
	if s.cache != nil {
		s.cache.SetPlatformContext(ctx, projectID, platformType, data, p.Version)
	}
	return data, nil
}

func (s *Service) ListPlatformContexts(ctx context.Context, projectID string) ([]store.PlatformContext, error) {
	return s.store.ListPlatformContexts(ctx, projectID)
}

// UpdatePlatformContext merges partial fields into the platform's
// record. Map fields take dict-union semantics, interaction_history
// is append-only. When propagateInsights is set the change is also
// offered to the sync service for cross-platform insight extraction.
func (s *Service) UpdatePlatformContext(ctx context.Context, projectID, platformType string, updates map[string]any, propagateInsights bool) (store.PlatformContext, error) {
	p, err := s.store.GetPlatformContextByType(ctx, projectID, platformType)
	if errors.Is(err, store.ErrNotFound) {
		return store.PlatformContext{}, notFound("Platform context not found")
	}
	if err != nil {
		return store.PlatformContext{}, fmt.Errorf("load platform context: %w", err)
	}

	p.PlatformSpecificData = mergeMap(p.PlatformSpecificData, asMap(updates["platform_specific_data"]))
	p.LearnedPreferences = mergeMap(p.LearnedPreferences, asMap(updates["learned_preferences"]))
	p.CustomPrompts = mergeMap(p.CustomPrompts, asMap(updates["custom_prompts"]))
	p.PlatformConventions = mergeMap(p.PlatformConventions, asMap(updates["platform_conventions"]))
	p.PerformanceMetrics = mergeMap(p.PerformanceMetrics, asMap(updates["performance_metrics"]))
	if history, ok := updates["interaction_history"].([]any); ok {
		p.InteractionHistory = append(p.InteractionHistory, history...)
	}
	p.LastUpdated = time.Now().UTC()

	if err := s.store.UpdatePlatformContext(ctx, &p); err != nil {
		return store.PlatformContext{}, fmt.Errorf("update platform context: %w", err)
	}

	if s.cache != nil {
		s.cache.InvalidatePlatform(ctx, projectID, platformType)
	}
	if s.syncer != nil {
		if err := s.syncer.OnPlatformContextChanged(ctx, projectID, platformType, updates, propagateInsights); err != nil {
			return store.PlatformContext{}, fmt.Errorf("queue platform change: %w", err)
		}
	}
	return p, nil
}

// UpsertDomainContext adds or replaces one technical domain of a
// project and pushes the flattened record into the search backends.
func (s *Service) UpsertDomainContext(ctx context.Context, projectID string, input UpsertDomainInput) (store.DomainContext, error) {
	domainType := strings.TrimSpace(strings.ToLower(input.DomainType))
	if domainType == "" {
		return store.DomainContext{}, validationError("domainType is required")
	}
	if _, err := s.store.GetProject(ctx, projectID); errors.Is(err, store.ErrNotFound) {
		return store.DomainContext{}, notFound("Project not found")
	} else if err != nil {
		return store.DomainContext{}, fmt.Errorf("load project: %w", err)
	}

	d := store.DomainContext{
		ID:           util.NewID("dctx"),
		ProjectID:    projectID,
		DomainType:   domainType,
		Technologies: input.Technologies,
		FilePatterns: input.FilePatterns,
		KeyFiles:     input.KeyFiles,
		APIs:         input.APIs,
		Dependencies: input.Dependencies,
		Conventions:  orEmpty(input.Conventions),
		Metadata:     orEmpty(input.Metadata),
		LastUpdated:  time.Now().UTC(),
	}
	saved, err := s.store.UpsertDomainContext(ctx, d)
	if err != nil {
		return store.DomainContext{}, fmt.Errorf("upsert domain context: %w", err)
	}

	if s.cache != nil {
		s.cache.SetDomainContext(ctx, projectID, domainType, domainToMap(saved))
	}
	s.search.IndexRecord(domainRecord(saved))
	if s.syncer != nil {
		if err := s.syncer.OnDomainContextChanged(ctx, projectID, domainType, domainToMap(saved)); err != nil {
			return store.DomainContext{}, fmt.Errorf("queue domain change: %w", err)
		}
	}
	return saved, nil
}

func (s *Service) GetDomainContext(ctx context.Context, projectID, domainType string) (map[string]any, error) {
	if s.cache != nil {
		if data, ok := s.cache.DomainContext(ctx, projectID, domainType); ok {
			return data, nil
		}
	}
	d, err := s.store.GetDomainByType(ctx, projectID, domainType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("Domain context not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load domain context: %w", err)
	}
	return domainToMap(d), nil
}

func (s *Service) ListDomainContexts(ctx context.Context, projectID string) ([]store.DomainContext, error) {
	return s.store.ListDomainContexts(ctx, projectID)
}

// MergedContext assembles the global, platform and domain tiers into
// one view, served from the short-lived merged cache when possible.
func (s *Service) MergedContext(ctx context.Context, projectID, platformType string, includeDomains []string) (map[string]any, error) {
	if s.cache != nil {
		if merged, ok := s.cache.MergedContext(ctx, projectID, platformType, includeDomains); ok {
			return merged, nil
		}
	}

	global, err := s.GetGlobalContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{"global": global}

	if platformType != "" {
		platform, err := s.GetPlatformContext(ctx, projectID, platformType)
		if err == nil {
			merged["platform"] = platform
		} else {
			var derr *DomainError
			if !errors.As(err, &derr) {
				return nil, err
			}
		}
	}

	domains := map[string]any{}
	for _, domainType := range includeDomains {
		data, err := s.GetDomainContext(ctx, projectID, domainType)
		if err != nil {
			continue
		}
		domains[domainType] = data
	}
	merged["domains"] = domains
	return merged, nil
}

// QueryContext runs the hybrid search pipeline: structured domain
// data gets half the result budget, the search backends the other
// half, query history a fixed small budget. Results are deduplicated
// by content hash and sorted by relevance. The query and its response
// are persisted for analytics even when the result set is empty.
func (s *Service) QueryContext(ctx context.Context, projectID string, input QueryInput) (QueryResult, error) {
	started := time.Now()
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	query := store.ContextQuery{
		ID:             util.NewID("qry"),
		ProjectID:      projectID,
		QueryText:      input.Query,
		DomainsFilter:  input.Domains,
		AISessionID:    input.AISessionID,
		Timestamp:      started.UTC(),
		ResponseFormat: input.ResponseFormat,
		IncludeHistory: input.IncludeHistory,
		MaxResults:     maxResults,
	}
	if err := s.store.SaveQuery(ctx, query); err != nil {
		return QueryResult{}, fmt.Errorf("save query: %w", err)
	}

	var results []map[string]any

	structured, err := s.searchStructured(ctx, projectID, input.Query, input.Domains, maxResults/2)
	if err != nil {
		return QueryResult{}, err
	}
	results = append(results, structured...)

	if s.search.Enabled() {
		results = append(results, s.searchIndexed(ctx, projectID, input.Query, input.Domains, maxResults/2)...)
	}

	if input.IncludeHistory && input.AISessionID != "" {
		history, err := s.historyContext(ctx, projectID, input.AISessionID, historyBudget)
		if err != nil {
			return QueryResult{}, err
		}
		results = append(results, history...)
	}

	return s.finishQuery(ctx, query, processResults(results), maxResults, started)
}

// QueryContextWithHierarchy extends the flat pipeline with substring
// matches against the global and platform tiers, each scored by its
// fixed tier weight.
func (s *Service) QueryContextWithHierarchy(ctx context.Context, projectID string, input QueryInput, platformType string) (QueryResult, error) {
	started := time.Now()
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	query := store.ContextQuery{
		ID:             util.NewID("qry"),
		ProjectID:      projectID,
		QueryText:      input.Query,
		DomainsFilter:  input.Domains,
		AISessionID:    input.AISessionID,
		Timestamp:      started.UTC(),
		ResponseFormat: input.ResponseFormat,
		IncludeHistory: input.IncludeHistory,
		MaxResults:     maxResults,
	}
	if err := s.store.SaveQuery(ctx, query); err != nil {
		return QueryResult{}, fmt.Errorf("save query: %w", err)
	}

	results := s.searchHierarchy(ctx, projectID, platformType, input.Query)

	structured, err := s.searchStructured(ctx, projectID, input.Query, input.Domains, maxResults/2)
	if err != nil {
		return QueryResult{}, err
	}
	results = append(results, structured...)

	return s.finishQuery(ctx, query, processResults(results), maxResults, started)
}

func (s *Service) finishQuery(ctx context.Context, query store.ContextQuery, processed []map[string]any, maxResults int, started time.Time) (QueryResult, error) {
	domainsFound := collectDomains(processed)
	if len(processed) > maxResults {
		processed = processed[:maxResults]
	}
	processingTime := float64(time.Since(started).Microseconds()) / 1000

	response := store.ContextResponse{
		ID:               util.NewID("resp"),
		QueryID:          query.ID,
		ProjectID:        query.ProjectID,
		Results:          processed,
		DomainsFound:     domainsFound,
		TotalResults:     len(processed),
		ProcessingTimeMS: processingTime,
		Timestamp:        time.Now().UTC(),
	}
	if err := s.store.SaveResponse(ctx, response); err != nil {
		return QueryResult{}, fmt.Errorf("save response: %w", err)
	}

	return QueryResult{
		QueryID:          query.ID,
		Results:          processed,
		DomainsFound:     domainsFound,
		TotalResults:     len(processed),
		ProcessingTimeMS: processingTime,
	}, nil
}

func (s *Service) searchStructured(ctx context.Context, projectID, query string, domainsFilter []string, limit int) ([]map[string]any, error) {
	domains, err := s.store.SearchDomains(ctx, projectID, query, domainsFilter)
	if err != nil {
		return nil, fmt.Errorf("search domains: %w", err)
	}
	if limit > 0 && len(domains) > limit {
		domains = domains[:limit]
	}
	results := make([]map[string]any, 0, len(domains))
	for _, d := range domains {
		results = append(results, map[string]any{
			"type":            "domain_context",
			"domain_type":     d.DomainType,
			"technologies":    d.Technologies,
			"conventions":     d.Conventions,
			"key_files":       d.KeyFiles,
			"apis":            d.APIs,
			"relevance_score": weightStructured,
			"source":          "structured",
		})
	}
	return results, nil
}

func (s *Service) searchIndexed(ctx context.Context, projectID, query string, domainsFilter []string, limit int) []map[string]any {
	q := search.Query{Text: query, ProjectID: projectID, Limit: limit}
	if len(domainsFilter) == 1 {
		q.DomainType = domainsFilter[0]
	}
	hits := s.search.Search(ctx, q)

	results := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		results = append(results, map[string]any{
			"type":             "vector_search",
			"content":          hit.Snippet,
			"metadata":         map[string]any{"title": hit.Title, "kind": hit.Kind, "domain_type": hit.DomainType},
			"similarity_score": hit.Score,
			"source":           "vector",
		})
	}
	return results
}

func (s *Service) historyContext(ctx context.Context, projectID, sessionID string, limit int) ([]map[string]any, error) {
	history, err := s.store.QueryHistory(ctx, projectID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load query history: %w", err)
	}
	results := make([]map[string]any, 0, len(history))
	for _, q := range history {
		results = append(results, map[string]any{
			"type":           "query_history",
			"query_text":     q.QueryText,
			"domains_filter": q.DomainsFilter,
			"timestamp":      q.Timestamp.Format(time.RFC3339),
			"source":         "history",
		})
	}
	return results, nil
}

// searchHierarchy matches the query against stringified global and
// platform fields. Any error loading a tier just skips that tier.
func (s *Service) searchHierarchy(ctx context.Context, projectID, platformType, query string) []map[string]any {
	needle := strings.ToLower(query)
	var results []map[string]any

	if g, err := s.store.GetGlobalContextByProject(ctx, projectID); err == nil {
		results = append(results, matchTier(needle, "global_knowledge", g.SharedKnowledge, weightSharedKnowledge)...)
		results = append(results, matchTier(needle, "global_conventions", g.SharedConventions, weightSharedConventions)...)
		for _, pattern := range g.CommonPatterns {
			if containsFold(pattern, needle) {
				results = append(results, map[string]any{
					"type":            "common_pattern",
					"content":         pattern,
					"relevance_score": weightCommonPattern,
					"source":          "hierarchy",
				})
			}
		}
	}

	platforms := s.hierarchyPlatforms(ctx, projectID, platformType)
	for _, p := range platforms {
		if containsFold(p.PlatformSpecificData, needle) {
			results = append(results, map[string]any{
				"type":            "platform_context",
				"platform_type":   p.PlatformType,
				"content":         p.PlatformSpecificData,
				"relevance_score": weightPlatformData,
				"source":          "hierarchy",
			})
		}
		results = append(results, matchTier(needle, "learned_preferences", p.LearnedPreferences, weightLearnedPreferences)...)
		recent := p.InteractionHistory
		if len(recent) > historyBudget {
			recent = recent[len(recent)-historyBudget:]
		}
		for _, entry := range recent {
			if containsFold(entry, needle) {
				results = append(results, map[string]any{
					"type":            "interaction_history",
					"platform_type":   p.PlatformType,
					"content":         entry,
					"relevance_score": weightInteractionHistory,
					"source":          "hierarchy",
				})
			}
		}
	}
	return results
}

func (s *Service) hierarchyPlatforms(ctx context.Context, projectID, platformType string) []store.PlatformContext {
	if platformType != "" {
		p, err := s.store.GetPlatformContextByType(ctx, projectID, platformType)
		if err != nil {
			return nil
		}
		return []store.PlatformContext{p}
	}
	platforms, err := s.store.ListPlatformContexts(ctx, projectID)
	if err != nil {
		return nil
	}
	return platforms
}

// StartSession opens a new activity window for one AI.
func (s *Service) StartSession(ctx context.Context, projectID, aiType, aiInstanceID string, metadata map[string]any) (store.AISession, error) {
	if strings.TrimSpace(aiType) == "" {
		return store.AISession{}, validationError("aiType is required")
	}
	if _, err := s.store.GetProject(ctx, projectID); errors.Is(err, store.ErrNotFound) {
		return store.AISession{}, notFound("Project not found")
	} else if err != nil {
		return store.AISession{}, fmt.Errorf("load project: %w", err)
	}

	sess := store.AISession{
		ID:           util.NewID("sess"),
		ProjectID:    projectID,
		AIType:       aiType,
		AIInstanceID: aiInstanceID,
		SessionStart: time.Now().UTC(),
		Metadata:     orEmpty(metadata),
	}
	created, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		return store.AISession{}, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (store.AISession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.AISession{}, notFound("Session not found")
	}
	return sess, err
}

// EndSession closes the session. Ending an already-ended session is a
// no-op returning the session unchanged.
func (s *Service) EndSession(ctx context.Context, sessionID string) (store.AISession, error) {
	sess, err := s.store.EndSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.AISession{}, notFound("Session not found")
	}
	return sess, err
}

// UpdateSessionActivity records one query against the session,
// unioning the accessed domains.
func (s *Service) UpdateSessionActivity(ctx context.Context, sessionID, queryText string, domainsAccessed []string) (store.AISession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.AISession{}, notFound("Session not found")
	}
	if err != nil {
		return store.AISession{}, fmt.Errorf("load session: %w", err)
	}

	sess.QueriesCount++
	sess.LastQuery = queryText
	sess.DomainsAccessed = unionStrings(sess.DomainsAccessed, domainsAccessed)

	updated, err := s.store.UpdateSession(ctx, sess)
	if err != nil {
		return store.AISession{}, fmt.Errorf("update session: %w", err)
	}
	return updated, nil
}

// ProjectAnalytics aggregates query, session and domain statistics
// over the trailing window.
func (s *Service) ProjectAnalytics(ctx context.Context, projectID string, days int) (map[string]any, error) {
	if days <= 0 {
		days = 30
	}
	popular, err := s.store.PopularQueries(ctx, projectID, days, 10)
	if err != nil {
		return nil, fmt.Errorf("load popular queries: %w", err)
	}
	sessions, err := s.store.ListSessionsByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	domains, err := s.store.ListDomainContexts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load domains: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var recent []store.AISession
	for _, sess := range sessions {
		if sess.SessionStart.After(cutoff) {
			recent = append(recent, sess)
		}
	}
	if len(recent) > recentSessionLimit {
		recent = recent[len(recent)-recentSessionLimit:]
	}

	withQueries, active := 0, 0
	byAIType := map[string]int{}
	for _, sess := range recent {
		if sess.QueriesCount > 0 {
			withQueries++
		}
		if sess.Active() {
			active++
		}
		byAIType[sess.AIType]++
	}

	domainTypes := make([]string, 0, len(domains))
	domainUpdated := make([]string, 0, len(domains))
	for _, d := range domains {
		domainTypes = append(domainTypes, d.DomainType)
		domainUpdated = append(domainUpdated, d.LastUpdated.Format(time.RFC3339))
	}

	return map[string]any{
		"queries": map[string]any{
			"popular":      popular,
			"total_recent": withQueries,
		},
		"sessions": map[string]any{
			"total_recent": len(recent),
			"by_ai_type":   byAIType,
			"active":       active,
		},
		"domains": map[string]any{
			"total":        len(domains),
			"types":        domainTypes,
			"last_updated": domainUpdated,
		},
	}, nil
}

// SyncStatus exposes the sync service state for one project.
func (s *Service) SyncStatus(ctx context.Context, projectID string) (syncer.Status, error) {
	if s.syncer == nil {
		return syncer.Status{}, domainError(http.StatusServiceUnavailable, "SYNC_DISABLED", "Sync service is not running", nil)
	}
	return s.syncer.Status(ctx, projectID)
}

// ForceSync queues a full reconciliation sweep for the project.
func (s *Service) ForceSync(ctx context.Context, projectID string) (int, error) {
	if s.syncer == nil {
		return 0, domainError(http.StatusServiceUnavailable, "SYNC_DISABLED", "Sync service is not running", nil)
	}
	if _, err := s.store.GetProject(ctx, projectID); errors.Is(err, store.ErrNotFound) {
		return 0, notFound("Project not found")
	} else if err != nil {
		return 0, fmt.Errorf("load project: %w", err)
	}
	return s.syncer.ForceSyncProject(ctx, projectID)
}

// PendingApprovals lists changes held below the confidence threshold.
func (s *Service) PendingApprovals() []*syncer.Change {
	if s.syncer == nil {
		return nil
	}
	return s.syncer.PendingApprovals()
}

// CacheStats counts live cache entries per kind for one project.
func (s *Service) CacheStats(ctx context.Context, projectID string) map[string]int {
	if s.cache == nil {
		return map[string]int{}
	}
	return s.cache.Stats(ctx, projectID)
}

// Serialization helpers. The wire shape uses the snake_case field
// names the stored JSON documents already carry.

func globalToMap(g store.GlobalContext) map[string]any {
	return map[string]any{
		"id":                      g.ID,
		"project_id":              g.ProjectID,
		"shared_knowledge":        orEmpty(g.SharedKnowledge),
		"shared_conventions":      orEmpty(g.SharedConventions),
		"shared_resources":        orEmpty(g.SharedResources),
		"common_patterns":         orEmptySlice(g.CommonPatterns),
		"cross_platform_insights": orEmpty(g.CrossPlatformInsights),
		"version":                 g.Version,
		"last_updated":            g.LastUpdated.Format(time.RFC3339),
	}
}

func platformToMap(p store.PlatformContext) map[string]any {
	return map[string]any{
		"id":                     p.ID,
		"project_id":             p.ProjectID,
		"global_context_id":      p.GlobalContextID,
		"platform_type":          p.PlatformType,
		"platform_specific_data": orEmpty(p.PlatformSpecificData),
		"learned_preferences":    orEmpty(p.LearnedPreferences),
		"interaction_history":    orEmptySlice(p.InteractionHistory),
		"custom_prompts":         orEmpty(p.CustomPrompts),
		"platform_conventions":   orEmpty(p.PlatformConventions),
		"performance_metrics":    orEmpty(p.PerformanceMetrics),
		"version":                p.Version,
		"last_updated":           p.LastUpdated.Format(time.RFC3339),
	}
}

func domainToMap(d store.DomainContext) map[string]any {
	return map[string]any{
		"id":            d.ID,
		"project_id":    d.ProjectID,
		"domain_type":   d.DomainType,
		"technologies":  d.Technologies,
		"file_patterns": d.FilePatterns,
		"key_files":     d.KeyFiles,
		"apis":          d.APIs,
		"dependencies":  d.Dependencies,
		"conventions":   orEmpty(d.Conventions),
		"metadata":      orEmpty(d.Metadata),
		"last_updated":  d.LastUpdated.Format(time.RFC3339),
	}
}

func domainRecord(d store.DomainContext) search.Record {
	body, _ := json.Marshal(domainToMap(d))
	return search.Record{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		Kind:       string(search.KindDomain),
		DomainType: d.DomainType,
		Title:      d.DomainType,
		Body:       string(body),
	}
}

func globalRecord(g store.GlobalContext) search.Record {
	body, _ := json.Marshal(map[string]any{
		"shared_knowledge":   g.SharedKnowledge,
		"shared_conventions": g.SharedConventions,
		"common_patterns":    g.CommonPatterns,
	})
	return search.Record{
		ID:        g.ID,
		ProjectID: g.ProjectID,
		Kind:      string(search.KindGlobal),
		Title:     "global context",
		Body:      string(body),
	}
}

// processResults deduplicates by content hash and sorts descending by
// relevance_score, falling back to similarity_score.
func processResults(results []map[string]any) []map[string]any {
	seen := make(map[string]struct{}, len(results))
	processed := make([]map[string]any, 0, len(results))
	for _, result := range results {
		key := resultHash(result)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		processed = append(processed, result)
	}

	sort.SliceStable(processed, func(i, j int) bool {
		return resultScore(processed[i]) > resultScore(processed[j])
	})
	return processed
}

func resultScore(result map[string]any) float64 {
	if score, ok := result["relevance_score"].(float64); ok {
		return score
	}
	if score, ok := result["similarity_score"].(float64); ok {
		return score
	}
	return 0
}

func resultHash(result map[string]any) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func collectDomains(results []map[string]any) []string {
	seen := map[string]struct{}{}
	var domains []string
	for _, result := range results {
		domainType, _ := result["domain_type"].(string)
		if domainType == "" {
			continue
		}
		if _, ok := seen[domainType]; ok {
			continue
		}
		seen[domainType] = struct{}{}
		domains = append(domains, domainType)
	}
	sort.Strings(domains)
	return domains
}

func matchTier(needle, tier string, fields map[string]any, weight float64) []map[string]any {
	var results []map[string]any
	for key, value := range fields {
		if !strings.Contains(strings.ToLower(key), needle) && !containsFold(value, needle) {
			continue
		}
		results = append(results, map[string]any{
			"type":            tier,
			"key":             key,
			"content":         value,
			"relevance_score": weight,
			"source":          "hierarchy",
		})
	}
	return results
}

func containsFold(value any, needle string) bool {
	raw, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), needle)
}

func mergeMap(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
