package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the persistence port,
// used by tests and by the sync-service unit tests. Safe for concurrent
// use.
type MemoryStore struct {
	mu        sync.Mutex
	projects  map[string]Project
	globals   map[string]GlobalContext // keyed by project id
	platforms map[string]map[string]PlatformContext
	domains   map[string]map[string]DomainContext
	sessions  map[string]AISession
	queries   []ContextQuery
	responses []ContextResponse
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  make(map[string]Project),
		globals:   make(map[string]GlobalContext),
		platforms: make(map[string]map[string]PlatformContext),
		domains:   make(map[string]map[string]DomainContext),
		sessions:  make(map[string]AISession),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateProject(_ context.Context, project Project, global GlobalContext) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	project.GlobalContextID = global.ID
	project.CreatedAt = now
	project.LastUpdated = now
	global.ProjectID = project.ID
	global.Version = 1
	global.LastUpdated = now
	s.projects[project.ID] = project
	s.globals[project.ID] = global
	return project, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) GetProjectByName(_ context.Context, name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return p, nil
		}
	}
	return Project{}, ErrNotFound
}

func (s *MemoryStore) ListProjects(context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.Before(projects[j].CreatedAt) })
	return projects, nil
}

func (s *MemoryStore) GetGlobalContextByProject(_ context.Context, projectID string) (GlobalContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.globals[projectID]
	if !ok {
		return GlobalContext{}, ErrNotFound
	}
	return g, nil
}

func (s *MemoryStore) UpdateGlobalContext(_ context.Context, g *GlobalContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.globals[g.ProjectID]
	if !ok || stored.ID != g.ID {
		return ErrNotFound
	}
	g.Version = stored.Version + 1
	g.LastUpdated = time.Now().UTC()
	s.globals[g.ProjectID] = *g
	return nil
}

func (s *MemoryStore) MergeInsights(_ context.Context, projectID string, insights map[string]any, sourcePlatform string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.globals[projectID]
	if !ok {
		return false, nil
	}
	if g.CrossPlatformInsights == nil {
		g.CrossPlatformInsights = make(map[string]any)
	}
	existing, _ := g.CrossPlatformInsights[sourcePlatform].(map[string]any)
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, v := range insights {
		existing[k] = v
	}
	g.CrossPlatformInsights[sourcePlatform] = existing
	g.Version++
	g.LastUpdated = time.Now().UTC()
	s.globals[projectID] = g
	return true, nil
}

func (s *MemoryStore) CreatePlatformContext(_ context.Context, p PlatformContext) (PlatformContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platforms[p.ProjectID] == nil {
		s.platforms[p.ProjectID] = make(map[string]PlatformContext)
	}
	p.Version = 1
	p.LastUpdated = time.Now().UTC()
	s.platforms[p.ProjectID][p.PlatformType] = p
	return p, nil
}

func (s *MemoryStore) GetPlatformContextByType(_ context.Context, projectID, platformType string) (PlatformContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[projectID][platformType]
	if !ok {
		return PlatformContext{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListPlatformContexts(_ context.Context, projectID string) ([]PlatformContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var contexts []PlatformContext
	for _, p := range s.platforms[projectID] {
		contexts = append(contexts, p)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].PlatformType < contexts[j].PlatformType })
	return contexts, nil
}

func (s *MemoryStore) UpdatePlatformContext(_ context.Context, p *PlatformContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.platforms[p.ProjectID][p.PlatformType]
	if !ok || stored.ID != p.ID {
		return ErrNotFound
	}
	p.Version = stored.Version + 1
	p.LastUpdated = time.Now().UTC()
	s.platforms[p.ProjectID][p.PlatformType] = *p
	return nil
}

func (s *MemoryStore) UpsertDomainContext(_ context.Context, d DomainContext) (DomainContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domains[d.ProjectID] == nil {
		s.domains[d.ProjectID] = make(map[string]DomainContext)
	}
	if existing, ok := s.domains[d.ProjectID][d.DomainType]; ok {
		d.ID = existing.ID
	}
	d.LastUpdated = time.Now().UTC()
	s.domains[d.ProjectID][d.DomainType] = d
	return d, nil
}

func (s *MemoryStore) GetDomainByType(_ context.Context, projectID, domainType string) (DomainContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[projectID][domainType]
	if !ok {
		return DomainContext{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListDomainContexts(_ context.Context, projectID string) ([]DomainContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var domains []DomainContext
	for _, d := range s.domains[projectID] {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].DomainType < domains[j].DomainType })
	return domains, nil
}

func (s *MemoryStore) SearchDomains(ctx context.Context, projectID, query string, domainTypes []string) ([]DomainContext, error) {
	domains, err := s.ListDomainContexts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	typeFilter := map[string]bool{}
	for _, t := range domainTypes {
		typeFilter[t] = true
	}
	tokens := strings.Fields(strings.ToLower(query))
	var matched []DomainContext
	for _, d := range domains {
		if len(typeFilter) > 0 && !typeFilter[d.DomainType] {
			continue
		}
		if domainMatches(d, tokens) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess AISession) (AISession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.SessionStart = time.Now().UTC()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (AISession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return AISession{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess AISession) (AISession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return AISession{}, ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemoryStore) EndSession(_ context.Context, sessionID string) (AISession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return AISession{}, ErrNotFound
	}
	if sess.SessionEnd == nil {
		now := time.Now().UTC()
		sess.SessionEnd = &now
		s.sessions[sessionID] = sess
	}
	return sess, nil
}

func (s *MemoryStore) ListSessionsByProject(_ context.Context, projectID string) ([]AISession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []AISession
	for _, sess := range s.sessions {
		if sess.ProjectID == projectID {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionStart.Before(sessions[j].SessionStart) })
	return sessions, nil
}

func (s *MemoryStore) ListSessionsByAIType(ctx context.Context, projectID, aiType string) ([]AISession, error) {
	sessions, err := s.ListSessionsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var filtered []AISession
	for _, sess := range sessions {
		if sess.AIType == aiType {
			filtered = append(filtered, sess)
		}
	}
	return filtered, nil
}

func (s *MemoryStore) SaveQuery(_ context.Context, q ContextQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, r ContextResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *MemoryStore) QueryHistory(_ context.Context, projectID, sessionID string, limit int) ([]ContextQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var history []ContextQuery
	for i := len(s.queries) - 1; i >= 0 && len(history) < limit; i-- {
		q := s.queries[i]
		if q.ProjectID != projectID {
			continue
		}
		if sessionID != "" && q.AISessionID != sessionID {
			continue
		}
		history = append(history, q)
	}
	return history, nil
}

func (s *MemoryStore) PopularQueries(_ context.Context, projectID string, days, limit int) ([]PopularQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	counts := make(map[string]int)
	for _, q := range s.queries {
		if q.ProjectID == projectID && q.Timestamp.After(cutoff) {
			counts[q.QueryText]++
		}
	}
	popular := make([]PopularQuery, 0, len(counts))
	for text, count := range counts {
		popular = append(popular, PopularQuery{QueryText: text, Count: count})
	}
	sort.Slice(popular, func(i, j int) bool {
		if popular[i].Count != popular[j].Count {
			return popular[i].Count > popular[j].Count
		}
		return popular[i].QueryText < popular[j].QueryText
	})
	if len(popular) > limit {
		popular = popular[:limit]
	}
	return popular, nil
}

// Responses returns a copy of the saved responses, for tests.
func (s *MemoryStore) Responses() []ContextResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ContextResponse, len(s.responses))
	copy(out, s.responses)
	return out
}

// Queries returns a copy of the saved queries, for tests.
func (s *MemoryStore) Queries() []ContextQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ContextQuery, len(s.queries))
	copy(out, s.queries)
	return out
}
