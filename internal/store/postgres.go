package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the context tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	repository_url TEXT NOT NULL DEFAULT '',
	technologies JSONB NOT NULL DEFAULT '[]',
	global_context_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS global_contexts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL UNIQUE REFERENCES projects(id) ON DELETE CASCADE,
	shared_knowledge JSONB NOT NULL DEFAULT '{}',
	shared_conventions JSONB NOT NULL DEFAULT '{}',
	shared_resources JSONB NOT NULL DEFAULT '{}',
	common_patterns JSONB NOT NULL DEFAULT '[]',
	cross_platform_insights JSONB NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS platform_contexts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	global_context_id TEXT NOT NULL,
	platform_type TEXT NOT NULL,
	platform_specific_data JSONB NOT NULL DEFAULT '{}',
	learned_preferences JSONB NOT NULL DEFAULT '{}',
	interaction_history JSONB NOT NULL DEFAULT '[]',
	custom_prompts JSONB NOT NULL DEFAULT '{}',
	platform_conventions JSONB NOT NULL DEFAULT '{}',
	performance_metrics JSONB NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (project_id, platform_type)
);
CREATE TABLE IF NOT EXISTS domain_contexts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	domain_type TEXT NOT NULL,
	technologies JSONB NOT NULL DEFAULT '[]',
	file_patterns JSONB NOT NULL DEFAULT '[]',
	key_files JSONB NOT NULL DEFAULT '[]',
	apis JSONB NOT NULL DEFAULT '[]',
	dependencies JSONB NOT NULL DEFAULT '[]',
	conventions JSONB NOT NULL DEFAULT '{}',
	metadata JSONB NOT NULL DEFAULT '{}',
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (project_id, domain_type)
);
CREATE TABLE IF NOT EXISTS ai_sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	ai_type TEXT NOT NULL,
	ai_instance_id TEXT NOT NULL DEFAULT '',
	session_start TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	session_end TIMESTAMPTZ,
	domains_accessed JSONB NOT NULL DEFAULT '[]',
	queries_count INTEGER NOT NULL DEFAULT 0,
	last_query TEXT NOT NULL DEFAULT '',
	context_hash TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS context_queries (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	query_text TEXT NOT NULL,
	domains_filter JSONB NOT NULL DEFAULT '[]',
	ai_session_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	response_format TEXT NOT NULL DEFAULT 'structured',
	include_history BOOLEAN NOT NULL DEFAULT FALSE,
	max_results INTEGER NOT NULL DEFAULT 100
);
CREATE TABLE IF NOT EXISTS context_responses (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL REFERENCES context_queries(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL,
	results JSONB NOT NULL DEFAULT '[]',
	domains_found JSONB NOT NULL DEFAULT '[]',
	total_results INTEGER NOT NULL DEFAULT 0,
	processing_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON ai_sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_queries_project ON context_queries(project_id);
CREATE INDEX IF NOT EXISTS idx_platform_project ON platform_contexts(project_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, project Project, global GlobalContext) (Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin create project: %w", err)
	}
	defer tx.Rollback()

	const insertProject = `
		INSERT INTO projects (id, name, description, repository_url, technologies, global_context_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, last_updated
	`
	if err := tx.QueryRowContext(ctx, insertProject,
		project.ID, project.Name, project.Description, project.RepositoryURL,
		jsonb(project.Technologies), global.ID,
	).Scan(&project.CreatedAt, &project.LastUpdated); err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	project.GlobalContextID = global.ID

	const insertGlobal = `
		INSERT INTO global_contexts
			(id, project_id, shared_knowledge, shared_conventions, shared_resources, common_patterns, cross_platform_insights, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`
	if _, err := tx.ExecContext(ctx, insertGlobal,
		global.ID, project.ID,
		jsonb(global.SharedKnowledge), jsonb(global.SharedConventions),
		jsonb(global.SharedResources), jsonb(global.CommonPatterns),
		jsonb(global.CrossPlatformInsights),
	); err != nil {
		return Project{}, fmt.Errorf("insert global context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit create project: %w", err)
	}
	return project, nil
}

const projectColumns = `id, name, description, repository_url, technologies, global_context_id, created_at, last_updated`

func (s *PostgresStore) scanProject(row *sql.Row) (Project, error) {
	var p Project
	var technologies []byte
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.RepositoryURL, &technologies, &p.GlobalContextID, &p.CreatedAt, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("scan project: %w", err)
	}
	fromJSONB(technologies, &p.Technologies)
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
}

func (s *PostgresStore) GetProjectByName(ctx context.Context, name string) (Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name=$1`, name))
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var technologies []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.RepositoryURL, &technologies, &p.GlobalContextID, &p.CreatedAt, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		fromJSONB(technologies, &p.Technologies)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Global contexts

const globalColumns = `id, project_id, shared_knowledge, shared_conventions, shared_resources, common_patterns, cross_platform_insights, version, last_updated`

func scanGlobal(scan func(...any) error) (GlobalContext, error) {
	var g GlobalContext
	var knowledge, conventions, resources, patterns, insights []byte
	err := scan(&g.ID, &g.ProjectID, &knowledge, &conventions, &resources, &patterns, &insights, &g.Version, &g.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return GlobalContext{}, ErrNotFound
	}
	if err != nil {
		return GlobalContext{}, fmt.Errorf("scan global context: %w", err)
	}
	fromJSONB(knowledge, &g.SharedKnowledge)
	fromJSONB(conventions, &g.SharedConventions)
	fromJSONB(resources, &g.SharedResources)
	fromJSONB(patterns, &g.CommonPatterns)
	fromJSONB(insights, &g.CrossPlatformInsights)
	return g, nil
}

func (s *PostgresStore) GetGlobalContextByProject(ctx context.Context, projectID string) (GlobalContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+globalColumns+` FROM global_contexts WHERE project_id=$1`, projectID)
	return scanGlobal(row.Scan)
}

// UpdateGlobalContext persists the supplied payload fields and bumps the
// version by exactly one. The stored version and timestamp are written
// back into g.
func (s *PostgresStore) UpdateGlobalContext(ctx context.Context, g *GlobalContext) error {
	const update = `
		UPDATE global_contexts
		SET shared_knowledge=$2, shared_conventions=$3, shared_resources=$4,
			common_patterns=$5, cross_platform_insights=$6,
			version=version+1, last_updated=NOW()
		WHERE id=$1
		RETURNING version, last_updated
	`
	err := s.db.QueryRowContext(ctx, update, g.ID,
		jsonb(g.SharedKnowledge), jsonb(g.SharedConventions), jsonb(g.SharedResources),
		jsonb(g.CommonPatterns), jsonb(g.CrossPlatformInsights),
	).Scan(&g.Version, &g.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update global context: %w", err)
	}
	return nil
}

// MergeInsights folds an insight payload into cross_platform_insights
// under the source platform's key and bumps the global version.
func (s *PostgresStore) MergeInsights(ctx context.Context, projectID string, insights map[string]any, sourcePlatform string) (bool, error) {
	const merge = `
		UPDATE global_contexts
		SET cross_platform_insights = jsonb_set(
				COALESCE(cross_platform_insights, '{}'::jsonb),
				ARRAY[$2],
				COALESCE(cross_platform_insights->$2, '{}'::jsonb) || $3::jsonb,
				true),
			version = version + 1,
			last_updated = NOW()
		WHERE project_id = $1
	`
	result, err := s.db.ExecContext(ctx, merge, projectID, sourcePlatform, jsonb(insights))
	if err != nil {
		return false, fmt.Errorf("merge insights: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("merge insights affected: %w", err)
	}
	return affected > 0, nil
}

// Platform contexts

const platformColumns = `id, project_id, global_context_id, platform_type, platform_specific_data, learned_preferences, interaction_history, custom_prompts, platform_conventions, performance_metrics, version, last_updated`

func scanPlatform(scan func(...any) error) (PlatformContext, error) {
	var p PlatformContext
	var data, prefs, history, prompts, conventions, metrics []byte
	err := scan(&p.ID, &p.ProjectID, &p.GlobalContextID, &p.PlatformType,
		&data, &prefs, &history, &prompts, &conventions, &metrics, &p.Version, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return PlatformContext{}, ErrNotFound
	}
	if err != nil {
		return PlatformContext{}, fmt.Errorf("scan platform context: %w", err)
	}
	fromJSONB(data, &p.PlatformSpecificData)
	fromJSONB(prefs, &p.LearnedPreferences)
	fromJSONB(history, &p.InteractionHistory)
	fromJSONB(prompts, &p.CustomPrompts)
	fromJSONB(conventions, &p.PlatformConventions)
	fromJSONB(metrics, &p.PerformanceMetrics)
	return p, nil
}

func (s *PostgresStore) CreatePlatformContext(ctx context.Context, p PlatformContext) (PlatformContext, error) {
	const insert = `
		INSERT INTO platform_contexts
			(id, project_id, global_context_id, platform_type, platform_specific_data,
			 learned_preferences, interaction_history, custom_prompts, platform_conventions,
			 performance_metrics, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		RETURNING version, last_updated
	`
	err := s.db.QueryRowContext(ctx, insert,
		p.ID, p.ProjectID, p.GlobalContextID, p.PlatformType,
		jsonb(p.PlatformSpecificData), jsonb(p.LearnedPreferences), jsonb(p.InteractionHistory),
		jsonb(p.CustomPrompts), jsonb(p.PlatformConventions), jsonb(p.PerformanceMetrics),
	).Scan(&p.Version, &p.LastUpdated)
	if err != nil {
		return PlatformContext{}, fmt.Errorf("insert platform context: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPlatformContextByType(ctx context.Context, projectID, platformType string) (PlatformContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM platform_contexts WHERE project_id=$1 AND platform_type=$2`,
		projectID, platformType)
	return scanPlatform(row.Scan)
}

func (s *PostgresStore) ListPlatformContexts(ctx context.Context, projectID string) ([]PlatformContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM platform_contexts WHERE project_id=$1 ORDER BY platform_type`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list platform contexts: %w", err)
	}
	defer rows.Close()

	var contexts []PlatformContext
	for rows.Next() {
		p, err := scanPlatform(rows.Scan)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, p)
	}
	return contexts, rows.Err()
}

func (s *PostgresStore) UpdatePlatformContext(ctx context.Context, p *PlatformContext) error {
	const update = `
		UPDATE platform_contexts
		SET platform_specific_data=$2, learned_preferences=$3, interaction_history=$4,
			custom_prompts=$5, platform_conventions=$6, performance_metrics=$7,
			version=version+1, last_updated=NOW()
		WHERE id=$1
		RETURNING version, last_updated
	`
	err := s.db.QueryRowContext(ctx, update, p.ID,
		jsonb(p.PlatformSpecificData), jsonb(p.LearnedPreferences), jsonb(p.InteractionHistory),
		jsonb(p.CustomPrompts), jsonb(p.PlatformConventions), jsonb(p.PerformanceMetrics),
	).Scan(&p.Version, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update platform context: %w", err)
	}
	return nil
}

// Domain contexts

const domainColumns = `id, project_id, domain_type, technologies, file_patterns, key_files, apis, dependencies, conventions, metadata, last_updated`

func scanDomain(scan func(...any) error) (DomainContext, error) {
	var d DomainContext
	var technologies, patterns, keyFiles, apis, deps, conventions, metadata []byte
	err := scan(&d.ID, &d.ProjectID, &d.DomainType, &technologies, &patterns, &keyFiles, &apis, &deps, &conventions, &metadata, &d.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return DomainContext{}, ErrNotFound
	}
	if err != nil {
		return DomainContext{}, fmt.Errorf("scan domain context: %w", err)
	}
	fromJSONB(technologies, &d.Technologies)
	fromJSONB(patterns, &d.FilePatterns)
	fromJSONB(keyFiles, &d.KeyFiles)
	fromJSONB(apis, &d.APIs)
	fromJSONB(deps, &d.Dependencies)
	fromJSONB(conventions, &d.Conventions)
	fromJSONB(metadata, &d.Metadata)
	return d, nil
}

func (s *PostgresStore) UpsertDomainContext(ctx context.Context, d DomainContext) (DomainContext, error) {
	const upsert = `
		INSERT INTO domain_contexts
			(id, project_id, domain_type, technologies, file_patterns, key_files, apis, dependencies, conventions, metadata, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (project_id, domain_type) DO UPDATE SET
			technologies=EXCLUDED.technologies, file_patterns=EXCLUDED.file_patterns,
			key_files=EXCLUDED.key_files, apis=EXCLUDED.apis,
			dependencies=EXCLUDED.dependencies, conventions=EXCLUDED.conventions,
			metadata=EXCLUDED.metadata, last_updated=NOW()
		RETURNING id, last_updated
	`
	err := s.db.QueryRowContext(ctx, upsert,
		d.ID, d.ProjectID, d.DomainType,
		jsonb(d.Technologies), jsonb(d.FilePatterns), jsonb(d.KeyFiles), jsonb(d.APIs),
		jsonb(d.Dependencies), jsonb(d.Conventions), jsonb(d.Metadata),
	).Scan(&d.ID, &d.LastUpdated)
	if err != nil {
		return DomainContext{}, fmt.Errorf("upsert domain context: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetDomainByType(ctx context.Context, projectID, domainType string) (DomainContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domain_contexts WHERE project_id=$1 AND domain_type=$2`,
		projectID, domainType)
	return scanDomain(row.Scan)
}

func (s *PostgresStore) ListDomainContexts(ctx context.Context, projectID string) ([]DomainContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+domainColumns+` FROM domain_contexts WHERE project_id=$1 ORDER BY domain_type`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list domain contexts: %w", err)
	}
	defer rows.Close()

	var domains []DomainContext
	for rows.Next() {
		d, err := scanDomain(rows.Scan)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// SearchDomains does a naive substring match over each domain row's
// JSON payloads, optionally restricted to the given domain types.
func (s *PostgresStore) SearchDomains(ctx context.Context, projectID, query string, domainTypes []string) ([]DomainContext, error) {
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

// domainMatches reports whether any query token appears in the
// domain's searchable text. Matching per token keeps multi-word
// queries usable: "Go service" still hits a domain that only lists
// "Go". An empty token list matches every domain.
func domainMatches(d DomainContext, tokens []string) bool {
	if len(tokens) == 0 {
		return true
	}
	text := strings.ToLower(domainText(d))
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

func domainText(d DomainContext) string {
	parts := []string{d.DomainType}
	parts = append(parts, d.Technologies...)
	parts = append(parts, d.FilePatterns...)
	parts = append(parts, d.KeyFiles...)
	parts = append(parts, d.Dependencies...)
	if raw, err := json.Marshal(d.Conventions); err == nil {
		parts = append(parts, string(raw))
	}
	if raw, err := json.Marshal(d.APIs); err == nil {
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, " ")
}

// AI sessions

const sessionColumns = `id, project_id, ai_type, ai_instance_id, session_start, session_end, domains_accessed, queries_count, last_query, context_hash, metadata`

func scanSession(scan func(...any) error) (AISession, error) {
	var sess AISession
	var domains, metadata []byte
	err := scan(&sess.ID, &sess.ProjectID, &sess.AIType, &sess.AIInstanceID,
		&sess.SessionStart, &sess.SessionEnd, &domains, &sess.QueriesCount,
		&sess.LastQuery, &sess.ContextHash, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return AISession{}, ErrNotFound
	}
	if err != nil {
		return AISession{}, fmt.Errorf("scan session: %w", err)
	}
	fromJSONB(domains, &sess.DomainsAccessed)
	fromJSONB(metadata, &sess.Metadata)
	return sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess AISession) (AISession, error) {
	const insert = `
		INSERT INTO ai_sessions (id, project_id, ai_type, ai_instance_id, domains_accessed, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING session_start
	`
	err := s.db.QueryRowContext(ctx, insert,
		sess.ID, sess.ProjectID, sess.AIType, sess.AIInstanceID,
		jsonb(sess.DomainsAccessed), jsonb(sess.Metadata),
	).Scan(&sess.SessionStart)
	if err != nil {
		return AISession{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (AISession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM ai_sessions WHERE id=$1`, sessionID)
	return scanSession(row.Scan)
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess AISession) (AISession, error) {
	const update = `
		UPDATE ai_sessions
		SET domains_accessed=$2, queries_count=$3, last_query=$4, context_hash=$5, metadata=$6
		WHERE id=$1
	`
	result, err := s.db.ExecContext(ctx, update, sess.ID,
		jsonb(sess.DomainsAccessed), sess.QueriesCount, sess.LastQuery, sess.ContextHash, jsonb(sess.Metadata))
	if err != nil {
		return AISession{}, fmt.Errorf("update session: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return AISession{}, ErrNotFound
	}
	return sess, nil
}

// EndSession closes an open session. Ending an already-ended session is
// a no-op and returns the stored session unchanged.
func (s *PostgresStore) EndSession(ctx context.Context, sessionID string) (AISession, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE ai_sessions SET session_end=NOW() WHERE id=$1 AND session_end IS NULL`, sessionID); err != nil {
		return AISession{}, fmt.Errorf("end session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *PostgresStore) ListSessionsByProject(ctx context.Context, projectID string) ([]AISession, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM ai_sessions WHERE project_id=$1 ORDER BY session_start`, projectID)
}

func (s *PostgresStore) ListSessionsByAIType(ctx context.Context, projectID, aiType string) ([]AISession, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM ai_sessions WHERE project_id=$1 AND ai_type=$2 ORDER BY session_start`,
		projectID, aiType)
}

func (s *PostgresStore) listSessions(ctx context.Context, query string, args ...any) ([]AISession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []AISession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Queries and responses

func (s *PostgresStore) SaveQuery(ctx context.Context, q ContextQuery) error {
	const insert = `
		INSERT INTO context_queries
			(id, project_id, query_text, domains_filter, ai_session_id, created_at, response_format, include_history, max_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, insert,
		q.ID, q.ProjectID, q.QueryText, jsonb(q.DomainsFilter), q.AISessionID,
		q.Timestamp, q.ResponseFormat, q.IncludeHistory, q.MaxResults)
	if err != nil {
		return fmt.Errorf("save query: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveResponse(ctx context.Context, r ContextResponse) error {
	const insert = `
		INSERT INTO context_responses
			(id, query_id, project_id, results, domains_found, total_results, processing_time_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, insert,
		r.ID, r.QueryID, r.ProjectID, jsonb(r.Results), jsonb(r.DomainsFound),
		r.TotalResults, r.ProcessingTimeMS, jsonb(r.Metadata), r.Timestamp)
	if err != nil {
		return fmt.Errorf("save response: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryHistory(ctx context.Context, projectID, sessionID string, limit int) ([]ContextQuery, error) {
	const query = `
		SELECT id, project_id, query_text, domains_filter, ai_session_id, created_at, response_format, include_history, max_results
		FROM context_queries
		WHERE project_id=$1 AND ($2 = '' OR ai_session_id=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, projectID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var queries []ContextQuery
	for rows.Next() {
		var q ContextQuery
		var domains []byte
		if err := rows.Scan(&q.ID, &q.ProjectID, &q.QueryText, &domains, &q.AISessionID,
			&q.Timestamp, &q.ResponseFormat, &q.IncludeHistory, &q.MaxResults); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		fromJSONB(domains, &q.DomainsFilter)
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

func (s *PostgresStore) PopularQueries(ctx context.Context, projectID string, days, limit int) ([]PopularQuery, error) {
	const query = `
		SELECT query_text, COUNT(*) AS uses
		FROM context_queries
		WHERE project_id=$1 AND created_at > NOW() - ($2 || ' days')::interval
		GROUP BY query_text
		ORDER BY uses DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, projectID, fmt.Sprint(days), limit)
	if err != nil {
		return nil, fmt.Errorf("popular queries: %w", err)
	}
	defer rows.Close()

	var popular []PopularQuery
	for rows.Next() {
		var p PopularQuery
		if err := rows.Scan(&p.QueryText, &p.Count); err != nil {
			return nil, fmt.Errorf("scan popular query: %w", err)
		}
		popular = append(popular, p)
	}
	return popular, rows.Err()
}

// JSONB helpers

func jsonb(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}

func fromJSONB[T any](raw []byte, out *T) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}
