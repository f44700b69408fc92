package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by read methods when the entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Project is the top-level unit of shared knowledge. Each project owns
// exactly one GlobalContext, linked by GlobalContextID.
type Project struct {
	ID              string
	Name            string
	Description     string
	RepositoryURL   string
	Technologies    []string
	GlobalContextID string
	CreatedAt       time.Time
	LastUpdated     time.Time
}

// GlobalContext is the project-wide shared state visible to every
// platform. Version increases by exactly one on every successful update.
type GlobalContext struct {
	ID                    string
	ProjectID             string
	SharedKnowledge       map[string]any
	SharedConventions     map[string]any
	SharedResources       map[string]any
	CommonPatterns        []any
	CrossPlatformInsights map[string]any
	Version               int
	LastUpdated           time.Time
}

// PlatformContext is one AI platform's private state within a project.
// It carries a weak back-reference to its GlobalContext; a platform
// context cannot exist without that parent.
type PlatformContext struct {
	ID                   string
	ProjectID            string
	GlobalContextID      string
	PlatformType         string
	PlatformSpecificData map[string]any
	LearnedPreferences   map[string]any
	InteractionHistory   []any
	CustomPrompts        map[string]any
	PlatformConventions  map[string]any
	PerformanceMetrics   map[string]any
	Version              int
	LastUpdated          time.Time
}

// DomainContext describes one technical domain (frontend, backend, ...)
// of a project. Unique per (project, domain type).
type DomainContext struct {
	ID           string
	ProjectID    string
	DomainType   string
	Technologies []string
	FilePatterns []string
	KeyFiles     []string
	APIs         []map[string]any
	Dependencies []string
	Conventions  map[string]any
	Metadata     map[string]any
	LastUpdated  time.Time
}

// AISession tracks one AI's activity window. An open session has a nil
// SessionEnd.
type AISession struct {
	ID              string
	ProjectID       string
	AIType          string
	AIInstanceID    string
	SessionStart    time.Time
	SessionEnd      *time.Time
	DomainsAccessed []string
	QueriesCount    int
	LastQuery       string
	ContextHash     string
	Metadata        map[string]any
}

// Active reports whether the session is still open.
func (s AISession) Active() bool {
	return s.SessionEnd == nil
}

// ContextQuery is the immutable audit record of one context query.
type ContextQuery struct {
	ID             string
	ProjectID      string
	QueryText      string
	DomainsFilter  []string
	AISessionID    string
	Timestamp      time.Time
	ResponseFormat string
	IncludeHistory bool
	MaxResults     int
}

// ContextResponse is the immutable audit record of a query's result
// set, linked 1:1 to its ContextQuery.
type ContextResponse struct {
	ID               string
	QueryID          string
	ProjectID        string
	Results          []map[string]any
	DomainsFound     []string
	TotalResults     int
	ProcessingTimeMS float64
	Metadata         map[string]any
	Timestamp        time.Time
}

// PopularQuery is an aggregated analytics row.
type PopularQuery struct {
	QueryText string `json:"queryText"`
	Count     int    `json:"count"`
}
