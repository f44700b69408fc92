package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ucl/api/internal/events"
	"ucl/api/internal/store"
	"ucl/api/internal/util"
)

const sseKeepAliveInterval = 30 * time.Second

type HTTPServer struct {
	service      *Service
	orchestrator *Orchestrator
	events       *events.Manager
	corsOrigin   string
}

func NewHTTPServer(service *Service, orchestrator *Orchestrator, eventManager *events.Manager, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:      service,
		orchestrator: orchestrator,
		events:       eventManager,
		corsOrigin:   corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[1] {
	case "projects":
		s.routeProjects(w, r, segments[2:])
	case "sessions":
		s.routeSessions(w, r, segments[2:])
	case "sync":
		s.routeSync(w, r, segments[2:])
	case "ai":
		s.routeAI(w, r, segments[2:])
	case "platforms":
		s.routePlatforms(w, r, segments[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if s.service.cache != nil {
		cacheStatus := map[string]any{"status": "ok"}
		if err := s.service.cache.Ping(ctx); err != nil {
			cacheStatus = map[string]any{"status": "error", "error": err.Error()}
		}
		checks["cache"] = cacheStatus
	}
	if s.service.search.Enabled() {
		searchStatus := "ok"
		if !s.service.search.Healthy() {
			searchStatus = "degraded"
		}
		checks["search"] = map[string]any{"status": searchStatus}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// routeProjects handles everything under /api/projects.
func (s *HTTPServer) routeProjects(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.handleListProjects(w, r)
		case http.MethodPost:
			s.handleCreateProject(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	projectID := rest[0]
	rest = rest[1:]

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleGetProject(w, r, projectID)
		return
	}

	switch rest[0] {
	case "context":
		s.routeContext(w, r, projectID, rest[1:])
	case "domains":
		s.routeDomains(w, r, projectID, rest[1:])
	case "query":
		s.routeQuery(w, r, projectID, rest[1:])
	case "sessions":
		if r.Method == http.MethodPost && len(rest) == 1 {
			s.handleStartSession(w, r, projectID)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "analytics":
		if r.Method == http.MethodGet && len(rest) == 1 {
			s.handleProjectAnalytics(w, r, projectID)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "sync":
		s.routeProjectSync(w, r, projectID, rest[1:])
	case "cache":
		if r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "stats" {
			writeJSON(w, http.StatusOK, map[string]any{"stats": s.service.CacheStats(r.Context(), projectID)})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "ai":
		s.routeProjectAI(w, r, projectID, rest[1:])
	case "events":
		if r.Method == http.MethodGet && len(rest) == 1 {
			s.handleProjectEvents(w, r, projectID)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeContext(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleMergedContext(w, r, projectID)
		return
	}

	switch rest[0] {
	case "global":
		switch {
		case len(rest) == 1 && r.Method == http.MethodGet:
			s.handleGetGlobalContext(w, r, projectID)
		case len(rest) == 1 && r.Method == http.MethodPut:
			s.handleUpdateGlobalContext(w, r, projectID)
		case len(rest) == 2 && rest[1] == "insights" && r.Method == http.MethodPost:
			s.handleMergeInsights(w, r, projectID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
	case "platform":
		switch {
		case len(rest) == 1 && r.Method == http.MethodGet:
			s.handleListPlatformContexts(w, r, projectID)
		case len(rest) == 1 && r.Method == http.MethodPost:
			s.handleCreatePlatformContext(w, r, projectID)
		case len(rest) == 2 && r.Method == http.MethodGet:
			s.handleGetPlatformContext(w, r, projectID, rest[1])
		case len(rest) == 2 && r.Method == http.MethodPut:
			s.handleUpdatePlatformContext(w, r, projectID, rest[1])
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeDomains(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleListDomains(w, r, projectID)
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleUpsertDomain(w, r, projectID)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetDomain(w, r, projectID, rest[0])
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) routeQuery(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	switch {
	case len(rest) == 0:
		s.handleQuery(w, r, projectID, false)
	case len(rest) == 1 && rest[0] == "hierarchy":
		s.handleQuery(w, r, projectID, true)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeProjectSync(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "status" && r.Method == http.MethodGet:
		status, err := s.service.SyncStatus(r.Context(), projectID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case len(rest) == 1 && rest[0] == "force" && r.Method == http.MethodPost:
		queued, err := s.service.ForceSync(r.Context(), projectID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queued": queued})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeProjectAI(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "request" && r.Method == http.MethodPost:
		s.handleAIRequest(w, r, projectID)
	case len(rest) == 1 && rest[0] == "update" && r.Method == http.MethodPost:
		s.handleAIUpdate(w, r, projectID)
	case len(rest) == 1 && rest[0] == "analytics" && r.Method == http.MethodGet:
		s.handleAIAnalytics(w, r, projectID)
	case len(rest) == 1 && rest[0] == "collaboration" && r.Method == http.MethodGet:
		s.handleCollaboration(w, r, projectID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeSessions(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		session, err := s.service.GetSession(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
	case len(rest) == 2 && rest[1] == "end" && r.Method == http.MethodPost:
		session, err := s.service.EndSession(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeSync(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 1 && rest[0] == "approvals" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"approvals": s.service.PendingApprovals()})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) routeAI(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "register" && r.Method == http.MethodPost:
		var caps AICapabilities
		if err := decodeBody(r, &caps); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		aiID, err := s.orchestrator.RegisterAI(caps)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"aiId": aiID})
	case len(rest) == 1 && rest[0] == "subscriptions" && r.Method == http.MethodPost:
		var body struct {
			AIInstanceID string   `json:"aiInstanceId"`
			ProjectID    string   `json:"projectId"`
			Domains      []string `json:"domains"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		id := s.orchestrator.SubscribeAI(body.AIInstanceID, body.ProjectID, body.Domains)
		writeJSON(w, http.StatusCreated, map[string]any{"subscriptionId": id})
	case len(rest) == 2 && rest[0] == "subscriptions" && r.Method == http.MethodDelete:
		writeJSON(w, http.StatusOK, map[string]any{"ok": s.orchestrator.UnsubscribeAI(rest[1])})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routePlatforms(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 2 && rest[1] == "events" && r.Method == http.MethodGet {
		s.handlePlatformEvents(w, r, rest[0])
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list projects", nil)
		return
	}
	payload := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		payload = append(payload, projectPayload(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": payload})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var input CreateProjectInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	project, err := s.service.CreateProject(r.Context(), input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, projectPayload(project))
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := s.service.GetProject(r.Context(), projectID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectPayload(project))
}

func (s *HTTPServer) handleMergedContext(w http.ResponseWriter, r *http.Request, projectID string) {
	platformType := r.URL.Query().Get("platform")
	var domains []string
	if raw := r.URL.Query().Get("domains"); raw != "" {
		domains = strings.Split(raw, ",")
	}
	merged, err := s.service.MergedContext(r.Context(), projectID, platformType, domains)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *HTTPServer) handleGetGlobalContext(w http.ResponseWriter, r *http.Request, projectID string) {
	data, err := s.service.GetGlobalContext(r.Context(), projectID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *HTTPServer) handleUpdateGlobalContext(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		Updates        map[string]any `json:"updates"`
		SourcePlatform string         `json:"sourcePlatform"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Updates) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "updates is required", nil)
		return
	}
	g, err := s.service.UpdateGlobalContext(r.Context(), projectID, body.Updates, body.SourcePlatform)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, globalToMap(g))
}

func (s *HTTPServer) handleMergeInsights(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		Insights       map[string]any `json:"insights"`
		SourcePlatform string         `json:"sourcePlatform"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Insights) == 0 || body.SourcePlatform == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "insights and sourcePlatform are required", nil)
		return
	}
	merged, err := s.service.MergeInsightsToGlobal(r.Context(), projectID, body.Insights, body.SourcePlatform)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merged": merged})
}

func (s *HTTPServer) handleListPlatformContexts(w http.ResponseWriter, r *http.Request, projectID string) {
	platforms, err := s.service.ListPlatformContexts(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list platform contexts", nil)
		return
	}
	payload := make([]map[string]any, 0, len(platforms))
	for _, p := range platforms {
		payload = append(payload, platformToMap(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"platforms": payload})
}

func (s *HTTPServer) handleCreatePlatformContext(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		PlatformType string         `json:"platformType"`
		Data         map[string]any `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	p, err := s.service.CreatePlatformContext(r.Context(), projectID, body.PlatformType, body.Data)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, platformToMap(p))
}

func (s *HTTPServer) handleGetPlatformContext(w http.ResponseWriter, r *http.Request, projectID, platformType string) {
	data, err := s.service.GetPlatformContext(r.Context(), projectID, platformType)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *HTTPServer) handleUpdatePlatformContext(w http.ResponseWriter, r *http.Request, projectID, platformType string) {
	var body struct {
		Updates           map[string]any `json:"updates"`
		PropagateInsights bool           `json:"propagateInsights"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Updates) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "updates is required", nil)
		return
	}
	p, err := s.service.UpdatePlatformContext(r.Context(), projectID, platformType, body.Updates, body.PropagateInsights)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, platformToMap(p))
}

func (s *HTTPServer) handleListDomains(w http.ResponseWriter, r *http.Request, projectID string) {
	domains, err := s.service.ListDomainContexts(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list domains", nil)
		return
	}
	payload := make([]map[string]any, 0, len(domains))
	for _, d := range domains {
		payload = append(payload, domainToMap(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": payload})
}

func (s *HTTPServer) handleUpsertDomain(w http.ResponseWriter, r *http.Request, projectID string) {
	var input UpsertDomainInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	d, err := s.service.UpsertDomainContext(r.Context(), projectID, input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domainToMap(d))
}

func (s *HTTPServer) handleGetDomain(w http.ResponseWriter, r *http.Request, projectID, domainType string) {
	data, err := s.service.GetDomainContext(r.Context(), projectID, domainType)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request, projectID string, hierarchical bool) {
	var input QueryInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(input.Query) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "query is required", nil)
		return
	}

	var (
		result QueryResult
		err    error
	)
	if hierarchical {
		platformType := r.URL.Query().Get("platform")
		result, err = s.service.QueryContextWithHierarchy(r.Context(), projectID, input, platformType)
	} else {
		result, err = s.service.QueryContext(r.Context(), projectID, input)
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		AIType       string         `json:"aiType"`
		AIInstanceID string         `json:"aiInstanceId"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.StartSession(r.Context(), projectID, body.AIType, body.AIInstanceID, body.Metadata)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleProjectAnalytics(w http.ResponseWriter, r *http.Request, projectID string) {
	days, ok := intQueryParam(w, r, "days", 30)
	if !ok {
		return
	}
	analytics, err := s.service.ProjectAnalytics(r.Context(), projectID, days)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *HTTPServer) handleAIRequest(w http.ResponseWriter, r *http.Request, projectID string) {
	var req ContextRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "query is required", nil)
		return
	}
	if strings.TrimSpace(req.AIType) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "aiType is required", nil)
		return
	}

	result, err := s.orchestrator.HandleContextRequest(r.Context(), projectID, req)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queryId":          result.QueryID,
		"results":          result.Results,
		"domainsFound":     result.DomainsFound,
		"totalResults":     result.TotalResults,
		"processingTimeMs": result.ProcessingTimeMS,
		"responseFormat":   s.orchestrator.ResolveFormat(req.AIType, req.ResponseFormat),
	})
}

func (s *HTTPServer) handleAIUpdate(w http.ResponseWriter, r *http.Request, projectID string) {
	var update ContextUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if update.SessionID == "" || update.AIType == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionId and aiType are required", nil)
		return
	}
	ok, err := s.orchestrator.HandleContextUpdate(r.Context(), projectID, update)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *HTTPServer) handleAIAnalytics(w http.ResponseWriter, r *http.Request, projectID string) {
	days, ok := intQueryParam(w, r, "days", 7)
	if !ok {
		return
	}
	analytics, err := s.orchestrator.AIAnalytics(r.Context(), projectID, r.URL.Query().Get("aiType"), days)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *HTTPServer) handleCollaboration(w http.ResponseWriter, r *http.Request, projectID string) {
	days, ok := intQueryParam(w, r, "days", 7)
	if !ok {
		return
	}
	insights, err := s.orchestrator.CollaborationInsights(r.Context(), projectID, days)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *HTTPServer) handleProjectEvents(w http.ResponseWriter, r *http.Request, projectID string) {
	sub := s.events.SubscribeToProject(projectID)
	s.streamEvents(w, r, sub, map[string]any{"type": "connected", "project_id": projectID})
}

func (s *HTTPServer) handlePlatformEvents(w http.ResponseWriter, r *http.Request, platformType string) {
	sub := s.events.SubscribeToPlatform(platformType)
	s.streamEvents(w, r, sub, map[string]any{"type": "connected", "platform_type": platformType})
}

// streamEvents serves one SSE connection: a connected event first,
// then the subscriber's queue, with periodic keep-alive comments. The
// subscription is dropped when the client goes away.
func (s *HTTPServer) streamEvents(w http.ResponseWriter, r *http.Request, sub *events.Subscriber, hello map[string]any) {
	defer s.events.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, hello)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":                p.ID,
		"name":              p.Name,
		"description":       p.Description,
		"repository_url":    p.RepositoryURL,
		"technologies":      stringsOrEmpty(p.Technologies),
		"global_context_id": p.GlobalContextID,
		"created_at":        p.CreatedAt.Format(time.RFC3339),
		"last_updated":      p.LastUpdated.Format(time.RFC3339),
	}
}

func sessionPayload(session store.AISession) map[string]any {
	payload := map[string]any{
		"id":               session.ID,
		"project_id":       session.ProjectID,
		"ai_type":          session.AIType,
		"ai_instance_id":   session.AIInstanceID,
		"session_start":    session.SessionStart.Format(time.RFC3339),
		"domains_accessed": stringsOrEmpty(session.DomainsAccessed),
		"queries_count":    session.QueriesCount,
		"last_query":       session.LastQuery,
		"active":           session.Active(),
		"metadata":         orEmpty(session.Metadata),
	}
	if session.SessionEnd != nil {
		payload["session_end"] = session.SessionEnd.Format(time.RFC3339)
	}
	return payload
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intQueryParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return value, true
}
