package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ucl/api/internal/events"
	"ucl/api/internal/ratelimit"
	"ucl/api/internal/store"
)

func newTestServer(t *testing.T) (*HTTPServer, *store.MemoryStore) {
	t.Helper()
	svc, memStore := newTestService(t)
	orchestrator := NewOrchestrator(svc, nil, ratelimit.NewKeyed(60, time.Minute))
	return NewHTTPServer(svc, orchestrator, events.NewManager(), "*"), memStore
}

func doJSON(t *testing.T, server *HTTPServer, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	response := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rr, response := doJSON(t, server, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if response["ok"] != true {
		t.Fatalf("ok = %v, want true", response["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("responses should carry a request id")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS origin header missing")
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rr, response := doJSON(t, server, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	checks, _ := response["checks"].(map[string]any)
	db, _ := checks["database"].(map[string]any)
	if db["status"] != "ok" {
		t.Fatalf("database check = %v", checks)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	rr, created := doJSON(t, server, http.MethodPost, "/api/projects",
		`{"name":"acme","description":"payments","technologies":["go"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %v", rr.Code, created)
	}
	projectID, _ := created["id"].(string)
	if !strings.HasPrefix(projectID, "proj_") {
		t.Fatalf("project id = %q", projectID)
	}

	rr, fetched := doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, "")
	if rr.Code != http.StatusOK || fetched["name"] != "acme" {
		t.Fatalf("get project: status %d, body %v", rr.Code, fetched)
	}

	rr, listed := doJSON(t, server, http.MethodGet, "/api/projects", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	projects, _ := listed["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("projects = %v, want 1 entry", listed)
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/projects", `{"name":"acme"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	server, _ := newTestServer(t)

	rr, response := doJSON(t, server, http.MethodGet, "/api/projects/proj_missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if response["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v, want NOT_FOUND", response["code"])
	}

	rr, response = doJSON(t, server, http.MethodPost, "/api/projects", `{"name":`)
	if rr.Code != http.StatusBadRequest || response["code"] != "INVALID_BODY" {
		t.Fatalf("malformed body: status %d, body %v", rr.Code, response)
	}

	rr, _ = doJSON(t, server, http.MethodDelete, "/api/projects", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}

	rr, _ = doJSON(t, server, http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestDomainAndQueryRoutes(t *testing.T) {
	server, _ := newTestServer(t)

	_, created := doJSON(t, server, http.MethodPost, "/api/projects", `{"name":"acme"}`)
	projectID, _ := created["id"].(string)

	rr, _ := doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/domains",
		`{"domainType":"backend","technologies":["go","grpc"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert domain status = %d", rr.Code)
	}

	rr, domain := doJSON(t, server, http.MethodGet, "/api/projects/"+projectID+"/domains/backend", "")
	if rr.Code != http.StatusOK || domain["domain_type"] != "backend" {
		t.Fatalf("get domain: status %d, body %v", rr.Code, domain)
	}

	rr, result := doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/query",
		`{"query":"grpc"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d: %v", rr.Code, result)
	}
	if result["totalResults"] != float64(1) {
		t.Fatalf("totalResults = %v, want 1", result["totalResults"])
	}

	rr, result = doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/query", `{"query":""}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank query status = %d, want 422: %v", rr.Code, result)
	}
}

func TestPlatformContextRoutes(t *testing.T) {
	server, _ := newTestServer(t)

	_, created := doJSON(t, server, http.MethodPost, "/api/projects", `{"name":"acme"}`)
	projectID, _ := created["id"].(string)

	rr, platform := doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/context/platform",
		`{"platformType":"claude","data":{"model":"opus"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create platform status = %d: %v", rr.Code, platform)
	}

	rr, updated := doJSON(t, server, http.MethodPut, "/api/projects/"+projectID+"/context/platform/claude",
		`{"updates":{"learned_preferences":{"style":"early returns"}}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update platform status = %d: %v", rr.Code, updated)
	}
	prefs, _ := updated["learned_preferences"].(map[string]any)
	if prefs["style"] != "early returns" {
		t.Fatalf("preferences not applied: %v", updated)
	}

	rr, merged := doJSON(t, server, http.MethodGet,
		"/api/projects/"+projectID+"/context?platform=claude&domains=backend", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("merged context status = %d", rr.Code)
	}
	if _, ok := merged["global"]; !ok {
		t.Fatalf("merged view missing global tier: %v", merged)
	}
}

func TestSessionRoutes(t *testing.T) {
	server, _ := newTestServer(t)

	_, created := doJSON(t, server, http.MethodPost, "/api/projects", `{"name":"acme"}`)
	projectID, _ := created["id"].(string)

	rr, session := doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/sessions",
		`{"aiType":"claude","aiInstanceId":"inst_1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start session status = %d: %v", rr.Code, session)
	}
	sessionID, _ := session["id"].(string)
	if session["active"] != true {
		t.Fatalf("new session should be active: %v", session)
	}

	rr, ended := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/end", "")
	if rr.Code != http.StatusOK || ended["active"] != false {
		t.Fatalf("end session: status %d, body %v", rr.Code, ended)
	}
	if _, ok := ended["session_end"]; !ok {
		t.Fatalf("ended session should carry session_end: %v", ended)
	}
}

func TestAIRequestRoute(t *testing.T) {
	server, _ := newTestServer(t)

	_, created := doJSON(t, server, http.MethodPost, "/api/projects", `{"name":"acme"}`)
	projectID, _ := created["id"].(string)

	rr, registered := doJSON(t, server, http.MethodPost, "/api/ai/register",
		`{"aiType":"claude","preferredFormat":"markdown","requestsPerMinute":10}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %v", rr.Code, registered)
	}

	rr, response := doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/ai/request",
		`{"aiType":"claude","query":"auth","responseFormat":"auto"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ai request status = %d: %v", rr.Code, response)
	}
	if response["responseFormat"] != "markdown" {
		t.Fatalf("responseFormat = %v, want the registered preference", response["responseFormat"])
	}

	rr, response = doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/ai/request",
		`{"aiType":"claude"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank query status = %d: %v", rr.Code, response)
	}
}
