package tool

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPExecutorBuildsRequest(t *testing.T) {
	var captured struct {
		Method        string
		Path          string
		Query         map[string][]string
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.Path = r.URL.EscapedPath()
		captured.Query = r.URL.Query()
		captured.Authorization = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &captured.Body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"enrolled":true}`))
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL + "/api", Client: srv.Client()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	def := enrollDefinition()
	def.Parameters = append(def.Parameters, Parameter{Name: "notify", Type: "boolean", In: InQuery})

	result := exec.Execute(context.Background(), Invocation{
		Definition: def,
		Arguments:  map[string]any{"course_id": "c 9", "student_id": float64(42), "notify": true},
		TenantID:   "inst-7",
		Credential: "token-abc",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if captured.Method != http.MethodPost {
		t.Fatalf("unexpected method: %s", captured.Method)
	}
	if captured.Path != "/api/courses/c%209/enrollments" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if got := captured.Query["instituteId"]; len(got) != 1 || got[0] != "inst-7" {
		t.Fatalf("tenant id not injected: %v", captured.Query)
	}
	if got := captured.Query["notify"]; len(got) != 1 || got[0] != "true" {
		t.Fatalf("query param missing: %v", captured.Query)
	}
	if captured.Authorization != "Bearer token-abc" {
		t.Fatalf("unexpected authorization: %q", captured.Authorization)
	}
	if captured.Body["student_id"] != float64(42) {
		t.Fatalf("body param missing: %v", captured.Body)
	}
	if result.Summary() != `{"enrolled":true}` {
		t.Fatalf("unexpected summary: %s", result.Summary())
	}
}

func TestHTTPExecutorKeepsExplicitTenant(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	exec, _ := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL, Client: srv.Client()})
	result := exec.Execute(context.Background(), Invocation{
		Definition: listDefinition(),
		Arguments:  map[string]any{"instituteId": "explicit"},
		TenantID:   "inst-7",
	})
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if query != "instituteId=explicit" {
		t.Fatalf("explicit tenant should not be overwritten: %s", query)
	}
}

func TestHTTPExecutorKeepsTenantFromPath(t *testing.T) {
	var path, query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	def := Definition{
		Name:        "list_students",
		Description: "List students of an institute",
		Endpoint:    "/institutes/{instituteId}/students",
		Method:      "GET",
		Parameters:  []Parameter{{Name: "instituteId", Type: "string", In: InPath}},
	}
	exec, _ := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL, Client: srv.Client()})
	result := exec.Execute(context.Background(), Invocation{
		Definition: def,
		Arguments:  map[string]any{"instituteId": "explicit"},
		TenantID:   "inst-7",
	})
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if path != "/institutes/explicit/students" {
		t.Fatalf("unexpected path: %s", path)
	}
	if query != "" {
		t.Fatalf("tenant given as a path argument must not be injected again: %q", query)
	}
}

func TestHTTPExecutorFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "course not found", http.StatusNotFound)
	}))
	defer srv.Close()

	exec, _ := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL, Client: srv.Client()})

	result := exec.Execute(context.Background(), Invocation{Definition: listDefinition()})
	if result.Success || result.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 failure, got %+v", result)
	}
	if !strings.HasPrefix(result.Content(), "Error: HTTP 404") {
		t.Fatalf("unexpected content: %s", result.Content())
	}

	result = exec.Execute(context.Background(), Invocation{Definition: enrollDefinition(), Arguments: map[string]any{"student_id": float64(1)}})
	if result.Success || !strings.Contains(result.Error, "course_id") {
		t.Fatalf("missing path param should fail: %+v", result)
	}

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closed.Close()
	exec, _ = NewHTTPExecutor(HTTPConfig{BaseURL: closed.URL})
	result = exec.Execute(context.Background(), Invocation{Definition: listDefinition()})
	if result.Success {
		t.Fatalf("transport error should be a failure result")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("课", 300)
	got := Truncate(long, 280)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != 283 {
		t.Fatalf("unexpected truncation length: %d", len([]rune(got)))
	}
}
