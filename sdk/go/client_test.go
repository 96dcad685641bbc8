package changelinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v0/projects", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"projects": []string{"demo"}})
	})
	mux.HandleFunc("/v0/projects/demo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name": "demo",
			"specs": []SpecSummary{
				{Name: "auth", Status: "Testing", Entries: 2, Proposals: 1},
			},
		})
	})
	mux.HandleFunc("/v0/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("project") != "demo" || r.URL.Query().Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"events": []Event{{ID: 1, Type: "project.init", Project: "demo", Actor: "tester"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrips(t *testing.T) {
	srv := newFixtureServer(t)
	c := New(srv.URL)
	c.BearerToken = "tok"
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	projects, err := c.Projects(ctx)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(projects) != 1 || projects[0] != "demo" {
		t.Fatalf("projects = %v", projects)
	}
	specs, err := c.Specs(ctx, "demo")
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "auth" || specs[0].Proposals != 1 {
		t.Fatalf("specs = %+v", specs)
	}
	events, err := c.Events(ctx, "demo", 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "project.init" {
		t.Fatalf("events = %+v", events)
	}
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	srv := newFixtureServer(t)
	c := New(srv.URL)
	// Missing bearer token.
	if _, err := c.Projects(context.Background()); err == nil {
		t.Fatalf("expected error on 401")
	}
}
