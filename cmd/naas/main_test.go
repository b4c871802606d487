package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hubenschmidt/naas/internal/model"
	"github.com/hubenschmidt/naas/internal/trace"
	"github.com/hubenschmidt/naas/internal/ws"
)

func testServer(t *testing.T, store *trace.Store) (*httptest.Server, *statusHub) {
	t.Helper()
	models := t.TempDir()
	if err := os.MkdirAll(filepath.Join(models, "cADpyr", "checkpoints"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(models, "cADpyr", "checkpoints", "cell.hoc"), []byte("begintemplate cADpyr\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ms := model.NewStore(model.Config{ModelsDir: models, TmpDir: t.TempDir()})
	catalog := model.NewCatalog(ms, nil)
	handler := ws.NewHandler(ws.HandlerConfig{Models: ms, MaxSessions: 2})

	hub := newStatusHub()
	hub.handler, hub.catalog = handler, catalog

	mux := http.NewServeMux()
	registerRoutes(mux, deps{wsHandler: handler, catalog: catalog, hub: hub, traceStore: store})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestModelsAndStatus(t *testing.T) {
	srv, _ := testServer(t, nil)

	var models struct {
		Models []model.Entry `json:"models"`
	}
	if code := getJSON(t, srv.URL+"/api/models", &models); code != http.StatusOK {
		t.Fatalf("models status = %d", code)
	}
	if len(models.Models) != 1 || models.Models[0].ID != "cADpyr" || models.Models[0].Source != model.SourceModels {
		t.Fatalf("models = %+v", models.Models)
	}

	var status statusView
	if code := getJSON(t, srv.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.MaxSessions != 2 || status.Models != 1 || len(status.Sessions) != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestStatusStreamSendsSnapshotThenUpdates(t *testing.T) {
	srv, hub := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	next := func() string {
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}
	if first := next(); !strings.Contains(first, `"max_sessions":2`) {
		t.Fatalf("first event = %s", first)
	}
	hub.broadcast()
	if second := next(); !strings.Contains(second, `"models":1`) {
		t.Fatalf("second event = %s", second)
	}
}

func TestTraceRoutesDisabled(t *testing.T) {
	srv, _ := testServer(t, nil)
	if code := getJSON(t, srv.URL+"/api/traces/sessions", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestTraceRoutes(t *testing.T) {
	ctx := context.Background()
	store, err := trace.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	began := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err = store.CreateSession(ctx, trace.Session{ID: "s1", RemoteAddr: "10.0.0.1", StartedAt: began}); err != nil {
		t.Fatal(err)
	}
	if err = store.CreateRun(ctx, trace.Run{ID: "r1", SessionID: "s1", ModelID: "cADpyr", StartedAt: began, Status: "running"}); err != nil {
		t.Fatal(err)
	}

	srv, _ := testServer(t, store)

	var list struct {
		Sessions []trace.Session `json:"sessions"`
		Total    int             `json:"total"`
	}
	if code := getJSON(t, srv.URL+"/api/traces/sessions?limit=5", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if list.Total != 1 || len(list.Sessions) != 1 || list.Sessions[0].ID != "s1" {
		t.Fatalf("list = %+v", list)
	}

	var detail struct {
		Session trace.Session `json:"session"`
		Runs    []trace.Run   `json:"runs"`
	}
	if code := getJSON(t, srv.URL+"/api/traces/sessions/s1", &detail); code != http.StatusOK {
		t.Fatalf("session status = %d", code)
	}
	if len(detail.Runs) != 1 || detail.Runs[0].ID != "r1" {
		t.Fatalf("runs = %+v", detail.Runs)
	}

	if code := getJSON(t, srv.URL+"/api/traces/sessions/s1/runs/r1", nil); code != http.StatusOK {
		t.Fatalf("run status = %d", code)
	}
	if code := getJSON(t, srv.URL+"/api/traces/sessions/nope", nil); code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", code)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := queryInt(r, "limit", 20); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestProbes(t *testing.T) {
	p := probes{dir: filepath.Join(t.TempDir(), "probes")}
	p.ready()
	p.alive()
	for _, name := range []string{"ready", "alive"} {
		if _, err := os.Stat(p.path(name)); err != nil {
			t.Fatalf("%s probe missing: %v", name, err)
		}
	}
	p.notReady()
	p.notReady()
	if _, err := os.Stat(p.path("ready")); !os.IsNotExist(err) {
		t.Fatalf("ready probe still present: %v", err)
	}
	if _, err := os.Stat(p.path("alive")); err != nil {
		t.Fatalf("alive probe removed: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("NAAS_PORT", "9000")
	t.Setenv("NAAS_ENGINE_CMD", "python3  -m worker")
	t.Setenv("ALLOWED_ORIGIN", "https://a.example, https://b.example")
	t.Setenv("ALLOWED_IP", "")
	t.Setenv("NAAS_ONE_SHOT", "false")

	cfg := loadConfig()
	if cfg.port != "9000" || cfg.oneShot {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.engineCmd) != 3 || cfg.engineCmd[2] != "worker" {
		t.Fatalf("engine cmd = %q", cfg.engineCmd)
	}
	if len(cfg.allowedOrigins) != 2 || cfg.allowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %q", cfg.allowedOrigins)
	}
	if len(cfg.allowedIPs) != 0 {
		t.Fatalf("ips = %q", cfg.allowedIPs)
	}
	if cfg.maxSessions != 1 || cfg.modelsDir != "/opt/blue-naas/models" {
		t.Fatalf("defaults = %+v", cfg)
	}
}
