package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/platform/httpserver"
	"github.com/sbtc/oss-medical-record/internal/registry"
	"github.com/sbtc/oss-medical-record/internal/repo/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc, err := registry.New(memory.NewRegistryStore(), "development")
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.Register(ctx, registry.RegisterInput{Name: "ProxyController", Version: 1, Address: "0xp1", LogicAddress: "0xl1", RunID: "run-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Upgrade(ctx, "ProxyController", "0xp1", "0xl2"); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if _, err := svc.Register(ctx, registry.RegisterInput{Name: "Organizations", Version: 1, Address: "0xo1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	srv := httptest.NewServer(httpserver.Wrap(nil, nil, ServiceName, Handler(nil, svc)))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, srv *httptest.Server, path string, dst any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("GET %s: missing X-Request-Id", path)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return resp.StatusCode
}

func TestResolveReturnsCurrentVersion(t *testing.T) {
	srv := newTestServer(t)

	var got registryEntry
	if status := getJSON(t, srv, "/v1/registry/ProxyController", &got); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if got.Version != 2 || got.LogicAddress != "0xl2" || got.Implementation != "0xl2" || got.Namespace != "development" {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestResolveVersion(t *testing.T) {
	srv := newTestServer(t)

	var got registryEntry
	if status := getJSON(t, srv, "/v1/registry/ProxyController/versions/1", &got); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if got.Version != 1 || got.LogicAddress != "0xl1" || got.RunID != "run-1" {
		t.Fatalf("unexpected entry %+v", got)
	}

	var errBody map[string]any
	if status := getJSON(t, srv, "/v1/registry/ProxyController/versions/7", &errBody); status != http.StatusNotFound || errBody["error"] != "version_not_found" {
		t.Fatalf("status=%d body=%v", status, errBody)
	}
	if status := getJSON(t, srv, "/v1/registry/ProxyController/versions/zero", &errBody); status != http.StatusBadRequest || errBody["error"] != "invalid_version" {
		t.Fatalf("status=%d body=%v", status, errBody)
	}
}

func TestHistoryAndList(t *testing.T) {
	srv := newTestServer(t)

	var history struct {
		Name     string          `json:"name"`
		Versions []registryEntry `json:"versions"`
	}
	if status := getJSON(t, srv, "/v1/registry/ProxyController/history", &history); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if len(history.Versions) != 2 || history.Versions[0].Version != 1 || history.Versions[1].Version != 2 {
		t.Fatalf("unexpected history %+v", history)
	}

	var list struct {
		Namespace string          `json:"namespace"`
		Entries   []registryEntry `json:"entries"`
	}
	if status := getJSON(t, srv, "/v1/registry", &list); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if list.Namespace != "development" || len(list.Entries) != 2 || list.Entries[0].Name != "Organizations" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestResolveImplementation(t *testing.T) {
	srv := newTestServer(t)

	for name, want := range map[string]string{"ProxyController": "0xl2", "Organizations": "0xo1"} {
		var got struct {
			Name           string `json:"name"`
			Implementation string `json:"implementation"`
		}
		if status := getJSON(t, srv, "/v1/registry/"+name+"/implementation", &got); status != http.StatusOK {
			t.Fatalf("%s: status=%d", name, status)
		}
		if got.Name != name || got.Implementation != want {
			t.Fatalf("%s: unexpected body %+v, want implementation %s", name, got, want)
		}
	}
}

func TestUnknownComponent(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/v1/registry/Nope", "/v1/registry/Nope/history", "/v1/registry/Nope/versions/1", "/v1/registry/Nope/implementation"} {
		var body map[string]any
		if status := getJSON(t, srv, path, &body); status != http.StatusNotFound || body["error"] != "component_not_found" {
			t.Fatalf("GET %s: status=%d body=%v", path, status, body)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]any
	if status := getJSON(t, srv, "/healthz", &health); status != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz status=%d body=%v", status, health)
	}
	var ready map[string]any
	if status := getJSON(t, srv, "/readyz", &ready); status != http.StatusOK || ready["status"] != "ready" {
		t.Fatalf("readyz status=%d body=%v", status, ready)
	}
}

type failingRegistry struct{}

func (failingRegistry) Namespace() string { return "development" }
func (failingRegistry) Resolve(context.Context, string) (domain.RegistryEntry, error) {
	return domain.RegistryEntry{}, errors.New("connection refused")
}
func (failingRegistry) ResolveVersion(context.Context, string, int) (domain.RegistryEntry, error) {
	return domain.RegistryEntry{}, errors.New("connection refused")
}
func (failingRegistry) ResolveImplementation(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
func (failingRegistry) History(context.Context, string) ([]domain.RegistryEntry, error) {
	return nil, errors.New("connection refused")
}
func (failingRegistry) List(context.Context) ([]domain.RegistryEntry, error) {
	return nil, errors.New("connection refused")
}

func TestBackendFailureIsInternalError(t *testing.T) {
	mux := http.NewServeMux()
	NewRegistryAPI(nil, failingRegistry{}).Register(mux)
	srv := httptest.NewServer(httpserver.Wrap(nil, nil, ServiceName, mux))
	t.Cleanup(srv.Close)

	var body map[string]any
	if status := getJSON(t, srv, "/v1/registry/ProxyController", &body); status != http.StatusInternalServerError || body["error"] != "internal_error" {
		t.Fatalf("status=%d body=%v", status, body)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request id in error body")
	}
}
