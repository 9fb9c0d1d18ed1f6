// Package api serves read-only registry lookups over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/platform/httpserver"
	"github.com/sbtc/oss-medical-record/internal/registry"
)

// Registry is the subset of registry.Service the API reads from.
type Registry interface {
	Namespace() string
	Resolve(ctx context.Context, name string) (domain.RegistryEntry, error)
	ResolveVersion(ctx context.Context, name string, version int) (domain.RegistryEntry, error)
	ResolveImplementation(ctx context.Context, name string) (string, error)
	History(ctx context.Context, name string) ([]domain.RegistryEntry, error)
	List(ctx context.Context) ([]domain.RegistryEntry, error)
}

const ServiceName = "deployctl-registry"

var _ Registry = (*registry.Service)(nil)

type RegistryAPI struct {
	logger   *slog.Logger
	registry Registry
}

func NewRegistryAPI(logger *slog.Logger, reg Registry) *RegistryAPI {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RegistryAPI{logger: logger, registry: reg}
}

func (api *RegistryAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/registry", api.handleList)
	mux.HandleFunc("GET /v1/registry/{name}", api.handleResolve)
	mux.HandleFunc("GET /v1/registry/{name}/versions/{version}", api.handleResolveVersion)
	mux.HandleFunc("GET /v1/registry/{name}/history", api.handleHistory)
	mux.HandleFunc("GET /v1/registry/{name}/implementation", api.handleImplementation)
}

type registryEntry struct {
	Namespace       string    `json:"namespace"`
	Name            string    `json:"name"`
	Version         int       `json:"version"`
	Address         string    `json:"address"`
	LogicAddress    string    `json:"logic_address,omitempty"`
	Implementation  string    `json:"implementation"`
	RegisteredAt    time.Time `json:"registered_at"`
	RunID           string    `json:"run_id,omitempty"`
	IntegritySHA256 string    `json:"integrity_sha256"`
}

func toEntry(e domain.RegistryEntry) registryEntry {
	return registryEntry{
		Namespace:       e.Namespace,
		Name:            e.Name,
		Version:         e.Version,
		Address:         e.Address,
		LogicAddress:    e.LogicAddress,
		Implementation:  e.Implementation(),
		RegisteredAt:    e.RegisteredAt.UTC(),
		RunID:           e.RunID,
		IntegritySHA256: e.IntegritySHA256,
	}
}

func toEntries(in []domain.RegistryEntry) []registryEntry {
	out := make([]registryEntry, 0, len(in))
	for _, e := range in {
		out = append(out, toEntry(e))
	}
	return out
}

func (api *RegistryAPI) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := api.registry.List(r.Context())
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"namespace": api.registry.Namespace(),
		"entries":   toEntries(entries),
	})
}

func (api *RegistryAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	entry, err := api.registry.Resolve(r.Context(), name)
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toEntry(entry))
}

func (api *RegistryAPI) handleResolveVersion(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_version")
		return
	}
	entry, err := api.registry.ResolveVersion(r.Context(), name, version)
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toEntry(entry))
}

func (api *RegistryAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	entries, err := api.registry.History(r.Context(), name)
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"namespace": api.registry.Namespace(),
		"name":      name,
		"versions":  toEntries(entries),
	})
}

// handleImplementation answers with the address calls should reach: the
// logic address behind a proxy, otherwise the entry's own address.
func (api *RegistryAPI) handleImplementation(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	address, err := api.registry.ResolveImplementation(r.Context(), name)
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"namespace":      api.registry.Namespace(),
		"name":           name,
		"implementation": address,
	})
}

func (api *RegistryAPI) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownComponent):
		httpserver.WriteError(w, r, http.StatusNotFound, "component_not_found")
	case errors.Is(err, registry.ErrUnknownVersion):
		httpserver.WriteError(w, r, http.StatusNotFound, "version_not_found")
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("registry lookup failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// Handler mounts the registry routes next to /healthz and /readyz. Callers
// wrap it with httpserver.Wrap.
func Handler(logger *slog.Logger, reg *registry.Service, checks ...httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(ServiceName))

	ready := append([]httpserver.ReadinessCheck{{
		Name: "registry",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return reg.Ping(checkCtx)
		},
	}}, checks...)
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(ServiceName, ready...))

	NewRegistryAPI(logger, reg).Register(mux)
	return mux
}
