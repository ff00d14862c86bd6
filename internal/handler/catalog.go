package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/contract"
	"github.com/faucetdb/tilefaucet/internal/model"
)

// CatalogSource publishes and refreshes the catalog. *catalog.Registry
// implements it.
type CatalogSource interface {
	Current() *catalog.Catalog
	Refresh(ctx context.Context) (contract.DriftReport, error)
}

// CatalogHandler lists the published sources and triggers rediscovery.
type CatalogHandler struct {
	registry CatalogSource
	logger   *slog.Logger
}

func NewCatalogHandler(registry CatalogSource, logger *slog.Logger) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogHandler{registry: registry, logger: logger}
}

// CatalogResponse is the body of GET /catalog.
type CatalogResponse struct {
	Sources        []model.SourceSummary `json:"sources"`
	Conflicts      map[string][]string   `json:"conflicts"`
	Diagnostics    []catalog.Diagnostic  `json:"diagnostics"`
	PostGISVersion string                `json:"postgis_version"`
	DiscoveredAt   time.Time             `json:"discovered_at"`
}

// ListCatalog handles GET /catalog. Debug diagnostics are included only when
// ?verbose=true.
func (h *CatalogHandler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	cat := h.registry.Current()
	if cat == nil {
		writeError(w, http.StatusServiceUnavailable, "Catalog not loaded yet")
		return
	}

	verbose := r.URL.Query().Get("verbose")
	resp := CatalogResponse{
		Sources:        make([]model.SourceSummary, 0, cat.Len()),
		Conflicts:      cat.Conflicts(),
		Diagnostics:    []catalog.Diagnostic{},
		PostGISVersion: cat.PostGISVersion(),
		DiscoveredAt:   cat.DiscoveredAt(),
	}
	for _, src := range cat.Sources() {
		resp.Sources = append(resp.Sources, model.Summarize(src))
	}
	for _, d := range cat.Diagnostics() {
		if d.Level == catalog.LevelDebug && verbose != "true" && verbose != "1" {
			continue
		}
		resp.Diagnostics = append(resp.Diagnostics, d)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Refresh handles POST /_refresh. On failure the previous catalog keeps
// serving.
func (h *CatalogHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.registry.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrDiscovery) {
			writeError(w, http.StatusServiceUnavailable, "Catalog refresh failed, previous catalog still served: "+err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Catalog refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
