package handler

import (
	"net/http"

	"github.com/faucetdb/tilefaucet/internal/openapi"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// OpenAPIHandler serves an OpenAPI document generated from the current
// catalog, so it always matches the sources being served.
type OpenAPIHandler struct {
	snapshots tiles.Snapshots
	baseURL   string
	auth      bool
	version   string
}

func NewOpenAPIHandler(snapshots tiles.Snapshots, baseURL string, auth bool, version string) *OpenAPIHandler {
	return &OpenAPIHandler{snapshots: snapshots, baseURL: baseURL, auth: auth, version: version}
}

// ServeSpec handles GET /openapi.json.
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	cat := h.snapshots.Current()
	if cat == nil {
		writeError(w, http.StatusServiceUnavailable, "Catalog not loaded yet")
		return
	}
	doc := openapi.GenerateTileSpec(cat.Sources(), openapi.Options{
		BaseURL: requestBaseURL(r, h.baseURL),
		Auth:    h.auth,
		Version: h.version,
	})
	writeJSON(w, http.StatusOK, doc)
}
