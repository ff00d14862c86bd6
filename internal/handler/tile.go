package handler

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/server/middleware"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// TileService renders tiles and describes tile sets. *tiles.Dispatcher
// implements it.
type TileService interface {
	GetTile(ctx context.Context, req tiles.Request) (tiles.Tile, error)
	Metadata(ids []string, baseURL string) (model.TileJSON, error)
}

// TileHandler serves tiles and TileJSON for single and composite sources.
type TileHandler struct {
	tiles     TileService
	snapshots tiles.Snapshots
	baseURL   string
	logger    *slog.Logger
}

// NewTileHandler creates a TileHandler. baseURL may be empty.
func NewTileHandler(svc TileService, snapshots tiles.Snapshots, baseURL string, logger *slog.Logger) *TileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TileHandler{tiles: svc, snapshots: snapshots, baseURL: baseURL, logger: logger}
}

// ServeTile handles GET /{sourceIDs}/{z}/{x}/{y}. The y segment may carry a
// tile extension such as .pbf or .png.
func (h *TileHandler) ServeTile(w http.ResponseWriter, r *http.Request) {
	coord, ok := parseCoord(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Tile coordinates must be non-negative integers")
		return
	}

	req := tiles.Request{
		SourceIDs: splitSourceIDs(chi.URLParam(r, "sourceIDs")),
		Coord:     coord,
		Params:    r.URL.Query(),
	}
	tile, err := h.tiles.GetTile(r.Context(), req)
	if err != nil {
		h.writeTileError(w, r, req.SourceIDs, err)
		return
	}

	if tile.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", tile.Format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(tile.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(tile.Data)
}

// ServeTileJSON handles GET /{sourceIDs}.
func (h *TileHandler) ServeTileJSON(w http.ResponseWriter, r *http.Request) {
	ids := splitSourceIDs(chi.URLParam(r, "sourceIDs"))
	tj, err := h.tiles.Metadata(ids, requestBaseURL(r, h.baseURL))
	if err != nil {
		h.writeTileError(w, r, ids, err)
		return
	}
	writeJSON(w, http.StatusOK, tj)
}

func (h *TileHandler) writeTileError(w http.ResponseWriter, r *http.Request, ids []string, err error) {
	status, msg := classifyTileError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("tile request failed",
			"sources", ids,
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
	}

	var ctx map[string]interface{}
	if status == http.StatusConflict && h.snapshots != nil {
		if cat := h.snapshots.Current(); cat != nil {
			candidates := make(map[string][]string)
			for _, id := range ids {
				if c, ok := cat.Conflicts()[id]; ok {
					candidates[id] = c
				}
			}
			ctx = map[string]interface{}{"candidates": candidates}
		}
	}
	if ctx != nil {
		writeError(w, status, msg, ctx)
		return
	}
	writeError(w, status, msg)
}

var tileExtensions = map[string]bool{
	".pbf": true, ".mvt": true, ".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
}

// parseCoord parses z, x and y path segments. Range checks are left to the
// dispatcher.
func parseCoord(zs, xs, ys string) (model.TileCoord, bool) {
	if ext := path.Ext(ys); tileExtensions[ext] {
		ys = strings.TrimSuffix(ys, ext)
	}
	var vals [3]int
	for i, s := range []string{zs, xs, ys} {
		if s == "" || s[0] == '+' || s[0] == '-' {
			return model.TileCoord{}, false
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return model.TileCoord{}, false
		}
		vals[i] = n
	}
	return model.TileCoord{Z: vals[0], X: vals[1], Y: vals[2]}, true
}
