package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/query"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields. The
// request id is taken from the X-Request-ID header set by the middleware.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	resp := model.NewErrorResponse(code, message, w.Header().Get("X-Request-ID"))
	if len(ctx) > 0 {
		for k, v := range ctx[0] {
			resp = resp.With(k, v)
		}
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, resp)
}

// classifyTileError maps dispatcher errors to HTTP status codes.
// Returns (httpStatus, cleanMessage). Server-side failures get a generic
// message; the cause is logged by the caller.
func classifyTileError(err error) (int, string) {
	var pe *query.ParamError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, pe.Error()
	case errors.Is(err, tiles.ErrInvalidRequest),
		errors.Is(err, tiles.ErrCoordinateOutOfRange):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tiles.ErrSourceNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, tiles.ErrSourceConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, tiles.ErrPool):
		return http.StatusServiceUnavailable, "No database connection available, retry later"
	case errors.Is(err, tiles.ErrNotReady):
		return http.StatusServiceUnavailable, "Catalog not loaded yet"
	default:
		return http.StatusInternalServerError, "Tile rendering failed"
	}
}

// splitSourceIDs splits the composite path segment. Empty members are kept
// so the dispatcher reports them as unknown sources.
func splitSourceIDs(segment string) []string {
	return strings.Split(segment, ",")
}

// requestBaseURL returns configured when set, otherwise the scheme and host
// the request arrived on.
func requestBaseURL(r *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
