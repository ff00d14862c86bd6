package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

var healthPaths = map[string]bool{"/healthz": true, "/readyz": true}

// Logger returns the access log middleware. Tile requests are logged with
// the requested sources and coordinate taken from the matched route.
// Successful health check requests are logged at debug level.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.status >= 500:
				level = slog.LevelError
			case ww.status >= 400:
				level = slog.LevelWarn
			case healthPaths[r.URL.Path]:
				level = slog.LevelDebug
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			attrs = append(attrs, tileAttrs(r)...)
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// tileAttrs reads the source list and z/x/y from the chi route context. It
// returns nothing for requests that did not match a source route.
func tileAttrs(r *http.Request) []any {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	ids := rctx.URLParam("sourceIDs")
	if ids == "" {
		return nil
	}
	attrs := []any{"sources", strings.Split(ids, ",")}
	if z := rctx.URLParam("z"); z != "" {
		y, _, _ := strings.Cut(rctx.URLParam("y"), ".")
		attrs = append(attrs, "tile", z+"/"+rctx.URLParam("x")+"/"+y)
	}
	return attrs
}

// responseWriter records the status and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
