package middleware

import (
	"io"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
)

// compressibleTypes are the response content types worth compressing. MVT
// protobuf compresses well and most tile clients send Accept-Encoding.
var compressibleTypes = []string{
	"application/json",
	"application/x-protobuf",
	"application/vnd.mapbox-vector-tile",
	"text/plain",
}

// Compress returns a gzip middleware backed by klauspost/compress.
func Compress(level int) func(http.Handler) http.Handler {
	c := chimw.NewCompressor(level, compressibleTypes...)
	c.SetEncoder("gzip", func(w io.Writer, level int) io.Writer {
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil
		}
		return gw
	})
	return c.Handler
}
