package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/respond"
)

// BodyLimit enforces the JSON content type on mutating requests and caps the
// readable body. The checks run in order: media type (415), then size via
// MaxBytesReader (413, surfaced at decode time).
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				ct := r.Header.Get("Content-Type")
				if !strings.HasPrefix(ct, "application/json") {
					respond.WriteError(w, core.UnsupportedMediaType(ct))
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

// Instrument records request count and latency per route template.
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// WebSocket upgrades hijack the connection; the wrapper would
			// break the upgrade, so the stream route is not instrumented.
			if strings.HasSuffix(r.URL.Path, "/events/stream") {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordRequest(routeTemplate(r), r.Method, strconv.Itoa(sw.status), time.Since(start).Seconds())
		})
	}
}

// routeTemplate collapses path parameters so metric cardinality stays
// bounded.
func routeTemplate(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "a-") || strings.HasPrefix(p, "t-") || strings.HasPrefix(p, "e-") ||
			strings.HasPrefix(p, "d-") || strings.HasPrefix(p, "b-") {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
