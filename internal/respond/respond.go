// Package respond holds the shared JSON request/response helpers: encoding,
// the error envelope and bearer-token extraction.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agora/backend/internal/core"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] encode response", "error", err)
	}
}

// WriteError serializes a typed error as the standard envelope. Untyped
// errors are logged with their cause and surface as a bare 500; no store
// detail ever reaches the body.
func WriteError(w http.ResponseWriter, err error) {
	ce := core.AsError(err)
	if ce == nil {
		slog.Error("[API] internal error", "error", err)
		ce = core.Internal()
	}
	WriteJSON(w, ce.Status, ce)
}

// DecodeJSON reads the request body into dst. The body is already wrapped by
// MaxBytesReader, so an oversize read surfaces here as PAYLOAD_TOO_LARGE.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.PayloadTooLarge(maxErr.Limit)
		}
		return core.InvalidJSON()
	}
	return nil
}

// BearerToken extracts a bearer envelope from the Authorization header, or
// "" if absent.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
