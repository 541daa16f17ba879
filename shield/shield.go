// Package shield holds the HTTP middleware the pagepack API server runs
// behind: security headers for a JSON API, HEAD handling, request body
// limits and request IDs with a per-request logger.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// DefaultMaxBody caps request bodies on the API.
const DefaultMaxBody = 64 * 1024

// APIStack returns the standard middleware for the API, outermost first:
// HeadToGet, SecurityHeaders, MaxBody, RequestID.
func APIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		RequestID(logger),
	}
}
