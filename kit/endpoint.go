// Package kit holds the transport-neutral plumbing shared by the pagepack
// surfaces: an Endpoint shape that HTTP handlers and MCP tools both wrap,
// middleware to decorate it, and request-scoped context values.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagepack/idgen"
)

// Endpoint is one operation, independent of the transport that invokes it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// RequestIDs assigns a request ID to calls that arrive without one.
func RequestIDs() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetRequestID(ctx) == "" {
				ctx = WithRequestID(ctx, idgen.RequestID())
			}
			return next(ctx, req)
		}
	}
}

// Logging logs every call of the endpoint named op with its outcome.
func Logging(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", op,
				"transport", GetTransport(ctx),
				"request_id", GetRequestID(ctx),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("kit: call failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("kit: call done", attrs...)
			}
			return resp, err
		}
	}
}
