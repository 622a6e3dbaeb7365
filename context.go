package goAuthClient

import (
	"context"

	"github.com/MrEthical07/goAuthClient/middleware"
)

type requestIDContextKey struct{}

// WithRequestID attaches a request ID to ctx. Requests built by
// [Client.NewRequest] carry it in the X-Request-ID header; without one the
// transport generates a fresh ID per call.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

const requestIDHeader = middleware.RequestIDHeader
