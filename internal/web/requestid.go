package web

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

const (
	requestIDContextKey = "request_id"
	maxInboundIDLength  = 128
)

type requestIDKey struct{}

// RequestID assigns a ULID to every request unless a sane inbound id is present.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := strings.TrimSpace(contextGin.GetHeader(RequestIDHeader))
		if requestID == "" || len(requestID) > maxInboundIDLength {
			requestID = ulid.Make().String()
		}
		contextGin.Set(requestIDContextKey, requestID)
		contextGin.Request = contextGin.Request.WithContext(WithRequestID(contextGin.Request.Context(), requestID))
		contextGin.Header(RequestIDHeader, requestID)
		contextGin.Next()
	}
}

// WithRequestID stores requestID on ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id stored on ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}
