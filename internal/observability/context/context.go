// Package context carries correlation identifiers through request and job contexts.
package context

import (
	"context"
	"strings"
)

type key int

const (
	requestIDKey key = iota
	jobKey
	runIDKey
	batchIDKey
	userIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithJob tags the context with the scheduler job name and its run id.
func WithJob(ctx context.Context, job, runID string) context.Context {
	ctx = withValue(ctx, jobKey, job)
	return withValue(ctx, runIDKey, runID)
}

func JobFromContext(ctx context.Context) (string, string) {
	return stringValue(ctx, jobKey), stringValue(ctx, runIDKey)
}

func WithBatchID(ctx context.Context, batchID string) context.Context {
	return withValue(ctx, batchIDKey, batchID)
}

func BatchIDFromContext(ctx context.Context) string {
	return stringValue(ctx, batchIDKey)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	return stringValue(ctx, userIDKey)
}

func withValue(ctx context.Context, k key, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, k, value)
}

func stringValue(ctx context.Context, k key) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(k).(string); ok {
		return v
	}
	return ""
}
