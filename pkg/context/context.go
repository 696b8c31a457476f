// Package context carries request-scoped tracing values for stagehand
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// AnonymousActor is reported when no actor has been attached
	AnonymousActor = "anonymous"

	unknownRequest = "unknown-request"
)

// Unexported struct pointers prevent key collisions.
var (
	requestIDKey = &struct{}{}
	actorKey     = &struct{}{}
	operationKey = &struct{}{}
	jobIDKey     = &struct{}{}
	startTimeKey = &struct{}{}
)

// WithRequestID adds a request ID to the context, generating one if empty
func WithRequestID(parent context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return context.WithValue(parent, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return unknownRequest
}

// HasRequestID reports whether a request ID was attached
func HasRequestID(ctx context.Context) bool {
	return GetRequestID(ctx) != unknownRequest
}

// WithActor records who initiated the operation
func WithActor(parent context.Context, actor string) context.Context {
	return context.WithValue(parent, actorKey, actor)
}

// GetActor returns the acting user, or AnonymousActor
func GetActor(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey).(string); ok && a != "" {
		return a
	}
	return AnonymousActor
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name, empty when unset
func GetOperation(ctx context.Context) string {
	op, _ := ctx.Value(operationKey).(string)
	return op
}

// WithJobID ties the context to a job
func WithJobID(parent context.Context, jobID string) context.Context {
	return context.WithValue(parent, jobIDKey, jobID)
}

// GetJobID retrieves the job ID, empty when unset
func GetJobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetDuration returns the time since WithStartTime, zero if never set
func GetDuration(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// GenerateRequestID creates a new unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.New().String()
}

// EnrichContext ensures a request ID and start time are present
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if !HasRequestID(ctx) {
		ctx = WithRequestID(ctx, "")
	}
	return WithStartTime(ctx, time.Now())
}
