// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that
// producers and consumers agree on both the key and the stored type.
//
//	ctx = contextkeys.WithActor(ctx, models.Actor{UserID: 9, Role: models.RoleAdmin})
//	actor, ok := contextkeys.GetActor(ctx)
package contextkeys

import (
	"context"

	"github.com/platinummonkey/orderdesk/pkg/models"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains models.Actor
	// Set by: middleware.ActorMiddleware (pkg/middleware/auth.go)
	// Required by: every core operation invoked over HTTP
	ActorKey Key = "actor"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, realtime gateway
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: cmd/orderdesk when building the base context
	LoggerKey Key = "logger"
)

// WithActor adds the authenticated actor to the context
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// GetActor retrieves the authenticated actor from context
func GetActor(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(models.Actor)
	return actor, ok
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
