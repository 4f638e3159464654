// Package api provides the HTTP surface of orderdesk.
//
// # Overview
//
// Handlers are thin: they resolve the actor from the request context, parse
// the request and call one service operation. Permission checks, visibility
// filtering and notification fan-out all live in the services.
//
// # Architecture
//
// The API is built on gorilla/mux and organized into handler groups, each
// with its own RegisterRoutes:
//
//   - Orders: create, list, get, update, delete, assignment, status,
//     tracking, notes, reminders and the activity log
//   - Notifications: the actor's inbox, unread count, read and delete
//   - Config: system config administration with history and rollback
//
// # Error Mapping
//
// Service errors become structured JSON (httputil.ErrorResponse):
//
//	rbac.DeniedError             403 permission_denied, details.fields for field edits
//	notify.ThrottledError        429 reminder_throttled, Retry-After header
//	assignment.InvariantError    422 assignment_invalid
//	orders.ValidationError       400 validation_failed
//	ErrOrderNotFound and friends 404 not_found
//
// # Usage
//
//	server := api.NewServer(api.Deps{
//		Orders:        orderService,
//		Notifications: notifyService,
//		Config:        configStore,
//		Authz:         resolver,
//		Actors:        middleware.NewActorMiddleware(userStore, false, logger),
//		Realtime:      gateway,
//		Health:        health,
//		Registry:      registry,
//		Metrics:       metrics,
//		Logger:        logger,
//	})
//	http.ListenAndServe(":8080", server.Handler())
package api
