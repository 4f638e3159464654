package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/notify"
)

// NotificationService is the per-user notification inbox. *notify.Service
// implements it.
type NotificationService interface {
	List(ctx context.Context, userID int64, opts notify.ListOptions) ([]*notify.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkAsRead(ctx context.Context, id, userID int64) error
	MarkAllAsRead(ctx context.Context, userID int64) (int64, error)
	Delete(ctx context.Context, id, userID int64) error
}

// NotificationHandlers serves the actor's own notifications. Every
// operation is scoped to the actor; other users' notifications read as
// not found.
type NotificationHandlers struct {
	service NotificationService
}

// NewNotificationHandlers creates a new NotificationHandlers
func NewNotificationHandlers(service NotificationService) *NotificationHandlers {
	return &NotificationHandlers{service: service}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/notifications", h.List).Methods("GET")
	router.HandleFunc("/notifications/unread-count", h.UnreadCount).Methods("GET")
	router.HandleFunc("/notifications/read-all", h.MarkAllAsRead).Methods("POST")
	router.HandleFunc("/notifications/{id:[0-9]+}/read", h.MarkAsRead).Methods("POST")
	router.HandleFunc("/notifications/{id:[0-9]+}", h.Delete).Methods("DELETE")
}

// List returns the actor's notifications newest first
func (h *NotificationHandlers) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	unread, err := httputil.ParseQueryBool(r, "unread", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	page, err := httputil.ParsePagination(r, 50, 200)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	list, err := h.service.List(r.Context(), actor.UserID, notify.ListOptions{
		UnreadOnly: unread,
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"notifications": list})
}

// UnreadCount returns the number of unread notifications
func (h *NotificationHandlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	count, err := h.service.UnreadCount(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]int64{"unread_count": count})
}

// MarkAsRead marks one of the actor's notifications read
func (h *NotificationHandlers) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.MarkAsRead(r.Context(), id, actor.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"id": id, "is_read": true})
}

// MarkAllAsRead marks every unread notification of the actor read
func (h *NotificationHandlers) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	n, err := h.service.MarkAllAsRead(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]int64{"marked": n})
}

// Delete removes one of the actor's notifications
func (h *NotificationHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id, actor.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
