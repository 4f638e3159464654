package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/orderdesk/pkg/activity"
	"github.com/platinummonkey/orderdesk/pkg/assignment"
	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/orders"
)

// OrderService is the order workflow. *orders.Service implements it.
type OrderService interface {
	Create(ctx context.Context, actor models.Actor, in orders.CreateInput) (*models.Order, error)
	Get(ctx context.Context, actor models.Actor, id int64) (*models.Order, error)
	List(ctx context.Context, actor models.Actor, opts orders.ListOptions) ([]*models.Order, error)
	Update(ctx context.Context, actor models.Actor, id int64, in orders.UpdateInput) (*models.Order, error)
	Delete(ctx context.Context, actor models.Actor, id int64) error
	Assign(ctx context.Context, actor models.Actor, id int64, in orders.AssignInput) (*assignment.Result, error)
	UpdateStatus(ctx context.Context, actor models.Actor, id int64, status models.OrderStatus, note string) (*models.Order, error)
	AddTracking(ctx context.Context, actor models.Actor, id int64, numbers []string) (*models.Order, error)
	AddNote(ctx context.Context, actor models.Actor, id int64, text string, internal bool) (*activity.Activity, error)
	SendReminder(ctx context.Context, actor models.Actor, id int64) error
	Activities(ctx context.Context, actor models.Actor, id int64) ([]*activity.Activity, error)
}

// OrderHandlers handles order HTTP requests
type OrderHandlers struct {
	service OrderService
}

// NewOrderHandlers creates a new OrderHandlers
func NewOrderHandlers(service OrderService) *OrderHandlers {
	return &OrderHandlers{service: service}
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orders", h.Create).Methods("POST")
	router.HandleFunc("/orders", h.List).Methods("GET")
	router.HandleFunc("/orders/{id:[0-9]+}", h.Get).Methods("GET")
	router.HandleFunc("/orders/{id:[0-9]+}", h.Update).Methods("PATCH")
	router.HandleFunc("/orders/{id:[0-9]+}", h.Delete).Methods("DELETE")

	// Workflow
	router.HandleFunc("/orders/{id:[0-9]+}/assignment", h.Assign).Methods("PUT")
	router.HandleFunc("/orders/{id:[0-9]+}/status", h.UpdateStatus).Methods("PUT")
	router.HandleFunc("/orders/{id:[0-9]+}/tracking", h.AddTracking).Methods("POST")
	router.HandleFunc("/orders/{id:[0-9]+}/notes", h.AddNote).Methods("POST")
	router.HandleFunc("/orders/{id:[0-9]+}/reminders", h.SendReminder).Methods("POST")
	router.HandleFunc("/orders/{id:[0-9]+}/activities", h.Activities).Methods("GET")
}

// actorAndID extracts the actor and the {id} path parameter, writing the
// error response when either is missing
func actorAndID(w http.ResponseWriter, r *http.Request) (models.Actor, int64, bool) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return models.Actor{}, 0, false
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return models.Actor{}, 0, false
	}
	return actor, id, true
}

// Create creates an order
func (h *OrderHandlers) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req orders.CreateInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, order)
}

// List returns the orders visible to the actor
func (h *OrderHandlers) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	page, err := httputil.ParsePagination(r, 50, 200)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	status := models.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httputil.WriteBadRequest(w, "invalid status")
		return
	}

	list, err := h.service.List(r.Context(), actor, orders.ListOptions{
		Status:    status,
		OrderType: r.URL.Query().Get("order_type"),
		Limit:     page.Limit,
		Offset:    page.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"orders": list})
}

// Get returns one order
func (h *OrderHandlers) Get(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	order, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, order)
}

// Update edits order fields
func (h *OrderHandlers) Update(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	var req orders.UpdateInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.service.Update(r.Context(), actor, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, order)
}

// Delete deletes an order
func (h *OrderHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Assign replaces the coordinator set
func (h *OrderHandlers) Assign(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	var req orders.AssignInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.service.Assign(r.Context(), actor, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// UpdateStatusRequest is the body of PUT /orders/{id}/status
type UpdateStatusRequest struct {
	Status models.OrderStatus `json:"status"`
	Note   string             `json:"note,omitempty"`
}

// UpdateStatus changes the order status
func (h *OrderHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), actor, id, req.Status, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, order)
}

// AddTrackingRequest is the body of POST /orders/{id}/tracking
type AddTrackingRequest struct {
	TrackingNumbers []string `json:"tracking_numbers"`
}

// AddTracking appends tracking numbers
func (h *OrderHandlers) AddTracking(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	var req AddTrackingRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	order, err := h.service.AddTracking(r.Context(), actor, id, req.TrackingNumbers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, order)
}

// AddNoteRequest is the body of POST /orders/{id}/notes
type AddNoteRequest struct {
	Text     string `json:"text"`
	Internal bool   `json:"internal"`
}

// AddNote records a note on the order
func (h *OrderHandlers) AddNote(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	var req AddNoteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httputil.WriteBadRequest(w, "note text is required")
		return
	}

	note, err := h.service.AddNote(r.Context(), actor, id, req.Text, req.Internal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, note)
}

// SendReminder nudges the order's coordinators, subject to the reminder
// interval
func (h *OrderHandlers) SendReminder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	if err := h.service.SendReminder(r.Context(), actor, id); err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"order_id": id, "sent": true})
}

// Activities returns the activity log as the actor may see it
func (h *OrderHandlers) Activities(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}

	list, err := h.service.Activities(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"activities": list})
}
