package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
)

// UserStore is the user directory. *users.Store implements it.
type UserStore interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	ListActiveByRoles(ctx context.Context, roles ...models.Role) ([]*models.User, error)
	Create(ctx context.Context, u *models.User) error
	SetPermissionOverrides(ctx context.Context, id int64, overrides models.PermissionOverrides) error
	SetAssignedOrderTypes(ctx context.Context, id int64, orderTypes []string) error
	Deactivate(ctx context.Context, id int64) error
}

var allRoles = []models.Role{
	models.RoleAdmin,
	models.RoleCustomerService,
	models.RoleProductionManager,
	models.RoleCustomer,
}

// UserHandlers serves user administration
type UserHandlers struct {
	store UserStore
	authz Authorizer
}

// NewUserHandlers creates a new UserHandlers
func NewUserHandlers(store UserStore, authz Authorizer) *UserHandlers {
	return &UserHandlers{store: store, authz: authz}
}

// RegisterRoutes registers user routes
func (h *UserHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.List).Methods("GET")
	router.HandleFunc("/users", h.Create).Methods("POST")
	router.HandleFunc("/users/{id:[0-9]+}", h.Get).Methods("GET")
	router.HandleFunc("/users/{id:[0-9]+}", h.Deactivate).Methods("DELETE")
	router.HandleFunc("/users/{id:[0-9]+}/permission-overrides", h.SetPermissionOverrides).Methods("PUT")
	router.HandleFunc("/users/{id:[0-9]+}/order-types", h.SetOrderTypes).Methods("PUT")
}

func (h *UserHandlers) authorize(w http.ResponseWriter, r *http.Request, action rbac.Action) (models.Actor, bool) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return models.Actor{}, false
	}
	if err := h.authz.Require(r.Context(), actor, rbac.ResourceUsers, action); err != nil {
		writeError(w, r, err)
		return models.Actor{}, false
	}
	return actor, true
}

// List returns active users, optionally filtered by ?role=a,b
func (h *UserHandlers) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionView); !ok {
		return
	}

	roles := allRoles
	if raw := r.URL.Query().Get("role"); raw != "" {
		roles = nil
		for _, s := range strings.Split(raw, ",") {
			role := models.Role(strings.TrimSpace(s))
			if !role.Valid() {
				httputil.WriteBadRequest(w, "unknown role: "+string(role))
				return
			}
			roles = append(roles, role)
		}
	}

	list, err := h.store.ListActiveByRoles(r.Context(), roles...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.User{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"users": list})
}

// Get returns one user, active or not
func (h *UserHandlers) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionView); !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	u, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, u)
}

// CreateUserRequest is the body of POST /users
type CreateUserRequest struct {
	Username            string                     `json:"username"`
	Email               string                     `json:"email,omitempty"`
	Role                models.Role                `json:"role"`
	CompanyID           *int64                     `json:"company_id,omitempty"`
	AssignedOrderTypes  []string                   `json:"assigned_order_types,omitempty"`
	PermissionOverrides models.PermissionOverrides `json:"permission_overrides,omitempty"`
}

// Create adds a user
func (h *UserHandlers) Create(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionManage); !ok {
		return
	}

	var req CreateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}

	u := &models.User{
		Username:            strings.TrimSpace(req.Username),
		Email:               req.Email,
		Role:                req.Role,
		CompanyID:           req.CompanyID,
		AssignedOrderTypes:  req.AssignedOrderTypes,
		PermissionOverrides: req.PermissionOverrides,
	}
	if err := h.store.Create(r.Context(), u); err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, u)
}

// PermissionOverridesRequest is the body of PUT /users/{id}/permission-overrides
type PermissionOverridesRequest struct {
	Overrides models.PermissionOverrides `json:"permission_overrides"`
}

// SetPermissionOverrides replaces a user's override document. An empty
// document clears every override.
func (h *UserHandlers) SetPermissionOverrides(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionManage); !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req PermissionOverridesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.store.SetPermissionOverrides(r.Context(), id, req.Overrides); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// OrderTypesRequest is the body of PUT /users/{id}/order-types
type OrderTypesRequest struct {
	OrderTypes []string `json:"assigned_order_types"`
}

// SetOrderTypes replaces a user's assigned order types. An empty list
// means unrestricted.
func (h *UserHandlers) SetOrderTypes(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionManage); !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req OrderTypesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.store.SetAssignedOrderTypes(r.Context(), id, req.OrderTypes); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Deactivate marks a user inactive. Users are never deleted.
func (h *UserHandlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r, rbac.ActionManage)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if id == actor.UserID {
		httputil.WriteBadRequest(w, "cannot deactivate yourself")
		return
	}

	if err := h.store.Deactivate(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
