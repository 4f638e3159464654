package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
)

// ConfigStore is the versioned system config. *sysconfig.Store implements it.
type ConfigStore interface {
	Get(ctx context.Context, key, configType string) (*sysconfig.Entry, error)
	List(ctx context.Context, configType string) ([]*sysconfig.Entry, error)
	Set(ctx context.Context, key, configType string, value json.RawMessage, description string, updatedBy *int64) (*sysconfig.Entry, error)
	History(ctx context.Context, key, configType string, limit int) ([]*sysconfig.Revision, error)
	Rollback(ctx context.Context, key, configType string, version int64, updatedBy *int64) (*sysconfig.Entry, error)
}

// Authorizer gates handlers that are not backed by a permission-checking
// service. *rbac.Resolver implements it.
type Authorizer interface {
	Require(ctx context.Context, actor models.Actor, resource rbac.Resource, action rbac.Action) error
}

// ConfigHandlers serves system config administration
type ConfigHandlers struct {
	store ConfigStore
	authz Authorizer
}

// NewConfigHandlers creates a new ConfigHandlers
func NewConfigHandlers(store ConfigStore, authz Authorizer) *ConfigHandlers {
	return &ConfigHandlers{store: store, authz: authz}
}

// RegisterRoutes registers config routes
func (h *ConfigHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/config", h.List).Methods("GET")
	router.HandleFunc("/config/{type}/{key}", h.Get).Methods("GET")
	router.HandleFunc("/config/{type}/{key}", h.Set).Methods("PUT")
	router.HandleFunc("/config/{type}/{key}/history", h.History).Methods("GET")
	router.HandleFunc("/config/{type}/{key}/rollback", h.Rollback).Methods("POST")
}

func (h *ConfigHandlers) authorize(w http.ResponseWriter, r *http.Request, action rbac.Action) (models.Actor, bool) {
	actor, ok := middleware.GetActor(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return models.Actor{}, false
	}
	if err := h.authz.Require(r.Context(), actor, rbac.ResourceConfig, action); err != nil {
		writeError(w, r, err)
		return models.Actor{}, false
	}
	return actor, true
}

// List returns every config entry, optionally filtered by ?type=
func (h *ConfigHandlers) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionView); !ok {
		return
	}

	entries, err := h.store.List(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*sysconfig.Entry{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"configs": entries})
}

// Get returns one config entry
func (h *ConfigHandlers) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionView); !ok {
		return
	}
	vars := mux.Vars(r)

	entry, err := h.store.Get(r.Context(), vars["key"], vars["type"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}

// SetConfigRequest is the body of PUT /config/{type}/{key}
type SetConfigRequest struct {
	Value       json.RawMessage `json:"config_value"`
	Description string          `json:"description,omitempty"`
}

// Set writes a new version of a config entry
func (h *ConfigHandlers) Set(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r, rbac.ActionManage)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	var req SetConfigRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Value) == 0 {
		httputil.WriteBadRequest(w, "config_value is required")
		return
	}

	entry, err := h.store.Set(r.Context(), vars["key"], vars["type"], req.Value, req.Description, &actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}

// History returns the revisions of a config entry newest first
func (h *ConfigHandlers) History(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, rbac.ActionView); !ok {
		return
	}
	vars := mux.Vars(r)

	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	revisions, err := h.store.History(r.Context(), vars["key"], vars["type"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if revisions == nil {
		revisions = []*sysconfig.Revision{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"history": revisions})
}

// RollbackRequest is the body of POST /config/{type}/{key}/rollback
type RollbackRequest struct {
	Version int64 `json:"version"`
}

// Rollback restores the value recorded at a version as a new version
func (h *ConfigHandlers) Rollback(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r, rbac.ActionManage)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	var req RollbackRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		httputil.WriteBadRequest(w, "version must be positive")
		return
	}

	entry, err := h.store.Rollback(r.Context(), vars["key"], vars["type"], req.Version, &actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}
