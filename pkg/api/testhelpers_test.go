package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
)

var (
	adminActor    = models.Actor{UserID: 1, Role: models.RoleAdmin}
	pmActor       = models.Actor{UserID: 11, Role: models.RoleProductionManager}
	customerActor = models.Actor{UserID: 20, Role: models.RoleCustomer}
)

// staticAuthz allows everything for admins and nothing else
type staticAuthz struct{}

func (staticAuthz) Require(_ context.Context, actor models.Actor, resource rbac.Resource, action rbac.Action) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}
	return &rbac.DeniedError{Permission: rbac.Permission{Resource: resource, Action: action}}
}

func testServer(deps Deps) http.Handler {
	if deps.Authz == nil {
		deps.Authz = staticAuthz{}
	}
	return NewServer(deps).Handler()
}

// do sends a request as actor (nil for anonymous) and returns the recorder
func do(t *testing.T, h http.Handler, method, path string, body interface{}, actor *models.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(middleware.HeaderUserID, strconv.FormatInt(actor.UserID, 10))
		req.Header.Set(middleware.HeaderUserRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}
