package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/users"
)

type mockUserStore struct {
	getFunc        func(id int64) (*models.User, error)
	listFunc       func(roles []models.Role) ([]*models.User, error)
	createFunc     func(u *models.User) error
	overridesFunc  func(id int64, overrides models.PermissionOverrides) error
	orderTypesFunc func(id int64, orderTypes []string) error
	deactivateFunc func(id int64) error
}

func (m *mockUserStore) Get(_ context.Context, id int64) (*models.User, error) {
	if m.getFunc != nil {
		return m.getFunc(id)
	}
	return nil, users.ErrUserNotFound
}

func (m *mockUserStore) ListActiveByRoles(_ context.Context, roles ...models.Role) ([]*models.User, error) {
	if m.listFunc != nil {
		return m.listFunc(roles)
	}
	return nil, nil
}

func (m *mockUserStore) Create(_ context.Context, u *models.User) error {
	if m.createFunc != nil {
		return m.createFunc(u)
	}
	u.ID = 100
	u.IsActive = true
	return nil
}

func (m *mockUserStore) SetPermissionOverrides(_ context.Context, id int64, overrides models.PermissionOverrides) error {
	if m.overridesFunc != nil {
		return m.overridesFunc(id, overrides)
	}
	return nil
}

func (m *mockUserStore) SetAssignedOrderTypes(_ context.Context, id int64, orderTypes []string) error {
	if m.orderTypesFunc != nil {
		return m.orderTypesFunc(id, orderTypes)
	}
	return nil
}

func (m *mockUserStore) Deactivate(_ context.Context, id int64) error {
	if m.deactivateFunc != nil {
		return m.deactivateFunc(id)
	}
	return nil
}

func TestUserHandlers_ManageDeniedForNonAdmin(t *testing.T) {
	fail := func() { t.Fatal("store should not be called") }
	store := &mockUserStore{
		overridesFunc:  func(int64, models.PermissionOverrides) error { fail(); return nil },
		orderTypesFunc: func(int64, []string) error { fail(); return nil },
		deactivateFunc: func(int64) error { fail(); return nil },
	}
	h := testServer(Deps{Users: store})

	rec := do(t, h, "PUT", "/api/users/11/permission-overrides",
		PermissionOverridesRequest{Overrides: models.PermissionOverrides{"orders": {"assign": true}}}, &pmActor)
	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodePermissionDenied, resp.Code)
	assert.Equal(t, "users:manage", resp.Details["permission"])

	rec = do(t, h, "PUT", "/api/users/11/order-types", OrderTypesRequest{OrderTypes: []string{"cnc"}}, &pmActor)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, "DELETE", "/api/users/11", nil, &customerActor)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUserHandlers_SetPermissionOverrides(t *testing.T) {
	var (
		gotID        int64
		gotOverrides models.PermissionOverrides
	)
	store := &mockUserStore{
		overridesFunc: func(id int64, overrides models.PermissionOverrides) error {
			if id == 404 {
				return users.ErrUserNotFound
			}
			gotID, gotOverrides = id, overrides
			return nil
		},
	}
	h := testServer(Deps{Users: store})

	body := map[string]interface{}{
		"permission_overrides": map[string]interface{}{
			"orders": map[string]interface{}{"delete": true, "allowed_order_types": []string{"cnc"}},
		},
	}
	rec := do(t, h, "PUT", "/api/users/11/permission-overrides", body, &adminActor)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(11), gotID)
	assert.Equal(t, true, gotOverrides["orders"]["delete"])
	assert.Equal(t, []interface{}{"cnc"}, gotOverrides["orders"]["allowed_order_types"])

	rec = do(t, h, "PUT", "/api/users/404/permission-overrides", body, &adminActor)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rec).Code)
}

func TestUserHandlers_SetOrderTypes(t *testing.T) {
	var got []string
	store := &mockUserStore{
		orderTypesFunc: func(id int64, orderTypes []string) error {
			got = orderTypes
			return nil
		},
	}
	h := testServer(Deps{Users: store})

	rec := do(t, h, "PUT", "/api/users/11/order-types", OrderTypesRequest{OrderTypes: []string{"cnc", "molding"}}, &adminActor)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"cnc", "molding"}, got)

	rec = do(t, h, "PUT", "/api/users/11/order-types", map[string]interface{}{}, &adminActor)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, got, "an empty body clears the allow-list")
}

func TestUserHandlers_Deactivate(t *testing.T) {
	var deactivated []int64
	store := &mockUserStore{
		deactivateFunc: func(id int64) error {
			if id == 404 {
				return users.ErrUserNotFound
			}
			deactivated = append(deactivated, id)
			return nil
		},
	}
	h := testServer(Deps{Users: store})

	rec := do(t, h, "DELETE", "/api/users/11", nil, &adminActor)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, "DELETE", "/api/users/404", nil, &adminActor)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "DELETE", fmt.Sprintf("/api/users/%d", adminActor.UserID), nil, &adminActor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []int64{11}, deactivated)
}

func TestUserHandlers_Create(t *testing.T) {
	var got *models.User
	store := &mockUserStore{
		createFunc: func(u *models.User) error {
			if !u.Role.Valid() {
				return fmt.Errorf("%w: %q", users.ErrInvalidRole, u.Role)
			}
			got = u
			u.ID = 12
			u.IsActive = true
			return nil
		},
	}
	h := testServer(Deps{Users: store})

	rec := do(t, h, "POST", "/api/users", CreateUserRequest{
		Username:           " pm.carol ",
		Role:               models.RoleProductionManager,
		AssignedOrderTypes: []string{"cnc"},
	}, &adminActor)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "pm.carol", got.Username)

	var created models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(12), created.ID)
	assert.True(t, created.IsActive)

	rec = do(t, h, "POST", "/api/users", CreateUserRequest{Username: "x", Role: "owner"}, &adminActor)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Equal(t, "role", resp.Details["field"])

	rec = do(t, h, "POST", "/api/users", CreateUserRequest{Role: models.RoleCustomer}, &adminActor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserHandlers_ListAndGet(t *testing.T) {
	var gotRoles []models.Role
	store := &mockUserStore{
		listFunc: func(roles []models.Role) ([]*models.User, error) {
			gotRoles = roles
			return []*models.User{{ID: 11, Username: "pm.alice", Role: models.RoleProductionManager, IsActive: true}}, nil
		},
		getFunc: func(id int64) (*models.User, error) {
			if id != 11 {
				return nil, users.ErrUserNotFound
			}
			return &models.User{ID: 11, Username: "pm.alice", Role: models.RoleProductionManager}, nil
		},
	}
	h := testServer(Deps{Users: store})

	rec := do(t, h, "GET", "/api/users?role=production_manager", nil, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []models.Role{models.RoleProductionManager}, gotRoles)
	assert.Contains(t, rec.Body.String(), `"username":"pm.alice"`)

	rec = do(t, h, "GET", "/api/users", nil, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gotRoles, 4)

	rec = do(t, h, "GET", "/api/users?role=owner", nil, &adminActor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/api/users/11", nil, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, "GET", "/api/users/12", nil, &adminActor)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
