package rbac

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
)

func TestResolveOrderTypeScope_Tiers(t *testing.T) {
	r, matrix, users, _, _ := setupResolver(t)
	ctx := context.Background()

	matrix.set(sysconfig.RoleMatrix{
		"production_manager": {"orders": {"allowed_order_types": []interface{}{"molding"}}},
	})
	users.put(&models.User{ID: 1, Role: models.RoleProductionManager, IsActive: true,
		AssignedOrderTypes: []string{"cnc", "sheet_metal"},
		PermissionOverrides: models.PermissionOverrides{
			"orders": {"allowed_order_types": []interface{}{"3d_print"}},
		}})
	users.put(&models.User{ID: 2, Role: models.RoleProductionManager, IsActive: true,
		AssignedOrderTypes: []string{"cnc", "sheet_metal"}})
	users.put(&models.User{ID: 3, Role: models.RoleProductionManager, IsActive: true})

	scope, err := r.ResolveOrderTypeScope(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Scope{Types: []string{"3d_print"}}, scope)

	scope, err = r.ResolveOrderTypeScope(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, Scope{Types: []string{"cnc", "sheet_metal"}}, scope)
	assert.True(t, scope.Allows("cnc"))
	assert.False(t, scope.Allows("molding"))

	scope, err = r.ResolveOrderTypeScope(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Scope{Types: []string{"molding"}}, scope)
}

// An empty list at every tier means the production manager may work on every
// order type. This is the stored behaviour and is easy to misconfigure into a
// privilege grant, so it is pinned here.
func TestResolveOrderTypeScope_EmptyListsMeanUnrestricted(t *testing.T) {
	r, matrix, users, _, _ := setupResolver(t)
	ctx := context.Background()

	matrix.set(sysconfig.RoleMatrix{
		"production_manager": {"orders": {"allowed_order_types": []interface{}{}}},
	})
	users.put(&models.User{ID: 1, Role: models.RoleProductionManager, IsActive: true,
		AssignedOrderTypes: []string{},
		PermissionOverrides: models.PermissionOverrides{
			"orders": {"allowed_order_types": []interface{}{}},
		}})

	scope, err := r.ResolveOrderTypeScope(ctx, 1)
	require.NoError(t, err)
	assert.True(t, scope.All)
	assert.True(t, scope.Allows("anything"))
}

func TestResolveOrderTypeScope_NonManagersUnrestricted(t *testing.T) {
	r, _, users, _, _ := setupResolver(t)
	users.put(&models.User{ID: 1, Role: models.RoleCustomerService, IsActive: true, AssignedOrderTypes: []string{"cnc"}})

	scope, err := r.ResolveOrderTypeScope(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Unrestricted, scope)

	_, err = r.ResolveOrderTypeScope(context.Background(), 404)
	assert.Error(t, err)
}

func TestOrderVisibility(t *testing.T) {
	r, _, users, _, _ := setupResolver(t)
	ctx := context.Background()

	users.put(&models.User{ID: 1, Role: models.RoleCustomer, IsActive: true, CompanyID: int64Ptr(7)})
	users.put(&models.User{ID: 2, Role: models.RoleCustomer, IsActive: true})
	users.put(&models.User{ID: 3, Role: models.RoleProductionManager, IsActive: true, AssignedOrderTypes: []string{"cnc"}})
	users.put(&models.User{ID: 4, Role: models.RoleProductionManager, IsActive: true})

	p := r.OrderVisibility(ctx, models.Actor{UserID: 9, Role: models.RoleAdmin}, "o", 1)
	assert.Equal(t, "TRUE", p.Clause)
	assert.Empty(t, p.Args)

	p = r.OrderVisibility(ctx, models.Actor{UserID: 1, Role: models.RoleCustomer}, "o", 3)
	assert.Equal(t, "o.company_id = $3", p.Clause)
	assert.Equal(t, []interface{}{int64(7)}, p.Args)

	p = r.OrderVisibility(ctx, models.Actor{UserID: 2, Role: models.RoleCustomer}, "o", 1)
	assert.Equal(t, "o.customer_id = $1", p.Clause)
	assert.Equal(t, []interface{}{int64(2)}, p.Args)

	p = r.OrderVisibility(ctx, models.Actor{UserID: 3, Role: models.RoleProductionManager}, "o", 2)
	assert.Equal(t, "(o.order_type = ANY($3) OR EXISTS (SELECT 1 FROM order_assignments oa WHERE oa.order_id = o.id AND oa.production_manager_id = $2))", p.Clause)
	assert.Equal(t, []interface{}{int64(3), pq.Array([]string{"cnc"})}, p.Args)

	p = r.OrderVisibility(ctx, models.Actor{UserID: 4, Role: models.RoleProductionManager}, "o", 1)
	assert.Equal(t, "TRUE", p.Clause)

	p = r.OrderVisibility(ctx, models.Actor{UserID: 404, Role: models.RoleCustomer}, "o", 1)
	assert.Equal(t, "1 = 0", p.Clause)
}

func TestCanViewOrder_CompanyMates(t *testing.T) {
	r, _, users, _, _ := setupResolver(t)
	ctx := context.Background()

	users.put(&models.User{ID: 1, Role: models.RoleCustomer, IsActive: true, CompanyID: int64Ptr(7)})
	users.put(&models.User{ID: 2, Role: models.RoleCustomer, IsActive: true, CompanyID: int64Ptr(7)})
	users.put(&models.User{ID: 3, Role: models.RoleCustomer, IsActive: true, CompanyID: int64Ptr(8)})
	users.put(&models.User{ID: 4, Role: models.RoleProductionManager, IsActive: true, AssignedOrderTypes: []string{"molding"}})

	order := &models.Order{ID: 42, CustomerID: 1, CompanyID: int64Ptr(7), OrderType: "cnc"}

	assert.True(t, r.CanViewOrder(ctx, models.Actor{UserID: 1, Role: models.RoleCustomer}, order))
	assert.True(t, r.CanViewOrder(ctx, models.Actor{UserID: 2, Role: models.RoleCustomer}, order))
	assert.False(t, r.CanViewOrder(ctx, models.Actor{UserID: 3, Role: models.RoleCustomer}, order))

	pm := models.Actor{UserID: 4, Role: models.RoleProductionManager}
	assert.False(t, r.CanViewOrder(ctx, pm, order))
	order.CoordinatorIDs = []int64{4}
	assert.True(t, r.CanViewOrder(ctx, pm, order), "assigned coordinators see out-of-scope orders")
}
