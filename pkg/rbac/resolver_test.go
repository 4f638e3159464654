package rbac

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/events"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
)

type fakeMatrix struct {
	mu    sync.Mutex
	m     sysconfig.RoleMatrix
	err   error
	calls int
}

func (f *fakeMatrix) RolePermissions(context.Context) (sysconfig.RoleMatrix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.m == nil {
		return nil, sysconfig.ErrConfigNotFound
	}
	return f.m, nil
}

func (f *fakeMatrix) set(m sysconfig.RoleMatrix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = m
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[int64]*models.User
	err   error
	calls int
}

func (f *fakeUsers) Get(_ context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) put(u *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == nil {
		f.users = make(map[int64]*models.User)
	}
	f.users[u.ID] = u
}

func int64Ptr(v int64) *int64 { return &v }

func setupResolver(t *testing.T) (*Resolver, *fakeMatrix, *fakeUsers, *events.LocalBus, *observability.Metrics) {
	t.Helper()
	matrix := &fakeMatrix{}
	users := &fakeUsers{}
	bus := events.NewLocalBus()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewResolver(matrix, users, bus, Options{Metrics: metrics})
	t.Cleanup(r.Close)
	return r, matrix, users, bus, metrics
}

func TestNormalizeBool(t *testing.T) {
	tests := []struct {
		in     interface{}
		want   bool
		wantOK bool
	}{
		{true, true, true},
		{false, false, true},
		{float64(1), true, true},
		{float64(0), false, true},
		{float64(2), false, false},
		{1, true, true},
		{"true", true, true},
		{" FALSE ", false, true},
		{"1", true, true},
		{"0", false, true},
		{"yes", false, false},
		{nil, false, false},
		{[]interface{}{"cnc"}, false, false},
	}
	for _, tt := range tests {
		got, ok := NormalizeBool(tt.in)
		assert.Equal(t, tt.wantOK, ok, "input %#v", tt.in)
		assert.Equal(t, tt.want, got, "input %#v", tt.in)
	}
}

func TestResolver_AdminAndAliases(t *testing.T) {
	r, _, _, _, _ := setupResolver(t)
	ctx := context.Background()

	assert.True(t, r.Resolve(ctx, models.RoleAdmin, ResourceConfig, ActionManage))
	assert.True(t, r.Resolve(ctx, models.RoleAdmin, Resource("anything"), Action("at_all")))

	assert.True(t, r.Resolve(ctx, models.RoleCustomerService, ResourceOrders, ActionDelete))
	assert.True(t, r.Resolve(ctx, models.RoleCustomerService, ResourceActivities, ActionViewInternal))
	assert.False(t, r.Resolve(ctx, models.RoleCustomerService, ResourceConfig, ActionManage))
}

func TestResolver_RoleMatrixToleratesRepresentations(t *testing.T) {
	r, matrix, _, _, _ := setupResolver(t)
	ctx := context.Background()

	matrix.set(sysconfig.RoleMatrix{
		"production_manager": {
			"orders": {
				"create":        true,
				"delete":        float64(1),
				"assign":        "true",
				"update_status": float64(0),
				"add_tracking":  "false",
				"edit":          "maybe",
			},
		},
	})

	assert.True(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionCreate))
	assert.True(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionDelete))
	assert.True(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionAssign))
	assert.False(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionUpdateStatus))
	assert.False(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionAddTracking))

	// unparseable config value falls through to the default table
	assert.False(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionEdit))
	// absent from config, present in defaults
	assert.True(t, r.Resolve(ctx, models.RoleProductionManager, ResourceOrders, ActionView))
}

func TestResolver_OverrideDominatesRoleConfig(t *testing.T) {
	r, matrix, users, _, _ := setupResolver(t)
	ctx := context.Background()

	matrix.set(sysconfig.RoleMatrix{
		"customer": {"orders": {"delete": true, "send_reminder": false}},
	})
	users.put(&models.User{ID: 1, Role: models.RoleCustomer, IsActive: true,
		PermissionOverrides: models.PermissionOverrides{
			"orders": {"delete": "false", "send_reminder": float64(1)},
		}})
	users.put(&models.User{ID: 2, Role: models.RoleCustomer, IsActive: true})

	withOverride := models.Actor{UserID: 1, Role: models.RoleCustomer}
	without := models.Actor{UserID: 2, Role: models.RoleCustomer}

	assert.False(t, r.Allowed(ctx, withOverride, ResourceOrders, ActionDelete))
	assert.True(t, r.Allowed(ctx, withOverride, ResourceOrders, ActionSendReminder))

	assert.True(t, r.Allowed(ctx, without, ResourceOrders, ActionDelete))
	assert.False(t, r.Allowed(ctx, without, ResourceOrders, ActionSendReminder))

	// overrides never leak to the role-level answer
	assert.True(t, r.Resolve(ctx, models.RoleCustomer, ResourceOrders, ActionDelete))

	err := r.Require(ctx, withOverride, ResourceOrders, ActionDelete)
	require.Error(t, err)
	assert.True(t, IsDenied(err))
}

func TestResolver_AdminIgnoresOverrides(t *testing.T) {
	r, _, users, _, _ := setupResolver(t)
	users.put(&models.User{ID: 5, Role: models.RoleAdmin, IsActive: true,
		PermissionOverrides: models.PermissionOverrides{"orders": {"delete": false}}})

	assert.True(t, r.Allowed(context.Background(), models.Actor{UserID: 5, Role: models.RoleAdmin}, ResourceOrders, ActionDelete))
}

func TestResolver_ConfigFailureDegradesToDefaults(t *testing.T) {
	r, matrix, users, _, metrics := setupResolver(t)
	ctx := context.Background()

	matrix.err = errors.New("connection refused")
	users.err = errors.New("connection refused")

	pm := models.Actor{UserID: 3, Role: models.RoleProductionManager}
	assert.True(t, r.Allowed(ctx, pm, ResourceOrders, ActionView))
	assert.False(t, r.Allowed(ctx, pm, ResourceOrders, ActionDelete))
	assert.True(t, r.Resolve(ctx, models.RoleCustomer, ResourceOrders, ActionCreate))

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.PermissionFallbacks), float64(3))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues(SourceDefault, "false")))
}

func TestResolver_UnknownRoleDeniedEverything(t *testing.T) {
	r, _, _, _, _ := setupResolver(t)
	ctx := context.Background()
	actor := models.Actor{UserID: 9, Role: models.Role("owner")}

	assert.False(t, r.Resolve(ctx, actor.Role, ResourceOrders, ActionView))
	assert.False(t, r.Allowed(ctx, actor, ResourceOrders, ActionView))
	assert.Equal(t, "1 = 0", r.OrderVisibility(ctx, actor, "o", 1).Clause)

	err := r.Require(ctx, actor, ResourceOrders, ActionView)
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.False(t, IsDenied(err))
	assert.Contains(t, err.Error(), `"owner"`)
}

func TestResolver_InactiveUserDenied(t *testing.T) {
	r, _, users, _, _ := setupResolver(t)
	users.put(&models.User{ID: 4, Role: models.RoleCustomer, IsActive: false})

	assert.False(t, r.Allowed(context.Background(), models.Actor{UserID: 4, Role: models.RoleCustomer}, ResourceOrders, ActionView))
}

func TestResolver_CacheInvalidation(t *testing.T) {
	r, matrix, users, bus, metrics := setupResolver(t)
	ctx := context.Background()

	matrix.set(sysconfig.RoleMatrix{"customer": {"orders": {"delete": true}}})
	users.put(&models.User{ID: 1, Role: models.RoleCustomer, IsActive: true})
	actor := models.Actor{UserID: 1, Role: models.RoleCustomer}

	assert.True(t, r.Allowed(ctx, actor, ResourceOrders, ActionDelete))
	assert.True(t, r.Allowed(ctx, actor, ResourceOrders, ActionDelete))
	assert.Equal(t, 1, matrix.calls)
	assert.Equal(t, 1, users.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionCacheHits.WithLabelValues("role_matrix")))

	matrix.set(sysconfig.RoleMatrix{"customer": {"orders": {"delete": false}}})
	require.NoError(t, bus.Publish(ctx, events.Event{Topic: events.TopicConfigChanged, Key: sysconfig.KeyOrderTypes}))
	assert.True(t, r.Allowed(ctx, actor, ResourceOrders, ActionDelete), "unrelated key keeps the cache")

	require.NoError(t, bus.Publish(ctx, events.Event{Topic: events.TopicConfigChanged, Key: sysconfig.KeyRolePermissions}))
	assert.False(t, r.Allowed(ctx, actor, ResourceOrders, ActionDelete))
	assert.Equal(t, 2, matrix.calls)

	users.put(&models.User{ID: 1, Role: models.RoleCustomer, IsActive: true,
		PermissionOverrides: models.PermissionOverrides{"orders": {"delete": true}}})
	assert.False(t, r.Allowed(ctx, actor, ResourceOrders, ActionDelete), "user entry still cached")

	require.NoError(t, bus.Publish(ctx, events.Event{Topic: events.TopicUserPermissionsChanged, Key: strconv.FormatInt(1, 10)}))
	assert.True(t, r.Allowed(ctx, actor, ResourceOrders, ActionDelete))
	assert.Equal(t, 2, users.calls)
}

func TestResolver_CloseStopsInvalidation(t *testing.T) {
	matrix := &fakeMatrix{m: sysconfig.RoleMatrix{}}
	bus := events.NewLocalBus()
	r := NewResolver(matrix, &fakeUsers{}, bus, Options{})
	ctx := context.Background()

	r.Resolve(ctx, models.RoleCustomer, ResourceOrders, ActionView)
	r.Close()
	require.NoError(t, bus.Publish(ctx, events.Event{Topic: events.TopicConfigChanged, Key: sysconfig.KeyRolePermissions}))
	r.Resolve(ctx, models.RoleCustomer, ResourceOrders, ActionView)
	assert.Equal(t, 1, matrix.calls)

	r.Invalidate()
	r.Resolve(ctx, models.RoleCustomer, ResourceOrders, ActionView)
	assert.Equal(t, 2, matrix.calls)
}

func TestResolver_CheckFields(t *testing.T) {
	r, _, users, _, _ := setupResolver(t)
	ctx := context.Background()
	users.put(&models.User{ID: 1, Role: models.RoleCustomer, IsActive: true})
	customer := models.Actor{UserID: 1, Role: models.RoleCustomer}

	assert.NoError(t, r.CheckFields(ctx, customer, ResourceOrders, []string{"description", "images"}))
	// no explicit rule: follows orders.edit
	assert.NoError(t, r.CheckFields(ctx, customer, ResourceOrders, []string{"due_date"}))

	err := r.CheckFields(ctx, customer, ResourceOrders, []string{"status", "description", "assigned_to"})
	require.Error(t, err)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, []string{"assigned_to", "status"}, denied.Fields)
	assert.Equal(t, ActionEdit, denied.Permission.Action)

	assert.NoError(t, r.CheckFields(ctx, models.Actor{UserID: 2, Role: models.RoleAdmin}, ResourceOrders, []string{"status"}))
}
