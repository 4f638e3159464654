package rbac

import (
	"context"

	"github.com/platinummonkey/orderdesk/pkg/models"
)

// adminAliases lists the resources on which customer_service is treated as
// an admin
var adminAliases = map[models.Role]map[Resource]bool{
	models.RoleCustomerService: {
		ResourceOrders:        true,
		ResourceActivities:    true,
		ResourceNotifications: true,
	},
}

// DefaultPermissions is the built-in permission table. It answers whenever
// the configured role matrix is absent, unreadable or silent.
var DefaultPermissions = map[models.Role]map[Resource]map[Action]bool{
	models.RoleCustomerService: {
		ResourceUsers:  {ActionView: true},
		ResourceConfig: {ActionView: true, ActionManage: false},
	},
	models.RoleProductionManager: {
		ResourceOrders: {
			ActionView:         true,
			ActionCreate:       false,
			ActionEdit:         false,
			ActionDelete:       false,
			ActionAssign:       false,
			ActionUpdateStatus: true,
			ActionAddTracking:  true,
			ActionAddNote:      true,
			ActionSendReminder: false,
		},
		ResourceActivities:    {ActionView: true, ActionViewInternal: true},
		ResourceNotifications: {ActionView: true},
		ResourceUsers:         {ActionView: false},
		ResourceConfig:        {ActionView: false, ActionManage: false},
	},
	models.RoleCustomer: {
		ResourceOrders: {
			ActionView:                  true,
			ActionCreate:                true,
			ActionEdit:                  true,
			ActionDelete:                false,
			ActionAssign:                false,
			ActionUpdateStatus:          false,
			ActionAddTracking:           false,
			ActionAddNote:               true,
			ActionSendReminder:          true,
			FieldAction("description"):  true,
			FieldAction("images"):       true,
			FieldAction("order_type"):   false,
			FieldAction("status"):       false,
			FieldAction("assigned_to"):  false,
			FieldAction("customer_id"):  false,
			FieldAction("tracking"):     false,
			FieldAction("order_number"): false,
		},
		ResourceActivities:    {ActionView: true, ActionViewInternal: false},
		ResourceNotifications: {ActionView: true},
		ResourceUsers:         {ActionView: false},
		ResourceConfig:        {ActionView: false, ActionManage: false},
	},
}

// DefaultSource answers from DefaultPermissions. It never fails.
type DefaultSource struct{}

func (DefaultSource) Name() string { return SourceDefault }

func (DefaultSource) Lookup(_ context.Context, role models.Role, resource Resource, action Action) (bool, bool, error) {
	v, ok := DefaultPermissions[role][resource][action]
	return v, ok, nil
}

func (DefaultSource) OrderTypes(context.Context, models.Role) ([]string, bool, error) {
	return nil, false, nil
}
