package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourceOrders        Resource = "orders"
	ResourceActivities    Resource = "activities"
	ResourceNotifications Resource = "notifications"
	ResourceUsers         Resource = "users"
	ResourceConfig        Resource = "config"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionView         Action = "view"
	ActionCreate       Action = "create"
	ActionEdit         Action = "edit"
	ActionDelete       Action = "delete"
	ActionAssign       Action = "assign"
	ActionUpdateStatus Action = "update_status"
	ActionAddTracking  Action = "add_tracking"
	ActionAddNote      Action = "add_note"
	ActionSendReminder Action = "send_reminder"
	ActionViewInternal Action = "view_internal"
	ActionManage       Action = "manage"

	// ActionAllowedOrderTypes is an attribute action: its value is a list of
	// order types rather than a boolean
	ActionAllowedOrderTypes Action = "allowed_order_types"
)

// FieldAction is the action guarding an edit of a single field, e.g.
// "edit_description"
func FieldAction(field string) Action {
	return Action(string(ActionEdit) + "_" + field)
}

// Permission represents a specific permission (resource + action)
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// Decision sources, in resolution order. Used for metrics and DeniedError.
const (
	SourceAdmin    = "admin"
	SourceOverride = "override"
	SourceConfig   = "config"
	SourceDefault  = "default"
	SourceNone     = "none"
)

// ErrUnknownRole is returned for roles outside models.Role
var ErrUnknownRole = errors.New("unknown role")

// DeniedError reports an authorization denial. Fields is set when the
// denial concerns individual fields of an edit.
type DeniedError struct {
	Permission Permission
	Fields     []string
}

func (e *DeniedError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("permission denied: %s for fields %s", e.Permission, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("permission denied: %s", e.Permission)
}

// IsDenied checks if an error is a DeniedError
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}

func newDenied(resource Resource, action Action, fields []string) *DeniedError {
	if len(fields) > 0 {
		sort.Strings(fields)
	}
	return &DeniedError{Permission: Permission{Resource: resource, Action: action}, Fields: fields}
}
