// Package sysconfig is the versioned key/value store behind admin-editable
// system settings. Every write bumps the row version, appends a history row
// in the same transaction and publishes events.TopicConfigChanged.
package sysconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Well-known keys. The (key, type) pair is the row identity.
const (
	KeyRolePermissions  = "role_permissions"
	TypeRolePermissions = "permissions"

	KeyOrderTypes  = "order_types"
	TypeOrderTypes = "orders"

	KeyReminderInterval  = "reminder_interval_hours"
	TypeReminderInterval = "notifications"
)

var (
	// ErrConfigNotFound is returned when no row exists for a key and type
	ErrConfigNotFound = errors.New("config not found")

	// ErrVersionNotFound is returned by Rollback for an unknown version
	ErrVersionNotFound = errors.New("config version not found")
)

// Entry is the current value of one config row
type Entry struct {
	ID          int64           `json:"id"`
	Key         string          `json:"config_key"`
	Type        string          `json:"config_type"`
	Value       json.RawMessage `json:"config_value"`
	Description string          `json:"description,omitempty"`
	Version     int64           `json:"version"`
	UpdatedBy   *int64          `json:"updated_by,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Revision is one row of system_config_versions
type Revision struct {
	Key       string          `json:"config_key"`
	Type      string          `json:"config_type"`
	Value     json.RawMessage `json:"config_value"`
	Version   int64           `json:"version"`
	ChangedBy *int64          `json:"changed_by,omitempty"`
	ChangedAt time.Time       `json:"changed_at"`
}

// RoleMatrix is the raw role → resource → action → value document stored
// under KeyRolePermissions. Values are left undecoded; callers normalize them.
type RoleMatrix map[string]map[string]map[string]interface{}

// ValidationError reports a malformed write
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %q: %s", e.Key, e.Reason)
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
