// Package activity is the append-only per-order event trail. Rows are never
// updated or deleted; a correction is a new row.
//
// Each row carries is_visible_to_customer. The default comes from the action
// type and callers may override it. Reads project the same rows by role:
// staff and production managers see everything, customers only visible rows.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// ActionType is the closed set of activity kinds
type ActionType string

const (
	ActionCreated             ActionType = "created"
	ActionStatusChanged       ActionType = "status_changed"
	ActionAssigned            ActionType = "assigned"
	ActionReassigned          ActionType = "reassigned"
	ActionUnassigned          ActionType = "unassigned"
	ActionCompleted           ActionType = "completed"
	ActionShipped             ActionType = "shipped"
	ActionCancelled           ActionType = "cancelled"
	ActionTrackingAdded       ActionType = "tracking_added"
	ActionImagesUpdated       ActionType = "images_updated"
	ActionCommentAdded        ActionType = "comment_added"
	ActionReminderSent        ActionType = "reminder_sent"
	ActionUpdated             ActionType = "updated"
	ActionInternalNote        ActionType = "internal_note"
	ActionPermissionRequested ActionType = "permission_requested"
	ActionDeleted             ActionType = "deleted"
)

var knownActions = map[ActionType]bool{
	ActionCreated: true, ActionStatusChanged: true, ActionAssigned: true,
	ActionReassigned: true, ActionUnassigned: true, ActionCompleted: true,
	ActionShipped: true, ActionCancelled: true, ActionTrackingAdded: true,
	ActionImagesUpdated: true, ActionCommentAdded: true, ActionReminderSent: true,
	ActionUpdated: true, ActionInternalNote: true, ActionPermissionRequested: true,
	ActionDeleted: true,
}

// customerVisible lists the action types customers see by default
var customerVisible = map[ActionType]bool{
	ActionCreated:       true,
	ActionStatusChanged: true,
	ActionAssigned:      true,
	ActionReassigned:    true,
	ActionCompleted:     true,
	ActionShipped:       true,
	ActionCancelled:     true,
	ActionTrackingAdded: true,
}

// internalOnly lists the action types hidden from customers by default
var internalOnly = map[ActionType]bool{
	ActionInternalNote:        true,
	ActionUpdated:             true,
	ActionPermissionRequested: true,
}

// Valid reports whether t is a known action type
func (t ActionType) Valid() bool {
	return knownActions[t]
}

// DefaultVisibility returns whether customers see t when the caller does
// not say. Types on neither list are visible.
func DefaultVisibility(t ActionType) bool {
	if customerVisible[t] {
		return true
	}
	if internalOnly[t] {
		return false
	}
	return true
}

// ErrUnknownActionType is returned by Record for types outside the enum
var ErrUnknownActionType = errors.New("unknown activity action type")

// Activity is one row of an order's trail
type Activity struct {
	ID                  int64           `json:"id"`
	OrderID             int64           `json:"order_id"`
	UserID              *int64          `json:"user_id,omitempty"`
	ActionType          ActionType      `json:"action_type"`
	ActionText          string          `json:"action_text"`
	ExtraData           json.RawMessage `json:"extra_data,omitempty"`
	IsVisibleToCustomer bool            `json:"is_visible_to_customer"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Entry is a row to append. UserID nil marks a system-generated row.
// Visible nil applies DefaultVisibility.
type Entry struct {
	OrderID    int64
	UserID     *int64
	ActionType ActionType
	ActionText string
	ExtraData  map[string]interface{}
	Visible    *bool
}

// Visible is a convenience for Entry.Visible
func Visible(v bool) *bool { return &v }

// Log appends to and reads order_activities
type Log struct {
	db      *sql.DB
	reader  func() *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLog creates an activity log. metrics may be nil.
func NewLog(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Log {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Log{db: db, logger: logger.WithField("component", "activity"), metrics: metrics, now: time.Now}
}

// ReadFrom routes ForOrder to the pool returned by pick, typically a read
// replica. Writes stay on the primary.
func (l *Log) ReadFrom(pick func() *sql.DB) *Log {
	l.reader = pick
	return l
}

// Record appends e using q, which is usually the caller's transaction
func (l *Log) Record(ctx context.Context, q database.Querier, e Entry) (*Activity, error) {
	if !e.ActionType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, e.ActionType)
	}
	if q == nil {
		q = l.db
	}

	a := &Activity{
		OrderID:             e.OrderID,
		UserID:              e.UserID,
		ActionType:          e.ActionType,
		ActionText:          e.ActionText,
		IsVisibleToCustomer: DefaultVisibility(e.ActionType),
		CreatedAt:           l.now().UTC(),
	}
	if e.Visible != nil {
		a.IsVisibleToCustomer = *e.Visible
	}

	var extra interface{}
	if len(e.ExtraData) > 0 {
		raw, err := json.Marshal(e.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode activity extra data: %w", err)
		}
		a.ExtraData = raw
		extra = string(raw)
	}

	var userID interface{}
	if e.UserID != nil {
		userID = *e.UserID
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO order_activities (order_id, user_id, action_type, action_text, extra_data, is_visible_to_customer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		a.OrderID, userID, string(a.ActionType), a.ActionText, extra, a.IsVisibleToCustomer, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s activity for order %d: %w", e.ActionType, e.OrderID, err)
	}

	l.metrics.RecordActivity(string(a.ActionType))
	return a, nil
}

// ForOrder returns the order's trail oldest first, as seen by role.
// Customers get visible rows only; unknown roles get nothing.
func (l *Log) ForOrder(ctx context.Context, orderID int64, role models.Role) ([]*Activity, error) {
	query := `
		SELECT id, order_id, user_id, action_type, action_text, extra_data, is_visible_to_customer, created_at
		FROM order_activities
		WHERE order_id = $1`

	switch role {
	case models.RoleAdmin, models.RoleCustomerService, models.RoleProductionManager:
	case models.RoleCustomer:
		query += ` AND is_visible_to_customer`
	default:
		return []*Activity{}, nil
	}
	query += ` ORDER BY created_at, id`

	db := l.db
	if l.reader != nil {
		db = l.reader()
	}
	rows, err := db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities for order %d: %w", orderID, err)
	}
	defer rows.Close()

	out := []*Activity{}
	for rows.Next() {
		var (
			a      Activity
			userID sql.NullInt64
			action string
			extra  []byte
		)
		if err := rows.Scan(&a.ID, &a.OrderID, &userID, &action, &a.ActionText, &extra, &a.IsVisibleToCustomer, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if userID.Valid {
			a.UserID = &userID.Int64
		}
		a.ActionType = ActionType(action)
		if len(extra) > 0 {
			a.ExtraData = json.RawMessage(extra)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
