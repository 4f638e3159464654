package orders

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orderdesk/pkg/activity"
	"github.com/platinummonkey/orderdesk/pkg/assignment"
	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/notify"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
)

// AssignInput is the desired coordinator set of an order. PrimaryID, when
// set, must be one of CoordinatorIDs.
type AssignInput struct {
	CoordinatorIDs []int64 `json:"coordinator_ids"`
	PrimaryID      *int64  `json:"primary_id,omitempty"`
}

// Assign replaces the order's coordinator set. Every coordinator must be an
// active production manager whose order-type scope covers the order; this
// is checked before the transaction starts. Added and removed coordinators
// are notified, and the assigning user's unread notifications about the
// order are marked read.
func (s *Service) Assign(ctx context.Context, actor models.Actor, id int64, in AssignInput) (*assignment.Result, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionAssign); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "orders.Assign", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.Int("assignment.desired", len(in.CoordinatorIDs)),
	))
	defer span.End()

	order, err := s.loadVisible(ctx, s.db, actor, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.validateCoordinators(ctx, order.OrderType, in.CoordinatorIDs); err != nil {
		return nil, err
	}

	var (
		result  *assignment.Result
		created []*notify.Notification
	)
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		agg, err := s.deps.Sync.Lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if agg.OrderType != order.OrderType {
			return &assignment.InvariantError{Reason: "order type changed while assigning"}
		}

		result, err = s.deps.Sync.Sync(ctx, tx, agg, in.CoordinatorIDs, in.PrimaryID, actor.UserID)
		if err != nil {
			return err
		}
		if !result.Changed() && !result.PrimaryChanged() {
			return nil
		}

		previous := len(result.Current) - len(result.Added) + len(result.Removed)
		action := activity.ActionReassigned
		switch {
		case previous == 0:
			action = activity.ActionAssigned
		case len(result.Current) == 0:
			action = activity.ActionUnassigned
		}
		text := fmt.Sprintf("Coordinators: %d added, %d removed", len(result.Added), len(result.Removed))
		if !result.Changed() {
			text = fmt.Sprintf("Primary coordinator changed to %d", *result.PrimaryID)
		}
		if _, err := s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: action,
			ActionText: text,
			ExtraData: map[string]interface{}{
				"added":      result.Added,
				"removed":    result.Removed,
				"current":    result.Current,
				"primary_id": result.PrimaryID,
			},
		}); err != nil {
			return err
		}

		label := orderLabel(order)
		if err := s.notifyTx(ctx, tx, &created, without(result.Added, actor.UserID), notify.OrderEvent(
			notify.TypeOrderAssigned, id, "Order assigned", fmt.Sprintf("Order %s was assigned to you", label))); err != nil {
			return err
		}
		if err := s.notifyTx(ctx, tx, &created, without(result.Removed, actor.UserID), notify.OrderEvent(
			notify.TypeOrderUnassigned, id, "Order unassigned", fmt.Sprintf("You are no longer assigned to order %s", label))); err != nil {
			return err
		}

		if result.StatusChanged() {
			customers, err := notify.CustomerRecipients(ctx, tx, id, actor.UserID)
			if err != nil {
				return err
			}
			return s.notifyTx(ctx, tx, &created, customers, notify.OrderEvent(notify.TypeOrderStatusChanged, id,
				"Order status changed", fmt.Sprintf("Order %s is now %s", label, result.Status)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.push(ctx, created)
	if _, err := s.deps.Notify.MarkOrderNotificationsAsRead(ctx, nil, actor.UserID, id); err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"order_id": id,
			"user_id":  actor.UserID,
		}).Warn("Failed to resolve order notifications after assignment")
	}
	return result, nil
}

func (s *Service) validateCoordinators(ctx context.Context, orderType string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.deps.Users.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]*models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	var ineligible, outOfScope []int64
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		u, ok := byID[id]
		if !ok || !u.IsActive || u.Role != models.RoleProductionManager {
			ineligible = append(ineligible, id)
			continue
		}
		scope, err := s.deps.Authz.ResolveOrderTypeScope(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to resolve order type scope of user %d: %w", id, err)
		}
		if !scope.Allows(orderType) {
			outOfScope = append(outOfScope, id)
		}
	}

	if len(ineligible) > 0 {
		return &assignment.InvariantError{Reason: "coordinators must be active production managers", CoordinatorIDs: ineligible}
	}
	if len(outOfScope) > 0 {
		return &assignment.InvariantError{
			Reason:         fmt.Sprintf("coordinators may not handle order type %q", orderType),
			CoordinatorIDs: outOfScope,
		}
	}
	return nil
}

// statusAction maps a target status to its activity type
func statusAction(status models.OrderStatus) activity.ActionType {
	switch status {
	case models.OrderStatusCompleted:
		return activity.ActionCompleted
	case models.OrderStatusShipped:
		return activity.ActionShipped
	case models.OrderStatusCancelled:
		return activity.ActionCancelled
	}
	return activity.ActionStatusChanged
}

// UpdateStatus moves the order to status. pending and assigned follow the
// coordinator set and cannot be set directly. Setting the current status is
// a no-op.
func (s *Service) UpdateStatus(ctx context.Context, actor models.Actor, id int64, status models.OrderStatus, note string) (*models.Order, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionUpdateStatus); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	if status == models.OrderStatusPending || status == models.OrderStatusAssigned {
		return nil, &ValidationError{Field: "status", Message: "pending and assigned follow the coordinator assignment"}
	}

	var (
		order   *models.Order
		created []*notify.Notification
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.loadVisible(ctx, tx, actor, id, true)
		if err != nil {
			return err
		}
		previous := order.Status
		if previous == status {
			return nil
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(status), now,
		); err != nil {
			return fmt.Errorf("failed to update status of order %d: %w", id, err)
		}
		if err := assignment.RecordStatusChange(ctx, tx, id, previous, status, actor.UserID, note, now); err != nil {
			return err
		}
		order.Status = status
		order.UpdatedAt = now

		text := fmt.Sprintf("Status changed from %s to %s", previous, status)
		if note = strings.TrimSpace(note); note != "" {
			text += ": " + note
		}
		if _, err := s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: statusAction(status),
			ActionText: text,
			ExtraData:  map[string]interface{}{"from": previous, "to": status},
		}); err != nil {
			return err
		}

		staff, err := notify.OrderRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		customers, err := notify.CustomerRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, &created, append(staff, customers...), notify.OrderEvent(
			notify.TypeOrderStatusChanged, id, "Order status changed",
			fmt.Sprintf("Order %s is now %s", orderLabel(order), status)))
	})
	if err != nil {
		return nil, err
	}

	s.push(ctx, created)
	return order, nil
}

// AddTracking appends tracking numbers to the order and tells its customers
func (s *Service) AddTracking(ctx context.Context, actor models.Actor, id int64, numbers []string) (*models.Order, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionAddTracking); err != nil {
		return nil, err
	}
	numbers = cleanStrings(numbers)
	if len(numbers) == 0 {
		return nil, &ValidationError{Field: "tracking_numbers", Message: "at least one tracking number is required"}
	}

	var (
		order   *models.Order
		created []*notify.Notification
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.loadVisible(ctx, tx, actor, id, true)
		if err != nil {
			return err
		}

		merged := cleanStrings(append(append([]string{}, order.TrackingNumbers...), numbers...))
		if len(merged) == len(order.TrackingNumbers) {
			return nil
		}
		added := merged[len(order.TrackingNumbers):]
		order.TrackingNumbers = merged
		order.UpdatedAt = s.now().UTC()

		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET tracking_numbers = $2, updated_at = $3 WHERE id = $1`,
			id, pq.Array(merged), order.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to add tracking to order %d: %w", id, err)
		}

		if _, err := s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: activity.ActionTrackingAdded,
			ActionText: fmt.Sprintf("Tracking added: %s", strings.Join(added, ", ")),
			ExtraData:  map[string]interface{}{"tracking_numbers": added},
		}); err != nil {
			return err
		}

		customers, err := notify.CustomerRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, &created, customers, notify.OrderEvent(notify.TypeOrderTracking, id,
			"Tracking added", fmt.Sprintf("Order %s has new tracking: %s", orderLabel(order), strings.Join(added, ", "))))
	})
	if err != nil {
		return nil, err
	}

	s.push(ctx, created)
	return order, nil
}

// AddNote records a comment on the order. Internal notes need the
// view_internal activity permission, stay hidden from customers and only
// notify staff and coordinators.
func (s *Service) AddNote(ctx context.Context, actor models.Actor, id int64, text string, internal bool) (*activity.Activity, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionAddNote); err != nil {
		return nil, err
	}
	if internal {
		if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceActivities, rbac.ActionViewInternal); err != nil {
			return nil, err
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Field: "text", Message: "required"}
	}

	action := activity.ActionCommentAdded
	if internal {
		action = activity.ActionInternalNote
	}

	var (
		note    *activity.Activity
		created []*notify.Notification
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		order, err := s.loadVisible(ctx, tx, actor, id, false)
		if err != nil {
			return err
		}

		note, err = s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: action,
			ActionText: text,
			Visible:    activity.Visible(!internal),
		})
		if err != nil {
			return err
		}

		recipients, err := notify.OrderRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		if !internal {
			customers, err := notify.CustomerRecipients(ctx, tx, id, actor.UserID)
			if err != nil {
				return err
			}
			recipients = append(recipients, customers...)
		}
		return s.notifyTx(ctx, tx, &created, recipients, notify.OrderEvent(notify.TypeOrderNote, id,
			"New note", fmt.Sprintf("A note was added to order %s", orderLabel(order))))
	})
	if err != nil {
		return nil, err
	}

	s.push(ctx, created)
	return note, nil
}

// SendReminder asks staff and the order's coordinators to look at the
// order. Reminders from the same company on the same order are throttled;
// a throttled reminder writes nothing and returns a *notify.ThrottledError.
func (s *Service) SendReminder(ctx context.Context, actor models.Actor, id int64) error {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionSendReminder); err != nil {
		return err
	}

	var created []*notify.Notification
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		order, err := s.loadVisible(ctx, tx, actor, id, true)
		if err != nil {
			return err
		}
		if err := s.deps.Reminders.Check(ctx, tx, id, order.CompanyID); err != nil {
			return err
		}
		if err := s.deps.Reminders.Record(ctx, tx, id, order.CompanyID, actor.UserID); err != nil {
			return err
		}

		if _, err := s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: activity.ActionReminderSent,
			ActionText: "Customer sent a reminder",
		}); err != nil {
			return err
		}

		recipients, err := notify.OrderRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, &created, recipients, notify.OrderEvent(notify.TypeOrderReminder, id,
			"Order reminder", fmt.Sprintf("The customer is asking about order %s", orderLabel(order))))
	})
	if err != nil {
		return err
	}

	s.push(ctx, created)
	return nil
}
