package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/orderdesk/pkg/activity"
	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/notify"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
)

// CreateInput describes a new order. Customers always order for themselves;
// staff name the customer.
type CreateInput struct {
	CustomerID  int64    `json:"customer_id,omitempty"`
	OrderNumber string   `json:"order_number,omitempty"`
	OrderType   string   `json:"order_type"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
}

// Create inserts a pending order. company_id is copied from the customer
// row in the same statement.
func (s *Service) Create(ctx context.Context, actor models.Actor, in CreateInput) (*models.Order, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionCreate); err != nil {
		return nil, err
	}

	customerID := in.CustomerID
	if actor.Role == models.RoleCustomer {
		if customerID != 0 && customerID != actor.UserID {
			if err := s.deps.Authz.CheckFields(ctx, actor, rbac.ResourceOrders, []string{"customer_id"}); err != nil {
				return nil, err
			}
		}
		if customerID == 0 {
			customerID = actor.UserID
		}
	}
	if customerID <= 0 {
		return nil, &ValidationError{Field: "customer_id", Message: "required"}
	}
	if err := s.validateOrderType(ctx, in.OrderType); err != nil {
		return nil, err
	}

	number := strings.TrimSpace(in.OrderNumber)
	if number == "" {
		number = "OD-" + strings.ToUpper(uuid.NewString()[:8])
	}
	images := cleanStrings(in.Images)
	now := s.now().UTC()

	var (
		order   *models.Order
		created []*notify.Notification
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var companyID sql.NullInt64
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (order_number, customer_id, company_id, order_type, status, description, images, tracking_numbers, created_at, updated_at)
			SELECT $1, u.id, u.company_id, $3, $4, $5, $6, '{}', $7, $7
			FROM users u WHERE u.id = $2 AND u.role = $8 AND u.is_active
			RETURNING id, company_id`,
			number, customerID, in.OrderType, string(models.OrderStatusPending), in.Description,
			pq.Array(images), now, string(models.RoleCustomer),
		).Scan(&id, &companyID)
		if errors.Is(err, sql.ErrNoRows) {
			return &ValidationError{Field: "customer_id", Message: "unknown or inactive customer"}
		}
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		order = &models.Order{
			ID:              id,
			OrderNumber:     number,
			CustomerID:      customerID,
			OrderType:       in.OrderType,
			Status:          models.OrderStatusPending,
			Description:     in.Description,
			Images:          images,
			TrackingNumbers: []string{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if companyID.Valid {
			order.CompanyID = &companyID.Int64
		}

		if _, err := s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: activity.ActionCreated,
			ActionText: fmt.Sprintf("Order %s created", number),
		}); err != nil {
			return err
		}

		recipients, err := notify.OrderRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, &created, recipients, notify.OrderEvent(notify.TypeOrderCreated, id,
			"New order", fmt.Sprintf("Order %s was created", orderLabel(order))))
	})
	if err != nil {
		return nil, err
	}

	s.push(ctx, created)
	return order, nil
}

func (s *Service) validateOrderType(ctx context.Context, orderType string) error {
	if strings.TrimSpace(orderType) == "" {
		return &ValidationError{Field: "order_type", Message: "required"}
	}
	if s.deps.OrderTypes == nil {
		return nil
	}
	types, err := s.deps.OrderTypes.OrderTypes(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load order types, accepting any")
		return nil
	}
	if len(types) > 0 && !slices.Contains(types, orderType) {
		return &ValidationError{Field: "order_type", Message: fmt.Sprintf("unknown order type %q", orderType)}
	}
	return nil
}

// UpdateInput carries the editable order fields. Nil fields are unchanged.
type UpdateInput struct {
	Description *string   `json:"description,omitempty"`
	Images      *[]string `json:"images,omitempty"`
	OrderType   *string   `json:"order_type,omitempty"`
}

func (in UpdateInput) fields() []string {
	var fields []string
	if in.Description != nil {
		fields = append(fields, "description")
	}
	if in.Images != nil {
		fields = append(fields, "images")
	}
	if in.OrderType != nil {
		fields = append(fields, "order_type")
	}
	return fields
}

// Update edits order fields. Every field is checked against the actor's
// field-level edit permissions first, and the error lists all rejected
// fields. Images dropped from the order are deleted from storage afterwards.
func (s *Service) Update(ctx context.Context, actor models.Actor, id int64, in UpdateInput) (*models.Order, error) {
	fields := in.fields()
	if len(fields) == 0 {
		return nil, &ValidationError{Field: "body", Message: "nothing to update"}
	}
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if err := s.deps.Authz.CheckFields(ctx, actor, rbac.ResourceOrders, fields); err != nil {
		return nil, err
	}
	if in.OrderType != nil {
		if err := s.validateOrderType(ctx, *in.OrderType); err != nil {
			return nil, err
		}
	}

	var (
		order   *models.Order
		dropped []string
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.loadVisible(ctx, tx, actor, id, true)
		if err != nil {
			return err
		}

		action := activity.ActionUpdated
		if in.Images != nil {
			images := cleanStrings(*in.Images)
			for _, old := range order.Images {
				if !slices.Contains(images, old) {
					dropped = append(dropped, old)
				}
			}
			order.Images = images
			if len(fields) == 1 {
				action = activity.ActionImagesUpdated
			}
		}
		if in.Description != nil {
			order.Description = *in.Description
		}
		if in.OrderType != nil {
			order.OrderType = *in.OrderType
		}
		order.UpdatedAt = s.now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET description = $2, images = $3, order_type = $4, updated_at = $5
			WHERE id = $1`,
			id, order.Description, pq.Array(order.Images), order.OrderType, order.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update order %d: %w", id, err)
		}

		_, err = s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: action,
			ActionText: fmt.Sprintf("Updated %s", strings.Join(fields, ", ")),
			ExtraData:  map[string]interface{}{"fields": fields},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cleanupImages(ctx, id, dropped)
	return order, nil
}

// Delete retires an order. The row is kept with deleted_at set so its
// activity trail and status history survive; every read path skips it.
// Coordinators and customers are notified and the images are deleted from
// storage on a best-effort basis.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id int64) error {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionDelete); err != nil {
		return err
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

		customers, err := notify.CustomerRecipients(ctx, tx, id, actor.UserID)
		if err != nil {
			return err
		}
		recipients := append(without(order.CoordinatorIDs, actor.UserID), customers...)

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET deleted_at = $2, updated_at = $2 WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("failed to delete order %d: %w", id, err)
		}
		if _, err := s.deps.Activity.Record(ctx, tx, activity.Entry{
			OrderID:    id,
			UserID:     &actor.UserID,
			ActionType: activity.ActionDeleted,
			ActionText: fmt.Sprintf("Order %s deleted", order.OrderNumber),
		}); err != nil {
			return err
		}

		return s.notifyTx(ctx, tx, &created, recipients, notify.OrderEvent(notify.TypeOrderDeleted, id,
			"Order deleted", fmt.Sprintf("Order %s was deleted", orderLabel(order))))
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"order_id": id,
		"actor_id": actor.UserID,
	}).Info("Order deleted")

	s.push(ctx, created)
	s.cleanupImages(ctx, id, order.Images)
	return nil
}
