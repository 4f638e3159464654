package rbac

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/orderdesk/pkg/models"
)

// Scope is the set of order types a production manager may work on
type Scope struct {
	All   bool     `json:"all"`
	Types []string `json:"types,omitempty"`
}

// Unrestricted is the scope of every order type
var Unrestricted = Scope{All: true}

// Allows reports whether orderType is in scope
func (s Scope) Allows(orderType string) bool {
	if s.All {
		return true
	}
	for _, t := range s.Types {
		if t == orderType {
			return true
		}
	}
	return false
}

// ResolveOrderTypeScope returns the order types userID may work on. Only
// production managers are scoped. Their scope is the first non-empty list of:
// the orders.allowed_order_types override, the user's assigned order types,
// the role-level allowed_order_types. When all are empty the scope is
// unrestricted.
//
// An empty list means unrestricted, not "nothing permitted".
func (r *Resolver) ResolveOrderTypeScope(ctx context.Context, userID int64) (Scope, error) {
	ug, err := r.userEntry(ctx, userID)
	if err != nil {
		return Scope{}, fmt.Errorf("failed to load user %d for order type scope: %w", userID, err)
	}
	return r.scopeFor(ctx, ug), nil
}

func (r *Resolver) scopeFor(ctx context.Context, ug *userGrants) Scope {
	if ug.user.Role != models.RoleProductionManager {
		return Unrestricted
	}
	if types, ok := ug.overrides.list(ResourceOrders, ActionAllowedOrderTypes); ok && len(types) > 0 {
		return Scope{Types: types}
	}
	if len(ug.user.AssignedOrderTypes) > 0 {
		return Scope{Types: ug.user.AssignedOrderTypes}
	}
	for _, source := range r.sources {
		types, found, err := source.OrderTypes(ctx, ug.user.Role)
		if err != nil {
			r.metrics.RecordPermissionFallback()
			r.logger.WithError(err).WithField("source", source.Name()).Warn("Order type scope lookup failed, falling back")
			continue
		}
		if found && len(types) > 0 {
			return Scope{Types: types}
		}
	}
	return Unrestricted
}

// Predicate is a SQL boolean expression with its positional arguments
type Predicate struct {
	Clause string
	Args   []interface{}
}

var denyAll = Predicate{Clause: "1 = 0"}

// OrderVisibility returns the filter selecting the orders actor may see.
// alias is the orders table alias in the caller's query and firstArg the
// number of the first placeholder the predicate may use.
//
//	staff               TRUE
//	production manager  order type in scope, or assigned to them
//	customer            same company, or own orders when without a company
//	anything else       1 = 0
func (r *Resolver) OrderVisibility(ctx context.Context, actor models.Actor, alias string, firstArg int) Predicate {
	if !actor.Role.Valid() {
		return denyAll
	}
	if actor.Role.IsStaff() {
		return Predicate{Clause: "TRUE"}
	}
	if !r.Allowed(ctx, actor, ResourceOrders, ActionView) {
		return denyAll
	}

	ug, err := r.userEntry(ctx, actor.UserID)
	if err != nil {
		r.metrics.RecordPermissionFallback()
		r.logger.WithError(err).WithField("user_id", actor.UserID).Warn("Visibility lookup failed, denying")
		return denyAll
	}

	switch actor.Role {
	case models.RoleProductionManager:
		scope := r.scopeFor(ctx, ug)
		assigned := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM order_assignments oa WHERE oa.order_id = %s.id AND oa.production_manager_id = $%d)",
			alias, firstArg)
		if scope.All {
			return Predicate{Clause: "TRUE"}
		}
		return Predicate{
			Clause: fmt.Sprintf("(%s.order_type = ANY($%d) OR %s)", alias, firstArg+1, assigned),
			Args:   []interface{}{actor.UserID, pq.Array(scope.Types)},
		}
	case models.RoleCustomer:
		if ug.user.CompanyID != nil {
			return Predicate{
				Clause: fmt.Sprintf("%s.company_id = $%d", alias, firstArg),
				Args:   []interface{}{*ug.user.CompanyID},
			}
		}
		return Predicate{
			Clause: fmt.Sprintf("%s.customer_id = $%d", alias, firstArg),
			Args:   []interface{}{actor.UserID},
		}
	}
	return denyAll
}

// CanViewOrder is OrderVisibility evaluated against a loaded order.
// order.CoordinatorIDs must hold the current assignment set.
func (r *Resolver) CanViewOrder(ctx context.Context, actor models.Actor, order *models.Order) bool {
	if !actor.Role.Valid() {
		return false
	}
	if actor.Role.IsStaff() {
		return true
	}
	if !r.Allowed(ctx, actor, ResourceOrders, ActionView) {
		return false
	}

	ug, err := r.userEntry(ctx, actor.UserID)
	if err != nil {
		r.metrics.RecordPermissionFallback()
		r.logger.WithError(err).WithField("user_id", actor.UserID).Warn("Visibility lookup failed, denying")
		return false
	}

	switch actor.Role {
	case models.RoleProductionManager:
		for _, id := range order.CoordinatorIDs {
			if id == actor.UserID {
				return true
			}
		}
		return r.scopeFor(ctx, ug).Allows(order.OrderType)
	case models.RoleCustomer:
		if ug.user.CompanyID != nil {
			return order.CompanyID != nil && *order.CompanyID == *ug.user.CompanyID
		}
		return order.CustomerID == actor.UserID
	}
	return false
}
