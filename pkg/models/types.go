// Package models holds the domain types shared by the orderdesk packages.
package models

import "time"

// Role is the coarse actor class a user belongs to
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleCustomerService   Role = "customer_service"
	RoleProductionManager Role = "production_manager"
	RoleCustomer          Role = "customer"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCustomerService, RoleProductionManager, RoleCustomer:
		return true
	}
	return false
}

// IsStaff reports whether r is an administrative staff role
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleCustomerService
}

// StaffRoles lists the roles that receive every order alert
func StaffRoles() []Role {
	return []Role{RoleAdmin, RoleCustomerService}
}

// Actor is the authenticated caller of a core operation
type Actor struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// PermissionOverrides is the raw per-user override document:
// resource -> action -> value. Values may be booleans, 0/1, "true"/"false"
// or, for attribute actions such as allowed_order_types, string lists.
type PermissionOverrides map[string]map[string]interface{}

// User is an account of any role. Users are deactivated, never deleted.
type User struct {
	ID                  int64               `json:"id"`
	Username            string              `json:"username"`
	Email               string              `json:"email,omitempty"`
	Role                Role                `json:"role"`
	CompanyID           *int64              `json:"company_id,omitempty"`
	AssignedOrderTypes  []string            `json:"assigned_order_types,omitempty"`
	PermissionOverrides PermissionOverrides `json:"permission_overrides,omitempty"`
	IsActive            bool                `json:"is_active"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Actor returns the actor view of the user
func (u *User) Actor() Actor {
	return Actor{UserID: u.ID, Role: u.Role}
}

// OrderStatus is the recorded lifecycle position of an order
type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusAssigned     OrderStatus = "assigned"
	OrderStatusInProduction OrderStatus = "in_production"
	OrderStatusQualityCheck OrderStatus = "quality_check"
	OrderStatusCompleted    OrderStatus = "completed"
	OrderStatusShipped      OrderStatus = "shipped"
	OrderStatusCancelled    OrderStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAssigned, OrderStatusInProduction,
		OrderStatusQualityCheck, OrderStatusCompleted, OrderStatusShipped, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is a production order. CompanyID is denormalized from the customer.
type Order struct {
	ID              int64       `json:"id"`
	OrderNumber     string      `json:"order_number"`
	CustomerID      int64       `json:"customer_id"`
	CompanyID       *int64      `json:"company_id,omitempty"`
	OrderType       string      `json:"order_type"`
	Status          OrderStatus `json:"status"`
	AssignedTo      *int64      `json:"assigned_to,omitempty"`
	Description     string      `json:"description,omitempty"`
	Images          []string    `json:"images"`
	TrackingNumbers []string    `json:"tracking_numbers"`
	CoordinatorIDs  []int64     `json:"coordinator_ids,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
