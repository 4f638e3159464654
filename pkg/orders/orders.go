// Package orders is the order workflow: creation, visibility-filtered reads,
// coordinator assignment, status changes, tracking, notes, reminders and
// deletion. Every mutating operation checks permissions first, writes its
// rows, activity and notifications in one transaction, and pushes the
// notifications once the transaction has committed.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orderdesk/pkg/activity"
	"github.com/platinummonkey/orderdesk/pkg/assignment"
	"github.com/platinummonkey/orderdesk/pkg/async"
	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/notify"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
)

// ErrOrderNotFound is returned for missing orders and for orders the actor
// cannot see
var ErrOrderNotFound = assignment.ErrOrderNotFound

// ValidationError reports malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Authorizer answers permission and visibility questions.
// *rbac.Resolver implements it.
type Authorizer interface {
	Require(ctx context.Context, actor models.Actor, resource rbac.Resource, action rbac.Action) error
	CheckFields(ctx context.Context, actor models.Actor, resource rbac.Resource, fields []string) error
	OrderVisibility(ctx context.Context, actor models.Actor, alias string, firstArg int) rbac.Predicate
	CanViewOrder(ctx context.Context, actor models.Actor, order *models.Order) bool
	ResolveOrderTypeScope(ctx context.Context, userID int64) (rbac.Scope, error)
}

// UserDirectory loads coordinator candidates. *users.Store implements it.
type UserDirectory interface {
	GetMany(ctx context.Context, ids []int64) ([]*models.User, error)
}

// ImageCleaner removes stored images. *storage.ImageStore implements it.
type ImageCleaner interface {
	DeleteImages(ctx context.Context, urls []string) (int, error)
}

// OrderTypeLister returns the configured order types. *sysconfig.Store
// implements it.
type OrderTypeLister interface {
	OrderTypes(ctx context.Context) ([]string, error)
}

// Deps are the collaborators of a Service. Images and OrderTypes are
// optional.
type Deps struct {
	Authz      Authorizer
	Users      UserDirectory
	Sync       *assignment.Synchronizer
	Activity   *activity.Log
	Notify     *notify.Service
	Reminders  *notify.ReminderThrottle
	Images     ImageCleaner
	OrderTypes OrderTypeLister
}

// Service implements the order workflow
type Service struct {
	db     *sql.DB
	deps   Deps
	logger *observability.Logger
	tracer trace.Tracer
	now    func() time.Time

	cleanupTimeout time.Duration
}

// NewService creates an order service
func NewService(db *sql.DB, deps Deps, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		db:             db,
		deps:           deps,
		logger:         logger.WithField("component", "orders"),
		tracer:         observability.Tracer("orders"),
		now:            time.Now,
		cleanupTimeout: time.Minute,
	}
}

const orderColumns = `o.id, o.order_number, o.customer_id, o.company_id, o.order_type, o.status,
	o.assigned_to, o.description, o.images, o.tracking_numbers, o.created_at, o.updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	var (
		o          models.Order
		status     string
		companyID  sql.NullInt64
		assignedTo sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &companyID, &o.OrderType, &status,
		&assignedTo, &o.Description, pq.Array(&o.Images), pq.Array(&o.TrackingNumbers), &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	if companyID.Valid {
		o.CompanyID = &companyID.Int64
	}
	if assignedTo.Valid {
		o.AssignedTo = &assignedTo.Int64
	}
	if o.Images == nil {
		o.Images = []string{}
	}
	if o.TrackingNumbers == nil {
		o.TrackingNumbers = []string{}
	}
	return &o, nil
}

// load reads one live order with its coordinator set, optionally under a
// row lock. Deleted orders read as not found.
func (s *Service) load(ctx context.Context, q database.Querier, id int64, forUpdate bool) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1 AND o.deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", id, err)
	}

	coordinators, err := assignment.CoordinatorIDs(ctx, q, []int64{id})
	if err != nil {
		return nil, err
	}
	order.CoordinatorIDs = coordinators[id]
	return order, nil
}

// loadVisible is load followed by the visibility check. An order the actor
// cannot see is reported as not found.
func (s *Service) loadVisible(ctx context.Context, q database.Querier, actor models.Actor, id int64, forUpdate bool) (*models.Order, error) {
	order, err := s.load(ctx, q, id, forUpdate)
	if err != nil {
		return nil, err
	}
	if !s.deps.Authz.CanViewOrder(ctx, actor, order) {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// Get returns one order the actor can see
func (s *Service) Get(ctx context.Context, actor models.Actor, id int64) (*models.Order, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.loadVisible(ctx, s.db, actor, id, false)
}

// ListOptions filters List
type ListOptions struct {
	Status    models.OrderStatus
	OrderType string
	Limit     int
	Offset    int
}

// List returns the orders visible to actor, newest first
func (s *Service) List(ctx context.Context, actor models.Actor, opts ListOptions) ([]*models.Order, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceOrders, rbac.ActionView); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}

	pred := s.deps.Authz.OrderVisibility(ctx, actor, "o", 1)
	args := append([]interface{}{}, pred.Args...)
	where := []string{"o.deleted_at IS NULL", pred.Clause}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("o.status = $%d", len(args)))
	}
	if opts.OrderType != "" {
		args = append(args, opts.OrderType)
		where = append(where, fmt.Sprintf("o.order_type = $%d", len(args)))
	}
	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(`SELECT %s FROM orders o WHERE %s ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	out := []*models.Order{}
	ids := []int64{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	coordinators, err := assignment.CoordinatorIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		o.CoordinatorIDs = coordinators[o.ID]
	}
	return out, nil
}

// Activities returns the order's activity log as the actor may see it
func (s *Service) Activities(ctx context.Context, actor models.Actor, id int64) ([]*activity.Activity, error) {
	if err := s.deps.Authz.Require(ctx, actor, rbac.ResourceActivities, rbac.ActionView); err != nil {
		return nil, err
	}
	if _, err := s.loadVisible(ctx, s.db, actor, id, false); err != nil {
		return nil, err
	}
	return s.deps.Activity.ForOrder(ctx, id, actor.Role)
}

// push sends committed notifications in the background
func (s *Service) push(ctx context.Context, created []*notify.Notification) {
	if len(created) > 0 {
		s.deps.Notify.Push(ctx, created)
	}
}

// cleanupImages deletes images in the background. Failures are logged and
// not retried.
func (s *Service) cleanupImages(ctx context.Context, orderID int64, urls []string) <-chan struct{} {
	if s.deps.Images == nil || len(urls) == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	return async.SafeGo(context.WithoutCancel(ctx), s.logger, s.cleanupTimeout, "order image cleanup", func(ctx context.Context) error {
		n, err := s.deps.Images.DeleteImages(ctx, urls)
		s.logger.WithFields(map[string]interface{}{
			"order_id": orderID,
			"deleted":  n,
			"images":   len(urls),
		}).Debug("Order images cleaned up")
		return err
	})
}

// notifyTx fans ev out to recipients inside tx and collects the result
func (s *Service) notifyTx(ctx context.Context, tx *sql.Tx, created *[]*notify.Notification, recipients []int64, ev notify.Event) error {
	n, err := s.deps.Notify.NotifyTx(ctx, tx, recipients, ev)
	if err != nil {
		return err
	}
	*created = append(*created, n...)
	return nil
}

func orderLabel(o *models.Order) string {
	return fmt.Sprintf("%s (%s)", o.OrderNumber, o.OrderType)
}

func without(ids []int64, exclude int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func cleanStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
