package assignment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Result describes one reconciliation
type Result struct {
	OrderID         int64              `json:"order_id"`
	Added           []int64            `json:"added"`
	Removed         []int64            `json:"removed"`
	Current         []int64            `json:"current"`
	PrimaryID       *int64             `json:"primary_id,omitempty"`
	PreviousPrimary *int64             `json:"previous_primary_id,omitempty"`
	PreviousStatus  models.OrderStatus `json:"previous_status"`
	Status          models.OrderStatus `json:"status"`
}

// Changed reports whether the set was modified
func (r *Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// PrimaryChanged reports whether orders.assigned_to moved
func (r *Result) PrimaryChanged() bool {
	switch {
	case r.PrimaryID == nil && r.PreviousPrimary == nil:
		return false
	case r.PrimaryID == nil || r.PreviousPrimary == nil:
		return true
	}
	return *r.PrimaryID != *r.PreviousPrimary
}

// StatusChanged reports whether the sync flipped pending ⇄ assigned
func (r *Result) StatusChanged() bool {
	return r.PreviousStatus != r.Status
}

// Synchronizer reconciles assignment sets
type Synchronizer struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewSynchronizer creates a synchronizer. metrics may be nil.
func NewSynchronizer(logger *observability.Logger, metrics *observability.Metrics) *Synchronizer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Synchronizer{
		logger:  logger.WithField("component", "assignment"),
		metrics: metrics,
		tracer:  observability.Tracer("assignment"),
		now:     time.Now,
	}
}

// Lock takes a row lock on the order and loads its assignment set. tx must
// be a transaction; the lock is held until it ends.
func (s *Synchronizer) Lock(ctx context.Context, tx *sql.Tx, orderID int64) (*Aggregate, error) {
	agg, err := load(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	agg.locked = true
	return agg, nil
}

// Load reads the assignment state without locking, for read paths
func Load(ctx context.Context, q database.Querier, orderID int64) (*Aggregate, error) {
	return load(ctx, q, orderID, false)
}

func load(ctx context.Context, q database.Querier, orderID int64, forUpdate bool) (*Aggregate, error) {
	query := `SELECT order_type, status, assigned_to FROM orders WHERE id = $1 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	agg := &Aggregate{OrderID: orderID}
	var (
		status     string
		assignedTo sql.NullInt64
	)
	err := q.QueryRowContext(ctx, query, orderID).Scan(&agg.OrderType, &status, &assignedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	agg.Status = models.OrderStatus(status)
	if assignedTo.Valid {
		agg.primary = &assignedTo.Int64
	}

	rows, err := q.QueryContext(ctx, `
		SELECT production_manager_id FROM order_assignments
		WHERE order_id = $1
		ORDER BY assigned_at, production_manager_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments for order %d: %w", orderID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		agg.members = append(agg.members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read assignments for order %d: %w", orderID, err)
	}
	return agg, nil
}

// Sync reconciles the order's assignment set to desired within tx. agg
// must come from Lock on the same transaction. primary selects the member
// mirrored into orders.assigned_to; nil keeps the current primary while it
// stays assigned and falls back to the first desired ID.
//
// Scope validation is the caller's job and must happen before the
// transaction starts. Any error leaves tx for the caller to roll back.
func (s *Synchronizer) Sync(ctx context.Context, tx *sql.Tx, agg *Aggregate, desired []int64, primary *int64, assignedBy int64) (*Result, error) {
	if !agg.locked {
		return nil, &InvariantError{Reason: "assignment set was not loaded under lock"}
	}

	ctx, span := s.tracer.Start(ctx, "assignment.Sync", trace.WithAttributes(
		attribute.Int64("order.id", agg.OrderID),
		attribute.Int("assignment.desired", len(desired)),
	))
	defer span.End()

	start := s.now()
	result, err := s.sync(ctx, tx, agg, desired, primary, assignedBy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := "error"
		if IsInvariantError(err) {
			status = "rejected"
		}
		s.metrics.RecordAssignmentSync(status, 0, 0, time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("assignment.added", len(result.Added)),
		attribute.Int("assignment.removed", len(result.Removed)),
	)
	status := "unchanged"
	if result.Changed() {
		status = "changed"
	}
	s.metrics.RecordAssignmentSync(status, len(result.Added), len(result.Removed), time.Since(start))
	return result, nil
}

func (s *Synchronizer) sync(ctx context.Context, tx *sql.Tx, agg *Aggregate, desired []int64, primary *int64, assignedBy int64) (*Result, error) {
	p, err := agg.reconcile(desired, primary)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if len(p.removed) > 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM order_assignments WHERE order_id = $1 AND production_manager_id = ANY($2)`,
			agg.OrderID, pq.Array(p.removed),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to remove assignments from order %d: %w", agg.OrderID, err)
		}
	}

	if len(p.added) > 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_assignments (order_id, production_manager_id, assigned_by, assigned_at)
			SELECT $1, pm_id, $3, $4 FROM unnest($2::bigint[]) AS pm_id
			ON CONFLICT (order_id, production_manager_id) DO NOTHING`,
			agg.OrderID, pq.Array(p.added), nullableID(assignedBy), now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to add assignments to order %d: %w", agg.OrderID, err)
		}
	}

	previous := agg.Status
	previousPrimary := agg.primary
	if p.primaryChanged(agg.primary) || p.status != previous {
		_, err := tx.ExecContext(ctx,
			`UPDATE orders SET assigned_to = $2, status = $3, updated_at = $4 WHERE id = $1`,
			agg.OrderID, nullablePtr(p.primary), string(p.status), now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %d: %w", agg.OrderID, err)
		}
	}

	if p.status != previous {
		note := "coordinators assigned"
		if len(p.desired) == 0 {
			note = "all coordinators removed"
		}
		if err := RecordStatusChange(ctx, tx, agg.OrderID, previous, p.status, assignedBy, note, now); err != nil {
			return nil, err
		}
	}

	agg.apply(p)

	s.logger.WithFields(map[string]interface{}{
		"order_id": agg.OrderID,
		"added":    p.added,
		"removed":  p.removed,
		"status":   p.status,
	}).Debug("Assignments synchronized")

	return &Result{
		OrderID:         agg.OrderID,
		Added:           nonNil(p.added),
		Removed:         nonNil(p.removed),
		Current:         agg.Members(),
		PrimaryID:       p.primary,
		PreviousPrimary: previousPrimary,
		PreviousStatus:  previous,
		Status:          p.status,
	}, nil
}

// RecordStatusChange appends a row to order_status_history
func RecordStatusChange(ctx context.Context, q database.Querier, orderID int64, from, to models.OrderStatus, changedBy int64, note string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, changed_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, string(from), string(to), nullableID(changedBy), note, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record status change for order %d: %w", orderID, err)
	}
	return nil
}

// CoordinatorIDs returns the assignment sets of many orders at once. Orders
// without assignments are absent from the map.
func CoordinatorIDs(ctx context.Context, q database.Querier, orderIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, production_manager_id FROM order_assignments
		WHERE order_id = ANY($1)
		ORDER BY order_id, assigned_at, production_manager_id`, pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID, pmID int64
		if err := rows.Scan(&orderID, &pmID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out[orderID] = append(out[orderID], pmID)
	}
	return out, rows.Err()
}

func nullableID(id int64) interface{} {
	if id <= 0 {
		return nil
	}
	return id
}

func nullablePtr(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
