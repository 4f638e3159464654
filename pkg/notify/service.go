// Package notify fans events out as one durable notification row per
// recipient and then pushes a summary of each row through the realtime
// gateway. The rows are the source of truth; a client that missed a push
// reconciles through the unread count.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orderdesk/pkg/async"
	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/realtime"
)

// Pusher broadcasts to connected clients. *realtime.Gateway implements it.
type Pusher interface {
	Broadcast(ctx context.Context, msg realtime.Message) int
}

// Options configures a Service
type Options struct {
	PushTimeout time.Duration
}

// Service creates, reads and resolves notifications
type Service struct {
	db      *sql.DB
	pusher  Pusher
	opts    Options
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates a notification service. pusher and metrics may be nil.
func NewService(db *sql.DB, pusher Pusher, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		db:      db,
		pusher:  pusher,
		opts:    opts,
		logger:  logger.WithField("component", "notify"),
		metrics: metrics,
		tracer:  observability.Tracer("notify"),
		now:     time.Now,
	}
}

// Notify creates one notification per recipient in its own transaction and
// pushes them once committed
func (s *Service) Notify(ctx context.Context, recipients []int64, ev Event) ([]*Notification, error) {
	var created []*Notification
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		created, err = s.NotifyTx(ctx, tx, recipients, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Push(ctx, created)
	return created, nil
}

// NotifyTx inserts one row per distinct recipient using q, usually the
// caller's transaction. Either every recipient gets a row or none does.
// The caller pushes the result with Push after commit.
func (s *Service) NotifyTx(ctx context.Context, q database.Querier, recipients []int64, ev Event) ([]*Notification, error) {
	ids := dedupe(recipients)
	if len(ids) == 0 {
		return []*Notification{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "notify.NotifyTx", trace.WithAttributes(
		attribute.String("notification.type", string(ev.Type)),
		attribute.Int("notification.recipients", len(ids)),
	))
	defer span.End()

	now := s.now().UTC()
	var relatedID, relatedType interface{}
	if ev.RelatedID != nil {
		relatedID = *ev.RelatedID
	}
	if ev.RelatedType != "" {
		relatedType = ev.RelatedType
	}

	rows, err := q.QueryContext(ctx, `
		INSERT INTO notifications (user_id, type, title, content, related_id, related_type, created_at)
		SELECT recipient, $2, $3, $4, $5, $6, $7 FROM unnest($1::bigint[]) AS recipient
		RETURNING id, user_id`,
		pq.Array(ids), string(ev.Type), ev.Title, ev.Content, relatedID, relatedType, now,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create %s notifications: %w", ev.Type, err)
	}
	defer rows.Close()

	created := make([]*Notification, 0, len(ids))
	for rows.Next() {
		n := &Notification{
			Type:        ev.Type,
			Title:       ev.Title,
			Content:     ev.Content,
			RelatedID:   ev.RelatedID,
			RelatedType: ev.RelatedType,
			CreatedAt:   now,
		}
		if err := rows.Scan(&n.ID, &n.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		created = append(created, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to create %s notifications: %w", ev.Type, err)
	}
	if len(created) != len(ids) {
		return nil, fmt.Errorf("created %d %s notifications for %d recipients", len(created), ev.Type, len(ids))
	}

	s.metrics.RecordNotifications(string(ev.Type), len(created))
	return created, nil
}

// Push broadcasts a summary of each notification in the background. It never
// fails the caller and outlives ctx's cancellation. The returned channel is
// closed when every push has been attempted.
func (s *Service) Push(ctx context.Context, notifications []*Notification) <-chan struct{} {
	if s.pusher == nil || len(notifications) == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	return async.SafeGoNoError(context.WithoutCancel(ctx), s.logger, s.opts.PushTimeout, "notification push", func(ctx context.Context) {
		for _, n := range notifications {
			s.pusher.Broadcast(ctx, realtime.Message{Type: "notification", Data: n.Summary()})
		}
	})
}

// OrderRecipients returns every active admin and support user plus the
// active coordinators currently assigned to the order. An order without
// assignments alerts staff only. IDs in exclude are left out.
func OrderRecipients(ctx context.Context, q database.Querier, orderID int64, exclude ...int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM users WHERE is_active AND role = ANY($1)
		UNION
		SELECT oa.production_manager_id FROM order_assignments oa
		JOIN users u ON u.id = oa.production_manager_id AND u.is_active
		WHERE oa.order_id = $2
		ORDER BY 1`,
		pq.Array(roleStrings(models.StaffRoles())), orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients for order %d: %w", orderID, err)
	}
	return scanIDs(rows, exclude)
}

// CustomerRecipients returns the order's customer and the active members of
// the customer's company
func CustomerRecipients(ctx context.Context, q database.Querier, orderID int64, exclude ...int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT u.id FROM users u
		JOIN orders o ON o.id = $1
		WHERE u.is_active AND u.role = $2
		  AND (u.id = o.customer_id OR (o.company_id IS NOT NULL AND u.company_id = o.company_id))
		ORDER BY u.id`,
		orderID, string(models.RoleCustomer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer recipients for order %d: %w", orderID, err)
	}
	return scanIDs(rows, exclude)
}

// ListOptions filters List
type ListOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// List returns userID's notifications newest first. Limit defaults to 50.
func (s *Service) List(ctx context.Context, userID int64, opts ListOptions) ([]*Notification, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	query := `
		SELECT id, user_id, type, title, content, related_id, related_type, is_read, read_at, created_at
		FROM notifications
		WHERE user_id = $1`
	if opts.UnreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		var (
			n           Notification
			typ         string
			relatedID   sql.NullInt64
			relatedType sql.NullString
			readAt      sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Content, &relatedID, &relatedType, &n.IsRead, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Type = Type(typ)
		if relatedID.Valid {
			n.RelatedID = &relatedID.Int64
		}
		n.RelatedType = relatedType.String
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// UnreadCount returns how many of userID's notifications are unread
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// MarkAsRead marks one notification read. Ownership is part of the WHERE
// clause, so a missing row and someone else's row both yield
// ErrNotFoundOrNotOwned. Marking an already read notification succeeds and
// keeps its original read_at.
func (s *Service) MarkAsRead(ctx context.Context, id, userID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $1)
		WHERE id = $2 AND user_id = $3`,
		s.now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d as read: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark notification %d as read: %w", id, err)
	}
	if n == 0 {
		return ErrNotFoundOrNotOwned
	}
	s.metrics.RecordNotificationsRead(n)
	return nil
}

// MarkOrderNotificationsAsRead resolves every unread notification of userID
// that relates to orderID. q may be the caller's transaction or nil.
func (s *Service) MarkOrderNotificationsAsRead(ctx context.Context, q database.Querier, userID, orderID int64) (int64, error) {
	if q == nil {
		q = s.db
	}
	result, err := q.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $1
		WHERE user_id = $2 AND related_type = $3 AND related_id = $4 AND NOT is_read`,
		s.now().UTC(), userID, RelatedOrder, orderID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark order %d notifications as read: %w", orderID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.metrics.RecordNotificationsRead(n)
	return n, nil
}

// MarkAllAsRead resolves every unread notification of userID
func (s *Service) MarkAllAsRead(ctx context.Context, userID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $1 WHERE user_id = $2 AND NOT is_read`,
		s.now().UTC(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications as read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.metrics.RecordNotificationsRead(n)
	return n, nil
}

// Delete removes one of userID's notifications
func (s *Service) Delete(ctx context.Context, id, userID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFoundOrNotOwned
	}
	return nil
}

// PurgeRead deletes notifications read before cutoff
func (s *Service) PurgeRead(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE is_read AND read_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge read notifications: %w", err)
	}
	return result.RowsAffected()
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func scanIDs(rows *sql.Rows, exclude []int64) ([]int64, error) {
	defer rows.Close()
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if !skip[id] {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func roleStrings(roles []models.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
