// Package users is the user directory: role, company membership, assigned
// order types and per-user permission overrides. Users are deactivated,
// never deleted.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/orderdesk/pkg/events"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

var (
	// ErrUserNotFound is returned when no user has the requested ID
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidRole is returned when writing a role outside models.Role
	ErrInvalidRole = errors.New("invalid role")
)

// Store reads and writes the users table
type Store struct {
	db     *sql.DB
	bus    events.Bus
	logger *observability.Logger
	now    func() time.Time
}

// NewStore creates a user store. bus may be nil.
func NewStore(db *sql.DB, bus events.Bus, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Store{db: db, bus: bus, logger: logger.WithField("component", "users"), now: time.Now}
}

const userColumns = `id, username, email, role, company_id, assigned_order_types, permission_overrides, is_active, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var (
		u         models.User
		role      string
		companyID sql.NullInt64
		overrides []byte
		types     pq.StringArray
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &role, &companyID, &types, &overrides, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	if companyID.Valid {
		u.CompanyID = &companyID.Int64
	}
	u.AssignedOrderTypes = []string(types)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &u.PermissionOverrides); err != nil {
			return nil, fmt.Errorf("user %d has malformed permission overrides: %w", u.ID, err)
		}
	}
	return &u, nil
}

// Get returns a user by ID, active or not
func (s *Store) Get(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, nil
}

// GetMany returns the users among ids that exist, in ID order
func (s *Store) GetMany(ctx context.Context, ids []int64) ([]*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return collect(rows)
}

// ListActiveByRoles returns active users holding any of roles
func (s *Store) ListActiveByRoles(ctx context.Context, roles ...models.Role) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE is_active AND role = ANY($1) ORDER BY id`,
		pq.Array(roleStrings(roles)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users by role: %w", err)
	}
	return collect(rows)
}

// Create inserts a user and fills in its ID and timestamps
func (s *Store) Create(ctx context.Context, u *models.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, u.Role)
	}
	overrides, err := marshalOverrides(u.PermissionOverrides)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, role, company_id, assigned_order_types, permission_overrides, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		RETURNING id`,
		u.Username, u.Email, string(u.Role), u.CompanyID, pq.Array(u.AssignedOrderTypes), string(overrides), now,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	u.IsActive = true
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// SetPermissionOverrides replaces a user's override document
func (s *Store) SetPermissionOverrides(ctx context.Context, id int64, overrides models.PermissionOverrides) error {
	raw, err := marshalOverrides(overrides)
	if err != nil {
		return err
	}
	return s.update(ctx, id, `permission_overrides = $2`, string(raw))
}

// SetAssignedOrderTypes replaces a production manager's order type allow-list.
// An empty list means unrestricted.
func (s *Store) SetAssignedOrderTypes(ctx context.Context, id int64, orderTypes []string) error {
	clean := make([]string, 0, len(orderTypes))
	for _, t := range orderTypes {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return s.update(ctx, id, `assigned_order_types = $2`, pq.Array(clean))
}

// Deactivate marks a user inactive
func (s *Store) Deactivate(ctx context.Context, id int64) error {
	return s.update(ctx, id, `is_active = $2`, false)
}

func (s *Store) update(ctx context.Context, id int64, set string, value interface{}) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+set+`, updated_at = $3 WHERE id = $1`,
		id, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.Event{
			Topic: events.TopicUserPermissionsChanged,
			Key:   strconv.FormatInt(id, 10),
		}); err != nil {
			s.logger.WithError(err).WithField("user_id", id).Warn("User change published locally only")
		}
	}
	return nil
}

func collect(rows *sql.Rows) ([]*models.User, error) {
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func roleStrings(roles []models.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func marshalOverrides(o models.PermissionOverrides) ([]byte, error) {
	if o == nil {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode permission overrides: %w", err)
	}
	return raw, nil
}
