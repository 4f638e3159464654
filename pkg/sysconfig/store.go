package sysconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/events"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Store reads and writes system_configs
type Store struct {
	db     *sql.DB
	bus    events.Bus
	logger *observability.Logger
	now    func() time.Time
}

// NewStore creates a config store. bus may be nil when nothing caches config.
func NewStore(db *sql.DB, bus events.Bus, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Store{
		db:     db,
		bus:    bus,
		logger: logger.WithField("component", "sysconfig"),
		now:    time.Now,
	}
}

const entryColumns = `id, config_key, config_type, config_value, description, version, updated_by, updated_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*Entry, error) {
	var (
		e         Entry
		value     []byte
		updatedBy sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Key, &e.Type, &value, &e.Description, &e.Version, &updatedBy, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Value = json.RawMessage(value)
	if updatedBy.Valid {
		e.UpdatedBy = &updatedBy.Int64
	}
	return &e, nil
}

// Get returns the current entry for key and type
func (s *Store) Get(ctx context.Context, key, configType string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM system_configs WHERE config_key = $1 AND config_type = $2`,
		key, configType,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return e, nil
}

// List returns every entry, optionally restricted to one type
func (s *Store) List(ctx context.Context, configType string) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM system_configs`
	var args []interface{}
	if configType != "" {
		query += ` WHERE config_type = $1`
		args = append(args, configType)
	}
	query += ` ORDER BY config_type, config_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Set upserts value, increments the version and records the revision in one
// transaction. Subscribers are notified after commit.
func (s *Store) Set(ctx context.Context, key, configType string, value json.RawMessage, description string, updatedBy *int64) (*Entry, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(configType) == "" {
		return nil, &ValidationError{Key: key, Reason: "key and type are required"}
	}
	if !json.Valid(value) {
		return nil, &ValidationError{Key: key, Reason: "value is not valid JSON"}
	}
	if err := validateKnown(key, value); err != nil {
		return nil, err
	}

	var entry *Entry
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		entry, err = s.setTx(ctx, tx, key, configType, value, description, updatedBy)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, key)
	return entry, nil
}

func (s *Store) setTx(ctx context.Context, tx *sql.Tx, key, configType string, value json.RawMessage, description string, updatedBy *int64) (*Entry, error) {
	now := s.now().UTC()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO system_configs (config_key, config_type, config_value, description, version, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (config_key, config_type) DO UPDATE SET
			config_value = EXCLUDED.config_value,
			description = CASE WHEN EXCLUDED.description = '' THEN system_configs.description ELSE EXCLUDED.description END,
			version = system_configs.version + 1,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING `+entryColumns,
		key, configType, string(value), description, nullableID(updatedBy), now,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert config %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO system_config_versions (config_key, config_type, config_value, version, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key, configType, string(value), entry.Version, nullableID(updatedBy), now,
	); err != nil {
		return nil, fmt.Errorf("failed to record config history for %s: %w", key, err)
	}

	return entry, nil
}

// History returns revisions of key newest first. limit <= 0 means 50.
func (s *Store) History(ctx context.Context, key, configType string, limit int) ([]*Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT config_key, config_type, config_value, version, changed_by, changed_at
		FROM system_config_versions
		WHERE config_key = $1 AND config_type = $2
		ORDER BY version DESC
		LIMIT $3`,
		key, configType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query config history: %w", err)
	}
	defer rows.Close()

	var out []*Revision
	for rows.Next() {
		var (
			r         Revision
			value     []byte
			changedBy sql.NullInt64
		)
		if err := rows.Scan(&r.Key, &r.Type, &value, &r.Version, &changedBy, &r.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config history: %w", err)
		}
		r.Value = json.RawMessage(value)
		if changedBy.Valid {
			r.ChangedBy = &changedBy.Int64
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Rollback writes the value recorded at version as a new version. History is
// never rewritten.
func (s *Store) Rollback(ctx context.Context, key, configType string, version int64, updatedBy *int64) (*Entry, error) {
	var entry *Entry
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var value []byte
		err := tx.QueryRowContext(ctx, `
			SELECT config_value FROM system_config_versions
			WHERE config_key = $1 AND config_type = $2 AND version = $3`,
			key, configType, version,
		).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load config version: %w", err)
		}

		entry, err = s.setTx(ctx, tx, key, configType, value, "", updatedBy)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"config_key":  key,
		"from":        version,
		"new_version": entry.Version,
	}).Info("Config rolled back")
	s.publish(ctx, key)
	return entry, nil
}

func (s *Store) publish(ctx context.Context, key string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.Event{Topic: events.TopicConfigChanged, Key: key}); err != nil {
		s.logger.WithError(err).WithField("config_key", key).Warn("Config change published locally only")
	}
}

// RolePermissions returns the stored role matrix, or ErrConfigNotFound
func (s *Store) RolePermissions(ctx context.Context) (RoleMatrix, error) {
	e, err := s.Get(ctx, KeyRolePermissions, TypeRolePermissions)
	if err != nil {
		return nil, err
	}
	var m RoleMatrix
	if err := json.Unmarshal(e.Value, &m); err != nil {
		return nil, fmt.Errorf("failed to decode role permissions: %w", err)
	}
	return m, nil
}

// OrderTypes returns the configured order types; none configured is an empty list
func (s *Store) OrderTypes(ctx context.Context) ([]string, error) {
	e, err := s.Get(ctx, KeyOrderTypes, TypeOrderTypes)
	if errors.Is(err, ErrConfigNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var types []string
	if err := json.Unmarshal(e.Value, &types); err != nil {
		return nil, fmt.Errorf("failed to decode order types: %w", err)
	}
	return types, nil
}

// ReminderIntervalHours returns the minimum hours between reminders for the
// same order, or fallback when unset
func (s *Store) ReminderIntervalHours(ctx context.Context, fallback int) (int, error) {
	e, err := s.Get(ctx, KeyReminderInterval, TypeReminderInterval)
	if errors.Is(err, ErrConfigNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	hours, err := decodeHours(e.Value)
	if err != nil {
		return fallback, err
	}
	return hours, nil
}

// decodeHours accepts 2, 2.0 and "2"
func decodeHours(raw json.RawMessage) (int, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("failed to decode reminder interval: %w", err)
	}
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("reminder interval cannot be negative")
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid reminder interval %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid reminder interval type %T", v)
	}
}

// validateKnown checks the shape of well-known keys before they are stored
func validateKnown(key string, value json.RawMessage) error {
	switch key {
	case KeyRolePermissions:
		var m RoleMatrix
		if err := json.Unmarshal(value, &m); err != nil {
			return &ValidationError{Key: key, Reason: "expected role → resource → action object"}
		}
	case KeyOrderTypes:
		var types []string
		if err := json.Unmarshal(value, &types); err != nil {
			return &ValidationError{Key: key, Reason: "expected a list of strings"}
		}
	case KeyReminderInterval:
		if _, err := decodeHours(value); err != nil {
			return &ValidationError{Key: key, Reason: err.Error()}
		}
	}
	return nil
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
