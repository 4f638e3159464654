package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the orderdesk schema in application order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create companies and users",
			SQL: `
				CREATE TABLE IF NOT EXISTS companies (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255) NOT NULL,
					role VARCHAR(50) NOT NULL,
					company_id BIGINT REFERENCES companies(id) ON DELETE SET NULL,
					assigned_order_types TEXT[] NOT NULL DEFAULT '{}',
					permission_overrides JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_users_role_active ON users(role) WHERE is_active;
				CREATE INDEX IF NOT EXISTS idx_users_company_id ON users(company_id);
			`,
		},
		{
			Version:     2,
			Description: "Create orders and status history",
			SQL: `
				CREATE TABLE IF NOT EXISTS orders (
					id BIGSERIAL PRIMARY KEY,
					order_number VARCHAR(64) NOT NULL UNIQUE,
					customer_id BIGINT NOT NULL REFERENCES users(id),
					company_id BIGINT REFERENCES companies(id),
					order_type VARCHAR(100) NOT NULL,
					status VARCHAR(50) NOT NULL DEFAULT 'pending',
					assigned_to BIGINT REFERENCES users(id),
					description TEXT NOT NULL DEFAULT '',
					images TEXT[] NOT NULL DEFAULT '{}',
					tracking_numbers TEXT[] NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_orders_company_id ON orders(company_id);
				CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id);
				CREATE INDEX IF NOT EXISTS idx_orders_order_type ON orders(order_type);

				CREATE TABLE IF NOT EXISTS order_status_history (
					id BIGSERIAL PRIMARY KEY,
					order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
					from_status VARCHAR(50) NOT NULL,
					to_status VARCHAR(50) NOT NULL,
					changed_by BIGINT REFERENCES users(id),
					note TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_order_status_history_order ON order_status_history(order_id, created_at);
			`,
		},
		{
			Version:     3,
			Description: "Create order_assignments",
			SQL: `
				CREATE TABLE IF NOT EXISTS order_assignments (
					id BIGSERIAL PRIMARY KEY,
					order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
					production_manager_id BIGINT NOT NULL REFERENCES users(id),
					assigned_by BIGINT REFERENCES users(id),
					assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(order_id, production_manager_id)
				);

				CREATE INDEX IF NOT EXISTS idx_order_assignments_pm ON order_assignments(production_manager_id);
			`,
		},
		{
			Version:     4,
			Description: "Create order_activities",
			SQL: `
				CREATE TABLE IF NOT EXISTS order_activities (
					id BIGSERIAL PRIMARY KEY,
					order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
					user_id BIGINT REFERENCES users(id),
					action_type VARCHAR(64) NOT NULL,
					action_text TEXT NOT NULL,
					extra_data JSONB,
					is_visible_to_customer BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_order_activities_order ON order_activities(order_id, created_at);
			`,
		},
		{
			Version:     5,
			Description: "Create notifications and order_reminders",
			SQL: `
				CREATE TABLE IF NOT EXISTS notifications (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id),
					type VARCHAR(64) NOT NULL,
					title VARCHAR(255) NOT NULL,
					content TEXT NOT NULL DEFAULT '',
					related_id BIGINT,
					related_type VARCHAR(64),
					is_read BOOLEAN NOT NULL DEFAULT FALSE,
					read_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id) WHERE NOT is_read;
				CREATE INDEX IF NOT EXISTS idx_notifications_related ON notifications(related_type, related_id);

				CREATE TABLE IF NOT EXISTS order_reminders (
					id BIGSERIAL PRIMARY KEY,
					order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
					company_id BIGINT REFERENCES companies(id),
					requested_by BIGINT NOT NULL REFERENCES users(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_order_reminders_lookup ON order_reminders(order_id, company_id, created_at DESC);
			`,
		},
		{
			Version:     6,
			Description: "Create system_configs and system_config_versions",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_configs (
					id BIGSERIAL PRIMARY KEY,
					config_key VARCHAR(128) NOT NULL,
					config_type VARCHAR(64) NOT NULL,
					config_value JSONB NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					updated_by BIGINT REFERENCES users(id),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(config_key, config_type)
				);

				CREATE TABLE IF NOT EXISTS system_config_versions (
					id BIGSERIAL PRIMARY KEY,
					config_key VARCHAR(128) NOT NULL,
					config_type VARCHAR(64) NOT NULL,
					config_value JSONB NOT NULL,
					version BIGINT NOT NULL,
					changed_by BIGINT REFERENCES users(id),
					changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(config_key, config_type, version)
				);
			`,
		},
		{
			Version:     7,
			Description: "Soft-delete orders and protect their history",
			SQL: `
				ALTER TABLE orders ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ;
				CREATE INDEX IF NOT EXISTS idx_orders_live ON orders(created_at DESC) WHERE deleted_at IS NULL;

				ALTER TABLE order_activities DROP CONSTRAINT IF EXISTS order_activities_order_id_fkey;
				ALTER TABLE order_activities ADD CONSTRAINT order_activities_order_id_fkey
					FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE RESTRICT;

				ALTER TABLE order_status_history DROP CONSTRAINT IF EXISTS order_status_history_order_id_fkey;
				ALTER TABLE order_status_history ADD CONSTRAINT order_status_history_order_id_fkey
					FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE RESTRICT;
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in schema_migrations,
// each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}

		logger.WithField("version", m.Version).Infof("Running migration: %s", m.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
