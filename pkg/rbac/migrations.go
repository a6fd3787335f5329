package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

// SQL returns the statement for the given dialect
func (m Migration) SQL(dialect Dialect) string {
	if dialect == DialectSQLite {
		return m.SQLite
	}
	return m.Postgres
}

// GetMigrations returns all RBAC migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create rbac_permissions table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS rbac_permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					codename VARCHAR(100) NOT NULL UNIQUE,
					category VARCHAR(20) NOT NULL DEFAULT 'user',
					description TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_permissions_category ON rbac_permissions(category, is_active);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS rbac_permissions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					codename TEXT NOT NULL UNIQUE,
					category TEXT NOT NULL DEFAULT 'user',
					description TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_permissions_category ON rbac_permissions(category, is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create rbac_roles and rbac_role_permissions tables",
			Postgres: `
				CREATE TABLE IF NOT EXISTS rbac_roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					slug VARCHAR(100) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					role_type VARCHAR(20) NOT NULL DEFAULT 'custom',
					level INT NOT NULL DEFAULT 10,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					max_users INT CHECK (max_users > 0),
					parent_id BIGINT REFERENCES rbac_roles(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_roles_level ON rbac_roles(level, is_active);
				CREATE INDEX IF NOT EXISTS idx_rbac_roles_parent_id ON rbac_roles(parent_id);

				CREATE TABLE IF NOT EXISTS rbac_role_permissions (
					role_id BIGINT NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES rbac_permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_role_permissions_permission ON rbac_role_permissions(permission_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS rbac_roles (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					slug TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					role_type TEXT NOT NULL DEFAULT 'custom',
					level INTEGER NOT NULL DEFAULT 10,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					is_default BOOLEAN NOT NULL DEFAULT 0,
					max_users INTEGER CHECK (max_users > 0),
					parent_id INTEGER REFERENCES rbac_roles(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_roles_level ON rbac_roles(level, is_active);
				CREATE INDEX IF NOT EXISTS idx_rbac_roles_parent_id ON rbac_roles(parent_id);

				CREATE TABLE IF NOT EXISTS rbac_role_permissions (
					role_id INTEGER NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					permission_id INTEGER NOT NULL REFERENCES rbac_permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_role_permissions_permission ON rbac_role_permissions(permission_id);
			`,
		},
		{
			Version:     3,
			Description: "Create rbac_assignments table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS rbac_assignments (
					id BIGSERIAL PRIMARY KEY,
					principal_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_primary BOOLEAN NOT NULL DEFAULT FALSE,
					assigned_by BIGINT,
					assigned_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ,
					context TEXT NOT NULL DEFAULT '{}',
					notes TEXT NOT NULL DEFAULT '',
					CONSTRAINT uq_rbac_assignments_principal_role_context UNIQUE (principal_id, role_id, context)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_principal_active ON rbac_assignments(principal_id, is_active);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_role_active ON rbac_assignments(role_id, is_active);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_expires_at ON rbac_assignments(expires_at) WHERE is_active;
				CREATE UNIQUE INDEX IF NOT EXISTS uq_rbac_assignments_one_primary ON rbac_assignments(principal_id) WHERE is_primary AND is_active;
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS rbac_assignments (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					principal_id INTEGER NOT NULL,
					role_id INTEGER NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					is_primary BOOLEAN NOT NULL DEFAULT 0,
					assigned_by INTEGER,
					assigned_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP,
					context TEXT NOT NULL DEFAULT '{}',
					notes TEXT NOT NULL DEFAULT '',
					UNIQUE (principal_id, role_id, context)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_principal_active ON rbac_assignments(principal_id, is_active);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_role_active ON rbac_assignments(role_id, is_active);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_expires_at ON rbac_assignments(expires_at) WHERE is_active;
				CREATE UNIQUE INDEX IF NOT EXISTS uq_rbac_assignments_one_primary ON rbac_assignments(principal_id) WHERE is_primary AND is_active;
			`,
		},
		{
			Version:     4,
			Description: "Create rbac_audit_entries table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS rbac_audit_entries (
					id BIGSERIAL PRIMARY KEY,
					principal_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL,
					action VARCHAR(20) NOT NULL CHECK (action IN ('assigned', 'revoked', 'expired', 'modified')),
					performed_by BIGINT,
					reason TEXT NOT NULL DEFAULT '',
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_audit_entries_principal ON rbac_audit_entries(principal_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_rbac_audit_entries_created_at ON rbac_audit_entries(created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_rbac_audit_entries_performed_by ON rbac_audit_entries(performed_by);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS rbac_audit_entries (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					principal_id INTEGER NOT NULL,
					role_id INTEGER NOT NULL,
					action TEXT NOT NULL CHECK (action IN ('assigned', 'revoked', 'expired', 'modified')),
					performed_by INTEGER,
					reason TEXT NOT NULL DEFAULT '',
					metadata TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_audit_entries_principal ON rbac_audit_entries(principal_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_rbac_audit_entries_created_at ON rbac_audit_entries(created_at);
				CREATE INDEX IF NOT EXISTS idx_rbac_audit_entries_performed_by ON rbac_audit_entries(performed_by);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	appliedVersions := make(map[int]bool, len(applied))
	for _, version := range applied {
		appliedVersions[version] = true
	}

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL(dialect)); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
				migration.Version, migration.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Info("migration completed")
	}

	return nil
}

// AppliedMigrations returns the versions recorded in rbac_migrations
func AppliedMigrations(ctx context.Context, db *sql.DB) ([]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}
