package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var roleFields = []string{
	"id", "name", "slug", "description", "role_type", "level",
	"is_active", "is_default", "max_users", "parent_id", "created_at", "updated_at",
}

func roleColumns(alias string) string {
	return columns(alias, roleFields)
}

// roleDest returns scan destinations for roleFields. finish must be called after a
// successful scan.
func roleDest(role *Role) (dest []interface{}, finish func()) {
	var roleType string
	var maxUsers, parentID sql.NullInt64

	dest = []interface{}{
		&role.ID,
		&role.Name,
		&role.Slug,
		&role.Description,
		&roleType,
		&role.Level,
		&role.IsActive,
		&role.IsDefault,
		&maxUsers,
		&parentID,
		&role.CreatedAt,
		&role.UpdatedAt,
	}
	finish = func() {
		role.RoleType = RoleType(roleType)
		role.MaxUsers = nullableInt(maxUsers)
		role.ParentID = nullableInt64(parentID)
		role.CreatedAt = role.CreatedAt.UTC()
		role.UpdatedAt = role.UpdatedAt.UTC()
	}
	return dest, finish
}

func scanRole(scanner interface {
	Scan(dest ...interface{}) error
}) (*Role, error) {
	var role Role
	dest, finish := roleDest(&role)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	return &role, nil
}

// CreateRoleParams describes a new role. Permissions may be given by ID, by name, or both.
type CreateRoleParams struct {
	Name            string   `validate:"required,max=100"`
	Slug            string   `validate:"required,max=100,slug"`
	Description     string
	RoleType        RoleType `validate:"omitempty,oneof=system custom temporary"`
	Level           int      `validate:"min=0,max=90"`
	ParentID        *int64
	PermissionIDs   []int64
	PermissionNames []string
	IsDefault       bool
	MaxUsers        *int `validate:"omitempty,min=1"`

	// Inactive creates the role deactivated
	Inactive bool
}

// UpdateRoleParams changes role attributes. Nil fields are left unchanged.
type UpdateRoleParams struct {
	Name          *string   `validate:"omitempty,min=1,max=100"`
	Slug          *string   `validate:"omitempty,max=100,slug"`
	Description   *string
	RoleType      *RoleType `validate:"omitempty,oneof=system custom temporary"`
	Level         *int      `validate:"omitempty,min=0,max=90"`
	IsDefault     *bool
	MaxUsers      *int `validate:"omitempty,min=1"`
	ClearMaxUsers bool
}

// CreateRole validates and stores a new role with its direct permissions
func (g *Graph) CreateRole(ctx context.Context, params CreateRoleParams) (*Role, error) {
	var role *Role
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		var err error
		role, err = g.createRole(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	g.opts.Logger.WithFields(logrus.Fields{
		"role_id": role.ID,
		"slug":    role.Slug,
		"level":   role.Level,
	}).Info("role created")
	return role, nil
}

func (g *Graph) createRole(ctx context.Context, tx *sql.Tx, params CreateRoleParams) (*Role, error) {
	const op = "CreateRole"

	params.Name = strings.TrimSpace(params.Name)
	params.Slug = strings.TrimSpace(params.Slug)
	if params.RoleType == "" {
		params.RoleType = RoleTypeCustom
	}
	if err := validateParams(op, params); err != nil {
		return nil, err
	}

	if err := g.checkRoleUnique(ctx, tx, op, 0, &params.Name, &params.Slug); err != nil {
		return nil, err
	}

	if params.ParentID != nil {
		n, err := countWhere(ctx, tx, "rbac_roles", "id = $1", *params.ParentID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, notFound(op, "parent role", *params.ParentID)
		}
	}

	if params.IsDefault && !params.Inactive {
		if err := g.checkDefaultAtLevel(ctx, tx, op, 0, params.Level); err != nil {
			return nil, err
		}
	}

	permIDs, err := g.resolvePermissionIDs(ctx, tx, op, params.PermissionIDs, params.PermissionNames)
	if err != nil {
		return nil, err
	}

	now := g.opts.now()
	role := &Role{
		Name:        params.Name,
		Slug:        params.Slug,
		Description: params.Description,
		RoleType:    params.RoleType,
		Level:       params.Level,
		IsActive:    !params.Inactive,
		IsDefault:   params.IsDefault,
		MaxUsers:    params.MaxUsers,
		ParentID:    params.ParentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
		INSERT INTO rbac_roles (name, slug, description, role_type, level, is_active, is_default, max_users, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		role.Name,
		role.Slug,
		role.Description,
		string(role.RoleType),
		role.Level,
		role.IsActive,
		role.IsDefault,
		role.MaxUsers,
		role.ParentID,
		role.CreatedAt,
		role.UpdatedAt,
	).Scan(&role.ID)
	if err != nil {
		if detail, ok := uniqueViolation(err); ok {
			if strings.Contains(detail, "slug") {
				return nil, newError(op, ErrDuplicateSlug, "role %q", role.Slug)
			}
			return nil, newError(op, ErrDuplicateName, "role %q", role.Name)
		}
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	if err := replaceRolePermissions(ctx, tx, role.ID, permIDs); err != nil {
		return nil, err
	}
	role.PermissionIDs = permIDs
	return role, nil
}

// checkRoleUnique rejects a name or slug already used by a role other than excludeID
func (g *Graph) checkRoleUnique(ctx context.Context, q querier, op string, excludeID int64, name, slug *string) error {
	if name != nil {
		n, err := countWhere(ctx, q, "rbac_roles", "name = $1 AND id <> $2", *name, excludeID)
		if err != nil {
			return err
		}
		if n > 0 {
			return newError(op, ErrDuplicateName, "role %q", *name)
		}
	}
	if slug != nil {
		n, err := countWhere(ctx, q, "rbac_roles", "slug = $1 AND id <> $2", *slug, excludeID)
		if err != nil {
			return err
		}
		if n > 0 {
			return newError(op, ErrDuplicateSlug, "role %q", *slug)
		}
	}
	return nil
}

// checkDefaultAtLevel rejects a second active default role at level
func (g *Graph) checkDefaultAtLevel(ctx context.Context, q querier, op string, excludeID int64, level int) error {
	n, err := countWhere(ctx, q, "rbac_roles",
		"is_default = TRUE AND is_active = TRUE AND level = $1 AND id <> $2", level, excludeID)
	if err != nil {
		return err
	}
	if n > 0 {
		return newError(op, ErrMultipleDefaultsAtLevel, "level %d", level)
	}
	return nil
}

// resolvePermissionIDs merges IDs and names into one deduplicated ID list,
// failing if any of them does not exist
func (g *Graph) resolvePermissionIDs(ctx context.Context, q querier, op string, ids []int64, names []string) ([]int64, error) {
	if err := ensurePermissionsExist(ctx, q, op, ids); err != nil {
		return nil, err
	}
	all := append([]int64{}, ids...)

	for _, name := range names {
		perm, err := g.getPermissionBy(ctx, q, "name", name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, notFound(op, "permission", name)
			}
			return nil, err
		}
		all = append(all, perm.ID)
	}
	return uniqueIDs(all), nil
}

func replaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID int64, permIDs []int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_role_permissions WHERE role_id = $1", roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	return insertRolePermissions(ctx, tx, roleID, permIDs)
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID int64, permIDs []int64) error {
	for _, permID := range permIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_role_permissions (role_id, permission_id) VALUES ($1, $2)",
			roleID, permID,
		)
		if err != nil {
			return fmt.Errorf("failed to grant permission %d to role %d: %w", permID, roleID, err)
		}
	}
	return nil
}

// UpdateRole changes role attributes. Parent and permissions have their own operations.
func (g *Graph) UpdateRole(ctx context.Context, roleID int64, params UpdateRoleParams) (*Role, error) {
	const op = "UpdateRole"

	if err := validateParams(op, params); err != nil {
		return nil, err
	}

	var role *Role
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		var err error
		role, err = g.getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}

		if params.Name != nil {
			role.Name = strings.TrimSpace(*params.Name)
		}
		if params.Slug != nil {
			role.Slug = strings.TrimSpace(*params.Slug)
		}
		if params.Description != nil {
			role.Description = *params.Description
		}
		if params.RoleType != nil {
			role.RoleType = *params.RoleType
		}
		if params.Level != nil {
			role.Level = *params.Level
		}
		if params.IsDefault != nil {
			role.IsDefault = *params.IsDefault
		}
		if params.MaxUsers != nil {
			role.MaxUsers = params.MaxUsers
		}
		if params.ClearMaxUsers {
			role.MaxUsers = nil
		}

		if err := g.checkRoleUnique(ctx, tx, op, role.ID, params.Name, params.Slug); err != nil {
			return err
		}
		if role.IsDefault && role.IsActive {
			if err := g.checkDefaultAtLevel(ctx, tx, op, role.ID, role.Level); err != nil {
				return err
			}
		}

		role.UpdatedAt = g.opts.now()
		_, err = tx.ExecContext(ctx, `
			UPDATE rbac_roles
			SET name = $1, slug = $2, description = $3, role_type = $4, level = $5,
				is_default = $6, max_users = $7, updated_at = $8
			WHERE id = $9
		`,
			role.Name,
			role.Slug,
			role.Description,
			string(role.RoleType),
			role.Level,
			role.IsDefault,
			role.MaxUsers,
			role.UpdatedAt,
			role.ID,
		)
		if err != nil {
			if detail, ok := uniqueViolation(err); ok {
				if strings.Contains(detail, "slug") {
					return newError(op, ErrDuplicateSlug, "role %q", role.Slug)
				}
				return newError(op, ErrDuplicateName, "role %q", role.Name)
			}
			return fmt.Errorf("failed to update role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// SetParent changes the role roleID inherits from. A nil parentID removes inheritance.
// Both roles are left unchanged if the new parent would create a cycle.
func (g *Graph) SetParent(ctx context.Context, roleID int64, parentID *int64) (*Role, error) {
	const op = "SetParent"

	var role *Role
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		parents, err := g.parentMap(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := parents[roleID]; !ok {
			return notFound(op, "role", roleID)
		}
		if parentID != nil {
			if _, ok := parents[*parentID]; !ok {
				return notFound(op, "parent role", *parentID)
			}
			if wouldCycle(parents, roleID, *parentID) {
				return newError(op, ErrCyclicInheritance, "role %d cannot inherit from role %d", roleID, *parentID)
			}
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE rbac_roles SET parent_id = $1, updated_at = $2 WHERE id = $3",
			parentID, g.opts.now(), roleID,
		)
		if err != nil {
			return fmt.Errorf("failed to set role parent: %w", err)
		}

		role, err = g.getRole(ctx, tx, roleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRolePermissions replaces the direct permissions of a role. Inherited permissions
// are unaffected.
func (g *Graph) UpdateRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (*Role, error) {
	return g.changePermissions(ctx, "UpdateRolePermissions", roleID, func(tx *sql.Tx) error {
		return replaceRolePermissions(ctx, tx, roleID, uniqueIDs(permissionIDs))
	}, permissionIDs)
}

// AddPermissions grants additional direct permissions to a role
func (g *Graph) AddPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (*Role, error) {
	return g.changePermissions(ctx, "AddPermissions", roleID, func(tx *sql.Tx) error {
		current, err := loadPermissionIDs(ctx, tx, roleID)
		if err != nil {
			return err
		}
		have := make(map[int64]bool, len(current))
		for _, id := range current {
			have[id] = true
		}
		var missing []int64
		for _, id := range uniqueIDs(permissionIDs) {
			if !have[id] {
				missing = append(missing, id)
			}
		}
		return insertRolePermissions(ctx, tx, roleID, missing)
	}, permissionIDs)
}

// RemovePermissions revokes direct permissions from a role. IDs the role does not
// hold are ignored.
func (g *Graph) RemovePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (*Role, error) {
	return g.changePermissions(ctx, "RemovePermissions", roleID, func(tx *sql.Tx) error {
		ids := uniqueIDs(permissionIDs)
		if len(ids) == 0 {
			return nil
		}
		args := append([]interface{}{roleID}, int64Args(ids)...)
		_, err := tx.ExecContext(ctx,
			"DELETE FROM rbac_role_permissions WHERE role_id = $1 AND permission_id IN ("+placeholders(2, len(ids))+")",
			args...,
		)
		if err != nil {
			return fmt.Errorf("failed to remove role permissions: %w", err)
		}
		return nil
	}, nil)
}

func (g *Graph) changePermissions(ctx context.Context, op string, roleID int64, change func(tx *sql.Tx) error, mustExist []int64) (*Role, error) {
	var role *Role
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		if _, err := g.getRole(ctx, tx, roleID); err != nil {
			return err
		}
		if err := ensurePermissionsExist(ctx, tx, op, mustExist); err != nil {
			return err
		}
		if err := change(tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE rbac_roles SET updated_at = $1 WHERE id = $2", g.opts.now(), roleID); err != nil {
			return fmt.Errorf("failed to touch role: %w", err)
		}

		var err error
		role, err = g.getRole(ctx, tx, roleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// CloneRole copies a role's direct permissions, parent, level, type and capacity
// under a new name and slug. The clone is never a default role.
func (g *Graph) CloneRole(ctx context.Context, roleID int64, newName, newSlug string) (*Role, error) {
	var role *Role
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		source, err := g.getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}

		role, err = g.createRole(ctx, tx, CreateRoleParams{
			Name:          newName,
			Slug:          newSlug,
			Description:   "Cloned from " + source.Name,
			RoleType:      source.RoleType,
			Level:         source.Level,
			ParentID:      source.ParentID,
			PermissionIDs: source.PermissionIDs,
			MaxUsers:      source.MaxUsers,
			Inactive:      !source.IsActive,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// DeactivateRole marks a role inactive and deactivates every active assignment of it,
// auditing each one. It returns the number of assignments deactivated.
func (g *Graph) DeactivateRole(ctx context.Context, roleID int64, performedBy *int64) (int, error) {
	ctx, span := g.opts.startSpan(ctx, "rbac.DeactivateRole", roleAttr(roleID))
	n, err := g.deactivateRole(ctx, roleID, performedBy)
	span.SetAttributes(attribute.Int("rbac.assignments_deactivated", n))
	endSpan(span, err)
	return n, err
}

func (g *Graph) deactivateRole(ctx context.Context, roleID int64, performedBy *int64) (int, error) {
	const op = "DeactivateRole"

	// Serialize with Assign on the same role so no assignment can slip in after the cascade.
	unlock := g.locks.roles.lock(roleID)
	defer unlock()

	var affected []int64
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, g.opts.Dialect, lockNamespaceRole, roleID); err != nil {
			return err
		}

		role, err := g.getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE rbac_roles SET is_active = FALSE, updated_at = $1 WHERE id = $2",
			g.opts.now(), roleID,
		)
		if err != nil {
			return fmt.Errorf("failed to deactivate role: %w", err)
		}

		if g.cascade == nil {
			return &Error{Kind: KindInternal, Op: op, Message: "no assignment store attached"}
		}
		affected, err = g.cascade.deactivateRoleAssignments(ctx, tx, role, performedBy)
		return err
	})
	if err != nil {
		return 0, err
	}

	g.opts.bumpPrincipals(ctx, affected...)
	g.opts.Metrics.ObserveMutation("revoked", len(affected))
	g.opts.Logger.WithFields(logrus.Fields{
		"role_id":     roleID,
		"assignments": len(affected),
	}).Info("role deactivated")
	return len(affected), nil
}

// ActivateRole marks a role active again. Assignments deactivated with it stay inactive.
func (g *Graph) ActivateRole(ctx context.Context, roleID int64) (*Role, error) {
	const op = "ActivateRole"

	var role *Role
	err := g.mutate(ctx, func(tx *sql.Tx) error {
		var err error
		role, err = g.getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.IsActive {
			return nil
		}
		if role.IsDefault {
			if err := g.checkDefaultAtLevel(ctx, tx, op, role.ID, role.Level); err != nil {
				return err
			}
		}

		role.IsActive = true
		role.UpdatedAt = g.opts.now()
		_, err = tx.ExecContext(ctx,
			"UPDATE rbac_roles SET is_active = TRUE, updated_at = $1 WHERE id = $2",
			role.UpdatedAt, roleID,
		)
		if err != nil {
			return fmt.Errorf("failed to activate role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// getRole loads a role and its direct permission IDs
func (g *Graph) getRole(ctx context.Context, q querier, roleID int64) (*Role, error) {
	return g.getRoleBy(ctx, q, "GetRole", "id", roleID)
}

// getRoleBy looks a role up by a trusted column name
func (g *Graph) getRoleBy(ctx context.Context, q querier, op, column string, value interface{}) (*Role, error) {
	query := `SELECT ` + roleColumns("") + ` FROM rbac_roles WHERE ` + column + ` = $1`
	role, err := scanRole(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "role", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	role.PermissionIDs, err = loadPermissionIDs(ctx, q, role.ID)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func loadPermissionIDs(ctx context.Context, q querier, roleID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT permission_id FROM rbac_role_permissions WHERE role_id = $1 ORDER BY permission_id",
		roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRole retrieves a role by ID
func (g *Graph) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return g.getRole(ctx, g.db, roleID)
}

// GetRoleBySlug retrieves a role by slug
func (g *Graph) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	return g.getRoleBy(ctx, g.db, "GetRoleBySlug", "slug", slug)
}

// GetRoleByName retrieves a role by name
func (g *Graph) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return g.getRoleBy(ctx, g.db, "GetRoleByName", "name", name)
}

// FindRole resolves an identifier that may be either a slug or a name. Slugs win.
func (g *Graph) FindRole(ctx context.Context, identifier string) (*Role, error) {
	role, err := g.GetRoleBySlug(ctx, identifier)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return role, err
	}
	role, err = g.GetRoleByName(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("FindRole", "role", identifier)
	}
	return role, err
}

// ListRoles returns roles ordered by level, highest first, then name
func (g *Graph) ListRoles(ctx context.Context, activeOnly bool) ([]Role, error) {
	cond := "1 = 1"
	if activeOnly {
		cond = "is_active = TRUE"
	}
	return g.queryRoles(ctx, cond+" ORDER BY level DESC, name")
}

// RolesByLevel returns active roles with minLevel <= level <= maxLevel, lowest level first
func (g *Graph) RolesByLevel(ctx context.Context, minLevel, maxLevel int) ([]Role, error) {
	return g.queryRoles(ctx, "is_active = TRUE AND level >= $1 AND level <= $2 ORDER BY level, name", minLevel, maxLevel)
}

// ChildRoles returns the active roles that inherit directly from roleID
func (g *Graph) ChildRoles(ctx context.Context, roleID int64) ([]Role, error) {
	return g.queryRoles(ctx, "is_active = TRUE AND parent_id = $1 ORDER BY level DESC, name", roleID)
}

// DefaultRole returns the active default role with the lowest level, or nil if
// no default role is configured
func (g *Graph) DefaultRole(ctx context.Context) (*Role, error) {
	roles, err := g.queryRoles(ctx, "is_active = TRUE AND is_default = TRUE ORDER BY level, name LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}
	return &roles[0], nil
}

func (g *Graph) queryRoles(ctx context.Context, where string, args ...interface{}) ([]Role, error) {
	query := `SELECT ` + roleColumns("") + ` FROM rbac_roles WHERE ` + where
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	roles := make([]Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// rows must be closed first; a single-connection pool cannot run a second query
	for i := range roles {
		roles[i].PermissionIDs, err = loadPermissionIDs(ctx, g.db, roles[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return roles, nil
}
