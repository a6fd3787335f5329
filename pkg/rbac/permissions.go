package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var permissionFields = []string{"id", "name", "codename", "category", "description", "is_active", "created_at", "updated_at"}

func permissionColumns(alias string) string {
	return columns(alias, permissionFields)
}

func scanPermission(scanner interface {
	Scan(dest ...interface{}) error
}) (*Permission, error) {
	var perm Permission
	var category string

	err := scanner.Scan(
		&perm.ID,
		&perm.Name,
		&perm.Codename,
		&category,
		&perm.Description,
		&perm.IsActive,
		&perm.CreatedAt,
		&perm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	perm.Category = Category(category)
	perm.CreatedAt = perm.CreatedAt.UTC()
	perm.UpdatedAt = perm.UpdatedAt.UTC()
	return &perm, nil
}

// CreatePermissionParams describes a new permission
type CreatePermissionParams struct {
	Name        string   `validate:"required,max=100,permname"`
	Codename    string   `validate:"required,max=100,slug"`
	Category    Category `validate:"omitempty"`
	Description string
}

// CreatePermission validates and stores a new permission
func (g *Graph) CreatePermission(ctx context.Context, params CreatePermissionParams) (*Permission, error) {
	var perm *Permission
	err := withTx(ctx, g.db, func(tx *sql.Tx) error {
		var err error
		perm, err = g.createPermission(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// BulkCreatePermissions creates all permissions in one transaction. Nothing is stored
// if any of them fails validation.
func (g *Graph) BulkCreatePermissions(ctx context.Context, params []CreatePermissionParams) ([]Permission, error) {
	created := make([]Permission, 0, len(params))
	err := withTx(ctx, g.db, func(tx *sql.Tx) error {
		for _, p := range params {
			perm, err := g.createPermission(ctx, tx, p)
			if err != nil {
				return err
			}
			created = append(created, *perm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (g *Graph) createPermission(ctx context.Context, q querier, params CreatePermissionParams) (*Permission, error) {
	const op = "CreatePermission"

	params.Name = strings.TrimSpace(params.Name)
	params.Codename = strings.TrimSpace(params.Codename)
	if params.Category == "" {
		params.Category = CategoryUser
	}

	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	if !params.Category.Valid() {
		return nil, newError(op, ErrInvalidCategory, "%q", params.Category)
	}

	n, err := countWhere(ctx, q, "rbac_permissions", "name = $1", params.Name)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, newError(op, ErrDuplicateName, "permission %q", params.Name)
	}

	n, err = countWhere(ctx, q, "rbac_permissions", "codename = $1", params.Codename)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, newError(op, ErrDuplicateCodename, "permission %q", params.Codename)
	}

	now := g.opts.now()
	perm := &Permission{
		Name:        params.Name,
		Codename:    params.Codename,
		Category:    params.Category,
		Description: params.Description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
		INSERT INTO rbac_permissions (name, codename, category, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = q.QueryRowContext(ctx, query,
		perm.Name,
		perm.Codename,
		string(perm.Category),
		perm.Description,
		perm.IsActive,
		perm.CreatedAt,
		perm.UpdatedAt,
	).Scan(&perm.ID)
	if err != nil {
		if detail, ok := uniqueViolation(err); ok {
			if strings.Contains(detail, "codename") {
				return nil, newError(op, ErrDuplicateCodename, "permission %q", perm.Codename)
			}
			return nil, newError(op, ErrDuplicateName, "permission %q", perm.Name)
		}
		return nil, fmt.Errorf("failed to create permission: %w", err)
	}

	return perm, nil
}

// DeactivatePermission hides a permission from every effective permission set
func (g *Graph) DeactivatePermission(ctx context.Context, permissionID int64) error {
	return g.mutate(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE rbac_permissions SET is_active = FALSE, updated_at = $1 WHERE id = $2",
			g.opts.now(), permissionID,
		)
		if err != nil {
			return fmt.Errorf("failed to deactivate permission: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound("DeactivatePermission", "permission", permissionID)
		}
		return nil
	})
}

// GetPermission retrieves a permission by ID
func (g *Graph) GetPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	return g.getPermissionBy(ctx, g.db, "id", permissionID)
}

// GetPermissionByName retrieves a permission by its resource.action name
func (g *Graph) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return g.getPermissionBy(ctx, g.db, "name", name)
}

// GetPermissionByCodename retrieves a permission by codename
func (g *Graph) GetPermissionByCodename(ctx context.Context, codename string) (*Permission, error) {
	return g.getPermissionBy(ctx, g.db, "codename", codename)
}

// getPermissionBy looks a permission up by a trusted column name
func (g *Graph) getPermissionBy(ctx context.Context, q querier, column string, value interface{}) (*Permission, error) {
	query := `SELECT ` + permissionColumns("") + ` FROM rbac_permissions WHERE ` + column + ` = $1`
	perm, err := scanPermission(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetPermission", "permission", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// ListPermissions returns active permissions ordered by category and name.
// An empty category lists every category.
func (g *Graph) ListPermissions(ctx context.Context, category Category) ([]Permission, error) {
	query := `SELECT ` + permissionColumns("") + ` FROM rbac_permissions WHERE is_active = TRUE`
	var args []interface{}
	if category != "" {
		query += " AND category = $1"
		args = append(args, string(category))
	}
	query += " ORDER BY category, name"

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	perms := make([]Permission, 0)
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// PermissionsGroupedByCategory returns active permissions keyed by category
func (g *Graph) PermissionsGroupedByCategory(ctx context.Context) (map[Category][]Permission, error) {
	perms, err := g.ListPermissions(ctx, "")
	if err != nil {
		return nil, err
	}

	grouped := make(map[Category][]Permission)
	for _, perm := range perms {
		grouped[perm.Category] = append(grouped[perm.Category], perm)
	}
	return grouped, nil
}

// ensurePermissionsExist fails with ErrNotFound unless every ID names a stored permission
func ensurePermissionsExist(ctx context.Context, q querier, op string, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	n, err := countWhere(ctx, q, "rbac_permissions", "id IN ("+placeholders(1, len(ids))+")", int64Args(ids)...)
	if err != nil {
		return err
	}
	if n != len(ids) {
		return newError(op, ErrNotFound, "one or more permissions in %v", ids)
	}
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
