package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Graph manages permissions, roles and single-parent role inheritance
type Graph struct {
	db   *sql.DB
	opts Options

	// mu serializes graph mutations within the process; postgres additionally takes
	// an advisory lock so mutations from other processes serialize too.
	mu    sync.Mutex
	locks assignmentLocks

	// cascade deactivates a role's assignments inside the role deactivation transaction.
	// It is set by NewAssignmentStore.
	cascade roleCascade
}

type roleCascade interface {
	deactivateRoleAssignments(ctx context.Context, tx *sql.Tx, role *Role, performedBy *int64) ([]int64, error)
}

// NewGraph creates a role graph backed by db
func NewGraph(db *sql.DB, opts Options) *Graph {
	return &Graph{
		db:   db,
		opts: opts.withDefaults(),
	}
}

// mutate runs fn in a serialized transaction and invalidates cached resolutions on success
func (g *Graph) mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	err := withTx(ctx, g.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, g.opts.Dialect, lockNamespaceGraph, 0); err != nil {
			return err
		}
		return fn(tx)
	})
	if err != nil {
		return err
	}

	g.opts.bumpGraph(ctx)
	return nil
}

// parentMap loads id -> parent_id for every role
func (g *Graph) parentMap(ctx context.Context, q querier) (map[int64]*int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, parent_id FROM rbac_roles")
	if err != nil {
		return nil, fmt.Errorf("failed to load role hierarchy: %w", err)
	}
	defer rows.Close()

	parents := make(map[int64]*int64)
	for rows.Next() {
		var id int64
		var parentID sql.NullInt64
		if err := rows.Scan(&id, &parentID); err != nil {
			return nil, fmt.Errorf("failed to scan role hierarchy: %w", err)
		}
		parents[id] = nullableInt64(parentID)
	}
	return parents, rows.Err()
}

// chain returns roleID followed by its ancestors, nearest first. The walk stops at a
// missing role or at the first repeated role, so corrupt data cannot loop forever.
func chain(parents map[int64]*int64, roleID int64) []int64 {
	visited := map[int64]bool{roleID: true}
	ids := []int64{roleID}

	current := parents[roleID]
	for current != nil {
		if visited[*current] {
			break
		}
		if _, ok := parents[*current]; !ok {
			break
		}
		visited[*current] = true
		ids = append(ids, *current)
		current = parents[*current]
	}
	return ids
}

// wouldCycle reports whether making parentID the parent of roleID creates a cycle
func wouldCycle(parents map[int64]*int64, roleID, parentID int64) bool {
	if roleID == parentID {
		return true
	}
	for _, id := range chain(parents, parentID) {
		if id == roleID {
			return true
		}
	}
	return false
}

// Ancestors returns the roles roleID inherits from, nearest first
func (g *Graph) Ancestors(ctx context.Context, roleID int64) ([]Role, error) {
	parents, err := g.parentMap(ctx, g.db)
	if err != nil {
		return nil, err
	}
	if _, ok := parents[roleID]; !ok {
		return nil, notFound("Ancestors", "role", roleID)
	}

	ids := chain(parents, roleID)[1:]
	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		role, err := g.getRole(ctx, g.db, id)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

// EffectivePermissions returns the active permissions of roleID and every role it
// inherits from
func (g *Graph) EffectivePermissions(ctx context.Context, roleID int64) (PermissionSet, error) {
	parents, err := g.parentMap(ctx, g.db)
	if err != nil {
		return nil, err
	}
	if _, ok := parents[roleID]; !ok {
		return nil, notFound("EffectivePermissions", "role", roleID)
	}
	return g.permissionsForChains(ctx, g.db, parents, []int64{roleID})
}

// RoleHasPermission reports whether roleID grants the named permission, directly or by inheritance
func (g *Graph) RoleHasPermission(ctx context.Context, roleID int64, name string) (bool, error) {
	perms, err := g.EffectivePermissions(ctx, roleID)
	if err != nil {
		return false, err
	}
	return perms.Has(name), nil
}

// effectivePermissionsForRoles unions the effective permissions of several roles
func (g *Graph) effectivePermissionsForRoles(ctx context.Context, roleIDs []int64) (PermissionSet, error) {
	if len(roleIDs) == 0 {
		return PermissionSet{}, nil
	}
	parents, err := g.parentMap(ctx, g.db)
	if err != nil {
		return nil, err
	}
	return g.permissionsForChains(ctx, g.db, parents, roleIDs)
}

func (g *Graph) permissionsForChains(ctx context.Context, q querier, parents map[int64]*int64, roleIDs []int64) (PermissionSet, error) {
	seen := make(map[int64]bool)
	var all []int64
	for _, roleID := range roleIDs {
		for _, id := range chain(parents, roleID) {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
			}
		}
	}

	perms := PermissionSet{}
	if len(all) == 0 {
		return perms, nil
	}

	query := `
		SELECT DISTINCT ` + permissionColumns("p") + `
		FROM rbac_permissions p
		JOIN rbac_role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id IN (` + placeholders(1, len(all)) + `) AND p.is_active = TRUE
	`
	rows, err := q.QueryContext(ctx, query, int64Args(all)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load effective permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms[perm.Name] = *perm
	}
	return perms, rows.Err()
}

func columns(alias string, fields []string) string {
	if alias == "" {
		return strings.Join(fields, ", ")
	}
	prefixed := make([]string, len(fields))
	for i, f := range fields {
		prefixed[i] = alias + "." + f
	}
	return strings.Join(prefixed, ", ")
}

// countWhere runs SELECT COUNT(*) FROM table WHERE cond
func countWhere(ctx context.Context, q querier, table, cond string, args ...interface{}) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+cond, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
