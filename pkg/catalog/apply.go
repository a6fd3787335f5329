package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// Report summarises what Apply changed
type Report struct {
	PermissionsCreated  int
	PermissionsExisting int
	RolesCreated        int
	RolesExisting       int
	// RolePermissions is the number of direct permissions each role ended up with
	RolePermissions map[string]int
}

// Apply seeds the graph from doc. Permissions and roles are fetched or created by name
// and slug; existing rows keep their attributes. Each role's direct permission set is
// then replaced with the one in doc, so applying the same document twice is a no-op.
func Apply(ctx context.Context, graph *rbac.Graph, doc *Document, logger *logrus.Logger) (*Report, error) {
	logger = observability.OrDefault(logger)
	report := &Report{RolePermissions: make(map[string]int, len(doc.Roles))}

	permIDs := make(map[string]int64, len(doc.Permissions))
	for _, spec := range doc.Permissions {
		perm, created, err := getOrCreatePermission(ctx, graph, spec)
		if err != nil {
			return report, err
		}
		permIDs[perm.Name] = perm.ID
		if created {
			report.PermissionsCreated++
			logger.WithField("permission", perm.Name).Debug("Created permission")
		} else {
			report.PermissionsExisting++
		}
	}

	roleIDs := make(map[string]int64, len(doc.Roles))
	for _, spec := range doc.Roles {
		role, created, err := getOrCreateRole(ctx, graph, spec, roleIDs)
		if err != nil {
			return report, err
		}
		roleIDs[role.Slug] = role.ID
		if created {
			report.RolesCreated++
			logger.WithFields(logrus.Fields{"role": role.Slug, "level": role.Level}).Debug("Created role")
		} else {
			report.RolesExisting++
		}
	}

	for _, spec := range doc.Roles {
		ids := make([]int64, 0, len(spec.Permissions))
		for _, name := range spec.Permissions {
			id, ok := permIDs[name]
			if !ok {
				perm, err := graph.GetPermissionByName(ctx, name)
				if err != nil {
					return report, fmt.Errorf("role %s: permission %s: %w", spec.Slug, name, err)
				}
				id = perm.ID
			}
			ids = append(ids, id)
		}

		role, err := graph.UpdateRolePermissions(ctx, roleIDs[spec.Slug], ids)
		if err != nil {
			return report, fmt.Errorf("role %s: failed to set permissions: %w", spec.Slug, err)
		}
		report.RolePermissions[role.Slug] = len(role.PermissionIDs)
	}

	logger.WithFields(logrus.Fields{
		"permissions_created": report.PermissionsCreated,
		"roles_created":       report.RolesCreated,
		"roles":               len(doc.Roles),
	}).Info("Catalog applied")
	return report, nil
}

func getOrCreatePermission(ctx context.Context, graph *rbac.Graph, spec PermissionSpec) (*rbac.Permission, bool, error) {
	perm, err := graph.GetPermissionByName(ctx, spec.Name)
	if err == nil {
		return perm, false, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, false, fmt.Errorf("permission %s: %w", spec.Name, err)
	}

	perm, err = graph.CreatePermission(ctx, rbac.CreatePermissionParams{
		Name:        spec.Name,
		Codename:    spec.Codename,
		Category:    spec.Category,
		Description: spec.Description,
	})
	if err != nil {
		return nil, false, fmt.Errorf("permission %s: %w", spec.Name, err)
	}
	return perm, true, nil
}

func getOrCreateRole(ctx context.Context, graph *rbac.Graph, spec RoleSpec, known map[string]int64) (*rbac.Role, bool, error) {
	role, err := graph.GetRoleBySlug(ctx, spec.Slug)
	if err == nil {
		return role, false, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, false, fmt.Errorf("role %s: %w", spec.Slug, err)
	}

	var parentID *int64
	if spec.Parent != "" {
		id, ok := known[spec.Parent]
		if !ok {
			parent, err := graph.GetRoleBySlug(ctx, spec.Parent)
			if err != nil {
				return nil, false, fmt.Errorf("role %s: parent %s: %w", spec.Slug, spec.Parent, err)
			}
			id = parent.ID
		}
		parentID = &id
	}

	roleType := spec.Type
	if roleType == "" {
		roleType = rbac.RoleTypeSystem
	}

	role, err = graph.CreateRole(ctx, rbac.CreateRoleParams{
		Name:        spec.Name,
		Slug:        spec.Slug,
		Description: spec.Description,
		RoleType:    roleType,
		Level:       spec.Level,
		ParentID:    parentID,
		IsDefault:   spec.Default,
		MaxUsers:    spec.MaxUsers,
	})
	if err != nil {
		return nil, false, fmt.Errorf("role %s: %w", spec.Slug, err)
	}
	return role, true, nil
}
