package rbac

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// AdminRoleSlug is the role superusers receive when onboarded
const AdminRoleSlug = "admin"

// Onboard gives a newly created principal its starting role as primary: the admin role
// for superusers, the default role for everyone else. It returns nil without assigning
// anything when that role does not exist or is inactive.
func (m *Manager) Onboard(ctx context.Context, p Principal) (*Assignment, error) {
	var role *Role
	var reason string

	if p.IsSuperuser() {
		admin, err := m.Graph.GetRoleBySlug(ctx, AdminRoleSlug)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if admin != nil && admin.IsActive {
			role = admin
		}
		reason = "superuser onboarding"
	} else {
		def, err := m.Graph.DefaultRole(ctx)
		if err != nil {
			return nil, err
		}
		role = def
		reason = "default role for new principal"
	}

	if role == nil {
		m.opts.Logger.WithField("principal_id", p.PrincipalID()).Debug("no onboarding role configured")
		return nil, nil
	}

	assignment, err := m.Assignments.Assign(ctx, AssignParams{
		PrincipalID: p.PrincipalID(),
		RoleID:      role.ID,
		IsPrimary:   true,
		Reason:      reason,
	})
	if err != nil {
		return nil, err
	}

	m.opts.Logger.WithFields(logrus.Fields{
		"principal_id": p.PrincipalID(),
		"role":         role.Slug,
	}).Info("principal onboarded")
	return assignment, nil
}
