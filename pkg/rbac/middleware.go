package rbac

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegate/pkg/contextkeys"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
)

// WithPrincipal stores the authenticated principal for the guards below
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// PrincipalFromContext returns the authenticated principal, if any
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := contextkeys.GetPrincipal(ctx).(Principal)
	return p, ok
}

// Middleware guards HTTP handlers with authorization checks against the principal in the
// request context. Denials never name the permission or role that was tested.
type Middleware struct {
	resolver    *Resolver
	assignments *AssignmentStore
	logger      *logrus.Logger
}

// NewMiddleware creates guards backed by resolver
func NewMiddleware(resolver *Resolver, assignments *AssignmentStore, logger *logrus.Logger) *Middleware {
	return &Middleware{
		resolver:    resolver,
		assignments: assignments,
		logger:      observability.OrDefault(logger),
	}
}

type checkFunc func(ctx context.Context, p Principal) (bool, error)

func (m *Middleware) guard(name string, check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			allowed, err := check(r.Context(), p)
			if err != nil {
				observability.FromContext(r.Context(), m.logger).
					WithError(err).
					WithFields(logrus.Fields{"principal_id": p.PrincipalID(), "check": name}).
					Error("authorization check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Permission check failed")
				return
			}
			if !allowed {
				observability.FromContext(r.Context(), m.logger).
					WithFields(logrus.Fields{"principal_id": p.PrincipalID(), "check": name}).
					Debug("authorization denied")
				httputil.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission allows requests whose principal holds name
func (m *Middleware) RequirePermission(name string) func(http.Handler) http.Handler {
	return m.guard("permission", func(ctx context.Context, p Principal) (bool, error) {
		return m.resolver.HasPermission(ctx, p, name)
	})
}

// RequireAnyPermission allows requests whose principal holds at least one of names
func (m *Middleware) RequireAnyPermission(names ...string) func(http.Handler) http.Handler {
	return m.guard("any_permission", func(ctx context.Context, p Principal) (bool, error) {
		return m.resolver.HasAnyPermission(ctx, p, names)
	})
}

// RequireAllPermissions allows requests whose principal holds every one of names
func (m *Middleware) RequireAllPermissions(names ...string) func(http.Handler) http.Handler {
	return m.guard("all_permissions", func(ctx context.Context, p Principal) (bool, error) {
		return m.resolver.HasAllPermissions(ctx, p, names)
	})
}

// RequireRole allows superusers and principals actively holding one of the roles,
// identified by slug or name
func (m *Middleware) RequireRole(identifiers ...string) func(http.Handler) http.Handler {
	return m.guard("role", func(ctx context.Context, p Principal) (bool, error) {
		if p.IsSuperuser() {
			return true, nil
		}
		for _, id := range identifiers {
			ok, err := m.resolver.HasRole(ctx, p, id)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	})
}

// RequireLevel allows principals whose role level is at least level
func (m *Middleware) RequireLevel(level int) func(http.Handler) http.Handler {
	return m.guard("level", func(ctx context.Context, p Principal) (bool, error) {
		return m.resolver.MeetsMinimumLevel(ctx, p, level)
	})
}

// ExpireOnAccess expires the current principal's due assignments before the request
// proceeds. Failures are logged and do not block the request; reads already ignore
// expired assignments.
func (m *Middleware) ExpireOnAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFromContext(r.Context()); ok {
			_, err := m.assignments.ExpireDueFor(r.Context(), p.PrincipalID(), m.assignments.opts.now())
			if err != nil {
				observability.FromContext(r.Context(), m.logger).
					WithError(err).
					WithField("principal_id", p.PrincipalID()).
					Warn("failed to expire assignments on access")
			}
		}
		next.ServeHTTP(w, r)
	})
}
