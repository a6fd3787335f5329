// Package rbac provides role-based access control backed by PostgreSQL or SQLite.
//
// # Overview
//
// The package stores a catalog of permissions, a graph of leveled roles that inherit from
// at most one parent, and assignments that bind principals to roles within an optional
// context. Every assignment change is written to the audit log in the same transaction as
// the change itself.
//
// # Components
//
//	Graph           - permissions, roles and single-parent inheritance
//	AssignmentStore - principal/role bindings with capacity, primary and expiry rules
//	Resolver        - read-only authorization queries with optional caching
//	Middleware      - net/http guards reading the principal from the request context
//	Handlers        - read-only gorilla/mux JSON endpoints
//	Manager         - wires the above together over one *sql.DB
//
// # Permissions
//
// A permission is named "resource.action", for example "content.publish". Names are
// validated when created and never change. Permissions are deactivated rather than
// deleted; inactive permissions drop out of every effective set.
//
// # Roles and Inheritance
//
// A role grants its direct permissions plus the effective permissions of its parent,
// recursively. The parent chain is walked iteratively with a visited set, and any change
// that would make a role reachable from itself fails with ErrCyclicInheritance:
//
//	guest(0)
//	user(10)
//	  premium-user(20)
//	  moderator(30)
//	    content-manager(40)
//	      manager(60)
//	        admin(70)
//	          super-admin(80)
//	  support-agent(50)
//
// Only one active role per level may be the default role. Deactivating a role revokes all
// of its active assignments.
//
// # Assignments
//
// An assignment is identified by (principal, role, context). Assigning the same triple
// again reactivates the existing row. An assignment is active only while its is_active
// flag is set and its expiration, if any, lies in the future; every read path applies
// both conditions, so an expired assignment stops granting access before the sweeper
// deactivates it. A principal has at most one active primary assignment, and a role with
// MaxUsers refuses new assignments once that many are active.
//
// # Usage
//
//	m := rbac.New(db, rbac.Options{Dialect: rbac.DialectPostgres, Logger: logger})
//	if err := m.Initialize(ctx); err != nil {
//		return err
//	}
//
//	user, _ := m.Graph.GetRoleBySlug(ctx, "user")
//	_, err := m.Assignments.Assign(ctx, rbac.AssignParams{
//		PrincipalID: 42,
//		RoleID:      user.ID,
//		IsPrimary:   true,
//	})
//
//	ok, err := m.Resolver.HasPermission(ctx, rbac.User{ID: 42}, "content.create")
//
// Guard HTTP handlers after authentication has stored the principal with WithPrincipal:
//
//	router.Handle("/articles", m.Middleware.RequirePermission("content.create")(handler))
//
// # Errors
//
// Operations return *Error values wrapping the sentinel errors in errors.go. Use
// errors.Is to test for a specific rule and KindOf or HTTPStatus to classify.
//
// # Caching
//
// Set Options.Cache to reuse resolutions. Cached entries are keyed by version counters
// that every mutation bumps; use RedisVersions when several processes write to the same
// database.
package rbac
