package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// resolution is everything the query operations need to know about one principal
type resolution struct {
	assignments []Assignment
	permissions PermissionSet

	// validUntil is the earliest expiration among the assignments; zero when none expire
	validUntil time.Time
}

func (r *resolution) stale(now time.Time) bool {
	return !r.validUntil.IsZero() && !now.Before(r.validUntil)
}

func (r *resolution) level() int {
	level := 0
	for _, a := range r.assignments {
		if a.Role != nil && a.Role.Level > level {
			level = a.Role.Level
		}
	}
	return level
}

// primary returns the flagged primary role, or else the highest level role. Ties go to
// the most recently assigned.
func (r *resolution) primary() *Role {
	var best *Assignment
	for i := range r.assignments {
		a := &r.assignments[i]
		if a.Role == nil {
			continue
		}
		if a.IsPrimary {
			return a.Role
		}
		if best == nil || a.Role.Level > best.Role.Level ||
			(a.Role.Level == best.Role.Level && laterAssignment(a, best)) {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	return best.Role
}

func laterAssignment(a, b *Assignment) bool {
	if !a.AssignedAt.Equal(b.AssignedAt) {
		return a.AssignedAt.After(b.AssignedAt)
	}
	return a.ID > b.ID
}

// Resolver answers authorization questions for principals. It never mutates state.
type Resolver struct {
	graph       *Graph
	assignments *AssignmentStore
	opts        Options
	group       singleflight.Group
}

// NewResolver creates a resolver over graph and assignments
func NewResolver(graph *Graph, assignments *AssignmentStore) *Resolver {
	return &Resolver{
		graph:       graph,
		assignments: assignments,
		opts:        graph.opts,
	}
}

// resolve loads the principal's active assignments and effective permissions. Results
// are cached when a cache is configured, and concurrent loads for the same principal
// and versions then share one query.
func (r *Resolver) resolve(ctx context.Context, principalID int64) (*resolution, error) {
	ctx, span := r.opts.startSpan(ctx, "rbac.resolve", principalAttr(principalID))
	res, err := r.fetch(ctx, principalID)
	if res != nil {
		span.SetAttributes(attribute.Int("rbac.assignments", len(res.assignments)))
	}
	endSpan(span, err)
	return res, err
}

func (r *Resolver) fetch(ctx context.Context, principalID int64) (*resolution, error) {
	start := time.Now()
	defer func() {
		r.opts.Metrics.ObserveResolution(time.Since(start))
	}()

	var key string
	caching := r.opts.Cache != nil && r.opts.Versions != nil
	if caching {
		graphVersion, principalVersion, err := r.opts.Versions.Versions(ctx, principalID)
		if err != nil {
			r.opts.Logger.WithError(err).Warn("cache versions unavailable, resolving without cache")
			caching = false
		} else {
			key = cacheKey(principalID, graphVersion, principalVersion)
			if cached, ok := r.opts.Cache.get(key); ok && !cached.stale(r.opts.now()) {
				r.opts.Metrics.ObserveCache(true)
				return cached, nil
			}
			r.opts.Metrics.ObserveCache(false)
		}
	}

	if !caching {
		// without versions a shared in-flight load may predate a committed revocation
		return r.load(ctx, principalID)
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		res, err := r.load(ctx, principalID)
		if err != nil {
			return nil, err
		}
		r.opts.Cache.add(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*resolution), nil
}

func (r *Resolver) load(ctx context.Context, principalID int64) (*resolution, error) {
	assignments, err := r.assignments.ActiveAssignmentsFor(ctx, principalID)
	if err != nil {
		return nil, err
	}

	roleIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	perms, err := r.graph.effectivePermissionsForRoles(ctx, uniqueIDs(roleIDs))
	if err != nil {
		return nil, err
	}

	res := &resolution{assignments: assignments, permissions: perms}
	for _, a := range assignments {
		if a.ExpiresAt != nil && (res.validUntil.IsZero() || a.ExpiresAt.Before(res.validUntil)) {
			res.validUntil = *a.ExpiresAt
		}
	}
	return res, nil
}

func (r *Resolver) observe(check string, allowed bool, bypass bool, err error) {
	decision := observability.DecisionDeny
	switch {
	case err != nil:
		decision = observability.DecisionError
	case bypass:
		decision = observability.DecisionBypass
	case allowed:
		decision = observability.DecisionAllow
	}
	r.opts.Metrics.ObserveCheck(check, decision)
}

// EffectivePermissions returns the union of the effective permissions of every role the
// principal actively holds. Superusers get their role-derived set; the bypass only
// applies to checks.
func (r *Resolver) EffectivePermissions(ctx context.Context, p Principal) (PermissionSet, error) {
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		return nil, err
	}
	out := make(PermissionSet, len(res.permissions))
	for name, perm := range res.permissions {
		out[name] = perm
	}
	return out, nil
}

// HasPermission reports whether the principal holds the named permission
func (r *Resolver) HasPermission(ctx context.Context, p Principal, name string) (bool, error) {
	if p.IsSuperuser() {
		r.observe("permission", true, true, nil)
		return true, nil
	}
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		r.observe("permission", false, false, err)
		return false, err
	}
	allowed := res.permissions.Has(name)
	r.observe("permission", allowed, false, nil)
	return allowed, nil
}

// HasAnyPermission reports whether the principal holds at least one of names.
// It is false for an empty list unless the principal is a superuser.
func (r *Resolver) HasAnyPermission(ctx context.Context, p Principal, names []string) (bool, error) {
	if p.IsSuperuser() {
		r.observe("any_permission", true, true, nil)
		return true, nil
	}
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		r.observe("any_permission", false, false, err)
		return false, err
	}
	allowed := false
	for _, name := range names {
		if res.permissions.Has(name) {
			allowed = true
			break
		}
	}
	r.observe("any_permission", allowed, false, nil)
	return allowed, nil
}

// HasAllPermissions reports whether the principal holds every one of names.
// It is true for an empty list.
func (r *Resolver) HasAllPermissions(ctx context.Context, p Principal, names []string) (bool, error) {
	if p.IsSuperuser() {
		r.observe("all_permissions", true, true, nil)
		return true, nil
	}
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		r.observe("all_permissions", false, false, err)
		return false, err
	}
	allowed := true
	for _, name := range names {
		if !res.permissions.Has(name) {
			allowed = false
			break
		}
	}
	r.observe("all_permissions", allowed, false, nil)
	return allowed, nil
}

// HasRole reports whether the principal actively holds a role identified by slug or name.
// There is no superuser bypass; RequireRole applies it.
func (r *Resolver) HasRole(ctx context.Context, p Principal, identifier string) (bool, error) {
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		r.observe("role", false, false, err)
		return false, err
	}
	for _, a := range res.assignments {
		if a.Role != nil && (a.Role.Slug == identifier || a.Role.Name == identifier) {
			r.observe("role", true, false, nil)
			return true, nil
		}
	}
	r.observe("role", false, false, nil)
	return false, nil
}

// RoleLevel returns the highest level among the principal's active roles, 0 when it has
// none, and MaxLevel for superusers
func (r *Resolver) RoleLevel(ctx context.Context, p Principal) (int, error) {
	if p.IsSuperuser() {
		return MaxLevel, nil
	}
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		return 0, err
	}
	return res.level(), nil
}

// MeetsMinimumLevel reports whether the principal's role level is at least level
func (r *Resolver) MeetsMinimumLevel(ctx context.Context, p Principal, level int) (bool, error) {
	if p.IsSuperuser() {
		r.observe("level", true, true, nil)
		return true, nil
	}
	actual, err := r.RoleLevel(ctx, p)
	if err != nil {
		r.observe("level", false, false, err)
		return false, err
	}
	allowed := actual >= level
	r.observe("level", allowed, false, nil)
	return allowed, nil
}

// PrimaryRole returns the role of the principal's primary assignment. Without one it
// falls back to the highest level active role. It returns nil when the principal holds
// no active role.
func (r *Resolver) PrimaryRole(ctx context.Context, p Principal) (*Role, error) {
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		return nil, err
	}
	role := res.primary()
	if role == nil {
		return nil, nil
	}
	copied := *role
	return &copied, nil
}

// Summary describes everything the principal can do
func (r *Resolver) Summary(ctx context.Context, p Principal) (*Summary, error) {
	res, err := r.resolve(ctx, p.PrincipalID())
	if err != nil {
		return nil, err
	}

	level := res.level()
	if p.IsSuperuser() {
		level = MaxLevel
	}

	summary := &Summary{
		PrincipalID: p.PrincipalID(),
		IsSuperuser: p.IsSuperuser(),
		Level:       level,
		LevelLabel:  LevelLabel(level),
		Roles:       make([]Role, 0, len(res.assignments)),
		Permissions: res.permissions.Names(),
		Assignments: append([]Assignment(nil), res.assignments...),
	}
	if primary := res.primary(); primary != nil {
		copied := *primary
		summary.PrimaryRole = &copied
	}

	seen := make(map[int64]bool)
	for _, a := range res.assignments {
		if a.Role != nil && !seen[a.RoleID] {
			seen[a.RoleID] = true
			summary.Roles = append(summary.Roles, *a.Role)
		}
	}
	return summary, nil
}

// PermissionUsage is how many active roles grant a permission, directly or inherited
type PermissionUsage struct {
	Permission Permission `json:"permission"`
	RoleCount  int        `json:"role_count"`
}

// PermissionUsage counts, for each active permission, the active roles whose effective
// set contains it. Most used first.
func (r *Resolver) PermissionUsage(ctx context.Context) ([]PermissionUsage, error) {
	roles, err := r.graph.ListRoles(ctx, true)
	if err != nil {
		return nil, err
	}
	perms, err := r.graph.ListPermissions(ctx, "")
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, role := range roles {
		effective, err := r.graph.EffectivePermissions(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for name := range effective {
			counts[name]++
		}
	}

	usage := make([]PermissionUsage, 0, len(perms))
	for _, perm := range perms {
		usage = append(usage, PermissionUsage{Permission: perm, RoleCount: counts[perm.Name]})
	}
	sort.SliceStable(usage, func(i, j int) bool {
		return usage[i].RoleCount > usage[j].RoleCount
	})
	return usage, nil
}

// RoleDistribution is how many principals actively hold a role
type RoleDistribution struct {
	Role           Role `json:"role"`
	PrincipalCount int  `json:"principal_count"`
}

// RoleDistribution counts active principals per active role, ordered like ListRoles
func (r *Resolver) RoleDistribution(ctx context.Context) ([]RoleDistribution, error) {
	roles, err := r.graph.ListRoles(ctx, true)
	if err != nil {
		return nil, err
	}

	dist := make([]RoleDistribution, 0, len(roles))
	for _, role := range roles {
		principals, err := r.assignments.PrincipalsWithRole(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role.Slug, err)
		}
		dist = append(dist, RoleDistribution{Role: role, PrincipalCount: len(principals)})
	}
	return dist, nil
}
