package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/audit"
)

func actionsOf(entries []audit.Entry) []audit.Action {
	actions := make([]audit.Action, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

func TestAssign_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Viewer", Slug: "viewer"})

	first := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})
	second := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, Notes: "again"})
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "again", second.Notes)

	scoped := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, Context: Scope{"workspace": "acme"}})
	assert.NotEqual(t, first.ID, scoped.ID)

	all, err := m.Assignments.AssignmentsFor(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// revoke then assign again reuses the row
	ok, err := m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 1, RoleID: role.ID})
	require.NoError(t, err)
	require.True(t, ok)

	again := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.IsActive)

	entries, err := m.Audit.Search(ctx, audit.Filter{PrincipalID: int64Ptr(1), Actions: []audit.Action{audit.ActionAssigned}, Ascending: true})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, false, entries[0].Metadata["reactivated"])
	assert.Equal(t, true, entries[3].Metadata["reactivated"])
}

func TestAssign_Capacity(t *testing.T) {
	ctx := context.Background()
	m, clock := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Limited", Slug: "limited", MaxUsers: intPtr(2)})

	mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})
	mustAssign(t, m, AssignParams{PrincipalID: 2, RoleID: role.ID, ExpiresAt: timePtr(clock.Now().Add(time.Hour))})

	_, err := m.Assignments.Assign(ctx, AssignParams{PrincipalID: 3, RoleID: role.ID})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, KindConflict, KindOf(err))

	// re-assigning a current holder does not need a free slot
	_, err = m.Assignments.Assign(ctx, AssignParams{PrincipalID: 1, RoleID: role.ID, Notes: "refresh"})
	assert.NoError(t, err)

	// an expired assignment frees its slot before the sweep runs
	clock.Advance(2 * time.Hour)
	mustAssign(t, m, AssignParams{PrincipalID: 3, RoleID: role.ID})

	n, err := m.Assignments.CountActive(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAssign_InactiveAndMissingRole(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Dormant", Slug: "dormant", Inactive: true})

	_, err := m.Assignments.Assign(ctx, AssignParams{PrincipalID: 1, RoleID: role.ID})
	assert.ErrorIs(t, err, ErrRoleInactive)

	_, err = m.Assignments.Assign(ctx, AssignParams{PrincipalID: 1, RoleID: 404})
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := m.Audit.HistoryFor(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAssign_PrimaryMoves(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	a := mustRole(t, m, CreateRoleParams{Name: "A", Slug: "a", Level: 10})
	b := mustRole(t, m, CreateRoleParams{Name: "B", Slug: "b", Level: 20})

	first := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: a.ID, IsPrimary: true})
	second := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: b.ID, IsPrimary: true, AssignedBy: int64Ptr(7)})
	assert.True(t, second.IsPrimary)

	reloaded, err := m.Assignments.GetAssignment(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsPrimary)
	assert.True(t, reloaded.IsActive)

	modified, err := m.Audit.Search(ctx, audit.Filter{PrincipalID: int64Ptr(1), Actions: []audit.Action{audit.ActionModified}})
	require.NoError(t, err)
	require.Len(t, modified, 1)
	assert.Equal(t, a.ID, modified[0].RoleID)
	assert.Equal(t, "primary role moved", modified[0].Reason)
	assert.Equal(t, int64(7), *modified[0].PerformedBy)

	// SetPrimary moves it back
	moved, err := m.Assignments.SetPrimary(ctx, first.ID, nil)
	require.NoError(t, err)
	assert.True(t, moved.IsPrimary)

	active, err := m.Assignments.ActiveAssignmentsFor(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.True(t, active[0].IsPrimary)
	assert.False(t, active[1].IsPrimary)
}

func TestAssign_ConcurrentPrimary(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	const workers = 8
	roles := make([]*Role, workers)
	for i := range roles {
		roles[i] = mustRole(t, m, CreateRoleParams{
			Name: "Role " + string(rune('A'+i)),
			Slug: "role-" + string(rune('a'+i)),
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for _, role := range roles {
		wg.Add(1)
		go func(roleID int64) {
			defer wg.Done()
			_, err := m.Assignments.Assign(ctx, AssignParams{PrincipalID: 1, RoleID: roleID, IsPrimary: true})
			errs <- err
		}(role.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := m.Assignments.AssignmentsFor(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, workers)

	primaries := 0
	for _, a := range all {
		if a.IsActive && a.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestSetPrimary_RequiresEffectiveAssignment(t *testing.T) {
	ctx := context.Background()
	m, clock := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "A", Slug: "a"})
	other := mustRole(t, m, CreateRoleParams{Name: "B", Slug: "b"})

	revoked := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})
	_, err := m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 1, RoleID: role.ID})
	require.NoError(t, err)

	_, err = m.Assignments.SetPrimary(ctx, revoked.ID, nil)
	assert.ErrorIs(t, err, ErrAssignmentInactive)

	expiring := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: other.ID, ExpiresAt: timePtr(clock.Now().Add(time.Minute))})
	clock.Advance(time.Minute)
	_, err = m.Assignments.SetPrimary(ctx, expiring.ID, nil)
	assert.ErrorIs(t, err, ErrAssignmentInactive)

	_, err = m.Assignments.SetPrimary(ctx, 9999, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	view := mustPermission(t, m, "content.view")
	role := mustRole(t, m, CreateRoleParams{Name: "Viewer", Slug: "viewer", PermissionIDs: []int64{view.ID}})

	t.Run("missing assignment is a no-op", func(t *testing.T) {
		ok, err := m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 50, RoleID: role.ID})
		require.NoError(t, err)
		assert.False(t, ok)

		entries, err := m.Audit.HistoryFor(ctx, 50, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("exact context", func(t *testing.T) {
		mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})
		mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, Context: Scope{"workspace": "acme"}})

		ok, err := m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 1, RoleID: role.ID, Context: Scope{"workspace": "acme"}, Reason: "left team"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 1, RoleID: role.ID, Context: Scope{"workspace": "acme"}})
		require.NoError(t, err)
		assert.False(t, ok)

		allowed, err := m.Resolver.HasPermission(ctx, User{ID: 1}, "content.view")
		require.NoError(t, err)
		assert.True(t, allowed, "global assignment still grants the permission")
	})

	t.Run("all contexts", func(t *testing.T) {
		mustAssign(t, m, AssignParams{PrincipalID: 2, RoleID: role.ID})
		mustAssign(t, m, AssignParams{PrincipalID: 2, RoleID: role.ID, Context: Scope{"workspace": "acme"}})

		ok, err := m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 2, RoleID: role.ID, AllContexts: true, PerformedBy: int64Ptr(9)})
		require.NoError(t, err)
		assert.True(t, ok)

		active, err := m.Assignments.ActiveAssignmentsFor(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, active)

		revoked, err := m.Audit.Search(ctx, audit.Filter{PrincipalID: int64Ptr(2), Actions: []audit.Action{audit.ActionRevoked}})
		require.NoError(t, err)
		assert.Len(t, revoked, 2)
	})
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	m, clock := setupTestManager(t)
	view := mustPermission(t, m, "content.view")
	role := mustRole(t, m, CreateRoleParams{Name: "Temp", Slug: "temp", RoleType: RoleTypeTemporary, PermissionIDs: []int64{view.ID}})

	a := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, ExpiresAt: timePtr(clock.Now().Add(time.Hour))})

	allowed, err := m.Resolver.HasPermission(ctx, User{ID: 1}, "content.view")
	require.NoError(t, err)
	assert.True(t, allowed)

	clock.Advance(time.Hour)

	// logically inactive before any sweep
	allowed, err = m.Resolver.HasPermission(ctx, User{ID: 1}, "content.view")
	require.NoError(t, err)
	assert.False(t, allowed)

	stored, err := m.Assignments.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.False(t, stored.IsEffective(clock.Now()))

	n, err := m.ExpireDue(ctx, ExpireOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.ExpireDue(ctx, ExpireOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.Zero(t, n)

	expired, err := m.Audit.ByAction(ctx, audit.ActionExpired, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Nil(t, expired[0].PerformedBy)
	assert.Equal(t, "role expired automatically", expired[0].Reason)
	assert.Equal(t, "run-1", expired[0].Metadata["sweep_id"])
	assert.EqualValues(t, a.ID, expired[0].Metadata["assignment_id"])

	stored, err = m.Assignments.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestExpire_Batches(t *testing.T) {
	ctx := context.Background()
	m, clock := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Temp", Slug: "temp"})

	expiresAt := timePtr(clock.Now().Add(time.Minute))
	for id := int64(1); id <= 5; id++ {
		mustAssign(t, m, AssignParams{PrincipalID: id, RoleID: role.ID, ExpiresAt: expiresAt})
	}
	mustAssign(t, m, AssignParams{PrincipalID: 6, RoleID: role.ID})
	clock.Advance(time.Minute)

	n, err := m.Assignments.ExpireDueFor(ctx, 3, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Assignments.Expire(ctx, clock.Now(), ExpireOptions{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	principals, err := m.Assignments.PrincipalsWithRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, principals)
}

func TestAuditTrailOrder(t *testing.T) {
	ctx := context.Background()
	m, clock := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Editor", Slug: "editor"})

	mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, AssignedBy: int64Ptr(100)})
	clock.Advance(time.Minute)

	_, err := m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 1, RoleID: role.ID, PerformedBy: int64Ptr(100)})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, ExpiresAt: timePtr(clock.Now().Add(time.Hour))})
	clock.Advance(2 * time.Hour)

	_, err = m.Assignments.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)

	entries, err := m.Audit.Search(ctx, audit.Filter{PrincipalID: int64Ptr(1), Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, []audit.Action{
		audit.ActionAssigned,
		audit.ActionRevoked,
		audit.ActionAssigned,
		audit.ActionExpired,
	}, actionsOf(entries))

	history, err := m.Audit.HistoryFor(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, audit.ActionExpired, history[0].Action)
}

func TestExtendExpiration(t *testing.T) {
	ctx := context.Background()
	m, clock := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Temp", Slug: "temp"})

	previous := clock.Now().Add(time.Hour)
	a := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID, ExpiresAt: &previous})

	extended, err := m.Assignments.ExtendExpiration(ctx, a.ID, timePtr(clock.Now().Add(48*time.Hour)), int64Ptr(5))
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)

	clock.Advance(2 * time.Hour)
	ok, err := m.Resolver.HasRole(ctx, User{ID: 1}, "temp")
	require.NoError(t, err)
	assert.True(t, ok)

	modified, err := m.Audit.ByAction(ctx, audit.ActionModified, 0)
	require.NoError(t, err)
	require.Len(t, modified, 1)
	assert.Equal(t, "expiration changed", modified[0].Reason)
	assert.Equal(t, previous.UTC().Format(time.RFC3339Nano), modified[0].Metadata["previous_expires_at"])

	permanent, err := m.Assignments.ExtendExpiration(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, permanent.ExpiresAt)

	_, err = m.Assignments.Revoke(ctx, RevokeParams{PrincipalID: 1, RoleID: role.ID})
	require.NoError(t, err)
	_, err = m.Assignments.ExtendExpiration(ctx, a.ID, nil, nil)
	assert.ErrorIs(t, err, ErrAssignmentInactive)
}

func TestBulkAssign(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	open := mustRole(t, m, CreateRoleParams{Name: "Open", Slug: "open"})
	limited := mustRole(t, m, CreateRoleParams{Name: "Limited", Slug: "limited", MaxUsers: intPtr(2)})

	n, err := m.Assignments.BulkAssign(ctx, []int64{1, 2, 3}, AssignParams{RoleID: open.ID, Reason: "onboarding"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.Assignments.BulkAssign(ctx, []int64{1, 2, 3}, AssignParams{RoleID: limited.ID})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, n)

	principals, err := m.Assignments.PrincipalsWithRole(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, principals)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	role := mustRole(t, m, CreateRoleParams{Name: "Viewer", Slug: "viewer"})
	a := mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})

	require.NoError(t, m.Assignments.Purge(ctx, a.ID, int64Ptr(3), "data cleanup"))

	_, err := m.Assignments.GetAssignment(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := m.Audit.HistoryFor(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, audit.ActionRevoked, history[0].Action)
	assert.Equal(t, "data cleanup", history[0].Reason)
	assert.Equal(t, true, history[0].Metadata["purged"])
	assert.Equal(t, true, history[0].Metadata["was_active"])

	err = m.Assignments.Purge(ctx, a.ID, nil, "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrincipalsWithPermission(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	view := mustPermission(t, m, "content.view")
	edit := mustPermission(t, m, "content.edit")

	base := mustRole(t, m, CreateRoleParams{Name: "Base", Slug: "base", PermissionIDs: []int64{view.ID}})
	child := mustRole(t, m, CreateRoleParams{Name: "Child", Slug: "child", ParentID: &base.ID, PermissionIDs: []int64{edit.ID}})
	unrelated := mustRole(t, m, CreateRoleParams{Name: "Unrelated", Slug: "unrelated"})

	mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: base.ID})
	mustAssign(t, m, AssignParams{PrincipalID: 2, RoleID: child.ID})
	mustAssign(t, m, AssignParams{PrincipalID: 3, RoleID: unrelated.ID})

	viewers, err := m.Assignments.PrincipalsWithPermission(ctx, "content.view")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, viewers)

	editors, err := m.Assignments.PrincipalsWithPermission(ctx, "content.edit")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, editors)

	_, err = m.Assignments.PrincipalsWithPermission(ctx, "content.missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
