package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/audit"
)

func TestCreatePermission(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		m, _ := setupTestManager(t)

		perm, err := m.Graph.CreatePermission(ctx, CreatePermissionParams{
			Name:        "content.publish",
			Codename:    "content-publish",
			Category:    CategoryContent,
			Description: "Publish content",
		})
		require.NoError(t, err)
		assert.NotZero(t, perm.ID)
		assert.Equal(t, "content", perm.Resource())
		assert.Equal(t, "publish", perm.Action())
		assert.True(t, perm.IsActive)

		got, err := m.Graph.GetPermissionByName(ctx, "content.publish")
		require.NoError(t, err)
		assert.Equal(t, perm.ID, got.ID)
		assert.Equal(t, CategoryContent, got.Category)
	})

	t.Run("defaults category to user", func(t *testing.T) {
		m, _ := setupTestManager(t)

		perm, err := m.Graph.CreatePermission(ctx, CreatePermissionParams{Name: "user.view", Codename: "user-view"})
		require.NoError(t, err)
		assert.Equal(t, CategoryUser, perm.Category)
	})

	t.Run("invalid names", func(t *testing.T) {
		m, _ := setupTestManager(t)

		for _, name := range []string{"contentview", "content.view.all", ".view", "content.", "content view.x", ""} {
			_, err := m.Graph.CreatePermission(ctx, CreatePermissionParams{Name: name, Codename: "x"})
			assert.ErrorIs(t, err, ErrInvalidFormat, name)
			assert.Equal(t, KindValidation, KindOf(err), name)
		}
	})

	t.Run("invalid category", func(t *testing.T) {
		m, _ := setupTestManager(t)

		_, err := m.Graph.CreatePermission(ctx, CreatePermissionParams{Name: "a.b", Codename: "a-b", Category: "weather"})
		assert.ErrorIs(t, err, ErrInvalidCategory)
	})

	t.Run("duplicates", func(t *testing.T) {
		m, _ := setupTestManager(t)
		mustPermission(t, m, "content.view")

		_, err := m.Graph.CreatePermission(ctx, CreatePermissionParams{Name: "content.view", Codename: "other"})
		assert.ErrorIs(t, err, ErrDuplicateName)

		_, err = m.Graph.CreatePermission(ctx, CreatePermissionParams{Name: "content.other", Codename: "content-view"})
		assert.ErrorIs(t, err, ErrDuplicateCodename)
	})

	t.Run("bulk create is all or nothing", func(t *testing.T) {
		m, _ := setupTestManager(t)

		_, err := m.Graph.BulkCreatePermissions(ctx, []CreatePermissionParams{
			{Name: "a.one", Codename: "a-one"},
			{Name: "bad", Codename: "bad"},
		})
		require.Error(t, err)

		perms, err := m.Graph.ListPermissions(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, perms)
	})
}

func TestListPermissions(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	_, err := m.Graph.BulkCreatePermissions(ctx, []CreatePermissionParams{
		{Name: "user.view", Codename: "user-view", Category: CategoryUser},
		{Name: "content.view", Codename: "content-view", Category: CategoryContent},
		{Name: "content.create", Codename: "content-create", Category: CategoryContent},
	})
	require.NoError(t, err)

	all, err := m.Graph.ListPermissions(ctx, "")
	require.NoError(t, err)
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"content.create", "content.view", "user.view"}, names)

	content, err := m.Graph.ListPermissions(ctx, CategoryContent)
	require.NoError(t, err)
	assert.Len(t, content, 2)

	grouped, err := m.Graph.PermissionsGroupedByCategory(ctx)
	require.NoError(t, err)
	assert.Len(t, grouped[CategoryContent], 2)
	assert.Len(t, grouped[CategoryUser], 1)
}

func TestEffectivePermissions_Inheritance(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	view := mustPermission(t, m, "content.view")
	create := mustPermission(t, m, "content.create")
	moderate := mustPermission(t, m, "content.moderate")
	extra := mustPermission(t, m, "content.extra")

	grand := mustRole(t, m, CreateRoleParams{Name: "Grand", Slug: "grand", Level: 0, PermissionIDs: []int64{view.ID}})
	parent := mustRole(t, m, CreateRoleParams{Name: "Parent", Slug: "parent", Level: 10, ParentID: &grand.ID, PermissionIDs: []int64{create.ID}})
	child := mustRole(t, m, CreateRoleParams{Name: "Child", Slug: "child", Level: 20, ParentID: &parent.ID, PermissionIDs: []int64{moderate.ID, view.ID}})

	t.Run("two level chain is exactly the union", func(t *testing.T) {
		perms, err := m.Graph.EffectivePermissions(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"content.create", "content.view"}, perms.Names())
	})

	t.Run("three level chain is transitive and deduplicated", func(t *testing.T) {
		perms, err := m.Graph.EffectivePermissions(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"content.create", "content.moderate", "content.view"}, perms.Names())
		assert.NotContains(t, perms.Names(), extra.Name)

		ok, err := m.Graph.RoleHasPermission(ctx, child.ID, "content.view")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ancestors nearest first", func(t *testing.T) {
		ancestors, err := m.Graph.Ancestors(ctx, child.ID)
		require.NoError(t, err)
		require.Len(t, ancestors, 2)
		assert.Equal(t, "parent", ancestors[0].Slug)
		assert.Equal(t, "grand", ancestors[1].Slug)
	})

	t.Run("inactive permissions are excluded", func(t *testing.T) {
		require.NoError(t, m.Graph.DeactivatePermission(ctx, create.ID))

		perms, err := m.Graph.EffectivePermissions(ctx, child.ID)
		require.NoError(t, err)
		assert.False(t, perms.Has("content.create"))
	})

	t.Run("missing role", func(t *testing.T) {
		_, err := m.Graph.EffectivePermissions(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetParent_RejectsCycles(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	a := mustRole(t, m, CreateRoleParams{Name: "A", Slug: "a"})
	b := mustRole(t, m, CreateRoleParams{Name: "B", Slug: "b", ParentID: &a.ID})
	c := mustRole(t, m, CreateRoleParams{Name: "C", Slug: "c", ParentID: &b.ID})

	_, err := m.Graph.SetParent(ctx, a.ID, &b.ID)
	assert.ErrorIs(t, err, ErrCyclicInheritance)

	_, err = m.Graph.SetParent(ctx, a.ID, &c.ID)
	assert.ErrorIs(t, err, ErrCyclicInheritance)

	_, err = m.Graph.SetParent(ctx, a.ID, &a.ID)
	assert.ErrorIs(t, err, ErrCyclicInheritance)

	gotA, err := m.Graph.GetRole(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, gotA.ParentID)

	gotB, err := m.Graph.GetRole(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, gotB.ParentID)
	assert.Equal(t, a.ID, *gotB.ParentID)

	// re-parenting to a non-descendant works, and nil clears it
	d := mustRole(t, m, CreateRoleParams{Name: "D", Slug: "d"})
	updated, err := m.Graph.SetParent(ctx, c.ID, &d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, *updated.ParentID)

	updated, err = m.Graph.SetParent(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, updated.ParentID)
}

func TestChain_StopsOnCorruptCycle(t *testing.T) {
	one, two := int64(1), int64(2)
	parents := map[int64]*int64{1: &two, 2: &one}

	assert.Equal(t, []int64{1, 2}, chain(parents, 1))
	assert.True(t, wouldCycle(parents, 1, 2))
}

func TestCreateRole(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicates", func(t *testing.T) {
		m, _ := setupTestManager(t)
		mustRole(t, m, CreateRoleParams{Name: "Editor", Slug: "editor"})

		_, err := m.Graph.CreateRole(ctx, CreateRoleParams{Name: "Editor", Slug: "editor-2"})
		assert.ErrorIs(t, err, ErrDuplicateName)

		_, err = m.Graph.CreateRole(ctx, CreateRoleParams{Name: "Editor 2", Slug: "editor"})
		assert.ErrorIs(t, err, ErrDuplicateSlug)
	})

	t.Run("invalid slug and level", func(t *testing.T) {
		m, _ := setupTestManager(t)

		_, err := m.Graph.CreateRole(ctx, CreateRoleParams{Name: "X", Slug: "Not A Slug"})
		assert.ErrorIs(t, err, ErrInvalidFormat)

		_, err = m.Graph.CreateRole(ctx, CreateRoleParams{Name: "X", Slug: "x", Level: 120})
		assert.ErrorIs(t, err, ErrInvalidFormat)
	})

	t.Run("one default per level", func(t *testing.T) {
		m, _ := setupTestManager(t)
		mustRole(t, m, CreateRoleParams{Name: "User", Slug: "user", Level: 10, IsDefault: true})

		_, err := m.Graph.CreateRole(ctx, CreateRoleParams{Name: "Member", Slug: "member", Level: 10, IsDefault: true})
		assert.ErrorIs(t, err, ErrMultipleDefaultsAtLevel)

		_, err = m.Graph.CreateRole(ctx, CreateRoleParams{Name: "Guest", Slug: "guest", Level: 0, IsDefault: true})
		assert.NoError(t, err)
	})

	t.Run("missing parent or permission", func(t *testing.T) {
		m, _ := setupTestManager(t)

		_, err := m.Graph.CreateRole(ctx, CreateRoleParams{Name: "X", Slug: "x", ParentID: int64Ptr(99)})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = m.Graph.CreateRole(ctx, CreateRoleParams{Name: "Y", Slug: "y", PermissionIDs: []int64{42}})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = m.Graph.CreateRole(ctx, CreateRoleParams{Name: "Z", Slug: "z", PermissionNames: []string{"no.such"}})
		assert.ErrorIs(t, err, ErrNotFound)

		roles, err := m.Graph.ListRoles(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, roles)
	})

	t.Run("permissions by name", func(t *testing.T) {
		m, _ := setupTestManager(t)
		view := mustPermission(t, m, "content.view")

		role := mustRole(t, m, CreateRoleParams{Name: "Viewer", Slug: "viewer", PermissionNames: []string{"content.view"}})
		assert.Equal(t, []int64{view.ID}, role.PermissionIDs)
		assert.Equal(t, RoleTypeCustom, role.RoleType)
	})
}

func TestUpdateRolePermissions(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	view := mustPermission(t, m, "content.view")
	create := mustPermission(t, m, "content.create")
	del := mustPermission(t, m, "content.delete")

	parent := mustRole(t, m, CreateRoleParams{Name: "Parent", Slug: "parent", PermissionIDs: []int64{view.ID}})
	role := mustRole(t, m, CreateRoleParams{Name: "Role", Slug: "role", ParentID: &parent.ID, PermissionIDs: []int64{create.ID}})

	updated, err := m.Graph.UpdateRolePermissions(ctx, role.ID, []int64{del.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{del.ID}, updated.PermissionIDs)

	perms, err := m.Graph.EffectivePermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"content.delete", "content.view"}, perms.Names())

	updated, err = m.Graph.AddPermissions(ctx, role.ID, []int64{create.ID, del.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{create.ID, del.ID}, updated.PermissionIDs)

	updated, err = m.Graph.RemovePermissions(ctx, role.ID, []int64{del.ID, view.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{create.ID}, updated.PermissionIDs)

	_, err = m.Graph.UpdateRolePermissions(ctx, role.ID, []int64{12345})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRole(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	mustRole(t, m, CreateRoleParams{Name: "Default", Slug: "default", Level: 10, IsDefault: true})
	role := mustRole(t, m, CreateRoleParams{Name: "Other", Slug: "other", Level: 20, MaxUsers: intPtr(3)})

	name := "Renamed"
	level := 30
	updated, err := m.Graph.UpdateRole(ctx, role.ID, UpdateRoleParams{Name: &name, Level: &level, ClearMaxUsers: true})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, 30, updated.Level)
	assert.Nil(t, updated.MaxUsers)

	ten := 10
	yes := true
	_, err = m.Graph.UpdateRole(ctx, role.ID, UpdateRoleParams{Level: &ten, IsDefault: &yes})
	assert.ErrorIs(t, err, ErrMultipleDefaultsAtLevel)

	slug := "default"
	_, err = m.Graph.UpdateRole(ctx, role.ID, UpdateRoleParams{Slug: &slug})
	assert.ErrorIs(t, err, ErrDuplicateSlug)
}

func TestCloneRole(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	view := mustPermission(t, m, "content.view")
	parent := mustRole(t, m, CreateRoleParams{Name: "Parent", Slug: "parent"})
	source := mustRole(t, m, CreateRoleParams{
		Name:          "Source",
		Slug:          "source",
		Level:         40,
		RoleType:      RoleTypeSystem,
		ParentID:      &parent.ID,
		PermissionIDs: []int64{view.ID},
		IsDefault:     true,
		MaxUsers:      intPtr(5),
	})

	clone, err := m.Graph.CloneRole(ctx, source.ID, "Source Copy", "source-copy")
	require.NoError(t, err)
	assert.Equal(t, "Cloned from Source", clone.Description)
	assert.Equal(t, 40, clone.Level)
	assert.Equal(t, RoleTypeSystem, clone.RoleType)
	assert.Equal(t, parent.ID, *clone.ParentID)
	assert.Equal(t, []int64{view.ID}, clone.PermissionIDs)
	assert.Equal(t, 5, *clone.MaxUsers)
	assert.False(t, clone.IsDefault)
}

func TestRoleLookups(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	guest := mustRole(t, m, CreateRoleParams{Name: "Guest", Slug: "guest", Level: 0, IsDefault: true})
	user := mustRole(t, m, CreateRoleParams{Name: "User", Slug: "user", Level: 10, IsDefault: true, ParentID: &guest.ID})
	mustRole(t, m, CreateRoleParams{Name: "Admin", Slug: "admin", Level: 70, ParentID: &user.ID})
	mustRole(t, m, CreateRoleParams{Name: "Moderator", Slug: "moderator", Level: 30, ParentID: &user.ID})

	found, err := m.Graph.FindRole(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "Admin", found.Name)

	found, err = m.Graph.FindRole(ctx, "Moderator")
	require.NoError(t, err)
	assert.Equal(t, "moderator", found.Slug)

	_, err = m.Graph.FindRole(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	roles, err := m.Graph.ListRoles(ctx, true)
	require.NoError(t, err)
	slugs := make([]string, len(roles))
	for i, r := range roles {
		slugs[i] = r.Slug
	}
	assert.Equal(t, []string{"admin", "moderator", "user", "guest"}, slugs)

	ranged, err := m.Graph.RolesByLevel(ctx, 10, 30)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "user", ranged[0].Slug)

	children, err := m.Graph.ChildRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	def, err := m.Graph.DefaultRole(ctx)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "guest", def.Slug)
}

func TestDeactivateRole_CascadesToAssignments(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	view := mustPermission(t, m, "content.view")
	role := mustRole(t, m, CreateRoleParams{Name: "Viewer", Slug: "viewer", PermissionIDs: []int64{view.ID}})
	other := mustRole(t, m, CreateRoleParams{Name: "Other", Slug: "other"})

	mustAssign(t, m, AssignParams{PrincipalID: 1, RoleID: role.ID})
	mustAssign(t, m, AssignParams{PrincipalID: 2, RoleID: role.ID, Context: Scope{"workspace": "acme"}})
	mustAssign(t, m, AssignParams{PrincipalID: 2, RoleID: other.ID})

	n, err := m.Graph.DeactivateRole(ctx, role.ID, int64Ptr(99))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.Graph.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	count, err := m.Assignments.CountActive(ctx, role.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	ok, err := m.Resolver.HasPermission(ctx, User{ID: 1}, "content.view")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := m.Audit.Search(ctx, audit.Filter{RoleID: &role.ID, Actions: []audit.Action{audit.ActionRevoked}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "role deactivated", e.Reason)
		assert.Equal(t, int64(99), *e.PerformedBy)
	}

	_, err = m.Assignments.Assign(ctx, AssignParams{PrincipalID: 3, RoleID: role.ID})
	assert.ErrorIs(t, err, ErrRoleInactive)

	// other roles are untouched
	count, err = m.Assignments.CountActive(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reactivated, err := m.Graph.ActivateRole(ctx, role.ID)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	count, err = m.Assignments.CountActive(ctx, role.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}
