package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/rolegate/pkg/catalog"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/sweeper"
)

func newMigrateCommand(app *App) *Command {
	return &Command{
		Name:        "migrate",
		Description: "Create or upgrade the database schema",
		Usage:       "migrate",
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "migrate", "migrate")
			if err := flags.Parse(args); err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.manager.Initialize(ctx); err != nil {
				return err
			}
			applied, err := rbac.AppliedMigrations(ctx, rt.db)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Schema is at version %d (%d migrations applied)\n", lastVersion(applied), len(applied))
			return nil
		},
	}
}

func lastVersion(versions []int) int {
	last := 0
	for _, v := range versions {
		if v > last {
			last = v
		}
	}
	return last
}

func newSeedCommand(app *App) *Command {
	return &Command{
		Name:        "seed",
		Description: "Apply a permission and role catalog",
		Usage:       "seed [catalog.yaml]",
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "seed", "seed [catalog.yaml]")
			if err := flags.Parse(args); err != nil {
				return err
			}

			path := app.Config.Catalog.Path
			if flags.NArg() > 0 {
				path = flags.Arg(0)
			}
			doc, err := loadCatalog(path)
			if err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := catalog.Apply(ctx, rt.manager.Graph, doc, app.Logger)
			if err != nil {
				return fmt.Errorf("seeding failed: %w", err)
			}

			fmt.Fprintf(app.Out, "Permissions: %d created, %d existing\n", report.PermissionsCreated, report.PermissionsExisting)
			fmt.Fprintf(app.Out, "Roles: %d created, %d existing\n", report.RolesCreated, report.RolesExisting)
			for _, spec := range doc.Roles {
				fmt.Fprintf(app.Out, "  %-20s %d direct permissions\n", spec.Slug, report.RolePermissions[spec.Slug])
			}
			return nil
		},
	}
}

// loadCatalog reads path, or the built-in catalog when path is empty
func loadCatalog(path string) (*catalog.Document, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newSweepCommand(app *App) *Command {
	return &Command{
		Name:        "sweep",
		Description: "Expire due role assignments once",
		Usage:       "sweep [-batch-size n]",
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "sweep", "sweep [-batch-size n]")
			batchSize := flags.Int("batch-size", app.Config.Sweeper.BatchSize, "Due assignments loaded per chunk")
			if err := flags.Parse(args); err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			s := sweeper.New(rt.manager, sweeper.Config{BatchSize: *batchSize}, app.Logger, rt.metrics)
			result, err := s.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Expired %d assignments (run %s)\n", result.Expired, result.RunID)
			return nil
		},
	}
}

func newCheckCommand(app *App) *Command {
	const usage = "check [-superuser] <principal-id> <permission>"
	return &Command{
		Name:        "check",
		Description: "Check whether a principal holds a permission",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "check", usage)
			superuser := flags.Bool("superuser", false, "Treat the principal as a superuser")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if flags.NArg() != 2 {
				flags.Usage()
				return errors.New("check requires a principal id and a permission")
			}
			principalID, err := parsePrincipalID(flags.Arg(0))
			if err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			allowed, err := rt.manager.HasPermission(ctx, rbac.User{ID: principalID, Superuser: *superuser}, flags.Arg(1))
			if err != nil {
				return err
			}
			if !allowed {
				fmt.Fprintf(app.Out, "principal %d: %s denied\n", principalID, flags.Arg(1))
				return ErrDenied
			}
			fmt.Fprintf(app.Out, "principal %d: %s allowed\n", principalID, flags.Arg(1))
			return nil
		},
	}
}

func newAssignCommand(app *App) *Command {
	const usage = "assign [flags] <principal-id> <role>"
	return &Command{
		Name:        "assign",
		Description: "Assign a role to a principal",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "assign", usage)
			primary := flags.Bool("primary", false, "Make this the principal's primary role")
			expiresIn := flags.Duration("expires-in", 0, "Expire the assignment after this long")
			by := flags.Int64("by", 0, "Principal id performing the change")
			reason := flags.String("reason", "", "Reason recorded in the audit log")
			notes := flags.String("notes", "", "Notes stored on the assignment")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if flags.NArg() != 2 {
				flags.Usage()
				return errors.New("assign requires a principal id and a role")
			}
			principalID, err := parsePrincipalID(flags.Arg(0))
			if err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			role, err := rt.manager.Graph.FindRole(ctx, flags.Arg(1))
			if err != nil {
				return err
			}

			params := rbac.AssignParams{
				PrincipalID: principalID,
				RoleID:      role.ID,
				AssignedBy:  optionalID(*by),
				IsPrimary:   *primary,
				Notes:       *notes,
				Reason:      *reason,
			}
			if *expiresIn > 0 {
				expiresAt := time.Now().Add(*expiresIn)
				params.ExpiresAt = &expiresAt
			}

			assignment, err := rt.manager.Assignments.Assign(ctx, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Assigned %s to principal %d (assignment %d)\n", role.Slug, principalID, assignment.ID)
			return nil
		},
	}
}

func newRevokeCommand(app *App) *Command {
	const usage = "revoke [flags] <principal-id> <role>"
	return &Command{
		Name:        "revoke",
		Description: "Revoke a role from a principal",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "revoke", usage)
			allContexts := flags.Bool("all-contexts", false, "Revoke the role in every context")
			by := flags.Int64("by", 0, "Principal id performing the change")
			reason := flags.String("reason", "", "Reason recorded in the audit log")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if flags.NArg() != 2 {
				flags.Usage()
				return errors.New("revoke requires a principal id and a role")
			}
			principalID, err := parsePrincipalID(flags.Arg(0))
			if err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			role, err := rt.manager.Graph.FindRole(ctx, flags.Arg(1))
			if err != nil {
				return err
			}

			revoked, err := rt.manager.Assignments.Revoke(ctx, rbac.RevokeParams{
				PrincipalID: principalID,
				RoleID:      role.ID,
				AllContexts: *allContexts,
				PerformedBy: optionalID(*by),
				Reason:      *reason,
			})
			if err != nil {
				return err
			}
			if !revoked {
				fmt.Fprintf(app.Out, "Principal %d had no active %s assignment\n", principalID, role.Slug)
				return nil
			}
			fmt.Fprintf(app.Out, "Revoked %s from principal %d\n", role.Slug, principalID)
			return nil
		},
	}
}

func newOnboardCommand(app *App) *Command {
	const usage = "onboard [-superuser] <principal-id>"
	return &Command{
		Name:        "onboard",
		Description: "Give a new principal its initial role",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "onboard", usage)
			superuser := flags.Bool("superuser", false, "Onboard as a superuser")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if flags.NArg() != 1 {
				flags.Usage()
				return errors.New("onboard requires a principal id")
			}
			principalID, err := parsePrincipalID(flags.Arg(0))
			if err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			assignment, err := rt.manager.Onboard(ctx, rbac.User{ID: principalID, Superuser: *superuser})
			if err != nil {
				return err
			}
			if assignment == nil {
				fmt.Fprintf(app.Out, "No onboarding role is configured\n")
				return nil
			}
			role, err := rt.manager.Graph.GetRole(ctx, assignment.RoleID)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Principal %d onboarded with %s\n", principalID, role.Slug)
			return nil
		},
	}
}

func newRolesCommand(app *App) *Command {
	return &Command{
		Name:        "roles",
		Description: "List roles with their level and holders",
		Usage:       "roles [-all]",
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "roles", "roles [-all]")
			all := flags.Bool("all", false, "Include inactive roles")
			if err := flags.Parse(args); err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			roles, err := rt.manager.Graph.ListRoles(ctx, !*all)
			if err != nil {
				return err
			}

			fmt.Fprintf(app.Out, "%-20s %-6s %-16s %s\n", "SLUG", "LEVEL", "LABEL", "ACTIVE HOLDERS")
			for _, role := range roles {
				holders, err := rt.manager.Assignments.CountActive(ctx, role.ID)
				if err != nil {
					return err
				}
				slug := role.Slug
				if role.IsDefault {
					slug += "*"
				}
				fmt.Fprintf(app.Out, "%-20s %-6d %-16s %d\n", slug, role.Level, rbac.LevelLabel(role.Level), holders)
			}
			return nil
		},
	}
}

func parsePrincipalID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid principal id %q", s)
	}
	return id, nil
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
