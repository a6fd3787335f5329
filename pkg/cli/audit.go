package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/platinummonkey/rolegate/pkg/audit"
)

func newHistoryCommand(app *App) *Command {
	const usage = "history [-limit n] <principal-id>"
	return &Command{
		Name:        "history",
		Description: "Show a principal's role assignment history",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "history", usage)
			limit := flags.Int("limit", 50, "Maximum number of entries")
			if err := flags.Parse(args); err != nil {
				return err
			}
			if flags.NArg() != 1 {
				flags.Usage()
				return errors.New("history requires a principal id")
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

			entries, err := rt.manager.Audit.HistoryFor(ctx, principalID, *limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(app.Out, "No history for principal %d\n", principalID)
				return nil
			}

			slugs := make(map[int64]string)
			for _, e := range entries {
				if _, ok := slugs[e.RoleID]; ok {
					continue
				}
				slugs[e.RoleID] = fmt.Sprintf("role-%d", e.RoleID)
				if role, err := rt.manager.Graph.GetRole(ctx, e.RoleID); err == nil {
					slugs[e.RoleID] = role.Slug
				}
			}

			for _, e := range entries {
				actor := "system"
				if e.PerformedBy != nil {
					actor = fmt.Sprintf("principal %d", *e.PerformedBy)
				}
				line := fmt.Sprintf("%s  %-9s %-20s by %s", e.CreatedAt.Format(time.RFC3339), e.Action, slugs[e.RoleID], actor)
				if e.Reason != "" {
					line += ": " + e.Reason
				}
				fmt.Fprintln(app.Out, line)
			}
			return nil
		},
	}
}

func newExportCommand(app *App) *Command {
	const usage = "export [-format csv|json|ndjson] [-principal id] [-since t] [-until t] [-out file]"
	return &Command{
		Name:        "export",
		Description: "Export the audit log",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "export", usage)
			format := flags.String("format", "csv", "Output format: csv, json or ndjson")
			principal := flags.Int64("principal", 0, "Only entries for this principal")
			since := flags.String("since", "", "Only entries at or after this RFC3339 time")
			until := flags.String("until", "", "Only entries before this RFC3339 time")
			outPath := flags.String("out", "", "Write to this file instead of stdout")
			if err := flags.Parse(args); err != nil {
				return err
			}

			filter := audit.Filter{PrincipalID: optionalID(*principal), Ascending: true}
			var err error
			if filter.Since, err = parseOptionalTime("since", *since); err != nil {
				return err
			}
			if filter.Until, err = parseOptionalTime("until", *until); err != nil {
				return err
			}

			rt, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.manager.Audit.Search(ctx, filter)
			if err != nil {
				return err
			}
			data, err := audit.Export(entries, audit.ExportFormat(*format))
			if err != nil {
				return err
			}

			if *outPath == "" {
				_, err = app.Out.Write(data)
				return err
			}
			if err := os.WriteFile(*outPath, data, 0o600); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			fmt.Fprintf(app.Out, "Exported %d entries to %s\n", len(entries), *outPath)
			return nil
		},
	}
}

func parseOptionalTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s time %q: expected RFC3339", name, value)
	}
	return &t, nil
}
