package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegate/pkg/config"
)

// ErrDenied is returned by check when the principal lacks the permission
var ErrDenied = errors.New("permission denied")

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
}

// App carries what every subcommand needs
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	Out    io.Writer
}

// NewRootCommand creates the root command
func NewRootCommand(app *App) *Command {
	if app.Out == nil {
		app.Out = os.Stdout
	}
	if app.Logger == nil {
		app.Logger = logrus.New()
	}

	root := &Command{
		Name:        "rolegate",
		Description: "rolegate - role-based access control engine",
		Subcommands: make(map[string]*Command),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(app),
		newSeedCommand(app),
		newSweepCommand(app),
		newCheckCommand(app),
		newAssignCommand(app),
		newRevokeCommand(app),
		newOnboardCommand(app),
		newRolesCommand(app),
		newHistoryCommand(app),
		newExportCommand(app),
		newServeCommand(app),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return c.usage(out)
	}

	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		return c.usage(out)
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage(out io.Writer) error {
	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// newFlagSet returns a flag set that reports errors instead of exiting
func newFlagSet(app *App, name, usage string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(app.Out)
	flags.Usage = func() {
		fmt.Fprintf(app.Out, "Usage: rolegate %s\n", usage)
		flags.PrintDefaults()
	}
	return flags
}
