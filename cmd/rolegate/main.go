package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/platinummonkey/rolegate/pkg/cli"
	"github.com/platinummonkey/rolegate/pkg/config"
	"github.com/platinummonkey/rolegate/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default $ROLEGATE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// serve handles its own signals; other commands just stop early
	ctx := context.Background()
	if flag.Arg(0) != "serve" {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	rootCmd := cli.NewRootCommand(&cli.App{Config: cfg, Logger: logger, Out: os.Stdout})
	if err := rootCmd.Execute(ctx, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, cli.ErrDenied) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
