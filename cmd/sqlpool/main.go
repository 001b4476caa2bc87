// sqlpool runs statements through a bounded connection pool.
//
// It is a small driver for the pool library: it loads a backend and pool
// configuration, optionally serves Prometheus metrics, and runs statements
// with configurable concurrency so pool behavior can be observed.
//
// Usage:
//
//	sqlpool query [--parallel N] [--repeat M] SQL [ARGS...]
//	sqlpool stats [--warm N]
//	sqlpool config init [PATH]
//	sqlpool version
//
// Global flags:
//
//	--config string
//	    Path to a TOML or YAML configuration file (default "sqlpool.toml")
//	--driver, --dsn string
//	    Backend overrides
//	--metrics-listen string
//	    Serve /metrics on this address while the command runs
//	-v, --verbose
//	    Enable debug logging
//
// Library logging follows the DEBUG_I2P environment variable.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "github.com/go-i2p/sqlpool/lib/errors"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps error kinds to distinct process exit statuses.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrConfiguration), errors.Is(err, apperrors.ErrUnknownBackend):
		return 2
	case apperrors.IsConnect(err), apperrors.IsTimeout(err):
		return 3
	case apperrors.IsQuery(err):
		return 4
	default:
		return 1
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath    string
	driver        string
	dsn           string
	metricsListen string
	verbose       bool

	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "sqlpool",
		Short:         "Run statements through a bounded database connection pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: level,
			}))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "sqlpool.toml", "Path to configuration file (.toml, .yaml or .yml)")
	flags.StringVar(&opts.driver, "driver", "", "Backend driver (overrides config)")
	flags.StringVar(&opts.dsn, "dsn", "", "Backend DSN (overrides config)")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newQueryCommand(opts),
		newStatsCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}
