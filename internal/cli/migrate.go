package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/infra/config"
	"github.com/coachpo/fieldgate/internal/infra/logging"
	"github.com/coachpo/fieldgate/internal/infra/persistence/migrations"
)

const defaultMigrateTimeout = 30 * time.Second

type migrateOptions struct {
	*rootOptions
	driver  string
	dsn     string
	path    string
	timeout time.Duration
	quiet   bool
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	opts := &migrateOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the scan mode and metrics schema",
	}
	cmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "Database driver: sqlite or postgres (default: from the configuration)")
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "Database DSN or SQLite path (default: from the configuration)")
	cmd.PersistentFlags().StringVar(&opts.path, "path", "", "Directory of SQL migrations (default: embedded migrations)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultMigrateTimeout, "Maximum time to wait for the database")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress informational logs")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.run(cmd, func(ctx context.Context, t target) error {
					return migrations.Apply(ctx, t.driver, t.dsn, opts.path, t.logger)
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Revert migrations (one by default)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n <= 0 {
						return fmt.Errorf("invalid down steps %q", args[0])
					}
					steps = n
				}
				return opts.run(cmd, func(ctx context.Context, t target) error {
					return migrations.Rollback(ctx, t.driver, t.dsn, opts.path, steps, t.logger)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.run(cmd, func(ctx context.Context, t target) error {
					version, dirty, ok, err := migrations.Version(ctx, t.driver, t.dsn)
					if err != nil {
						return err
					}
					out := struct {
						Driver  string `json:"driver"`
						Applied bool   `json:"applied"`
						Version uint   `json:"version"`
						Dirty   bool   `json:"dirty"`
					}{t.driver, ok, version, dirty}
					return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) error {
						if !ok {
							_, err := fmt.Fprintln(w, "no migration applied")
							return err
						}
						_, err := fmt.Fprintf(w, "version %d (dirty=%t)\n", version, dirty)
						return err
					})
				})
			},
		},
	)
	return cmd
}

// target is the database a migrate subcommand operates on.
type target struct {
	driver string
	dsn    string
	logger *zap.Logger
}

func (o *migrateOptions) run(cmd *cobra.Command, fn func(context.Context, target) error) error {
	driver, dsn := o.driver, o.dsn
	if driver == "" || dsn == "" {
		cfg, err := o.loadConfig(cmd)
		if err != nil {
			return err
		}
		if driver == "" {
			driver = cfg.Database.Driver
		}
		if dsn == "" {
			dsn = cfg.Database.DSN
		}
	}
	if driver == config.DriverMemory {
		return fmt.Errorf("the %s driver has no schema", driver)
	}

	logger := zap.NewNop()
	if !o.quiet {
		var err error
		logger, err = logging.NewWithWriter(logging.Config{Level: "info", Format: logging.FormatConsole}, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}

	ctx, cancel := contextWithTimeout(cmd, o.timeout)
	defer cancel()
	return fn(ctx, target{driver: driver, dsn: dsn, logger: logger})
}
