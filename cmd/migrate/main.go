package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/config"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/database"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
)

// migrator is the subset of database.Migrator the commands drive.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, ok bool, err error)
	Force(version int) error
	Close() error
}

type options struct {
	configPath  string
	databaseURL string
	open        func(url string) (migrator, error)
	logger      *zap.Logger
}

func main() {
	logger, err := telemetry.NewZapLogger("info", "production")
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	opts := &options{
		open: func(url string) (migrator, error) {
			return database.NewMigrator(url)
		},
		logger: logger,
	}
	if err := newRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the prerana-core database schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "postgres URL, overrides database.url")

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if upSteps < 0 {
				return fmt.Errorf("--steps must not be negative")
			}
			return opts.with(func(m migrator) error {
				if upSteps > 0 {
					return m.Steps(upSteps)
				}
				return m.Up()
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "apply at most this many migrations (0 = all)")

	var (
		downSteps int
		downAll   bool
	)
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case downAll && downSteps != 0:
				return fmt.Errorf("--all and --steps are mutually exclusive")
			case !downAll && downSteps <= 0:
				return fmt.Errorf("pass --steps N or --all")
			}
			return opts.with(func(m migrator) error {
				if downAll {
					return m.Down()
				}
				return m.Steps(-downSteps)
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 0, "roll back this many migrations")
	down.Flags().BoolVar(&downAll, "all", false, "roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.with(func(m migrator) error {
				v, dirty, ok, err := m.Version()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
				return nil
			})
		},
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied and clear the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return opts.with(func(m migrator) error { return m.Force(v) })
		},
	}

	root.AddCommand(up, down, version, force)
	return root
}

// with resolves the database URL, opens the migrator, runs fn and closes it.
func (o *options) with(fn func(migrator) error) error {
	url := o.databaseURL
	if url == "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		url = cfg.Database.URL
	}
	if url == "" {
		return fmt.Errorf("no database url: set database.url, PRERANA_DATABASE_URL or --database-url")
	}

	m, err := o.open(url)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			o.logger.Warn("close migrator", zap.Error(err))
		}
	}()
	if err := fn(m); err != nil {
		return err
	}
	o.logger.Info("migration command completed")
	return nil
}
