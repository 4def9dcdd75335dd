package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/config"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/database"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/events"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/service/pulse"
)

type app struct {
	configPath string
	jsonOutput bool
	verbose    bool
	out        io.Writer
	logger     *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "loader",
		Short:        "Batch-load identity-update CSV files into prerana-core",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.logger != nil {
				return nil
			}
			level := "info"
			if a.verbose {
				level = "debug"
			}
			logger, err := telemetry.NewZapLogger(level, "production")
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log every skipped row")

	root.AddCommand(newLoadCmd(a), newReplayCmd(a))
	return root
}

func newLoadCmd(a *app) *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "load --type TYPE FILE|DIR...",
		Short: "Append the rows of CSV files as events",
		Long: `Reads enrolment, demographic or biometric CSV files. Directories are
expanded to the *.csv files they contain. Text columns are trimmed and
title-cased and duplicate rows are dropped. Events are appended in date
order with the engine clock following event time, then every complete day
is closed and the anomalies found are printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseLoadType(typeName)
			if err != nil {
				return err
			}
			files, err := collectFiles(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}

			parser := newCSVParser(typ, func(re rowError) {
				a.logger.Debug("skipping row", zap.Int("line", re.Line), zap.Error(re.Err))
			})
			evs, stats, err := parser.parseFiles(files)
			if err != nil {
				return err
			}
			a.logger.Info("parsed csv files",
				zap.Int("files", stats.Files),
				zap.Int("rows", stats.Rows),
				zap.Int("duplicates", stats.Duplicates),
				zap.Int("invalid", stats.Invalid))
			if len(evs) == 0 {
				return a.report(loadReport{Parse: stats})
			}

			clk := clock.NewManualClock(evs[0].Timestamp)
			engine, closeEngine, err := openEngine(cmd.Context(), cfg, clk, a.logger)
			if err != nil {
				return err
			}
			defer closeEngine()

			res, err := ingest(cmd.Context(), engine, clk, evs, cfg.Engine.BucketSize, a.logger)
			if err != nil {
				return err
			}
			res.Parse = stats
			return a.report(res)
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "enrolment, demographic or biometric")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newReplayCmd(a *app) *cobra.Command {
	var (
		from, to string
		minZ     float64
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild derived state from the durable log and print anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("replay needs database.url; the in-memory log starts empty")
			}
			tr, err := parseRange(from, to)
			if err != nil {
				return err
			}

			engine, closeEngine, err := openEngine(cmd.Context(), cfg, clock.RealClock{}, a.logger)
			if err != nil {
				return err
			}
			defer closeEngine()

			if err := engine.Rebuild(cmd.Context()); err != nil {
				return err
			}
			anomalies, err := engine.ListAnomalousWindows(cmd.Context(), tr, minZ)
			if err != nil {
				return err
			}
			return a.report(loadReport{Anomalies: anomalies})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day to report (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "day after the last to report (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&minZ, "min-z", 0, "only report windows with at least this z-score")
	return cmd
}

func parseLoadType(s string) (event.Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enrolment", "enrollment":
		return event.TypeEnrolment, nil
	case "demographic":
		return event.TypeDemographicUpdate, nil
	case "biometric":
		return event.TypeBiometricUpdate, nil
	}
	return event.ParseType(s)
}

func parseRange(from, to string) (event.TimeRange, error) {
	var tr event.TimeRange
	var err error
	if from != "" {
		if tr.From, err = time.Parse(time.DateOnly, from); err != nil {
			return tr, fmt.Errorf("invalid --from %q", from)
		}
	}
	if to != "" {
		if tr.To, err = time.Parse(time.DateOnly, to); err != nil {
			return tr, fmt.Errorf("invalid --to %q", to)
		}
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.To.After(tr.From) {
		return tr, fmt.Errorf("--to must be after --from")
	}
	return tr, nil
}

// openEngine wires the engine to Postgres when database.url is set and to
// in-memory repositories otherwise.
func openEngine(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*pulse.Engine, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := pulse.Deps{Clock: clk, Logger: logger.Named("pulse")}
	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, cfg.Database, logger.Named("database"))
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		deps.Events = database.NewEventRepository(pool)
		deps.Freezes = database.NewFreezeRepository(pool)
		deps.Windows = database.NewWindowRepository(pool)
	} else {
		deps.Events = eventstore.NewMemoryRepository()
		deps.Freezes = freeze.NewMemoryRepository()
	}

	dispatcher, err := events.NewAlertDispatcher(cfg.Events, nil, logger.Named("events"))
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if dispatcher != nil {
		deps.Alerts = dispatcher
		closers = append(closers, func() {
			if err := dispatcher.Close(); err != nil {
				logger.Warn("alert dispatcher close failed", zap.Error(err))
			}
		})
	}

	engine, err := pulse.New(ctx, deps, cfg.Pulse())
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, engine.Close)
	return engine, closeAll, nil
}

type loadReport struct {
	Parse     parseStats           `json:"parse"`
	Appended  int                  `json:"appended"`
	Rejected  int                  `json:"rejected"`
	Anomalies []*cohort.WindowView `json:"anomalies"`
}

// ingest appends evs in order, moving clk forward to each event's
// timestamp, then closes every bucket up to the end of the last day.
func ingest(ctx context.Context, engine *pulse.Engine, clk *clock.ManualClock, evs []event.Event, bucket time.Duration, logger *zap.Logger) (loadReport, error) {
	var res loadReport
	if bucket <= 0 {
		bucket = 24 * time.Hour
	}
	for _, ev := range evs {
		if ev.Timestamp.After(clk.Now()) {
			clk.Set(ev.Timestamp)
		}
		if _, err := engine.AppendEvent(ctx, ev); err != nil {
			if errors.IsType(err, errors.ErrorTypeValidation) {
				res.Rejected++
				logger.Debug("event rejected", zap.String("subject_id", ev.SubjectID), zap.Error(err))
				continue
			}
			return res, err
		}
		res.Appended++
	}

	last := evs[len(evs)-1].Timestamp
	clk.Set(last.Truncate(bucket).Add(bucket))
	if err := engine.Tick(ctx); err != nil {
		return res, err
	}
	anomalies, err := engine.ListAnomalousWindows(ctx, event.TimeRange{}, 0)
	if err != nil {
		return res, err
	}
	res.Anomalies = anomalies
	logger.Info("load finished",
		zap.Int("appended", res.Appended),
		zap.Int("rejected", res.Rejected),
		zap.Int("anomalies", len(anomalies)))
	return res, nil
}

func (a *app) report(r loadReport) error {
	if a.jsonOutput {
		if r.Anomalies == nil {
			r.Anomalies = []*cohort.WindowView{}
		}
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if r.Parse.Files > 0 {
		fmt.Fprintf(a.out, "files %d, rows %d, duplicates %d, invalid %d\n",
			r.Parse.Files, r.Parse.Rows, r.Parse.Duplicates, r.Parse.Invalid)
		fmt.Fprintf(a.out, "appended %d, rejected %d\n", r.Appended, r.Rejected)
	}
	if len(r.Anomalies) == 0 {
		fmt.Fprintln(a.out, "no anomalous windows")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COHORT\tWINDOW\tCOUNT\tMEAN\tZ\tRISK")
	for _, v := range r.Anomalies {
		risk := "-"
		if v.Risk != nil {
			risk = fmt.Sprintf("%s/%s", v.Risk.Level, v.Risk.FraudType)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%.2f\t%s\n",
			v.Key, v.WindowStart.Format(time.DateOnly), v.EventCount, v.MeanBaseline, v.ZScore, risk)
	}
	return tw.Flush()
}
