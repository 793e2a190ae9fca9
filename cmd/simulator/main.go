package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/acequia-simulator/internal/alert"
	"github.com/signalsfoundry/acequia-simulator/internal/config"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/internal/observability"
	"github.com/signalsfoundry/acequia-simulator/internal/runner"
	"github.com/signalsfoundry/acequia-simulator/internal/store"
	"golang.org/x/sync/errgroup"
)

// options are the command-line flags. Non-zero values override the config
// file and environment.
type options struct {
	ConfigPath  string
	Scenario    string
	Policy      string
	MaxHours    int
	ClockMode   string
	HistoryPath string
	MetricsAddr string
	ListRuns    int
}

func main() {
	var opts options
	flag.StringVar(&opts.ConfigPath, "config", "", "path to a YAML run configuration")
	flag.StringVar(&opts.Scenario, "scenario", "", "path to a JSON scenario (overrides config)")
	flag.StringVar(&opts.Policy, "policy", "", "control policy: band, emergency or none")
	flag.IntVar(&opts.MaxHours, "max-hours", 0, "hour budget (overrides the scenario)")
	flag.StringVar(&opts.ClockMode, "clock", "", "clock mode: accelerated or realtime")
	flag.StringVar(&opts.HistoryPath, "history", "", "SQLite file for run history")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics")
	flag.IntVar(&opts.ListRuns, "list-runs", 0, "print the N most recent runs from history and exit")
	flag.Parse()

	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log, os.Stdout); err != nil {
		log.Error(ctx, "simulator failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Scenario != "" {
		cfg.Scenario = opts.Scenario
	}
	if opts.Policy != "" {
		cfg.Policy.Kind = opts.Policy
	}
	if opts.MaxHours > 0 {
		cfg.MaxHours = opts.MaxHours
	}
	if opts.ClockMode != "" {
		cfg.Clock.Mode = opts.ClockMode
	}
	if opts.HistoryPath != "" {
		cfg.History.Path = opts.HistoryPath
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, log logging.Logger, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	var history *store.SQLiteHistory
	if cfg.History.Path != "" {
		history, err = store.NewSQLiteHistory(cfg.History.Path, log)
		if err != nil {
			return err
		}
		defer history.Close()
	}

	if opts.ListRuns > 0 {
		if history == nil {
			return errors.New("-list-runs needs a history path")
		}
		return printRuns(ctx, out, history, opts.ListRuns)
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	collector, err := observability.NewControllerCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	runOpts := []runner.Option{runner.WithMetrics(collector)}
	if history != nil {
		runOpts = append(runOpts, runner.WithHistory(history))
	}
	notifiers, err := buildNotifiers(cfg, log)
	if err != nil {
		return err
	}
	runOpts = append(runOpts, runner.WithNotifiers(notifiers...))

	r, err := runner.New(cfg, log, runOpts...)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var res runner.Result
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = r.RunOnce(gctx)
		return err
	})

	if srv := serveMetrics(cfg.Metrics.Addr, collector, log); srv != nil {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	printSummary(out, res)
	return nil
}

func buildNotifiers(cfg *config.Config, log logging.Logger) ([]alert.Notifier, error) {
	notifiers := []alert.Notifier{alert.LogNotifier{Log: log}}
	if cfg.Alerts.TelegramToken == "" {
		return notifiers, nil
	}
	tg, err := alert.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
	if err != nil {
		return nil, err
	}
	return append(notifiers, tg), nil
}

func serveMetrics(addr string, collector *observability.ControllerCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func printSummary(w io.Writer, res runner.Result) {
	fmt.Fprintf(w, "run %s: scenario %q, policy %s\n", res.RunID, res.Scenario, res.Policy)
	fmt.Fprintf(w, "outcome: %s after %d hours (solved=%t)\n", res.Outcome.Reason, res.Outcome.Hours, res.Outcome.Solved)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tLEVEL\tNEED\tCAPACITY\tFLAGS")
	for _, reg := range res.Regions {
		flags := "-"
		switch {
		case reg.Flooded && reg.InDrought:
			flags = "flooded,drought"
		case reg.Flooded:
			flags = "flooded"
		case reg.InDrought:
			flags = "drought"
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%s\n", reg.ID, reg.WaterLevel, reg.WaterNeed, reg.WaterCapacity, flags)
	}
	tw.Flush()
}

func printRuns(ctx context.Context, w io.Writer, history *store.SQLiteHistory, limit int) error {
	runs, err := history.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSCENARIO\tPOLICY\tOUTCOME\tHOURS")
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Scenario, r.Policy, outcome, r.Hours)
	}
	return tw.Flush()
}
