// Command scheduler runs the configured scenario on a cron schedule, one
// controlled run per tick, recording each run in the history database.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/signalsfoundry/acequia-simulator/internal/alert"
	"github.com/signalsfoundry/acequia-simulator/internal/config"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/internal/observability"
	"github.com/signalsfoundry/acequia-simulator/internal/runner"
	"github.com/signalsfoundry/acequia-simulator/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/policy.yaml", "path to a YAML run configuration")
	runNow := flag.Bool("run-now", true, "run once immediately on startup")
	flag.Parse()

	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *runNow, log); err != nil {
		log.Error(ctx, "scheduler failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, runNow bool, log logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewControllerCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	opts := []runner.Option{
		runner.WithMetrics(collector),
		runner.WithNotifiers(alert.LogNotifier{Log: log}),
	}
	if cfg.History.Path != "" {
		history, err := store.NewSQLiteHistory(cfg.History.Path, log)
		if err != nil {
			return err
		}
		defer history.Close()
		opts = append(opts, runner.WithHistory(history))
	}
	if cfg.Alerts.TelegramToken != "" {
		tg, err := alert.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
		if err != nil {
			return err
		}
		opts = append(opts, runner.WithNotifiers(tg))
	}

	r, err := runner.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	job := scheduledRun(ctx, r, log)

	if runNow {
		job()
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log})))
	if _, err := c.AddFunc(cfg.Schedule, job); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	log.Info(ctx, "scheduled runs", logging.String("schedule", cfg.Schedule))

	srv := serveMetrics(cfg.Metrics.Addr, collector, log)

	<-ctx.Done()
	log.Info(context.Background(), "shutting down scheduler")
	<-c.Stop().Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// scheduledRun returns the cron job. Failed runs are logged and the
// schedule keeps going.
func scheduledRun(ctx context.Context, r *runner.Runner, log logging.Logger) func() {
	return func() {
		started := time.Now()
		res, err := r.RunOnce(ctx)
		if err != nil {
			log.Error(ctx, "scheduled run failed", logging.String("run_id", res.RunID), logging.Err(err))
			return
		}
		log.Info(ctx, "scheduled run finished",
			logging.String("run_id", res.RunID),
			logging.String("outcome", string(res.Outcome.Reason)),
			logging.Int("hours", res.Outcome.Hours),
			logging.Duration("took", time.Since(started)),
		)
	}
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(context.Background(), "cron: "+msg, pairs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(context.Background(), "cron: "+msg, append(pairs(keysAndValues), logging.Err(err))...)
}

func pairs(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logging.Any(key, kv[i+1]))
	}
	return fields
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
