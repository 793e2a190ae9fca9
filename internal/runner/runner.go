// Package runner wires a scenario, a control policy and the optional
// history, metrics, alert and gauge integrations into one controlled run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/signalsfoundry/acequia-simulator/control"
	"github.com/signalsfoundry/acequia-simulator/core"
	"github.com/signalsfoundry/acequia-simulator/internal/alert"
	"github.com/signalsfoundry/acequia-simulator/internal/config"
	"github.com/signalsfoundry/acequia-simulator/internal/gauges"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/internal/observability"
	"github.com/signalsfoundry/acequia-simulator/internal/store"
	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
	"github.com/signalsfoundry/acequia-simulator/timectrl"
)

// Result is what one run produced.
type Result struct {
	RunID    string
	Scenario string
	Policy   string
	Outcome  control.Outcome
	Regions  []model.Region
}

// Option customises a Runner.
type Option func(*Runner)

// WithMetrics records controller metrics.
func WithMetrics(c *observability.ControllerCollector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithHistory persists every run.
func WithHistory(h *store.SQLiteHistory) Option {
	return func(r *Runner) { r.history = h }
}

// WithNotifiers delivers region alerts.
func WithNotifiers(n ...alert.Notifier) Option {
	return func(r *Runner) { r.notifiers = append(r.notifiers, n...) }
}

// WithHTTPClient is used for the gauge import.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// WithStartTime fixes the simulated start time; the default is now.
func WithStartTime(t time.Time) Option {
	return func(r *Runner) { r.start = t }
}

// Runner executes controlled runs described by a config.
type Runner struct {
	cfg        *config.Config
	log        logging.Logger
	metrics    *observability.ControllerCollector
	history    *store.SQLiteHistory
	notifiers  []alert.Notifier
	httpClient *http.Client
	start      time.Time
}

// New creates a runner. cfg must already be validated.
func New(cfg *config.Config, log logging.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner: nil config")
	}
	if log == nil {
		log = logging.Noop()
	}
	r := &Runner{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunOnce loads the scenario into a fresh knowledge base and drives it to
// completion. A run that ends unsolved is not an error.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	ctx, runID := logging.EnsureRunID(ctx)
	log := r.log.With(logging.String("run_id", runID))

	policy, err := r.cfg.BuildPolicy()
	if err != nil {
		return Result{}, err
	}
	policyName := config.PolicyNone
	if policy != nil {
		policyName = policy.Name()
	}

	netKB := kb.NewKnowledgeBase()
	scenario, err := core.LoadScenarioFile(netKB, r.cfg.Scenario)
	if err != nil {
		return Result{}, fmt.Errorf("load scenario: %w", err)
	}
	log.Info(ctx, "loaded scenario",
		logging.String("path", r.cfg.Scenario),
		logging.Int("regions", len(scenario.RegionIDs)),
		logging.Int("canals", len(scenario.CanalIDs)),
	)

	if r.cfg.Gauges.URL != "" {
		r.importGauges(ctx, log, netKB)
	}

	mode, err := r.cfg.ClockMode()
	if err != nil {
		return Result{}, err
	}
	start := r.start
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Hour)
	}
	clock := timectrl.NewTimeController(start, timectrl.DefaultTick, mode)
	if r.cfg.Clock.Interval > 0 {
		clock.Interval = r.cfg.Clock.Interval
	}

	engine, err := core.NewSimulationEngine(netKB, r.cfg.CoreEngine(scenario.MaxHours), core.WithClock(clock))
	if err != nil {
		return Result{}, err
	}
	engine.RegisterTickListener(hourLogger(ctx, log, clock))

	watcher := alert.NewWatcher(log, r.notifiers...)
	unsubscribe := watcher.Attach(netKB)
	alertCtx, stopAlerts := context.WithCancel(context.WithoutCancel(ctx))
	alertsDone := make(chan struct{})
	go func() {
		defer close(alertsDone)
		_ = watcher.Run(alertCtx)
	}()
	defer func() {
		unsubscribe()
		stopAlerts()
		<-alertsDone
	}()

	if r.history != nil {
		if err := r.history.StartRun(ctx, runID, scenarioName(scenario, r.cfg.Scenario), policyName); err != nil {
			return Result{}, err
		}
		recordCtx := context.WithoutCancel(ctx)
		if err := r.history.ObserveRegions(recordCtx, 0, engine.Regions()); err != nil {
			log.Warn(ctx, "failed to record initial state", logging.Err(err))
		}
		engine.RegisterTickListener(func(rep core.HourReport) {
			if err := r.history.ObserveRegions(recordCtx, rep.Hour+1, engine.Regions()); err != nil {
				log.Warn(ctx, "failed to record hour", logging.Int("hour", rep.Hour+1), logging.Err(err))
			}
		})
	}

	var outcome control.Outcome
	if policy == nil {
		outcome, err = r.runUncontrolled(ctx, engine)
	} else {
		opts := []control.ControllerOption{
			control.WithLogger(r.log),
			control.WithTolerance(r.cfg.Tolerance),
			control.WithPacer(clock),
		}
		if r.metrics != nil {
			opts = append(opts, control.WithMetrics(r.metrics))
		}
		if r.history != nil {
			opts = append(opts, control.WithObserver(r.history))
		}
		outcome, err = control.NewController(policy, opts...).Run(ctx, engine)
	}

	if r.history != nil {
		if ferr := r.history.FinishRun(context.WithoutCancel(ctx), runID, outcome); ferr != nil {
			log.Warn(ctx, "failed to record run outcome", logging.Err(ferr))
		}
	}

	res := Result{
		RunID:    runID,
		Scenario: scenarioName(scenario, r.cfg.Scenario),
		Policy:   policyName,
		Outcome:  outcome,
		Regions:  engine.Regions(),
	}
	return res, err
}

// runUncontrolled lets the network drift for its whole budget, leaving the
// canals in their initial state. It is the baseline the policies are
// compared against.
func (r *Runner) runUncontrolled(ctx context.Context, engine *core.SimulationEngine) (control.Outcome, error) {
	hours := engine.MaxHours()
	if err := engine.Run(ctx, hours); err != nil && ctx.Err() == nil {
		return control.Outcome{Reason: control.ReasonFailed, Hours: engine.Hour()}, err
	}
	out := control.Outcome{Reason: control.ReasonBudgetExhausted, Hours: engine.Hour()}
	if ctx.Err() != nil {
		out.Reason = control.ReasonCanceled
	}
	if control.CheckSolution(engine.Regions(), r.cfg.Tolerance) {
		engine.SetSolved(true)
		out.Solved = true
	}
	return out, nil
}

func (r *Runner) importGauges(ctx context.Context, log logging.Logger, netKB *kb.KnowledgeBase) {
	readings, err := gauges.NewScraper(r.cfg.Gauges.URL, r.httpClient, log).Fetch(ctx)
	if err != nil {
		log.Warn(ctx, "gauge import failed, using scenario levels", logging.Err(err))
		return
	}
	applied, err := gauges.ApplyReadings(netKB, readings)
	if err != nil {
		log.Warn(ctx, "some gauge readings were not applied", logging.Err(err))
	}
	log.Info(ctx, "applied gauge readings", logging.Int("applied", applied))
}

// hourLogger logs every completed hour with the simulated time it ended at.
func hourLogger(ctx context.Context, log logging.Logger, clock timectrl.SimClock) func(core.HourReport) {
	return func(rep core.HourReport) {
		log.Debug(ctx, "hour complete",
			logging.Int("hour", rep.Hour),
			logging.String("sim_time", clock.Now().Format(time.RFC3339)),
			logging.Float("transferred", rep.Transferred),
			logging.Float("spilled", rep.Spilled),
		)
	}
}

func scenarioName(s *core.Scenario, path string) string {
	if s != nil && s.Name != "" {
		return s.Name
	}
	return path
}
