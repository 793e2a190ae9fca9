package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/acequia-simulator/control"

// DefaultTolerance is the relative distance from need at which a region
// counts as balanced.
const DefaultTolerance = 0.05

var (
	// ErrNilNetwork is returned when Step or Run is given no network.
	ErrNilNetwork = errors.New("control: nil network")
	// ErrApplyDecision wraps failures writing canal state back to the network.
	ErrApplyDecision = errors.New("control: apply decision")
)

// Network is the simulation the controller drives. Regions and Canals
// return copies in a stable order; NextHour advances the world one hour.
type Network interface {
	Regions() []model.Region
	Canals() []model.Canal
	SetCanal(id string, open bool, rate float64) error
	NextHour(ctx context.Context) error
	Hour() int
	MaxHours() int
	IsSolved() bool
	SetSolved(solved bool)
}

// MetricsRecorder receives per-hour and per-run measurements.
type MetricsRecorder interface {
	ObserveDecision(openCanals int, rules map[string]int, took time.Duration)
	ObserveRegion(region string, level, fillRatio float64)
	ObserveOutcome(outcome string)
}

// HourObserver is told about every controlled hour before the network
// advances. Regions is the state the decision was taken on.
type HourObserver interface {
	ObserveHour(ctx context.Context, hour int, regions []model.Region, d Decision) error
}

// Pacer throttles the loop between hours.
type Pacer interface {
	Pace(ctx context.Context) error
}

// TerminationReason says why Run stopped.
type TerminationReason string

const (
	ReasonSolved          TerminationReason = "solved"
	ReasonBudgetExhausted TerminationReason = "budget_exhausted"
	ReasonCanceled        TerminationReason = "canceled"
	ReasonFailed          TerminationReason = "failed"
)

// Outcome summarises a Run.
type Outcome struct {
	Reason TerminationReason
	Solved bool
	// Hours is the network hour at which the run stopped.
	Hours int
	// Decisions counts the hours the controller actually decided.
	Decisions int
}

// ControllerOption customises Controller construction.
type ControllerOption func(*Controller)

// WithLogger sets the logger; the default discards everything.
func WithLogger(log logging.Logger) ControllerOption {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTolerance overrides DefaultTolerance.
func WithTolerance(tol float64) ControllerOption {
	return func(c *Controller) {
		if tol >= 0 {
			c.tolerance = tol
		}
	}
}

// WithPacer paces the loop, typically with a timectrl.TimeController.
func WithPacer(p Pacer) ControllerOption {
	return func(c *Controller) {
		c.pacer = p
	}
}

// WithObserver appends an hour observer. Observers run in the order added.
func WithObserver(o HourObserver) ControllerOption {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// Controller drives a Network with a ControlPolicy, one hour at a time.
type Controller struct {
	policy    ControlPolicy
	log       logging.Logger
	metrics   MetricsRecorder
	tolerance float64
	pacer     Pacer
	observers []HourObserver
	tracer    trace.Tracer
}

// NewController builds a controller for policy. A nil policy means
// DefaultBandPolicy.
func NewController(policy ControlPolicy, opts ...ControllerOption) *Controller {
	if policy == nil {
		policy = DefaultBandPolicy()
	}
	c := &Controller{
		policy:    policy,
		log:       logging.Noop(),
		tolerance: DefaultTolerance,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the policy the controller applies.
func (c *Controller) Policy() ControlPolicy { return c.policy }

// Tolerance returns the balance tolerance used by Run.
func (c *Controller) Tolerance() float64 { return c.tolerance }

// Step decides one hour, writes the canal states to net, notifies observers
// and advances the network by one hour.
func (c *Controller) Step(ctx context.Context, net Network) (Decision, error) {
	if net == nil {
		return Decision{}, ErrNilNetwork
	}
	snap := Snapshot{
		Hour:    net.Hour(),
		Regions: net.Regions(),
		Canals:  net.Canals(),
	}

	ctx, span := c.tracer.Start(ctx, "control.hour", trace.WithAttributes(
		attribute.String("policy", c.policy.Name()),
		attribute.Int("hour", snap.Hour),
	))
	defer span.End()

	log := c.log
	if id := logging.RunIDFromContext(ctx); id != "" {
		log = log.With(logging.String("run_id", id))
	}

	started := time.Now()
	d := c.policy.Decide(snap)
	took := time.Since(started)

	for _, cs := range d.Canals {
		if err := net.SetCanal(cs.ID, cs.Open, cs.FlowRate); err != nil {
			err = fmt.Errorf("%w: canal %q: %w", ErrApplyDecision, cs.ID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply decision")
			return d, err
		}
	}

	open := d.OpenCount()
	span.SetAttributes(
		attribute.Int("canals.open", open),
		attribute.Int("overrides", len(d.Overrides)),
	)
	if c.metrics != nil {
		c.metrics.ObserveDecision(open, d.RuleCounts(), took)
		for _, r := range snap.Regions {
			c.metrics.ObserveRegion(r.ID, r.WaterLevel, r.FillRatio())
		}
	}
	for _, o := range d.Overrides {
		log.Warn(ctx, "emergency override",
			logging.Int("hour", snap.Hour),
			logging.String("region", o.Region),
			logging.String("rule", string(o.Rule)),
		)
	}
	log.Debug(ctx, "decided hour",
		logging.Int("hour", snap.Hour),
		logging.Int("canals_open", open),
		logging.Duration("took", took),
	)

	for _, o := range c.observers {
		if err := o.ObserveHour(ctx, snap.Hour, snap.Regions, d); err != nil {
			log.Warn(ctx, "hour observer failed", logging.Int("hour", snap.Hour), logging.Err(err))
		}
	}

	if err := net.NextHour(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "advance")
		return d, fmt.Errorf("advance hour %d: %w", snap.Hour, err)
	}
	return d, nil
}

// Run steps net until every region is balanced, the hour budget is spent
// or ctx is done. Running out of hours is not an error. A MaxHours of zero
// or less means no budget; only balance or cancellation ends the run.
func (c *Controller) Run(ctx context.Context, net Network) (Outcome, error) {
	if net == nil {
		return Outcome{}, ErrNilNetwork
	}
	ctx, log := logging.WithRunLogger(ctx, c.log)
	ctx, span := c.tracer.Start(ctx, "control.run", trace.WithAttributes(
		attribute.String("policy", c.policy.Name()),
		attribute.Int("max_hours", net.MaxHours()),
	))
	defer span.End()

	log.Info(ctx, "controller run started",
		logging.String("policy", c.policy.Name()),
		logging.Int("start_hour", net.Hour()),
		logging.Int("max_hours", net.MaxHours()),
		logging.Float("tolerance", c.tolerance),
	)

	out := Outcome{}
	finish := func(reason TerminationReason, err error) (Outcome, error) {
		out.Reason = reason
		out.Solved = reason == ReasonSolved
		out.Hours = net.Hour()
		span.SetAttributes(
			attribute.String("outcome", string(reason)),
			attribute.Int("hours", out.Hours),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(reason))
			log.Error(ctx, "controller run failed", logging.Int("hour", out.Hours), logging.Err(err))
		} else {
			log.Info(ctx, "controller run finished",
				logging.String("outcome", string(reason)),
				logging.Int("hours", out.Hours),
				logging.Int("decisions", out.Decisions),
			)
		}
		if c.metrics != nil {
			c.metrics.ObserveOutcome(string(reason))
		}
		return out, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(ReasonCanceled, nil)
		}
		if CheckSolution(net.Regions(), c.tolerance) {
			net.SetSolved(true)
			return finish(ReasonSolved, nil)
		}
		if budget := net.MaxHours(); budget > 0 && net.Hour() >= budget {
			return finish(ReasonBudgetExhausted, nil)
		}

		if _, err := c.Step(ctx, net); err != nil {
			if ctx.Err() != nil {
				return finish(ReasonCanceled, nil)
			}
			return finish(ReasonFailed, err)
		}
		out.Decisions++

		if c.pacer != nil {
			if err := c.pacer.Pace(ctx); err != nil {
				return finish(ReasonCanceled, nil)
			}
		}
	}
}
