package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControllerCollector bundles the Prometheus metrics of the balancing loop.
// It satisfies control.MetricsRecorder.
type ControllerCollector struct {
	gatherer prometheus.Gatherer

	HoursTotal       prometheus.Counter
	DecisionDuration prometheus.Histogram
	CanalsOpen       prometheus.Gauge
	RuleApplications *prometheus.CounterVec
	RegionWaterLevel *prometheus.GaugeVec
	RegionFillRatio  *prometheus.GaugeVec
	RunsTotal        *prometheus.CounterVec
}

// NewControllerCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControllerCollector(reg prometheus.Registerer) (*ControllerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	hours, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acequia_controlled_hours_total",
		Help: "Number of simulated hours the balancing controller has decided.",
	}), "acequia_controlled_hours_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "acequia_decision_duration_seconds",
		Help:    "Wall-clock time spent computing one hourly canal decision.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "acequia_decision_duration_seconds")
	if err != nil {
		return nil, err
	}

	open, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acequia_canals_open",
		Help: "Number of canals left open by the latest decision.",
	}), "acequia_canals_open")
	if err != nil {
		return nil, err
	}

	rules, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acequia_rule_applications_total",
		Help: "Canal assignments by the rule that claimed the canal (deficit, excess, flood, drought, damped).",
	}, []string{"rule"}), "acequia_rule_applications_total")
	if err != nil {
		return nil, err
	}

	levels, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "acequia_region_water_level",
		Help: "Water level per region at the start of the latest controlled hour.",
	}, []string{"region"}), "acequia_region_water_level")
	if err != nil {
		return nil, err
	}

	ratios, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "acequia_region_fill_ratio",
		Help: "Water level divided by water need per region.",
	}, []string{"region"}), "acequia_region_fill_ratio")
	if err != nil {
		return nil, err
	}

	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acequia_runs_total",
		Help: "Completed controller runs labeled by termination reason.",
	}, []string{"outcome"}), "acequia_runs_total")
	if err != nil {
		return nil, err
	}

	return &ControllerCollector{
		gatherer:         gatherer,
		HoursTotal:       hours,
		DecisionDuration: duration,
		CanalsOpen:       open,
		RuleApplications: rules,
		RegionWaterLevel: levels,
		RegionFillRatio:  ratios,
		RunsTotal:        runs,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ControllerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ControllerCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveDecision records one hourly decision. rules maps rule name to the
// number of canals it claimed.
func (c *ControllerCollector) ObserveDecision(openCanals int, rules map[string]int, took time.Duration) {
	if c == nil {
		return
	}
	c.HoursTotal.Inc()
	c.DecisionDuration.Observe(took.Seconds())
	c.CanalsOpen.Set(float64(openCanals))
	for rule, n := range rules {
		if n > 0 {
			c.RuleApplications.WithLabelValues(rule).Add(float64(n))
		}
	}
}

// ObserveRegion records the level and fill ratio of one region.
func (c *ControllerCollector) ObserveRegion(region string, level, fillRatio float64) {
	if c == nil {
		return
	}
	c.RegionWaterLevel.WithLabelValues(region).Set(level)
	c.RegionFillRatio.WithLabelValues(region).Set(fillRatio)
}

// ObserveOutcome counts a finished run.
func (c *ControllerCollector) ObserveOutcome(outcome string) {
	if c == nil {
		return
	}
	c.RunsTotal.WithLabelValues(outcome).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
