package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
	"github.com/signalsfoundry/acequia-simulator/timectrl"
)

// ErrNilKnowledgeBase is returned when an engine or loader is given no KB.
var ErrNilKnowledgeBase = errors.New("core: nil knowledge base")

// EngineConfig holds the physical constants of the hour step.
type EngineConfig struct {
	// MaxHours is the hour budget handed to controllers; <= 0 means none.
	MaxHours int
	// A region is flagged Flooded at or above FloodFraction of capacity, or
	// whenever it spilled during the hour.
	FloodFraction float64
	// A region is flagged InDrought below DroughtFraction of its need.
	DroughtFraction float64
}

// DefaultEngineConfig returns a two-day budget, flooding at full capacity
// and drought below half of need.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxHours:        48,
		FloodFraction:   1.0,
		DroughtFraction: 0.5,
	}
}

// HourReport summarises the water movement of one hour.
type HourReport struct {
	// Hour is the hour that just completed (0-based).
	Hour int
	// Transferred is the total canal volume moved, Flows the volume per canal.
	Transferred float64
	Flows       map[string]float64
	// Spilled is the total volume lost over region capacities.
	Spilled float64
}

// EngineOption customises SimulationEngine construction.
type EngineOption func(*SimulationEngine)

// WithClock advances tc by one tick per simulated hour.
func WithClock(tc *timectrl.TimeController) EngineOption {
	return func(se *SimulationEngine) {
		se.clock = tc
	}
}

// SimulationEngine moves water through the canals stored in a
// KnowledgeBase. It implements control.Network.
type SimulationEngine struct {
	KB *kb.KnowledgeBase

	cfg   EngineConfig
	clock *timectrl.TimeController

	mu            sync.Mutex
	hour          int
	solved        bool
	tickListeners []func(HourReport)
}

// NewSimulationEngine wraps store and derives the initial region flags.
func NewSimulationEngine(store *kb.KnowledgeBase, cfg EngineConfig, opts ...EngineOption) (*SimulationEngine, error) {
	if store == nil {
		return nil, ErrNilKnowledgeBase
	}
	if cfg.FloodFraction <= 0 {
		cfg.FloodFraction = 1.0
	}
	if cfg.DroughtFraction < 0 {
		cfg.DroughtFraction = 0
	}
	se := &SimulationEngine{
		KB:  store,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(se)
	}
	if err := se.RefreshFlags(); err != nil {
		return nil, err
	}
	return se, nil
}

// RegisterTickListener adds fn to the listeners called after every hour.
func (se *SimulationEngine) RegisterTickListener(fn func(HourReport)) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.tickListeners = append(se.tickListeners, fn)
}

// Regions returns the regions in insertion order.
func (se *SimulationEngine) Regions() []model.Region { return se.KB.ListRegions() }

// Canals returns the canals in insertion order.
func (se *SimulationEngine) Canals() []model.Canal { return se.KB.ListCanals() }

// SetCanal opens or closes a canal; rate is clamped to [0,1].
func (se *SimulationEngine) SetCanal(id string, open bool, rate float64) error {
	return se.KB.SetCanalState(id, open, rate)
}

// Hour returns the number of completed hours.
func (se *SimulationEngine) Hour() int {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.hour
}

// MaxHours returns the configured hour budget.
func (se *SimulationEngine) MaxHours() int { return se.cfg.MaxHours }

// IsSolved reports whether a controller marked the network balanced.
func (se *SimulationEngine) IsSolved() bool {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.solved
}

// SetSolved records the controller's verdict.
func (se *SimulationEngine) SetSolved(solved bool) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.solved = solved
}

// RefreshFlags recomputes InDrought and Flooded from the current levels
// without moving water.
func (se *SimulationEngine) RefreshFlags() error {
	for _, r := range se.KB.ListRegions() {
		err := se.KB.UpdateRegion(r.ID, func(reg *model.Region) {
			se.setFlags(reg, 0)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NextHour advances the network by one hour.
//
// Every open canal requests Capacity*FlowRate from its source. When a
// source cannot cover all its requests they are scaled down proportionally,
// and all transfers then apply at once. Afterwards each region gains its
// Inflow, loses its Consumption (never below zero) and spills anything over
// capacity.
func (se *SimulationEngine) NextHour(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	regions := se.KB.ListRegions()
	canals := se.KB.ListCanals()

	levels := make(map[string]float64, len(regions))
	for _, r := range regions {
		levels[r.ID] = r.WaterLevel
	}

	requested := make(map[string]float64)
	for _, c := range canals {
		requested[c.Source] += c.Volume()
	}

	report := HourReport{Flows: make(map[string]float64)}
	delta := make(map[string]float64, len(regions))
	for _, c := range canals {
		want := c.Volume()
		if want <= 0 {
			continue
		}
		vol := want
		if total := requested[c.Source]; total > levels[c.Source] {
			vol = want * levels[c.Source] / total
		}
		if vol <= 0 {
			continue
		}
		delta[c.Source] -= vol
		delta[c.Destination] += vol
		report.Flows[c.ID] = vol
		report.Transferred += vol
	}

	for _, r := range regions {
		var spilled float64
		err := se.KB.UpdateRegion(r.ID, func(reg *model.Region) {
			reg.WaterLevel = math.Max(0, reg.WaterLevel+delta[reg.ID]+reg.Inflow-reg.Consumption)
			if reg.FreeCapacity() == 0 {
				spilled = reg.WaterLevel - reg.WaterCapacity
				reg.WaterLevel = reg.WaterCapacity
			}
			se.setFlags(reg, spilled)
		})
		if err != nil {
			return fmt.Errorf("update region %q: %w", r.ID, err)
		}
		report.Spilled += spilled
	}

	se.mu.Lock()
	report.Hour = se.hour
	se.hour++
	listeners := append([]func(HourReport){}, se.tickListeners...)
	se.mu.Unlock()

	if se.clock != nil {
		se.clock.Advance()
	}
	for _, fn := range listeners {
		fn(report)
	}
	return nil
}

// Run advances the network for hours without any controller, leaving the
// canals as they are. It stops early when ctx is done.
func (se *SimulationEngine) Run(ctx context.Context, hours int) error {
	for i := 0; i < hours; i++ {
		if err := se.NextHour(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (se *SimulationEngine) setFlags(r *model.Region, spilled float64) {
	r.Flooded = spilled > 0 ||
		(r.WaterCapacity > 0 && r.WaterLevel >= r.WaterCapacity*se.cfg.FloodFraction)
	r.InDrought = r.WaterNeed > 0 && r.WaterLevel < r.WaterNeed*se.cfg.DroughtFraction
}
