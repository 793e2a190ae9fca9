package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
	"go.uber.org/multierr"
)

// Scenario summarises what LoadScenario put into the KB.
type Scenario struct {
	Name      string
	MaxHours  int
	RegionIDs []string
	CanalIDs  []string
}

// JSON shapes stay unexported so the file format can evolve on its own.
type scenarioJSON struct {
	Name     string       `json:"name"`
	MaxHours int          `json:"max_hours"`
	Regions  []regionJSON `json:"regions"`
	Canals   []canalJSON  `json:"canals"`
}

type regionJSON struct {
	ID            string  `json:"id"`
	WaterLevel    float64 `json:"water_level"`
	WaterNeed     float64 `json:"water_need"`
	WaterCapacity float64 `json:"water_capacity"`
	Inflow        float64 `json:"inflow"`
	Consumption   float64 `json:"consumption"`
}

type canalJSON struct {
	ID          string  `json:"id"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Capacity    float64 `json:"capacity"`
	Open        bool    `json:"open"`      // optional initial state
	FlowRate    float64 `json:"flow_rate"` // optional initial rate
}

// LoadScenario decodes a JSON scenario from r into store. Regions are added
// before canals so canals can reference any region in the file. Every
// rejected entry is reported; the returned error combines them all.
func LoadScenario(store *kb.KnowledgeBase, r io.Reader) (*Scenario, error) {
	if store == nil {
		return nil, ErrNilKnowledgeBase
	}

	var payload scenarioJSON
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if payload.MaxHours < 0 {
		return nil, fmt.Errorf("LoadScenario: max_hours must not be negative, got %d", payload.MaxHours)
	}

	result := &Scenario{
		Name:      payload.Name,
		MaxHours:  payload.MaxHours,
		RegionIDs: make([]string, 0, len(payload.Regions)),
		CanalIDs:  make([]string, 0, len(payload.Canals)),
	}

	var errs error
	for i, jr := range payload.Regions {
		err := store.AddRegion(model.Region{
			ID:            jr.ID,
			WaterLevel:    jr.WaterLevel,
			WaterNeed:     jr.WaterNeed,
			WaterCapacity: jr.WaterCapacity,
			Inflow:        jr.Inflow,
			Consumption:   jr.Consumption,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("regions[%d]: %w", i, err))
			continue
		}
		result.RegionIDs = append(result.RegionIDs, jr.ID)
	}

	for i, jc := range payload.Canals {
		err := store.AddCanal(model.Canal{
			ID:          jc.ID,
			Source:      jc.Source,
			Destination: jc.Destination,
			Capacity:    jc.Capacity,
			Open:        jc.Open,
			FlowRate:    model.ClampRate(jc.FlowRate),
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("canals[%d]: %w", i, err))
			continue
		}
		result.CanalIDs = append(result.CanalIDs, jc.ID)
	}

	if errs != nil {
		return result, fmt.Errorf("LoadScenario: %w", errs)
	}
	return result, nil
}

// LoadScenarioFile opens path and calls LoadScenario.
func LoadScenarioFile(store *kb.KnowledgeBase, path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario %q: %w", path, err)
	}
	defer f.Close()
	return LoadScenario(store, f)
}
