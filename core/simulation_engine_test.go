package core

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/acequia-simulator/control"
	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
	"github.com/signalsfoundry/acequia-simulator/timectrl"
)

func newTestEngine(t *testing.T, regions []model.Region, canals []model.Canal) *SimulationEngine {
	t.Helper()
	store := kb.NewKnowledgeBase()
	for _, r := range regions {
		if err := store.AddRegion(r); err != nil {
			t.Fatalf("AddRegion(%s): %v", r.ID, err)
		}
	}
	for _, c := range canals {
		if err := store.AddCanal(c); err != nil {
			t.Fatalf("AddCanal(%s): %v", c.ID, err)
		}
	}
	se, err := NewSimulationEngine(store, DefaultEngineConfig())
	if err != nil {
		t.Fatalf("NewSimulationEngine: %v", err)
	}
	return se
}

func level(t *testing.T, se *SimulationEngine, id string) model.Region {
	t.Helper()
	r, ok := se.KB.GetRegion(id)
	if !ok {
		t.Fatalf("region %q missing", id)
	}
	return r
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNextHourMovesWater(t *testing.T) {
	se := newTestEngine(t,
		[]model.Region{
			{ID: "A", WaterLevel: 100, WaterNeed: 50, WaterCapacity: 200},
			{ID: "B", WaterLevel: 0, WaterNeed: 50, WaterCapacity: 200},
		},
		[]model.Canal{{ID: "a-b", Source: "A", Destination: "B", Capacity: 40, Open: true, FlowRate: 0.5}},
	)

	var reports []HourReport
	se.RegisterTickListener(func(r HourReport) { reports = append(reports, r) })

	if err := se.NextHour(context.Background()); err != nil {
		t.Fatalf("NextHour: %v", err)
	}

	if a := level(t, se, "A"); !near(a.WaterLevel, 80) {
		t.Fatalf("A level = %v, want 80", a.WaterLevel)
	}
	b := level(t, se, "B")
	if !near(b.WaterLevel, 20) || !b.InDrought {
		t.Fatalf("B = %+v, want level 20 in drought", b)
	}
	if se.Hour() != 1 {
		t.Fatalf("hour = %d, want 1", se.Hour())
	}
	if len(reports) != 1 || reports[0].Hour != 0 || !near(reports[0].Transferred, 20) || !near(reports[0].Flows["a-b"], 20) {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestNextHourScalesOverdrawnSource(t *testing.T) {
	se := newTestEngine(t,
		[]model.Region{
			{ID: "A", WaterLevel: 30, WaterNeed: 10, WaterCapacity: 100},
			{ID: "B", WaterCapacity: 100},
			{ID: "C", WaterCapacity: 100},
		},
		[]model.Canal{
			{ID: "a-b", Source: "A", Destination: "B", Capacity: 40, Open: true, FlowRate: 1},
			{ID: "a-c", Source: "A", Destination: "C", Capacity: 20, Open: true, FlowRate: 1},
		},
	)
	if err := se.NextHour(context.Background()); err != nil {
		t.Fatalf("NextHour: %v", err)
	}
	for id, want := range map[string]float64{"A": 0, "B": 20, "C": 10} {
		if got := level(t, se, id).WaterLevel; !near(got, want) {
			t.Fatalf("%s level = %v, want %v", id, got, want)
		}
	}
}

func TestNextHourTransfersAreSimultaneous(t *testing.T) {
	se := newTestEngine(t,
		[]model.Region{
			{ID: "A", WaterLevel: 5, WaterCapacity: 200},
			{ID: "B", WaterLevel: 100, WaterCapacity: 200},
		},
		[]model.Canal{
			{ID: "a-b", Source: "A", Destination: "B", Capacity: 10, Open: true, FlowRate: 1},
			{ID: "b-a", Source: "B", Destination: "A", Capacity: 10, Open: true, FlowRate: 1},
		},
	)
	if err := se.NextHour(context.Background()); err != nil {
		t.Fatalf("NextHour: %v", err)
	}
	if a := level(t, se, "A").WaterLevel; !near(a, 10) {
		t.Fatalf("A level = %v, want 10", a)
	}
	if b := level(t, se, "B").WaterLevel; !near(b, 95) {
		t.Fatalf("B level = %v, want 95", b)
	}
}

func TestNextHourInflowConsumptionAndSpill(t *testing.T) {
	se := newTestEngine(t,
		[]model.Region{
			{ID: "Wet", WaterLevel: 190, WaterNeed: 100, WaterCapacity: 200, Inflow: 20},
			{ID: "Thirsty", WaterLevel: 3, WaterNeed: 100, WaterCapacity: 200, Consumption: 10},
		},
		nil,
	)
	var report HourReport
	se.RegisterTickListener(func(r HourReport) { report = r })

	if err := se.NextHour(context.Background()); err != nil {
		t.Fatalf("NextHour: %v", err)
	}
	wet := level(t, se, "Wet")
	if wet.WaterLevel != 200 || !wet.Flooded {
		t.Fatalf("Wet = %+v, want capped at 200 and flooded", wet)
	}
	if !near(report.Spilled, 10) {
		t.Fatalf("spilled = %v, want 10", report.Spilled)
	}
	thirsty := level(t, se, "Thirsty")
	if thirsty.WaterLevel != 0 || !thirsty.InDrought {
		t.Fatalf("Thirsty = %+v, want empty and in drought", thirsty)
	}
}

func TestInitialFlagsAreDerived(t *testing.T) {
	se := newTestEngine(t,
		[]model.Region{
			{ID: "Full", WaterLevel: 200, WaterNeed: 100, WaterCapacity: 200},
			{ID: "Dry", WaterLevel: 10, WaterNeed: 100, WaterCapacity: 200},
			{ID: "Fine", WaterLevel: 100, WaterNeed: 100, WaterCapacity: 200},
		},
		nil,
	)
	if !level(t, se, "Full").Flooded || !level(t, se, "Dry").InDrought {
		t.Fatalf("initial flags not derived: %+v", se.Regions())
	}
	if fine := level(t, se, "Fine"); fine.Flooded || fine.InDrought {
		t.Fatalf("Fine flagged: %+v", fine)
	}
}

func TestNextHourAdvancesClock(t *testing.T) {
	store := kb.NewKnowledgeBase()
	start := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Hour, timectrl.Accelerated)

	se, err := NewSimulationEngine(store, DefaultEngineConfig(), WithClock(tc))
	if err != nil {
		t.Fatalf("NewSimulationEngine: %v", err)
	}
	if err := se.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := start.Add(3 * time.Hour); !tc.Now().Equal(want) {
		t.Fatalf("clock = %v, want %v", tc.Now(), want)
	}
}

func TestNextHourHonoursCancellation(t *testing.T) {
	se := newTestEngine(t, []model.Region{{ID: "A", WaterLevel: 1, WaterCapacity: 10}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := se.NextHour(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("NextHour err = %v, want context.Canceled", err)
	}
	if se.Hour() != 0 {
		t.Fatalf("hour advanced on canceled context")
	}
}

func TestNewSimulationEngineRejectsNilKB(t *testing.T) {
	if _, err := NewSimulationEngine(nil, DefaultEngineConfig()); !errors.Is(err, ErrNilKnowledgeBase) {
		t.Fatalf("err = %v, want ErrNilKnowledgeBase", err)
	}
}

func TestControllerBalancesTwoRegions(t *testing.T) {
	se := newTestEngine(t,
		[]model.Region{
			{ID: "A", WaterLevel: 150, WaterNeed: 100, WaterCapacity: 300},
			{ID: "B", WaterLevel: 50, WaterNeed: 100, WaterCapacity: 300},
		},
		[]model.Canal{
			{ID: "a-b", Source: "A", Destination: "B", Capacity: 20},
			{ID: "b-a", Source: "B", Destination: "A", Capacity: 20},
		},
	)

	out, err := control.NewController(control.DefaultBandPolicy()).Run(context.Background(), se)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Solved || out.Reason != control.ReasonSolved || !se.IsSolved() {
		t.Fatalf("outcome = %+v, want solved", out)
	}
	if out.Hours != 5 {
		t.Fatalf("solved after %d hours, want 5", out.Hours)
	}
	a, b := level(t, se, "A").WaterLevel, level(t, se, "B").WaterLevel
	if !near(a+b, 200) {
		t.Fatalf("water not conserved: A=%v B=%v", a, b)
	}
	if !control.CheckSolution(se.Regions(), control.DefaultTolerance) {
		t.Fatalf("final state not balanced: A=%v B=%v", a, b)
	}
}

func TestControllerExhaustsBudgetWithoutSupply(t *testing.T) {
	store := kb.NewKnowledgeBase()
	for _, r := range []model.Region{
		{ID: "Empty", WaterLevel: 0, WaterNeed: 100, WaterCapacity: 200},
		{ID: "AlsoEmpty", WaterLevel: 0, WaterNeed: 100, WaterCapacity: 200},
	} {
		if err := store.AddRegion(r); err != nil {
			t.Fatalf("AddRegion: %v", err)
		}
	}
	if err := store.AddCanal(model.Canal{ID: "e-a", Source: "Empty", Destination: "AlsoEmpty", Capacity: 10}); err != nil {
		t.Fatalf("AddCanal: %v", err)
	}
	se, err := NewSimulationEngine(store, EngineConfig{MaxHours: 6, FloodFraction: 1, DroughtFraction: 0.5})
	if err != nil {
		t.Fatalf("NewSimulationEngine: %v", err)
	}

	out, err := control.NewController(nil).Run(context.Background(), se)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Reason != control.ReasonBudgetExhausted || out.Hours != 6 || se.IsSolved() {
		t.Fatalf("outcome = %+v, want budget_exhausted after 6 hours", out)
	}
}
