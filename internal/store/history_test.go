package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/acequia-simulator/control"
	"github.com/signalsfoundry/acequia-simulator/core"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "db", "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	clock := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return h
}

func TestObserveHourRequiresRunID(t *testing.T) {
	h := newTestHistory(t)
	err := h.ObserveHour(context.Background(), 0, nil, control.Decision{})
	assert.ErrorIs(t, err, ErrNoRunID)
}

func TestRecordAndQueryRun(t *testing.T) {
	h := newTestHistory(t)
	ctx := logging.ContextWithRunID(context.Background(), "run-1")

	require.NoError(t, h.StartRun(ctx, "run-1", "valley", "band"))

	regions := []model.Region{
		{ID: "North", WaterLevel: 50, WaterNeed: 100, WaterCapacity: 200, InDrought: false},
		{ID: "South", WaterLevel: 190, WaterNeed: 100, WaterCapacity: 200, Flooded: true},
	}
	decision := control.Decision{
		Policy: "band",
		Canals: []control.CanalState{
			{ID: "south-north", Source: "South", Destination: "North", Open: true, FlowRate: 0.9, Rule: control.RuleFlood, ClaimedBy: "South"},
			{ID: "north-south", Source: "North", Destination: "South"},
		},
	}
	require.NoError(t, h.ObserveHour(ctx, 0, regions, decision))

	regions[0].WaterLevel = 60
	require.NoError(t, h.ObserveHour(ctx, 1, regions, decision))
	// Re-recording an hour replaces it.
	regions[0].WaterLevel = 61
	require.NoError(t, h.ObserveHour(ctx, 1, regions, decision))

	require.NoError(t, h.FinishRun(ctx, "run-1", control.Outcome{Reason: control.ReasonSolved, Solved: true, Hours: 2}))

	series, err := h.RegionSeries(ctx, "run-1", "North")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 50.0, series[0].Level)
	assert.Equal(t, 61.0, series[1].Level)
	assert.Equal(t, 1, series[1].Hour)

	south, err := h.RegionSeries(ctx, "run-1", "South")
	require.NoError(t, err)
	require.Len(t, south, 2)
	assert.True(t, south[0].Flooded)
	assert.False(t, south[0].InDrought)

	canals, err := h.CanalHour(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, canals, 2)
	assert.Equal(t, CanalSample{Hour: 0, Canal: "south-north", Open: true, FlowRate: 0.9, Rule: "flood", ClaimedBy: "South"}, canals[0])
	assert.False(t, canals[1].Open)

	runs, err := h.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "solved", runs[0].Outcome)
	assert.True(t, runs[0].Solved)
	assert.Equal(t, 2, runs[0].Hours)
	assert.True(t, runs[0].FinishedAt.After(runs[0].StartedAt))
}

func TestListRunsNewestFirst(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.StartRun(ctx, id, "valley", "band"))
	}

	runs, err := h.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.True(t, runs[0].FinishedAt.IsZero(), "unfinished runs have no finish time")
}

func TestFinishUnknownRun(t *testing.T) {
	h := newTestHistory(t)
	err := h.FinishRun(context.Background(), "ghost", control.Outcome{Reason: control.ReasonSolved})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStartRunRejectsDuplicates(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	require.NoError(t, h.StartRun(ctx, "dup", "valley", "band"))
	assert.Error(t, h.StartRun(ctx, "dup", "valley", "band"))
	assert.ErrorIs(t, h.StartRun(ctx, "", "valley", "band"), ErrNoRunID)
}

func TestHistoryObservesControllerRun(t *testing.T) {
	h := newTestHistory(t)

	store := kb.NewKnowledgeBase()
	require.NoError(t, store.AddRegion(model.Region{ID: "A", WaterLevel: 150, WaterNeed: 100, WaterCapacity: 300}))
	require.NoError(t, store.AddRegion(model.Region{ID: "B", WaterLevel: 50, WaterNeed: 100, WaterCapacity: 300}))
	require.NoError(t, store.AddCanal(model.Canal{ID: "a-b", Source: "A", Destination: "B", Capacity: 20}))
	engine, err := core.NewSimulationEngine(store, core.EngineConfig{MaxHours: 3, FloodFraction: 1, DroughtFraction: 0.5})
	require.NoError(t, err)

	ctx, runID := logging.EnsureRunID(context.Background())
	require.NoError(t, h.StartRun(ctx, runID, "inline", "band"))

	ctrl := control.NewController(nil, control.WithObserver(h))
	out, err := ctrl.Run(ctx, engine)
	require.NoError(t, err)
	require.NoError(t, h.FinishRun(ctx, runID, out))

	series, err := h.RegionSeries(ctx, runID, "B")
	require.NoError(t, err)
	require.Len(t, series, out.Decisions)
	assert.Equal(t, 50.0, series[0].Level)
	for i := 1; i < len(series); i++ {
		assert.Greater(t, series[i].Level, series[i-1].Level, "B should fill hour over hour")
	}
}

func TestObserveRegionsRecordsUncontrolledHours(t *testing.T) {
	h := newTestHistory(t)
	ctx := logging.ContextWithRunID(context.Background(), "baseline")
	require.NoError(t, h.StartRun(ctx, "baseline", "valley", "none"))

	assert.ErrorIs(t, h.ObserveRegions(context.Background(), 0, nil), ErrNoRunID)

	dry := []model.Region{{ID: "Dry", WaterLevel: 60, WaterNeed: 100, WaterCapacity: 200}}
	require.NoError(t, h.ObserveRegions(ctx, 0, dry))
	dry[0].WaterLevel = 40
	dry[0].InDrought = true
	require.NoError(t, h.ObserveRegions(ctx, 1, dry))

	series, err := h.RegionSeries(ctx, "baseline", "Dry")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 60.0, series[0].Level)
	assert.Equal(t, 40.0, series[1].Level)
	assert.True(t, series[1].InDrought)

	canals, err := h.CanalHour(ctx, "baseline", 1)
	require.NoError(t, err)
	assert.Empty(t, canals)
}
