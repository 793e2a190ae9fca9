package runner

import (
	"bytes"
	"fmt"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/acequia-simulator/control"
	"github.com/signalsfoundry/acequia-simulator/internal/alert"
	"github.com/signalsfoundry/acequia-simulator/internal/config"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/internal/observability"
	"github.com/signalsfoundry/acequia-simulator/internal/store"
	"github.com/signalsfoundry/acequia-simulator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRegions = `{
  "name": "two-fields",
  "max_hours": 10,
  "regions": [
    {"id": "A", "water_level": 150, "water_need": 100, "water_capacity": 300},
    {"id": "B", "water_level": 50, "water_need": 100, "water_capacity": 300}
  ],
  "canals": [
    {"id": "a-b", "source": "A", "destination": "B", "capacity": 20},
    {"id": "b-a", "source": "B", "destination": "A", "capacity": 20}
  ]
}`

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func testConfig(t *testing.T, scenario string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.json")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))

	cfg := config.Default()
	cfg.Scenario = path
	cfg.Clock.Mode = "accelerated"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func regionByID(t *testing.T, regions []model.Region, id string) model.Region {
	t.Helper()
	for _, r := range regions {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("region %q not in result", id)
	return model.Region{}
}

func TestRunOnceBalancesScenario(t *testing.T) {
	cfg := testConfig(t, twoRegions)

	history, err := store.NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	defer history.Close()

	collector, err := observability.NewControllerCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	r, err := New(cfg, nil, WithHistory(history), WithMetrics(collector),
		WithStartTime(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "two-fields", res.Scenario)
	assert.Equal(t, "band", res.Policy)
	assert.Equal(t, control.ReasonSolved, res.Outcome.Reason)
	assert.True(t, res.Outcome.Solved)
	assert.Equal(t, 5, res.Outcome.Hours)
	assert.True(t, control.CheckSolution(res.Regions, cfg.Tolerance))

	a, b := regionByID(t, res.Regions, "A"), regionByID(t, res.Regions, "B")
	assert.InDelta(t, 200, a.WaterLevel+b.WaterLevel, 1e-9)

	runs, err := history.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, "solved", runs[0].Outcome)

	series, err := history.RegionSeries(context.Background(), res.RunID, "B")
	require.NoError(t, err)
	require.Len(t, series, res.Outcome.Hours+1, "one sample per hour plus the final state")
	assert.Equal(t, 50.0, series[0].Level)
	assert.InDelta(t, b.WaterLevel, series[len(series)-1].Level, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RunsTotal.WithLabelValues("solved")))
}

func TestRunOnceKeepsCallerRunID(t *testing.T) {
	cfg := testConfig(t, twoRegions)
	r, err := New(cfg, nil)
	require.NoError(t, err)

	ctx := logging.ContextWithRunID(context.Background(), "nightly-42")
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nightly-42", res.RunID)
}

func TestRunOnceWithoutPolicyDrifts(t *testing.T) {
	cfg := testConfig(t, twoRegions)
	cfg.Policy.Kind = config.PolicyNone
	cfg.MaxHours = 4

	r, err := New(cfg, nil)
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.PolicyNone, res.Policy)
	assert.Equal(t, control.ReasonBudgetExhausted, res.Outcome.Reason)
	assert.False(t, res.Outcome.Solved)
	assert.Equal(t, 4, res.Outcome.Hours)
	assert.Equal(t, 150.0, regionByID(t, res.Regions, "A").WaterLevel, "closed canals move nothing")
}

func TestRunOnceImportsGauges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<table>
  <tr><td>A</td><td>101</td></tr>
  <tr><td>B</td><td>99</td></tr>
</table>`))
	}))
	defer server.Close()

	cfg := testConfig(t, twoRegions)
	cfg.Gauges.URL = server.URL

	r, err := New(cfg, nil, WithHTTPClient(server.Client()))
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, control.ReasonSolved, res.Outcome.Reason)
	assert.Equal(t, 0, res.Outcome.Hours, "gauge levels are already balanced")
}

func TestRunOnceSurvivesGaugeOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig(t, twoRegions)
	cfg.Gauges.URL = server.URL

	var buf bytes.Buffer
	log := logging.New(logging.Config{Format: "json", Output: &buf})
	r, err := New(cfg, log)
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Outcome.Hours)
	assert.Contains(t, buf.String(), "gauge import failed")
}

func TestRunOnceDeliversAlerts(t *testing.T) {
	cfg := testConfig(t, `{
  "name": "dry-spell",
  "max_hours": 3,
  "regions": [
    {"id": "Dry", "water_level": 60, "water_need": 100, "water_capacity": 200, "consumption": 20}
  ],
  "canals": []
}`)
	rec := &recordingNotifier{}
	r, err := New(cfg, nil, WithNotifiers(rec))
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, control.ReasonBudgetExhausted, res.Outcome.Reason)

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, alert.KindDrought, rec.alerts[0].Kind)
	assert.Equal(t, "Dry", rec.alerts[0].Region)
}

func TestRunOnceDeliversEveryAlert(t *testing.T) {
	const regions = 100
	entries := make([]string, 0, regions)
	for i := 0; i < regions; i++ {
		entries = append(entries, fmt.Sprintf(
			`{"id": "field-%03d", "water_level": 60, "water_need": 100, "water_capacity": 200, "consumption": 20}`, i))
	}
	cfg := testConfig(t, `{"name": "dry-valley", "max_hours": 3, "regions": [`+strings.Join(entries, ",")+`], "canals": []}`)
	cfg.Policy.Kind = config.PolicyNone

	rec := &recordingNotifier{}
	r, err := New(cfg, nil, WithNotifiers(rec))
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.alerts, regions)
	seen := make(map[string]bool, regions)
	for _, a := range rec.alerts {
		assert.Equal(t, alert.KindDrought, a.Kind)
		seen[a.Region] = true
	}
	assert.Len(t, seen, regions)
}

func TestRunOnceRecordsBaselineHours(t *testing.T) {
	cfg := testConfig(t, twoRegions)
	cfg.Policy.Kind = config.PolicyNone
	cfg.MaxHours = 3

	history, err := store.NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	defer history.Close()

	r, err := New(cfg, nil, WithHistory(history))
	require.NoError(t, err)
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	series, err := history.RegionSeries(context.Background(), res.RunID, "A")
	require.NoError(t, err)
	require.Len(t, series, 4)
	for i, s := range series {
		assert.Equal(t, i, s.Hour)
		assert.Equal(t, 150.0, s.Level)
	}
}

func TestRunOnceRejectsMissingScenario(t *testing.T) {
	cfg := config.Default()
	cfg.Scenario = filepath.Join(t.TempDir(), "missing.json")

	r, err := New(&cfg, nil)
	require.NoError(t, err)
	_, err = r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load scenario")
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
