package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/state"
	"github.com/incept-protocol/comet-manager/internal/types"
)

type fakeCycles struct {
	cycles   []types.CycleSnapshot
	strategy *types.StrategyParameters
	pingErr  error
	limit    int
}

func (f *fakeCycles) RecentCycles(_ context.Context, limit int) ([]types.CycleSnapshot, error) {
	f.limit = limit
	if limit > len(f.cycles) {
		limit = len(f.cycles)
	}
	return f.cycles[:limit], nil
}

func (f *fakeCycles) CycleByID(_ context.Context, id int64) (*types.CycleSnapshot, error) {
	for _, c := range f.cycles {
		if c.SnapshotID == id {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", state.ErrCycleNotFound, id)
}

func (f *fakeCycles) Summary(context.Context) (*state.CycleSummary, error) {
	return &state.CycleSummary{
		TotalCycles: len(f.cycles),
		ByOutcome:   map[types.CycleOutcome]int{types.CycleOutcomeSubmitted: len(f.cycles)},
	}, nil
}

func (f *fakeCycles) ActiveStrategy(context.Context) (*types.StrategyParameters, error) {
	if f.strategy == nil {
		return nil, state.ErrNoStrategyParameters
	}
	return f.strategy, nil
}

func (f *fakeCycles) Ping(context.Context) error { return f.pingErr }

type fakeHealth []types.PositionHealth

func (f fakeHealth) All(context.Context) ([]types.PositionHealth, error) { return f, nil }

func testCycles() *fakeCycles {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeCycles{cycles: []types.CycleSnapshot{
		{SnapshotID: 2, CycleNumber: 2, Timestamp: at, Outcome: types.CycleOutcomeSubmitted, Signatures: []string{"sig"}},
		{SnapshotID: 1, CycleNumber: 1, Timestamp: at.Add(-time.Minute), Outcome: types.CycleOutcomeNoBreach},
	}}
}

func get(t *testing.T, ws *WebServer, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	cycles := testCycles()
	ws := NewWebServer("", cycles, nil)

	rec, body := get(t, ws, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", body["status"])

	cycles.cycles[0].Outcome = types.CycleOutcomeAborted
	cycles.cycles[0].ErrorMessage = "invalid input"
	rec, body = get(t, ws, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEGRADED", body["status"])

	cycles.cycles[0].Outcome = types.CycleOutcomeSubmitted
	cycles.pingErr = errors.New("connection refused")
	rec, _ = get(t, ws, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCycles(t *testing.T) {
	cycles := testCycles()
	ws := NewWebServer("", cycles, nil)

	rec, body := get(t, ws, "/api/cycles?limit=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, 1, cycles.limit)

	// Out of range limits fall back to the default
	_, _ = get(t, ws, "/api/cycles?limit=1000")
	assert.Equal(t, 20, cycles.limit)

	rec, body = get(t, ws, "/api/cycles/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["snapshot_id"])

	rec, body = get(t, ws, "/api/cycles/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.CycleOutcomeNoBreach), body["outcome"])

	rec, _ = get(t, ws, "/api/cycles/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, ws, "/api/cycles/abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummaryAndStrategy(t *testing.T) {
	cycles := testCycles()
	ws := NewWebServer("", cycles, nil)

	rec, body := get(t, ws, "/api/summary")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["total_cycles"])

	rec, _ = get(t, ws, "/api/strategy")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cycles.strategy = &types.StrategyParameters{PriceThreshold: 0.005, TriggerPolicy: types.TriggerPolicyCoalesce}
	rec, body = get(t, ws, "/api/strategy")
	assert.Equal(t, http.StatusOK, rec.Code)
	params, ok := body["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.005, params["price_threshold"])
}

func TestPositions(t *testing.T) {
	rec, _ := get(t, NewWebServer("", testCycles(), nil), "/api/positions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health := fakeHealth{{PositionIndex: 0, PoolIndex: 3, HealthScore: 87.5}}
	rec, body := get(t, NewWebServer("", testCycles(), health), "/api/positions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestMetricsEndpoint(t *testing.T) {
	ws := NewWebServer("", testCycles(), nil)
	get(t, ws, "/api/summary")

	rec, _ := get(t, ws, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `comet_manager_http_requests_total{code="200",method="GET",route="/api/summary"}`)
}
