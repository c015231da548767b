package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/incept-protocol/comet-manager/internal/types"
)

var ErrCycleNotFound = errors.New("cycle not found")

// CycleSummary represents aggregated cycle statistics
type CycleSummary struct {
	TotalCycles      int                        `json:"total_cycles"`
	ByOutcome        map[types.CycleOutcome]int `json:"by_outcome"`
	AvgHealthBefore  float64                    `json:"avg_health_before"`
	AvgHealthAfter   float64                    `json:"avg_health_after"` // Submitted cycles only
	LastCycleAt      *time.Time                 `json:"last_cycle_at,omitempty"`
	LastSubmissionAt *time.Time                 `json:"last_submission_at,omitempty"`
}

const cycleColumns = `
	snapshot_id, cycle_id, cycle_number, snapshot_timestamp, strategy_params_id, trigger,
	pool_index, position_index, pool_price, oracle_price, health_score_before,
	outcome, health_score_after, plan, signatures, error_message, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (types.CycleSnapshot, error) {
	var (
		cycle     types.CycleSnapshot
		paramsID  sql.NullInt64
		poolIndex int64
		outcome   string
		planJSON  []byte
		errMsg    sql.NullString
	)
	err := row.Scan(
		&cycle.SnapshotID, &cycle.CycleID, &cycle.CycleNumber, &cycle.Timestamp, &paramsID, &cycle.Trigger,
		&poolIndex, &cycle.PositionIndex, &cycle.PoolPrice, &cycle.OraclePrice, &cycle.HealthScoreBefore,
		&outcome, &cycle.HealthScoreAfter, &planJSON, pq.Array(&cycle.Signatures), &errMsg, &cycle.DurationMs,
	)
	if err != nil {
		return types.CycleSnapshot{}, err
	}

	if paramsID.Valid {
		id := paramsID.Int64
		cycle.StrategyParamsID = &id
	}
	cycle.PoolIndex = types.PoolIndex(poolIndex)
	cycle.Outcome = types.CycleOutcome(outcome)
	cycle.ErrorMessage = errMsg.String

	if len(planJSON) > 0 {
		cycle.Plan = &types.RecenterPlan{}
		if err := json.Unmarshal(planJSON, cycle.Plan); err != nil {
			return types.CycleSnapshot{}, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
	}
	return cycle, nil
}

// GetRecentCycles retrieves recent cycle snapshots, newest first
func GetRecentCycles(ctx context.Context, limit int) ([]types.CycleSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	rows, err := DB.QueryContext(ctx, `SELECT `+cycleColumns+` FROM cycle_snapshots ORDER BY snapshot_timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]types.CycleSnapshot, 0, limit)
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan cycle row")
			continue // Skip this row and continue with others
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return cycles, nil
}

// GetCycleByID retrieves a specific cycle snapshot by its ID
func GetCycleByID(ctx context.Context, snapshotID int64) (*types.CycleSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	cycle, err := scanCycle(DB.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycle_snapshots WHERE snapshot_id = $1`, snapshotID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrCycleNotFound, snapshotID)
		}
		return nil, fmt.Errorf("failed to query cycle by ID: %w", err)
	}
	return &cycle, nil
}

// GetCycleSummary retrieves aggregated statistics over all stored cycles
func GetCycleSummary(ctx context.Context) (*CycleSummary, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	summary := &CycleSummary{ByOutcome: map[types.CycleOutcome]int{}}

	var lastCycle, lastSubmission sql.NullTime
	err := DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(AVG(health_score_before), 0),
			COALESCE(AVG(health_score_after) FILTER (WHERE outcome = $1), 0),
			MAX(snapshot_timestamp),
			MAX(snapshot_timestamp) FILTER (WHERE outcome = $1)
		FROM cycle_snapshots`, string(types.CycleOutcomeSubmitted),
	).Scan(&summary.TotalCycles, &summary.AvgHealthBefore, &summary.AvgHealthAfter, &lastCycle, &lastSubmission)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle summary: %w", err)
	}
	if lastCycle.Valid {
		summary.LastCycleAt = &lastCycle.Time
	}
	if lastSubmission.Valid {
		summary.LastSubmissionAt = &lastSubmission.Time
	}

	rows, err := DB.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM cycle_snapshots GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count cycles by outcome: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		summary.ByOutcome[types.CycleOutcome(outcome)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return summary, nil
}
