// ./internal/state/snapshot_store.go
package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/incept-protocol/comet-manager/internal/types"
)

// SaveCycleSnapshot saves a cycle snapshot to the database.
func SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	var planJSON []byte
	if snapshot.Plan != nil {
		var err error
		planJSON, err = json.Marshal(snapshot.Plan)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal plan: %w", err)
		}
	}
	signatures := snapshot.Signatures
	if signatures == nil {
		signatures = []string{}
	}

	query := `
		INSERT INTO cycle_snapshots (
			cycle_id, cycle_number, snapshot_timestamp, strategy_params_id, trigger,
			pool_index, position_index, pool_price, oracle_price, health_score_before,
			outcome, health_score_after, plan, signatures, error_message, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING snapshot_id;
	`

	var snapshotID int64
	err := DB.QueryRowContext(ctx,
		query,
		snapshot.CycleID, snapshot.CycleNumber, snapshot.Timestamp, snapshot.StrategyParamsID, snapshot.Trigger,
		int64(snapshot.PoolIndex), snapshot.PositionIndex, snapshot.PoolPrice, snapshot.OraclePrice, snapshot.HealthScoreBefore,
		string(snapshot.Outcome), snapshot.HealthScoreAfter, planJSON, pq.Array(signatures), snapshot.ErrorMessage, snapshot.DurationMs,
	).Scan(&snapshotID)
	if err != nil {
		return 0, fmt.Errorf("failed to save cycle snapshot: %w", err)
	}

	log.Debug().
		Int64("snapshot_id", snapshotID).
		Str("cycle_id", snapshot.CycleID).
		Str("outcome", string(snapshot.Outcome)).
		Msg("Cycle snapshot saved to database")

	return snapshotID, nil
}

// PostgresStore exposes the package functions through the interfaces the manager and web server consume.
type PostgresStore struct {
	ConfigName string
}

func (p PostgresStore) NextCycleNumber(ctx context.Context) (int, error) {
	return IncrementCycleNumber(ctx)
}

func (p PostgresStore) SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error) {
	return SaveCycleSnapshot(ctx, snapshot)
}

func (p PostgresStore) ActiveStrategyParamsID(ctx context.Context) (*int64, error) {
	return GetActiveStrategyParametersID(ctx, p.ConfigName)
}

func (p PostgresStore) RecentCycles(ctx context.Context, limit int) ([]types.CycleSnapshot, error) {
	return GetRecentCycles(ctx, limit)
}

func (p PostgresStore) CycleByID(ctx context.Context, snapshotID int64) (*types.CycleSnapshot, error) {
	return GetCycleByID(ctx, snapshotID)
}

func (p PostgresStore) Summary(ctx context.Context) (*CycleSummary, error) {
	return GetCycleSummary(ctx)
}

func (p PostgresStore) ActiveStrategy(ctx context.Context) (*types.StrategyParameters, error) {
	return LoadActiveStrategyParameters(ctx, p.ConfigName)
}

func (p PostgresStore) Ping(ctx context.Context) error {
	return TestDBConnection(ctx)
}
