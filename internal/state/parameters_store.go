// ./internal/state/parameters_store.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/incept-protocol/comet-manager/internal/types"
)

var ErrNoStrategyParameters = errors.New("no strategy parameters found")

// SaveStrategyParameters saves a new version of strategy parameters.
func SaveStrategyParameters(ctx context.Context, params types.StrategyParameters, configName string, version int, makeActive bool) (paramsID int64, err error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal strategy parameters: %w", err)
	}

	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	if makeActive {
		_, err = tx.ExecContext(ctx, `UPDATE strategy_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	now := time.Now()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO strategy_parameters (version, config_name, is_active, activated_at, created_at, parameters)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING params_id;`,
		version, configName, makeActive, now, now, paramsJSON,
	).Scan(&paramsID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert strategy parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved strategy parameters")
	return paramsID, nil
}

// LoadActiveStrategyParameters loads the currently active strategy parameters.
func LoadActiveStrategyParameters(ctx context.Context, configName string) (*types.StrategyParameters, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	var raw []byte
	err := DB.QueryRowContext(ctx, `
		SELECT parameters
		FROM strategy_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1;`, configName).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: config '%s'", ErrNoStrategyParameters, configName)
		}
		return nil, fmt.Errorf("failed to load active strategy parameters for config '%s': %w", configName, err)
	}

	p := &types.StrategyParameters{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy parameters for config '%s': %w", configName, err)
	}
	return p, nil
}

// LatestStrategyVersion returns the highest stored version for a config, 0 when none exists.
func LatestStrategyVersion(ctx context.Context, configName string) (int, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	var version int
	err := DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM strategy_parameters WHERE config_name = $1;`, configName,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest strategy version for config '%s': %w", configName, err)
	}
	return version, nil
}

// GetActiveStrategyParametersID returns the params_id of the currently active strategy parameters
func GetActiveStrategyParametersID(ctx context.Context, configName string) (*int64, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	var paramsID int64
	err := DB.QueryRowContext(ctx, `
		SELECT params_id
		FROM strategy_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1;`, configName).Scan(&paramsID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No active parameters found - this is valid, return nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active strategy parameters ID for config '%s': %w", configName, err)
	}
	return &paramsID, nil
}

// ActivateStrategyParameters stores params as a new active version when they differ from the active ones.
// Returns the active params_id.
func ActivateStrategyParameters(ctx context.Context, params types.StrategyParameters, configName string) (int64, error) {
	active, err := LoadActiveStrategyParameters(ctx, configName)
	if err != nil && !errors.Is(err, ErrNoStrategyParameters) {
		return 0, err
	}
	if active != nil && strategyEqual(*active, params) {
		id, err := GetActiveStrategyParametersID(ctx, configName)
		if err != nil {
			return 0, err
		}
		if id != nil {
			return *id, nil
		}
	}

	version, err := LatestStrategyVersion(ctx, configName)
	if err != nil {
		return 0, err
	}
	return SaveStrategyParameters(ctx, params, configName, version+1, true)
}

func strategyEqual(a, b types.StrategyParameters) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}
