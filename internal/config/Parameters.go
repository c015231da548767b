/*

This file contains the default strategy parameters for the comet manager.

These parameters are designed for a single-pool comet backing a pooled fund in production.
Each value balances how often the position is recentered against what each recentering costs.

*/

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/incept-protocol/comet-manager/internal/types"
)

const DefaultStrategyConfigName = "default_comet_strategy"

var ErrInvalidStrategy = errors.New("invalid strategy parameters")

// DefaultStrategyParameters provides a baseline set of parameters for the recentering strategy.
// These values are used when no strategy file is configured.
var DefaultStrategyParameters = types.StrategyParameters{
	// --- Trigger ---
	PositionIndices: nil, // Manage every position of the comet.

	PriceThreshold: 0.005, // Recenter once the pool price leaves a 0.5% band around the oracle.
	// Rationale: Pool fees are 0.3% combined. A narrower band would pay fees and slippage
	// for deviations arbitrageurs would close anyway.

	MinHealthScore: 20, // Do not submit plans leaving the comet below 20.
	// Rationale: Recentering pays ILD from the wallet, so health should rise. A plan that
	// still ends low signals a stale snapshot or a collateral problem needing an operator.

	// --- Execution ---
	AmmSlippageBps: 50, // 0.5% guard on the protocol AMM leg.
	// Rationale: The plan is built on a snapshot; a block of drift between snapshot and
	// inclusion must not fail the whole transaction.

	VenueSlippageBps: 100, // 1% guard on the external venue leg.
	// Rationale: The venue is outside the snapshot and is quoted at the oracle price.

	// --- Orchestration ---
	TriggerPolicy: types.TriggerPolicyCoalesce, // Re-run once with the latest trigger after a busy cycle.
	// Rationale: Dropping triggers can leave the pool off-center until the next resync.

	SubmitTimeout:  types.Duration{Duration: 45 * time.Second},
	ResyncInterval: types.Duration{Duration: 5 * time.Minute},
	PriceMaxAge:    types.Duration{Duration: time.Minute}, // Older oracle prices count as missing.

	MaxSubmissionsPerMinute: 6,
	// Rationale: Bounds fee spend if prices oscillate around the band edge.
}

// LoadStrategyParameters returns the defaults overridden by the YAML file at path, if any.
// Fields absent from the file keep their default value.
func LoadStrategyParameters(path string) (types.StrategyParameters, error) {
	params := DefaultStrategyParameters
	params.PositionIndices = append([]int(nil), DefaultStrategyParameters.PositionIndices...)
	if path == "" {
		return params, ValidateStrategyParameters(params)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.StrategyParameters{}, fmt.Errorf("read strategy file %s: %w", path, err)
	}
	if err := ParseStrategyParameters(data, &params); err != nil {
		return types.StrategyParameters{}, fmt.Errorf("strategy file %s: %w", path, err)
	}
	return params, nil
}

// ParseStrategyParameters decodes YAML over params and validates the result. Unknown keys are rejected.
func ParseStrategyParameters(data []byte, params *types.StrategyParameters) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(params); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrInvalidStrategy, err)
	}
	return ValidateStrategyParameters(*params)
}

// ValidateStrategyParameters rejects parameter sets the manager cannot run with.
func ValidateStrategyParameters(p types.StrategyParameters) error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"price_threshold must be in [0, 1)", finite(p.PriceThreshold) && p.PriceThreshold >= 0 && p.PriceThreshold < 1},
		{"min_health_score must be finite", finite(p.MinHealthScore)},
		{"amm_slippage_bps must be in [0, 10000)", finite(p.AmmSlippageBps) && p.AmmSlippageBps >= 0 && p.AmmSlippageBps < 10_000},
		{"venue_slippage_bps must be in [0, 10000)", finite(p.VenueSlippageBps) && p.VenueSlippageBps >= 0 && p.VenueSlippageBps < 10_000},
		{"trigger_policy must be drop or coalesce", p.TriggerPolicy == types.TriggerPolicyDrop || p.TriggerPolicy == types.TriggerPolicyCoalesce},
		{"submit_timeout must be positive", p.SubmitTimeout.Duration > 0},
		{"resync_interval must be positive", p.ResyncInterval.Duration > 0},
		{"price_max_age must not be negative", p.PriceMaxAge.Duration >= 0},
		{"max_submissions_per_minute must be positive", finite(p.MaxSubmissionsPerMinute) && p.MaxSubmissionsPerMinute > 0},
	}
	for _, c := range checks {
		if !c.ok {
			return errors.Join(ErrInvalidStrategy, errors.New(c.name))
		}
	}
	for _, idx := range p.PositionIndices {
		if idx < 0 || idx >= types.MaxSlots {
			return errors.Join(ErrInvalidStrategy, fmt.Errorf("position index %d out of range", idx))
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
