/*

This file contains the strategy parameters that tune when and how the manager recenters comet positions.

*/

package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TriggerPolicy decides what happens to a price trigger that arrives while a cycle is in flight.
type TriggerPolicy string

const (
	TriggerPolicyDrop     TriggerPolicy = "drop"     // Discard triggers received while busy
	TriggerPolicyCoalesce TriggerPolicy = "coalesce" // Keep the latest trigger and re-run once the cycle ends
)

// Duration wraps time.Duration to support YAML and JSON strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be string: %w", err)
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// StrategyParameters holds all tunable parameters of the recentering strategy.
type StrategyParameters struct {
	// --- Trigger ---
	PositionIndices []int   `json:"position_indices" yaml:"position_indices"` // Comet positions to manage, empty means all
	PriceThreshold  float64 `json:"price_threshold" yaml:"price_threshold"`   // Fractional band around the oracle price, e.g. 0.005
	MinHealthScore  float64 `json:"min_health_score" yaml:"min_health_score"` // Plans whose expected health falls below are not submitted

	// --- Execution ---
	AmmSlippageBps   float64 `json:"amm_slippage_bps" yaml:"amm_slippage_bps"`
	VenueSlippageBps float64 `json:"venue_slippage_bps" yaml:"venue_slippage_bps"`

	// --- Orchestration ---
	TriggerPolicy           TriggerPolicy `json:"trigger_policy" yaml:"trigger_policy"`
	SubmitTimeout           Duration      `json:"submit_timeout" yaml:"submit_timeout"`
	ResyncInterval          Duration      `json:"resync_interval" yaml:"resync_interval"`
	PriceMaxAge             Duration      `json:"price_max_age" yaml:"price_max_age"`
	MaxSubmissionsPerMinute float64       `json:"max_submissions_per_minute" yaml:"max_submissions_per_minute"`
}
