/*

This file contains the types for recentering cycle snapshots persisted for audit and the dashboard.

*/

package types

import "time"

// CycleOutcome summarizes how a recentering cycle ended.
type CycleOutcome string

const (
	CycleOutcomeNoBreach  CycleOutcome = "NO_BREACH"
	CycleOutcomeSubmitted CycleOutcome = "SUBMITTED"
	CycleOutcomeSkipped   CycleOutcome = "SKIPPED" // Recoverable error or throttled
	CycleOutcomeFailed    CycleOutcome = "FAILED"  // Submission failure
	CycleOutcomeAborted   CycleOutcome = "ABORTED" // Fatal error
)

// CycleSnapshot captures a single evaluation of one managed position.
type CycleSnapshot struct {
	SnapshotID        int64         `json:"snapshot_id"`
	CycleID           string        `json:"cycle_id"`
	CycleNumber       int           `json:"cycle_number"`
	StrategyParamsID  *int64        `json:"strategy_params_id,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	Trigger           string        `json:"trigger"`
	PoolIndex         PoolIndex     `json:"pool_index"`
	PositionIndex     int           `json:"position_index"`
	Outcome           CycleOutcome  `json:"outcome"`
	PoolPrice         float64       `json:"pool_price"`
	OraclePrice       float64       `json:"oracle_price"`
	HealthScoreBefore float64       `json:"health_score_before"`
	HealthScoreAfter  float64       `json:"health_score_after"` // Expected, from the simulated post-plan state
	Plan              *RecenterPlan `json:"plan,omitempty"`
	Signatures        []string      `json:"signatures"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	DurationMs        int64         `json:"duration_ms"`
}

// PositionHealth is the latest health view of a managed position served by the status API.
type PositionHealth struct {
	PositionIndex   int       `json:"position_index"`
	PoolIndex       PoolIndex `json:"pool_index"`
	HealthScore     float64   `json:"health_score"`
	ILDHealthImpact float64   `json:"ild_health_impact"`
	OnusdILD        float64   `json:"onusd_ild"`
	OnassetILD      float64   `json:"onasset_ild"`
	LowerPrice      float64   `json:"lower_price"`
	UpperPrice      float64   `json:"upper_price"`
	PoolPrice       float64   `json:"pool_price"`
	OraclePrice     float64   `json:"oracle_price"`
	UpdatedAt       time.Time `json:"updated_at"`
}
