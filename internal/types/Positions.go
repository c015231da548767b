/*

This file contains the types for comet positions and the ordered operations the manager submits to recenter them.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
)

// CometPosition is a single liquidity position inside a comet.
type CometPosition struct {
	PoolIndex           PoolIndex `json:"pool_index"`
	BorrowedOnusd       float64   `json:"borrowed_onusd"`        // onUSD owed by the position
	BorrowedOnasset     float64   `json:"borrowed_onasset"`      // onAsset owed by the position
	LiquidityTokenValue float64   `json:"liquidity_token_value"` // Claim on the pool LP supply
}

// CometCollateral is a single collateral deposit inside a comet.
type CometCollateral struct {
	CollateralIndex  uint64  `json:"collateral_index"`
	CollateralAmount float64 `json:"collateral_amount"`
}

// Comet aggregates positions and collaterals of one owner.
// Only the first numPositions / numCollaterals on chain slots are kept.
type Comet struct {
	Owner       solana.PublicKey  `json:"owner"`
	Positions   []CometPosition   `json:"positions"`
	Collaterals []CometCollateral `json:"collaterals"`
}

// ManagerStatus mirrors the comet manager lifecycle.
type ManagerStatus uint8

const (
	ManagerStatusOpen ManagerStatus = iota
	ManagerStatusClosing
	ManagerStatusLiquidated
)

func (s ManagerStatus) String() string {
	switch s {
	case ManagerStatusOpen:
		return "open"
	case ManagerStatusClosing:
		return "closing"
	case ManagerStatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// ManagerInfo is the read-only context of the pooled fund wrapping the comet.
type ManagerInfo struct {
	InceptProgram solana.PublicKey `json:"incept_program"`
	Owner         solana.PublicKey `json:"owner"`
	Comet         solana.PublicKey `json:"comet"`
	Status        ManagerStatus    `json:"status"`
}

// OperationType defines the low-level instructions of a recentering transaction.
type OperationType string

const (
	OpUpdatePrices      OperationType = "UPDATE_PRICES"
	OpWithdrawLiquidity OperationType = "WITHDRAW_LIQUIDITY"
	OpBuyOnasset        OperationType = "BUY_ONASSET"  // Buy onAsset from the protocol AMM with onUSD
	OpSellOnasset       OperationType = "SELL_ONASSET" // Sell onAsset into the protocol AMM for onUSD
	OpVenueSwap         OperationType = "VENUE_SWAP"   // Convert between underlying and wrapped asset on the external venue
	OpMintOnusd         OperationType = "MINT_ONUSD"
	OpBurnOnusd         OperationType = "BURN_ONUSD"
	OpPayILD            OperationType = "PAY_ILD"
	OpAddLiquidity      OperationType = "ADD_LIQUIDITY"
)

// VenueDirection tells which way the external venue leg converts.
type VenueDirection string

const (
	VenueUnderlyingToWrapped VenueDirection = "UNDERLYING_TO_WRAPPED"
	VenueWrappedToUnderlying VenueDirection = "WRAPPED_TO_UNDERLYING"
)

// ILDSide is the denomination an impermanent loss debt payment settles.
type ILDSide string

const (
	ILDSideOnusd   ILDSide = "ONUSD"
	ILDSideOnasset ILDSide = "ONASSET"
)

// Operation is a single step of a recentering transaction.
// Amounts are integer units at the protocol token scale, floored.
type Operation struct {
	Type          OperationType `json:"type"`
	PoolIndex     PoolIndex     `json:"pool_index"`
	PositionIndex int           `json:"position_index"`

	Amount         sdkmath.Int `json:"amount"`                    // Instruction amount
	Threshold      sdkmath.Int `json:"threshold,omitempty"`       // Slippage guard (max in for buys, min out for sells)
	ExpectedAmount float64     `json:"expected_amount,omitempty"` // Expected counter amount of the step

	PoolIndices    []PoolIndex    `json:"pool_indices,omitempty"`    // For UPDATE_PRICES
	VenueDirection VenueDirection `json:"venue_direction,omitempty"` // For VENUE_SWAP
	ILDSide        ILDSide        `json:"ild_side,omitempty"`        // For PAY_ILD
}

// BreachDirection records which side of the oracle band the pool price left.
type BreachDirection string

const (
	BreachHigher BreachDirection = "HIGHER_BREACHED"
	BreachLower  BreachDirection = "LOWER_BREACHED"
)

// RecenterPlan is the full ordered sequence submitted as one atomic transaction.
type RecenterPlan struct {
	PlanID              string           `json:"plan_id"`
	Program             solana.PublicKey `json:"program"`
	Comet               solana.PublicKey `json:"comet"`
	PoolIndex           PoolIndex        `json:"pool_index"`
	PositionIndex       int              `json:"position_index"`
	Direction           BreachDirection  `json:"direction"`
	PoolPrice           float64          `json:"pool_price"`
	OraclePrice         float64          `json:"oracle_price"`
	Operations          []Operation      `json:"operations"`
	HealthScoreBefore   float64          `json:"health_score_before"`
	ExpectedHealthScore float64          `json:"expected_health_score"`
	ExpectedPoolPrice   float64          `json:"expected_pool_price"`
	CreatedAt           time.Time        `json:"created_at"`
}

// SubmitResult is returned by a submitter once the transaction has been accepted.
type SubmitResult struct {
	Signature   string    `json:"signature"`
	SubmittedAt time.Time `json:"submitted_at"`
	DryRun      bool      `json:"dry_run"`
}
