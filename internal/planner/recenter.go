package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/incept-protocol/comet-manager/internal/analyzer"
	"github.com/incept-protocol/comet-manager/internal/types"
)

// recenterPriceTolerance is the distance between entry and pool price below which a position is
// considered centered.
const recenterPriceTolerance = 1e-8

// RecenterResult is the projected state of a single-pool comet after recentering.
type RecenterResult struct {
	HealthScore float64 `json:"health_score"`
	OnusdCost   float64 `json:"onusd_cost"` // Positive when collateral must cover the trade
	LowerPrice  float64 `json:"lower_price"`
	UpperPrice  float64 `json:"upper_price"`
	InitPrice   float64 `json:"init_price"` // Entry price implied by the borrowed amounts

	ResultPool     types.Pool          `json:"result_pool"`
	ResultPosition types.CometPosition `json:"result_position"`
	Collateral     float64             `json:"collateral"`
}

// CalculateCometRecenterSinglePool projects the trade that brings the claimable reserves of a
// position back to its borrowed amounts, and the collateral it costs.
//
// When the pool price rose since entry the position owes onAsset and holds surplus onUSD: the debt
// is bought back from the pool and the surplus offsets its cost. When the price fell the surplus
// onAsset is sold and the proceeds offset the onUSD debt. Health and range are evaluated on the pool
// after that trade.
func CalculateCometRecenterSinglePool(pool types.Pool, position types.CometPosition, collateral float64) (RecenterResult, error) {
	if _, err := analyzer.PositionILD(pool, position); err != nil {
		return RecenterResult{}, err
	}
	if math.IsNaN(collateral) || math.IsInf(collateral, 0) || collateral < 0 {
		return RecenterResult{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: collateral %f", ErrInvalidPlanInput, collateral))
	}

	poolPrice := pool.PoolPrice()
	if position.BorrowedOnusd <= 0 || position.BorrowedOnasset <= 0 || pool.LiquidityTokenSupply <= 0 {
		return recenterNoop(pool, position, collateral, poolPrice)
	}
	initPrice := position.BorrowedOnusd / position.BorrowedOnasset
	if math.Abs(initPrice-poolPrice) < recenterPriceTolerance {
		return recenterNoop(pool, position, collateral, initPrice)
	}

	x, y := pool.OnusdAmount, pool.OnassetAmount
	inv := x * y
	ratio := position.LiquidityTokenValue / pool.LiquidityTokenSupply

	var cost, nextOnusd, nextOnasset float64
	if initPrice < poolPrice {
		onassetDebt := position.BorrowedOnasset - ratio*y
		onusdSurplus := ratio*x - position.BorrowedOnusd
		if onassetDebt >= y {
			return RecenterResult{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: onasset debt %f exceeds pool reserve %f", ErrInvalidPlanInput, onassetDebt, y))
		}
		requiredOnusd := inv/(y-onassetDebt) - x
		cost = requiredOnusd - onusdSurplus
		nextOnusd, nextOnasset = x+requiredOnusd, y-onassetDebt
	} else {
		onassetSurplus := ratio*y - position.BorrowedOnasset
		onusdDebt := position.BorrowedOnusd - ratio*x
		receivedOnusd := x - inv/(y+onassetSurplus)
		cost = onusdDebt - receivedOnusd
		nextOnusd, nextOnasset = x-receivedOnusd, y+onassetSurplus
	}

	if nextOnusd <= 0 || nextOnasset <= 0 {
		return RecenterResult{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: recenter drains pool %d", ErrInvalidPlanInput, pool.Index))
	}

	resultPool := pool
	resultPool.OnusdAmount = nextOnusd
	resultPool.OnassetAmount = nextOnasset

	resultPosition := position
	resultPosition.BorrowedOnusd = ratio * nextOnusd
	resultPosition.BorrowedOnasset = ratio * nextOnasset

	remaining := collateral - cost
	if remaining < 0 {
		remaining = 0
	}

	projected, err := analyzer.EditSinglePoolCometWithOnusdBorrowed(resultPool, resultPosition, remaining, 0, 0)
	if err != nil {
		return RecenterResult{}, err
	}

	return RecenterResult{
		HealthScore:    projected.HealthScore,
		OnusdCost:      cost,
		LowerPrice:     projected.LowerPrice,
		UpperPrice:     projected.UpperPrice,
		InitPrice:      initPrice,
		ResultPool:     resultPool,
		ResultPosition: resultPosition,
		Collateral:     remaining,
	}, nil
}

func recenterNoop(pool types.Pool, position types.CometPosition, collateral, initPrice float64) (RecenterResult, error) {
	current, err := analyzer.EditSinglePoolCometWithOnusdBorrowed(pool, position, collateral, 0, 0)
	if err != nil {
		return RecenterResult{}, err
	}
	return RecenterResult{
		HealthScore:    current.HealthScore,
		LowerPrice:     current.LowerPrice,
		UpperPrice:     current.UpperPrice,
		InitPrice:      initPrice,
		ResultPool:     pool,
		ResultPosition: position,
		Collateral:     collateral,
	}, nil
}
