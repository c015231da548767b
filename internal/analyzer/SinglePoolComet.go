/*

This file contains the single-pool comet solvers.

Given a collateral amount and a single liquidity position, they derive the price range inside which
the comet health score stays non-negative. The forward direction (position size -> price range) is
closed form; the inverse (target price -> position size) runs the shared bisection, relying on the
lower bound rising and the upper bound falling as the position grows.

*/

package analyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/incept-protocol/comet-manager/internal/rootfind"
	"github.com/incept-protocol/comet-manager/internal/types"
)

var ErrInvalidCoefficients = errors.New("health score coefficients must be positive")
var ErrInvalidTargetPrice = errors.New("target price is on the wrong side of the pool price")
var ErrInvalidEdit = errors.New("position edit is out of bounds")

// SinglePoolComet is the projected state of a comet holding one position.
type SinglePoolComet struct {
	OnusdBorrowed    float64 `json:"onusd_borrowed"`
	OnassetBorrowed  float64 `json:"onasset_borrowed"`
	OnusdChange      float64 `json:"onusd_change"` // Liquidity added (>0) or removed (<0), edits only
	ClaimableRatio   float64 `json:"claimable_ratio"`
	Collateral       float64 `json:"collateral"`
	HealthScore      float64 `json:"health_score"`
	ILDHealthImpact  float64 `json:"ild_health_impact"`
	LowerPrice       float64 `json:"lower_price"`
	UpperPrice       float64 `json:"upper_price"` // +Inf when no onAsset is owed
	MaxOnusdPosition float64 `json:"max_onusd_position"`
	PoolPrice        float64 `json:"pool_price"` // Pool price after the position change
}

// singlePoolState is a position together with the pool reserves it is measured against.
type singlePoolState struct {
	onusdReserve    float64
	onassetReserve  float64
	onusdBorrowed   float64
	onassetBorrowed float64
	ratio           float64 // Share of the pool claimable by the position
	collateral      float64
}

func (s singlePoolState) price() float64 {
	return s.onusdReserve / s.onassetReserve
}

func (s singlePoolState) invariant() float64 {
	return s.onusdReserve * s.onassetReserve
}

// NewSinglePoolCometFromOnusdBorrowed projects a fresh comet that borrows onusdBorrowed onUSD and
// the matching onAsset at pool price, and deposits both as liquidity.
func NewSinglePoolCometFromOnusdBorrowed(pool types.Pool, collateral, onusdBorrowed float64) (SinglePoolComet, error) {
	if err := validateSinglePoolInputs(pool, collateral); err != nil {
		return SinglePoolComet{}, err
	}
	if !isFiniteNonNegative(onusdBorrowed) {
		return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: onusd borrowed %f", ErrInvalidPositionData, onusdBorrowed))
	}

	onassetBorrowed := onusdBorrowed / pool.PoolPrice()
	state := singlePoolState{
		onusdReserve:    pool.OnusdAmount + onusdBorrowed,
		onassetReserve:  pool.OnassetAmount + onassetBorrowed,
		onusdBorrowed:   onusdBorrowed,
		onassetBorrowed: onassetBorrowed,
		ratio:           onusdBorrowed / (onusdBorrowed + pool.OnusdAmount),
		collateral:      collateral,
	}
	result, err := evaluateSinglePool(pool, state)
	if err != nil {
		return SinglePoolComet{}, err
	}
	result.OnusdChange = onusdBorrowed
	return result, nil
}

// NewSinglePoolCometFromRange sizes a fresh comet so that the requested bound of its safe range
// sits at price. The lower bound must be below the pool price and the upper bound above it.
func NewSinglePoolCometFromRange(pool types.Pool, collateral, price float64, isLowerPrice bool) (SinglePoolComet, error) {
	if err := validateSinglePoolInputs(pool, collateral); err != nil {
		return SinglePoolComet{}, err
	}
	if err := validateTargetPrice(pool.PoolPrice(), price, isLowerPrice); err != nil {
		return SinglePoolComet{}, err
	}

	maxPosition := maxOnusdPosition(pool, collateral)
	residual := func(borrowed float64) float64 {
		comet, err := NewSinglePoolCometFromOnusdBorrowed(pool, collateral, borrowed)
		if err != nil {
			return math.NaN()
		}
		return boundResidual(comet, price, isLowerPrice)
	}

	res, err := rootfind.Bisect(residual, 0, maxPosition, rootfind.RangeSearch.WithDirection(isLowerPrice))
	if err != nil {
		return SinglePoolComet{}, err
	}
	return NewSinglePoolCometFromOnusdBorrowed(pool, collateral, res.X)
}

// EditSinglePoolCometWithOnusdBorrowed projects an existing position after adding onusdChange onUSD
// of liquidity (minting onAsset at pool price) or withdrawing it pro rata when negative.
// Withdrawn amounts repay the borrowed balances first, surplus onUSD returns to collateral.
func EditSinglePoolCometWithOnusdBorrowed(pool types.Pool, position types.CometPosition, collateral, collateralChange, onusdChange float64) (SinglePoolComet, error) {
	if err := validateSinglePoolInputs(pool, collateral); err != nil {
		return SinglePoolComet{}, err
	}
	if _, err := PositionILD(pool, position); err != nil {
		return SinglePoolComet{}, err
	}
	if math.IsNaN(collateralChange) || math.IsInf(collateralChange, 0) || math.IsNaN(onusdChange) || math.IsInf(onusdChange, 0) {
		return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: collateral change %f onusd change %f", ErrInvalidEdit, collateralChange, onusdChange))
	}

	price := pool.PoolPrice()
	supply := pool.LiquidityTokenSupply
	state := singlePoolState{
		onusdReserve:    pool.OnusdAmount,
		onassetReserve:  pool.OnassetAmount,
		onusdBorrowed:   position.BorrowedOnusd,
		onassetBorrowed: position.BorrowedOnasset,
		collateral:      collateral + collateralChange,
	}
	lpValue := position.LiquidityTokenValue

	switch {
	case onusdChange > 0:
		minted := onusdChange / pool.OnusdAmount * supply
		if supply == 0 {
			minted = onusdChange
		}
		state.onusdReserve += onusdChange
		state.onassetReserve += onusdChange / price
		state.onusdBorrowed += onusdChange
		state.onassetBorrowed += onusdChange / price
		lpValue += minted
		supply += minted
	case onusdChange < 0:
		withdrawn := -onusdChange
		if withdrawable := claimableOnusd(pool, position); withdrawn > withdrawable*(1+1e-12) {
			return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: withdraw %f exceeds claimable %f", ErrInvalidEdit, withdrawn, withdrawable))
		}
		burned := math.Min(withdrawn/pool.OnusdAmount*supply, lpValue)
		state.onusdReserve -= withdrawn
		state.onassetReserve -= withdrawn / price
		lpValue -= burned
		supply -= burned

		if surplus := withdrawn - state.onusdBorrowed; surplus > 0 {
			state.collateral += surplus
		}
		state.onusdBorrowed = math.Max(state.onusdBorrowed-withdrawn, 0)
		state.onassetBorrowed = math.Max(state.onassetBorrowed-withdrawn/price, 0)
	}

	if state.collateral < 0 {
		return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: resulting collateral %f", ErrInvalidEdit, state.collateral))
	}
	if state.onusdReserve <= 0 || state.onassetReserve <= 0 {
		return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: withdrawal drains pool %d", ErrInvalidEdit, pool.Index))
	}
	if supply > 0 {
		state.ratio = lpValue / supply
	}

	result, err := evaluateSinglePool(pool, state)
	if err != nil {
		return SinglePoolComet{}, err
	}
	result.OnusdChange = onusdChange
	return result, nil
}

// EditSinglePoolCometWithRange finds the liquidity change that places the requested bound of the
// edited position's safe range at price.
func EditSinglePoolCometWithRange(pool types.Pool, position types.CometPosition, collateral, collateralChange, price float64, isLowerPrice bool) (SinglePoolComet, error) {
	if err := validateSinglePoolInputs(pool, collateral); err != nil {
		return SinglePoolComet{}, err
	}
	if err := validateTargetPrice(pool.PoolPrice(), price, isLowerPrice); err != nil {
		return SinglePoolComet{}, err
	}
	if _, err := PositionILD(pool, position); err != nil {
		return SinglePoolComet{}, err
	}

	lo := -claimableOnusd(pool, position)
	hi := maxOnusdPosition(pool, collateral+collateralChange) - position.BorrowedOnusd
	if hi < lo {
		return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: no room to edit, bracket [%f, %f]", ErrInvalidEdit, lo, hi))
	}

	residual := func(change float64) float64 {
		comet, err := EditSinglePoolCometWithOnusdBorrowed(pool, position, collateral, collateralChange, change)
		if err != nil {
			return math.NaN()
		}
		return boundResidual(comet, price, isLowerPrice)
	}

	res, err := rootfind.Bisect(residual, lo, hi, rootfind.RangeSearch.WithDirection(isLowerPrice))
	if err != nil {
		return SinglePoolComet{}, err
	}
	return EditSinglePoolCometWithOnusdBorrowed(pool, position, collateral, collateralChange, res.X)
}

// evaluateSinglePool scores the state and solves both branches of the range.
// Below the pool price the debt is onUSD: borrowed - r*x. Above it the debt is onAsset valued at
// the moved price: (borrowed - r*inv/x) * x^2/inv. Each branch is set equal to the IL budget left
// by the position term of the health score.
func evaluateSinglePool(pool types.Pool, s singlePoolState) (SinglePoolComet, error) {
	price := s.price()
	onusdILD := math.Max(s.onusdBorrowed-s.ratio*s.onusdReserve, 0)
	onassetILD := math.Max(s.onassetBorrowed-s.ratio*s.onassetReserve, 0)
	ilLoss := pool.IlHealthScoreCoefficient * (onusdILD + price*onassetILD)
	positionLoss := pool.PositionHealthScoreCoefficient * s.onusdBorrowed

	result := SinglePoolComet{
		OnusdBorrowed:    s.onusdBorrowed,
		OnassetBorrowed:  s.onassetBorrowed,
		ClaimableRatio:   s.ratio,
		Collateral:       s.collateral,
		HealthScore:      100,
		MaxOnusdPosition: maxOnusdPosition(pool, s.collateral),
		PoolPrice:        price,
	}
	if loss := ilLoss + positionLoss; loss > 0 {
		if s.collateral <= 0 {
			return SinglePoolComet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: loss %f", ErrNoCollateral, loss))
		}
		result.HealthScore = 100 - loss/s.collateral
		result.ILDHealthImpact = ilLoss / s.collateral
	}

	result.LowerPrice, result.UpperPrice = priceRange(s, (100*s.collateral-positionLoss)/pool.IlHealthScoreCoefficient, result.HealthScore)
	return result, nil
}

func priceRange(s singlePoolState, maxILD, healthScore float64) (lower, upper float64) {
	price := s.price()
	if s.onusdBorrowed == 0 && s.onassetBorrowed == 0 {
		return 0, math.Inf(1)
	}
	// A position already at or past the liquidation boundary, or without any liquidity, has no range
	if maxILD <= 0 || healthScore <= 0 || s.ratio <= 0 {
		return price, price
	}

	inv := s.invariant()

	x := math.Max((s.onusdBorrowed-maxILD)/s.ratio, 0)
	lower = math.Min(x*x/inv, price)

	if s.onassetBorrowed == 0 {
		return lower, math.Inf(1)
	}
	a := s.onassetBorrowed / inv
	b := -s.ratio
	c := -maxILD
	x = (-b + math.Sqrt(b*b-4*a*c)) / (2 * a)
	upper = math.Max(x*x/inv, price)

	return lower, upper
}

// boundResidual is the relative distance of the solved bound from the target.
func boundResidual(comet SinglePoolComet, target float64, isLowerPrice bool) float64 {
	if isLowerPrice {
		return comet.LowerPrice/target - 1
	}
	return comet.UpperPrice/target - 1
}

func maxOnusdPosition(pool types.Pool, collateral float64) float64 {
	return 100 * collateral / pool.PositionHealthScoreCoefficient
}

func claimableOnusd(pool types.Pool, position types.CometPosition) float64 {
	if pool.LiquidityTokenSupply <= 0 {
		return 0
	}
	return position.LiquidityTokenValue / pool.LiquidityTokenSupply * pool.OnusdAmount
}

func validateSinglePoolInputs(pool types.Pool, collateral float64) error {
	if err := validatePool(pool); err != nil {
		return err
	}
	if !isFinitePositive(pool.PositionHealthScoreCoefficient) || !isFinitePositive(pool.IlHealthScoreCoefficient) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: position=%f il=%f", ErrInvalidCoefficients, pool.PositionHealthScoreCoefficient, pool.IlHealthScoreCoefficient))
	}
	if !isFiniteNonNegative(collateral) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: collateral %f", ErrInvalidPositionData, collateral))
	}
	return nil
}

func validateTargetPrice(poolPrice, price float64, isLowerPrice bool) error {
	if !isFinitePositive(price) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidTargetPrice, price))
	}
	if (isLowerPrice && price >= poolPrice) || (!isLowerPrice && price <= poolPrice) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: target %f pool %f lower=%t", ErrInvalidTargetPrice, price, poolPrice, isLowerPrice))
	}
	return nil
}
