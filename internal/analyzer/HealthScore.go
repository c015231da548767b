/*

This file contains the health score engine: effective collateral, impermanent loss debt and the
aggregate comet health score.

*/

package analyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/types"
)

var ErrNoCollateral = errors.New("comet carries loss without any effective collateral")
var ErrInvalidPoolData = errors.New("invalid pool data")
var ErrInvalidPositionData = errors.New("invalid position data")
var healthLogger = logger.GetForComponent("health_analyzer")

// ILD is the impermanent loss debt of one position, per denomination.
type ILD struct {
	OnusdILD         float64 `json:"onusd_ild"`
	OnassetILD       float64 `json:"onasset_ild"`
	ClaimableOnusd   float64 `json:"claimable_onusd"`
	ClaimableOnasset float64 `json:"claimable_onasset"`
}

// ValueInOnusd values the debt at the given onAsset price.
func (i ILD) ValueInOnusd(price float64) float64 {
	return i.OnusdILD + price*i.OnassetILD
}

// HealthScore is the solvency summary of a comet.
// Score is 100 without any loss and goes negative once the comet is liquidatable.
type HealthScore struct {
	Score               float64 `json:"score"`
	ILDHealthImpact     float64 `json:"ild_health_impact"`
	TotalLoss           float64 `json:"total_loss"`
	EffectiveCollateral float64 `json:"effective_collateral"`
}

// EffectiveCollateralValue sums the onUSD value of every comet collateral.
// Stable collateral counts at face value, other collateral at oracle price discounted by the
// crypto collateral ratio of the pool it is priced by.
func EffectiveCollateralValue(tokenData types.TokenData, comet types.Comet) (float64, error) {
	total := 0.0
	for i, c := range comet.Collaterals {
		if !isFiniteNonNegative(c.CollateralAmount) {
			return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: collateral slot %d amount %f", ErrInvalidPositionData, i, c.CollateralAmount))
		}

		collateral, ok := tokenData.Collateral(c.CollateralIndex)
		if !ok {
			return 0, errors.Join(types.ErrMissingMarketData, fmt.Errorf("collateral index %d not loaded", c.CollateralIndex))
		}
		if collateral.Stable {
			total += c.CollateralAmount
			continue
		}

		pool, ok := tokenData.Pool(collateral.PoolIndex)
		if !ok {
			return 0, errors.Join(types.ErrMissingMarketData, fmt.Errorf("pool %d pricing collateral %d not loaded", collateral.PoolIndex, c.CollateralIndex))
		}
		price := pool.AssetInfo.Price
		if price == 0 {
			return 0, errors.Join(types.ErrMissingMarketData, fmt.Errorf("no oracle price for pool %d", collateral.PoolIndex))
		}
		ratio := pool.AssetInfo.CryptoCollateralRatio
		if !isFinitePositive(price) || !isFinitePositive(ratio) {
			return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d price=%f ratio=%f", ErrInvalidPoolData, collateral.PoolIndex, price, ratio))
		}
		total += price * c.CollateralAmount / ratio
	}
	return total, nil
}

// PositionILD computes the claimable reserves of a position and the debt on the deficit side.
func PositionILD(pool types.Pool, position types.CometPosition) (ILD, error) {
	if err := validatePool(pool); err != nil {
		return ILD{}, err
	}
	if !isFiniteNonNegative(position.BorrowedOnusd) || !isFiniteNonNegative(position.BorrowedOnasset) || !isFiniteNonNegative(position.LiquidityTokenValue) {
		return ILD{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d borrowed=(%f, %f) lp=%f",
			ErrInvalidPositionData, position.PoolIndex, position.BorrowedOnusd, position.BorrowedOnasset, position.LiquidityTokenValue))
	}

	ratio := 0.0
	if pool.LiquidityTokenSupply > 0 {
		ratio = position.LiquidityTokenValue / pool.LiquidityTokenSupply
	}
	claimableOnusd := ratio * pool.OnusdAmount
	claimableOnasset := ratio * pool.OnassetAmount

	return ILD{
		OnusdILD:         math.Max(position.BorrowedOnusd-claimableOnusd, 0),
		OnassetILD:       math.Max(position.BorrowedOnasset-claimableOnasset, 0),
		ClaimableOnusd:   claimableOnusd,
		ClaimableOnasset: claimableOnasset,
	}, nil
}

// CalculateHealthScore aggregates the loss of every comet position against its effective collateral.
// Each position contributes its ILD weighted by the IL coefficient plus its full borrowed onUSD
// weighted by the position coefficient.
func CalculateHealthScore(tokenData types.TokenData, comet types.Comet) (HealthScore, error) {
	collateral, err := EffectiveCollateralValue(tokenData, comet)
	if err != nil {
		return HealthScore{}, err
	}

	var ilLoss, positionLoss float64
	for i, position := range comet.Positions {
		pool, ok := tokenData.Pool(position.PoolIndex)
		if !ok {
			return HealthScore{}, errors.Join(types.ErrMissingMarketData, fmt.Errorf("pool %d of position %d not loaded", position.PoolIndex, i))
		}
		ild, err := PositionILD(pool, position)
		if err != nil {
			return HealthScore{}, err
		}

		ilLoss += pool.IlHealthScoreCoefficient * ild.ValueInOnusd(pool.PoolPrice())
		positionLoss += pool.PositionHealthScoreCoefficient * position.BorrowedOnusd
	}

	result := HealthScore{
		Score:               100,
		TotalLoss:           ilLoss + positionLoss,
		EffectiveCollateral: collateral,
	}
	if result.TotalLoss == 0 {
		return result, nil
	}
	if collateral <= 0 {
		return HealthScore{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: loss %f", ErrNoCollateral, result.TotalLoss))
	}

	result.Score = 100 - result.TotalLoss/collateral
	result.ILDHealthImpact = ilLoss / collateral

	healthLogger.Debug().
		Float64("score", result.Score).
		Float64("ildImpact", result.ILDHealthImpact).
		Float64("collateral", collateral).
		Int("positions", len(comet.Positions)).
		Msg("Calculated comet health score")

	return result, nil
}

func validatePool(pool types.Pool) error {
	if !isFinitePositive(pool.OnusdAmount) || !isFinitePositive(pool.OnassetAmount) || !isFiniteNonNegative(pool.LiquidityTokenSupply) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d reserves=(%f, %f) supply=%f",
			ErrInvalidPoolData, pool.Index, pool.OnusdAmount, pool.OnassetAmount, pool.LiquidityTokenSupply))
	}
	if !isFiniteNonNegative(pool.PositionHealthScoreCoefficient) || !isFiniteNonNegative(pool.IlHealthScoreCoefficient) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d coefficients position=%f il=%f",
			ErrInvalidPoolData, pool.Index, pool.PositionHealthScoreCoefficient, pool.IlHealthScoreCoefficient))
	}
	return nil
}

func isFinitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func isFiniteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
