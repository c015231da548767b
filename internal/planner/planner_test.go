package planner

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/analyzer"
	"github.com/incept-protocol/comet-manager/internal/types"
	"github.com/incept-protocol/comet-manager/internal/utils"
)

const (
	depositedOnusd   = 1_020_000.0
	depositedOnasset = 102_000.0
)

// poolAtPrice is the pool holding the test position, moved along its invariant to price.
func poolAtPrice(price float64) types.Pool {
	inv := depositedOnusd * depositedOnasset
	onusd := math.Sqrt(price * inv)
	return types.Pool{
		Index:                          0,
		OnusdAmount:                    onusd,
		OnassetAmount:                  inv / onusd,
		LiquidityTokenSupply:           1_020_000,
		LiquidityTradingFee:            0.002,
		TreasuryTradingFee:             0.001,
		AssetInfo:                      types.AssetInfo{Price: 10, CryptoCollateralRatio: 1.5},
		PositionHealthScoreCoefficient: 1.05,
		IlHealthScoreCoefficient:       100,
	}
}

// testPosition entered the pool at price 10.
func testPosition() types.CometPosition {
	return types.CometPosition{PoolIndex: 0, BorrowedOnusd: 20_000, BorrowedOnasset: 2_000, LiquidityTokenValue: 20_000}
}

func testPlanInput(poolPrice, oraclePrice float64) PlanInput {
	return PlanInput{
		PlanID: "plan-1",
		TokenData: types.TokenData{
			Pools:       []types.Pool{poolAtPrice(poolPrice)},
			Collaterals: []types.Collateral{{Index: 0, Stable: true}},
		},
		Comet: types.Comet{
			Positions:   []types.CometPosition{testPosition()},
			Collaterals: []types.CometCollateral{{CollateralIndex: 0, CollateralAmount: 5_000}},
		},
		PositionIndex: 0,
		OraclePrice:   oraclePrice,
		Params: types.StrategyParameters{
			PriceThreshold:   0.01,
			AmmSlippageBps:   50,
			VenueSlippageBps: 30,
		},
		Now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func operationTypes(plan *types.RecenterPlan) []types.OperationType {
	out := make([]types.OperationType, 0, len(plan.Operations))
	for _, op := range plan.Operations {
		out = append(out, op.Type)
	}
	return out
}

func TestCalculateCometRecenterSinglePool_CenteredIsNoop(t *testing.T) {
	res, err := CalculateCometRecenterSinglePool(poolAtPrice(10), testPosition(), 1_000)
	require.NoError(t, err)
	assert.Zero(t, res.OnusdCost)
	assert.InDelta(t, 100-1.05*20, res.HealthScore, 1e-9)
	assert.Less(t, res.LowerPrice, 10.0)
	assert.Greater(t, res.UpperPrice, 10.0)
}

func TestCalculateCometRecenterSinglePool_Branches(t *testing.T) {
	for _, price := range []float64{11, 9} {
		pool := poolAtPrice(price)
		res, err := CalculateCometRecenterSinglePool(pool, testPosition(), 1_000)
		require.NoError(t, err, "price %f", price)

		// Divergence always costs collateral
		assert.Greater(t, res.OnusdCost, 0.0, "price %f", price)
		assert.InDelta(t, 1_000-res.OnusdCost, res.Collateral, 1e-9)
		assert.InDelta(t, 10, res.InitPrice, 1e-9)

		// The input pool is left untouched
		assert.Equal(t, poolAtPrice(price), pool)

		// Claimable reserves match the borrowed amounts on the post-trade pool
		ild, err := analyzer.PositionILD(res.ResultPool, res.ResultPosition)
		require.NoError(t, err)
		assert.InDelta(t, 0, ild.OnusdILD, 1e-6)
		assert.InDelta(t, 0, ild.OnassetILD, 1e-6)
		assert.LessOrEqual(t, res.LowerPrice, res.ResultPool.PoolPrice())
		assert.GreaterOrEqual(t, res.UpperPrice, res.ResultPool.PoolPrice())
	}
}

func TestCalculateCometRecenterSinglePool_Idempotent(t *testing.T) {
	for _, price := range []float64{12, 8.5} {
		first, err := CalculateCometRecenterSinglePool(poolAtPrice(price), testPosition(), 1_000)
		require.NoError(t, err)

		second, err := CalculateCometRecenterSinglePool(first.ResultPool, first.ResultPosition, first.Collateral)
		require.NoError(t, err)
		assert.InDelta(t, 0, second.OnusdCost, 1e-9, "price %f", price)
		assert.InDelta(t, first.HealthScore, second.HealthScore, 1e-9)
	}
}

func TestCalculateCometRecenterSinglePool_PriceDirection(t *testing.T) {
	up, err := CalculateCometRecenterSinglePool(poolAtPrice(11), testPosition(), 1_000)
	require.NoError(t, err)
	// Buying back onAsset debt pushes the price further up
	assert.Greater(t, up.ResultPool.PoolPrice(), 11.0)

	down, err := CalculateCometRecenterSinglePool(poolAtPrice(9), testPosition(), 1_000)
	require.NoError(t, err)
	assert.Less(t, down.ResultPool.PoolPrice(), 9.0)
}

func TestPlanRecenter_NoBreach(t *testing.T) {
	_, err := PlanRecenter(testPlanInput(10, 10.05))
	assert.ErrorIs(t, err, ErrNoBreach)
}

func TestPlanRecenter_HigherBreached(t *testing.T) {
	input := testPlanInput(11, 10)
	plan, err := PlanRecenter(input)
	require.NoError(t, err)

	assert.Equal(t, []types.OperationType{
		types.OpUpdatePrices,
		types.OpWithdrawLiquidity,
		types.OpSellOnasset,
		types.OpVenueSwap,
		types.OpBurnOnusd,
		types.OpPayILD,
		types.OpAddLiquidity,
	}, operationTypes(plan))

	assert.Equal(t, types.BreachHigher, plan.Direction)
	assert.Equal(t, "plan-1", plan.PlanID)
	assert.Equal(t, input.Now, plan.CreatedAt)
	assert.Equal(t, []types.PoolIndex{0}, plan.Operations[0].PoolIndices)
	assert.Equal(t, types.ILDSideOnasset, plan.Operations[5].ILDSide)
	assert.Equal(t, types.VenueUnderlyingToWrapped, plan.Operations[3].VenueDirection)

	// Selling guards the minimum onUSD received
	sell := plan.Operations[2]
	expected, err := utils.ToTokenUnits(sell.ExpectedAmount)
	require.NoError(t, err)
	assert.True(t, sell.Threshold.LT(expected))
	assert.True(t, sell.Amount.IsPositive())

	// The burn spends exactly the guaranteed proceeds
	assert.True(t, plan.Operations[4].Amount.Equal(sell.Threshold))
	assert.True(t, plan.Operations[3].Amount.Equal(sell.Threshold))

	assert.InEpsilon(t, 10, plan.ExpectedPoolPrice, 1e-5)
	assert.Greater(t, plan.HealthScoreBefore, 0.0)

	deposit, err := utils.FromTokenUnits(plan.Operations[6].Amount)
	require.NoError(t, err)
	assert.InDelta(t, 100-1.05*deposit/5_000, plan.ExpectedHealthScore, 1e-3)
}

func TestPlanRecenter_LowerBreached(t *testing.T) {
	plan, err := PlanRecenter(testPlanInput(9, 10))
	require.NoError(t, err)

	assert.Equal(t, []types.OperationType{
		types.OpUpdatePrices,
		types.OpWithdrawLiquidity,
		types.OpBuyOnasset,
		types.OpVenueSwap,
		types.OpMintOnusd,
		types.OpPayILD,
		types.OpAddLiquidity,
	}, operationTypes(plan))

	assert.Equal(t, types.BreachLower, plan.Direction)
	assert.Equal(t, types.ILDSideOnusd, plan.Operations[5].ILDSide)

	// Buying guards the maximum onUSD spent
	buy := plan.Operations[2]
	expected, err := utils.ToTokenUnits(buy.ExpectedAmount)
	require.NoError(t, err)
	assert.True(t, buy.Threshold.GT(expected))

	// The venue unwinds the bought onAsset and the mint uses its guaranteed output
	venue := plan.Operations[3]
	assert.Equal(t, types.VenueWrappedToUnderlying, venue.VenueDirection)
	assert.True(t, venue.Amount.Equal(buy.Amount))
	assert.True(t, plan.Operations[4].Amount.Equal(venue.Threshold))

	assert.InEpsilon(t, 10, plan.ExpectedPoolPrice, 1e-5)
}

func TestPlanRecenter_DoesNotMutateInput(t *testing.T) {
	input := testPlanInput(11, 10)
	_, err := PlanRecenter(input)
	require.NoError(t, err)
	assert.Equal(t, testPosition(), input.Comet.Positions[0])
	assert.Equal(t, poolAtPrice(11), input.TokenData.Pools[0])
}

func TestPlanRecenter_MinimumHealth(t *testing.T) {
	input := testPlanInput(11, 10)
	input.Params.MinHealthScore = 99
	_, err := PlanRecenter(input)
	assert.ErrorIs(t, err, ErrHealthBelowMinimum)
}

func TestPlanRecenter_MissingMarketData(t *testing.T) {
	input := testPlanInput(11, 0)
	_, err := PlanRecenter(input)
	assert.ErrorIs(t, err, types.ErrMissingMarketData)

	input = testPlanInput(11, 10)
	input.TokenData.Pools = nil
	_, err = PlanRecenter(input)
	assert.ErrorIs(t, err, types.ErrMissingMarketData)
}

func TestPlanRecenter_InvalidInput(t *testing.T) {
	input := testPlanInput(11, 10)
	input.PositionIndex = 3
	_, err := PlanRecenter(input)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	input = testPlanInput(11, 10)
	input.Params.AmmSlippageBps = math.NaN()
	_, err = PlanRecenter(input)
	assert.ErrorIs(t, err, ErrInvalidStrategyParam)
}

func TestPlanRecenter_NothingToRecenter(t *testing.T) {
	input := testPlanInput(11, 10)
	input.Comet.Positions[0].LiquidityTokenValue = 0
	_, err := PlanRecenter(input)
	assert.ErrorIs(t, err, ErrNothingToRecenter)
}
