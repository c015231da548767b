package planner

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/incept-protocol/comet-manager/internal/amm"
	"github.com/incept-protocol/comet-manager/internal/analyzer"
	"github.com/incept-protocol/comet-manager/internal/codec"
	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/types"
	"github.com/incept-protocol/comet-manager/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrNoBreach             = errors.New("pool price is inside the oracle band")
	ErrNothingToRecenter    = errors.New("position has no liquidity to recenter")
	ErrHealthBelowMinimum   = errors.New("expected health score is below the strategy minimum")
	ErrInvalidPlanInput     = errors.New("plan input is invalid")
	ErrInvalidStrategyParam = errors.New("strategy parameters contain invalid values")
)

// PlanInput is the market snapshot and strategy a single plan is built from.
type PlanInput struct {
	PlanID        string
	Program       solana.PublicKey
	CometAddress  solana.PublicKey
	TokenData     types.TokenData
	Comet         types.Comet
	PositionIndex int
	OraclePrice   float64
	Params        types.StrategyParameters
	Now           time.Time
}

// PlanRecenter builds the ordered operations that recenter a position whose pool price left the
// oracle band. Each step is sized from the expected result of the previous one; nothing is re-read
// from chain between steps because the whole sequence lands in one transaction.
//
// Order: UPDATE_PRICES, WITHDRAW_LIQUIDITY, SELL_ONASSET or BUY_ONASSET, VENUE_SWAP,
// BURN_ONUSD or MINT_ONUSD, PAY_ILD for each side in debt, ADD_LIQUIDITY.
func PlanRecenter(input PlanInput) (*types.RecenterPlan, error) {
	planLogger := logger.GetForComponent("recenter_planner")

	// ===== INPUT VALIDATION =====
	position, pool, err := validatePlanInput(input)
	if err != nil {
		return nil, err
	}

	// ===== BREACH DETECTION =====
	poolPrice := pool.PoolPrice()
	oracle := input.OraclePrice
	threshold := input.Params.PriceThreshold
	higherBreached := poolPrice > oracle*(1+threshold)
	lowerBreached := poolPrice < oracle*(1-threshold)
	if !higherBreached && !lowerBreached {
		return nil, fmt.Errorf("%w: pool %f oracle %f threshold %f", ErrNoBreach, poolPrice, oracle, threshold)
	}
	if position.LiquidityTokenValue <= 0 || pool.LiquidityTokenSupply <= position.LiquidityTokenValue {
		return nil, fmt.Errorf("%w: lp %f of supply %f", ErrNothingToRecenter, position.LiquidityTokenValue, pool.LiquidityTokenSupply)
	}

	healthBefore, err := analyzer.CalculateHealthScore(input.TokenData, input.Comet)
	if err != nil {
		return nil, err
	}

	direction := types.BreachLower
	if higherBreached {
		direction = types.BreachHigher
	}
	planLogger.Info().
		Uint64("poolIndex", uint64(pool.Index)).
		Int("positionIndex", input.PositionIndex).
		Float64("poolPrice", poolPrice).
		Float64("oraclePrice", oracle).
		Str("direction", string(direction)).
		Msg("Price band breached, planning recenter")

	b := &planBuilder{poolIndex: pool.Index, positionIndex: input.PositionIndex}

	// ===== UPDATE PRICES =====
	b.add(types.Operation{Type: types.OpUpdatePrices, Amount: sdkmath.ZeroInt(), PoolIndices: cometPoolIndices(input.Comet)})

	// ===== WITHDRAW LIQUIDITY =====
	ratio := position.LiquidityTokenValue / pool.LiquidityTokenSupply
	withdrawnOnusd := ratio * pool.OnusdAmount
	withdrawnOnasset := ratio * pool.OnassetAmount
	afterWithdraw, err := amm.NewPool(
		pool.OnusdAmount-withdrawnOnusd,
		pool.OnassetAmount-withdrawnOnasset,
		pool.LiquidityTradingFee,
		pool.TreasuryTradingFee,
	)
	if err != nil {
		return nil, err
	}
	remainingSupply := pool.LiquidityTokenSupply - position.LiquidityTokenValue
	b.addAmount(types.Operation{Type: types.OpWithdrawLiquidity, ExpectedAmount: withdrawnOnusd}, position.LiquidityTokenValue)

	// ===== AMM TRADE =====
	trade, err := amm.OnassetTradeForPrice(afterWithdraw, oracle)
	if err != nil {
		return nil, err
	}
	if trade.IsBuy == higherBreached {
		return nil, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: trade direction disagrees with breach %s", ErrInvalidPlanInput, direction))
	}
	guard, err := amm.ExecutionThreshold(afterWithdraw, trade.Amount, trade.IsBuy, input.Params.AmmSlippageBps)
	if err != nil {
		return nil, err
	}
	afterTrade := guard.Trade.ResultPool

	tradeOp := types.OpBuyOnasset
	if higherBreached {
		tradeOp = types.OpSellOnasset
	}
	b.addGuarded(types.Operation{Type: tradeOp, ExpectedAmount: guard.ExpectedAmount}, trade.Amount, guard.ThresholdAmount)

	// ===== VENUE SWAP AND ONUSD SETTLEMENT =====
	// Higher: buy back the sold onAsset on the venue with the guaranteed AMM proceeds, burning that
	// onUSD to fund it. Lower: unwind the bought onAsset on the venue and mint onUSD from the
	// guaranteed venue output.
	venueSlippage := input.Params.VenueSlippageBps / 10_000
	walletOnusd := withdrawnOnusd
	walletOnasset := withdrawnOnasset
	if higherBreached {
		proceeds := guard.ThresholdAmount
		venueExpected := codec.FloorToTokenScale(proceeds / oracle)
		venueMin := codec.FloorToTokenScale(venueExpected * (1 - venueSlippage))
		b.addGuarded(types.Operation{Type: types.OpVenueSwap, VenueDirection: types.VenueUnderlyingToWrapped, ExpectedAmount: venueExpected}, proceeds, venueMin)
		b.addAmount(types.Operation{Type: types.OpBurnOnusd}, proceeds)

		walletOnasset += venueMin - trade.Amount
		walletOnusd += guard.ExpectedAmount - proceeds
	} else {
		venueExpected := codec.FloorToTokenScale(trade.Amount * oracle)
		venueMin := codec.FloorToTokenScale(venueExpected * (1 - venueSlippage))
		b.addGuarded(types.Operation{Type: types.OpVenueSwap, VenueDirection: types.VenueWrappedToUnderlying, ExpectedAmount: venueExpected}, trade.Amount, venueMin)
		b.addAmount(types.Operation{Type: types.OpMintOnusd}, venueMin)

		walletOnusd += venueMin - guard.ExpectedAmount
	}

	// ===== PAY ILD =====
	onusdILD := codec.FloorToTokenScale(math.Max(position.BorrowedOnusd-withdrawnOnusd, 0))
	onassetILD := codec.FloorToTokenScale(math.Max(position.BorrowedOnasset-withdrawnOnasset, 0))
	if onusdILD > 0 {
		b.addAmount(types.Operation{Type: types.OpPayILD, ILDSide: types.ILDSideOnusd}, onusdILD)
	}
	if onassetILD > 0 {
		b.addAmount(types.Operation{Type: types.OpPayILD, ILDSide: types.ILDSideOnasset}, onassetILD)
	}

	// ===== ADD LIQUIDITY =====
	// Depositing d onUSD into reserve X2 restores the original share: d/(X2+d) = ratio
	deposit := codec.FloorToTokenScale(afterTrade.OnusdAmount * ratio / (1 - ratio))
	depositOnasset := deposit / afterTrade.Price()
	b.addAmount(types.Operation{Type: types.OpAddLiquidity, ExpectedAmount: depositOnasset}, deposit)

	if err := b.err; err != nil {
		return nil, err
	}

	// ===== EXPECTED FINAL STATE =====
	finalPool := pool
	finalPool.OnusdAmount = afterTrade.OnusdAmount + deposit
	finalPool.OnassetAmount = afterTrade.OnassetAmount + depositOnasset
	minted := remainingSupply * deposit / afterTrade.OnusdAmount
	finalPool.LiquidityTokenSupply = remainingSupply + minted

	finalComet := input.Comet
	finalComet.Positions = slices.Clone(input.Comet.Positions)
	finalComet.Positions[input.PositionIndex] = types.CometPosition{
		PoolIndex:           position.PoolIndex,
		BorrowedOnusd:       deposit,
		BorrowedOnasset:     depositOnasset,
		LiquidityTokenValue: minted,
	}
	finalTokenData := input.TokenData
	finalTokenData.Pools = slices.Clone(input.TokenData.Pools)
	finalTokenData.Pools[pool.Index] = finalPool

	expected, err := analyzer.CalculateHealthScore(finalTokenData, finalComet)
	if err != nil {
		return nil, err
	}

	logPlan(planLogger, b.operations, walletOnusd, walletOnasset, onusdILD, onassetILD, expected.Score)

	if expected.Score < input.Params.MinHealthScore {
		return nil, fmt.Errorf("%w: expected %f minimum %f", ErrHealthBelowMinimum, expected.Score, input.Params.MinHealthScore)
	}

	return &types.RecenterPlan{
		PlanID:              input.PlanID,
		Program:             input.Program,
		Comet:               input.CometAddress,
		PoolIndex:           pool.Index,
		PositionIndex:       input.PositionIndex,
		Direction:           direction,
		PoolPrice:           poolPrice,
		OraclePrice:         oracle,
		Operations:          b.operations,
		HealthScoreBefore:   healthBefore.Score,
		ExpectedHealthScore: expected.Score,
		ExpectedPoolPrice:   finalPool.PoolPrice(),
		CreatedAt:           input.Now,
	}, nil
}

// validatePlanInput performs comprehensive validation of the plan input and resolves the position and its pool
func validatePlanInput(input PlanInput) (types.CometPosition, types.Pool, error) {
	if input.PositionIndex < 0 || input.PositionIndex >= len(input.Comet.Positions) {
		return types.CometPosition{}, types.Pool{}, errors.Join(types.ErrInvalidInput,
			fmt.Errorf("%w: position %d of %d", ErrInvalidPlanInput, input.PositionIndex, len(input.Comet.Positions)))
	}
	position := input.Comet.Positions[input.PositionIndex]

	pool, ok := input.TokenData.Pool(position.PoolIndex)
	if !ok {
		return types.CometPosition{}, types.Pool{}, errors.Join(types.ErrMissingMarketData, fmt.Errorf("pool %d not loaded", position.PoolIndex))
	}
	if input.OraclePrice == 0 {
		return types.CometPosition{}, types.Pool{}, errors.Join(types.ErrMissingMarketData, fmt.Errorf("no oracle price for pool %d", position.PoolIndex))
	}
	if math.IsNaN(input.OraclePrice) || math.IsInf(input.OraclePrice, 0) || input.OraclePrice < 0 {
		return types.CometPosition{}, types.Pool{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: oracle price %f", ErrInvalidPlanInput, input.OraclePrice))
	}
	if _, err := analyzer.PositionILD(pool, position); err != nil {
		return types.CometPosition{}, types.Pool{}, err
	}

	params := input.Params
	checks := []struct {
		name  string
		value float64
		valid bool
	}{
		{"price threshold", params.PriceThreshold, params.PriceThreshold >= 0 && params.PriceThreshold < 1},
		{"amm slippage", params.AmmSlippageBps, params.AmmSlippageBps >= 0 && params.AmmSlippageBps < 10_000},
		{"venue slippage", params.VenueSlippageBps, params.VenueSlippageBps >= 0 && params.VenueSlippageBps < 10_000},
		{"min health score", params.MinHealthScore, !math.IsInf(params.MinHealthScore, 0)},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || !c.valid {
			return types.CometPosition{}, types.Pool{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %s = %f", ErrInvalidStrategyParam, c.name, c.value))
		}
	}

	return position, pool, nil
}

// planBuilder accumulates operations and keeps the first conversion error.
type planBuilder struct {
	poolIndex     types.PoolIndex
	positionIndex int
	operations    []types.Operation
	err           error
}

func (b *planBuilder) add(op types.Operation) {
	op.PoolIndex = b.poolIndex
	op.PositionIndex = b.positionIndex
	if op.Threshold.IsNil() {
		op.Threshold = sdkmath.ZeroInt()
	}
	b.operations = append(b.operations, op)
}

func (b *planBuilder) addAmount(op types.Operation, amount float64) {
	b.addGuarded(op, amount, 0)
}

func (b *planBuilder) addGuarded(op types.Operation, amount, threshold float64) {
	if b.err != nil {
		return
	}
	units, err := utils.ToTokenUnits(amount)
	if err != nil {
		b.err = fmt.Errorf("%s amount: %w", op.Type, err)
		return
	}
	guard, err := utils.ToTokenUnits(threshold)
	if err != nil {
		b.err = fmt.Errorf("%s threshold: %w", op.Type, err)
		return
	}
	op.Amount = units
	op.Threshold = guard
	b.add(op)
}

// cometPoolIndices lists every pool the comet touches; the program requires fresh prices for all of them.
func cometPoolIndices(comet types.Comet) []types.PoolIndex {
	indices := make([]types.PoolIndex, 0, len(comet.Positions))
	for _, p := range comet.Positions {
		indices = append(indices, p.PoolIndex)
	}
	slices.Sort(indices)
	return slices.Compact(indices)
}

func logPlan(l zerolog.Logger, ops []types.Operation, walletOnusd, walletOnasset, onusdILD, onassetILD, expectedHealth float64) {
	event := l.Debug().
		Int("operations", len(ops)).
		Float64("walletOnusd", walletOnusd).
		Float64("walletOnasset", walletOnasset).
		Float64("onusdILD", onusdILD).
		Float64("onassetILD", onassetILD).
		Float64("expectedHealth", expectedHealth)
	for i, op := range ops {
		event = event.Str(fmt.Sprintf("op%d", i), fmt.Sprintf("%s:%s", op.Type, op.Amount.String()))
	}
	event.Msg("Recenter plan assembled")
}
