package amm

import (
	"errors"
	"fmt"
	"math"

	"github.com/incept-protocol/comet-manager/internal/codec"
	"github.com/incept-protocol/comet-manager/internal/rootfind"
	"github.com/incept-protocol/comet-manager/internal/types"
)

const bpsDenominator = 10_000

// Threshold is the slippage guard submitted with a trade.
// For buys ThresholdAmount is the maximum onUSD spend, for sells the minimum onUSD receipt.
type Threshold struct {
	ExpectedAmount  float64     `json:"expected_amount"`
	ThresholdAmount float64     `json:"threshold_amount"`
	ExpectedPrice   float64     `json:"expected_price"`
	ThresholdPrice  float64     `json:"threshold_price"`
	Trade           TradeResult `json:"trade"`
}

// ExecutionThreshold estimates a trade of amount onAsset and derives its one-sided slippage bound.
// isBuy buys amount onAsset from the pool, otherwise amount onAsset is sold into it.
func ExecutionThreshold(pool Pool, amount float64, isBuy bool, slippageBps float64) (Threshold, error) {
	if !isNonNegative(slippageBps) || slippageBps >= bpsDenominator {
		return Threshold{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidSlippage, slippageBps))
	}
	slippage := slippageBps / bpsDenominator

	var (
		trade     TradeResult
		err       error
		expected  float64
		threshold float64
	)
	if isBuy {
		trade, err = InputFromOutput(pool, amount, false)
		if err != nil {
			return Threshold{}, err
		}
		expected = trade.Input
		threshold = codec.FloorToTokenScale(expected / (1 - slippage))
	} else {
		trade, err = OutputFromInput(pool, amount, false)
		if err != nil {
			return Threshold{}, err
		}
		expected = trade.Output
		threshold = codec.FloorToTokenScale(expected * (1 - slippage))
	}

	result := Threshold{
		ExpectedAmount:  expected,
		ThresholdAmount: threshold,
		ExpectedPrice:   pool.Price(),
		ThresholdPrice:  pool.Price(),
		Trade:           trade,
	}
	if amount > 0 {
		result.ExpectedPrice = expected / amount
		result.ThresholdPrice = threshold / amount
	}
	return result, nil
}

// postTradePrice is the marginal pool price after trading x onAsset in the given direction.
// Trades the pool cannot fill report an infinite (buy) or zero (sell) price.
func postTradePrice(pool Pool, x float64, isBuy bool) float64 {
	if isBuy {
		trade, err := InputFromOutput(pool, x, false)
		if err != nil {
			return math.Inf(1)
		}
		return trade.ResultPool.Price()
	}
	trade, err := OutputFromInput(pool, x, false)
	if err != nil {
		return 0
	}
	return trade.ResultPool.Price()
}

// ExecutionCapacity returns the largest part of amount onAsset that can be traded before the
// marginal pool price crosses priceLimit. Buys are bounded from above, sells from below.
func ExecutionCapacity(pool Pool, priceLimit float64, isBuy bool, amount float64) (float64, error) {
	if err := pool.Validate(); err != nil {
		return 0, err
	}
	if !isPositive(priceLimit) {
		return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidPrice, priceLimit))
	}
	if !isNonNegative(amount) {
		return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidAmount, amount))
	}

	current := pool.Price()
	if (isBuy && current > priceLimit) || (!isBuy && current < priceLimit) {
		return 0, nil
	}

	full := postTradePrice(pool, amount, isBuy)
	if (isBuy && full <= priceLimit) || (!isBuy && full >= priceLimit) {
		return codec.FloorToTokenScale(amount), nil
	}

	// Residual grows with trade size in both directions
	residual := func(x float64) float64 {
		if isBuy {
			return postTradePrice(pool, x, true) - priceLimit
		}
		return priceLimit - postTradePrice(pool, x, false)
	}

	res, err := rootfind.Bisect(residual, 0, amount, rootfind.CapacitySearch.WithDirection(true))
	if err != nil {
		return 0, err
	}
	return codec.FloorToTokenScale(res.Lo), nil
}

// OnassetTrade is the AMM trade that moves the pool price onto a target price.
type OnassetTrade struct {
	IsBuy       bool        `json:"is_buy"`
	Amount      float64     `json:"amount"` // onAsset bought or sold
	Trade       TradeResult `json:"trade"`
	TargetPrice float64     `json:"target_price"`
}

// OnassetTradeForPrice sizes the onAsset trade whose post-trade pool price matches targetPrice
// within the relative tolerance of rootfind.TradeSearch.
// A pool below target buys onAsset, a pool above target sells it.
func OnassetTradeForPrice(pool Pool, targetPrice float64) (OnassetTrade, error) {
	if err := pool.Validate(); err != nil {
		return OnassetTrade{}, err
	}
	if !isPositive(targetPrice) {
		return OnassetTrade{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidPrice, targetPrice))
	}

	current := pool.Price()
	if math.Abs(current/targetPrice-1) <= rootfind.TradeSearch.Tolerance {
		return OnassetTrade{IsBuy: current < targetPrice, TargetPrice: targetPrice, Trade: TradeResult{ResultPool: pool}}, nil
	}

	isBuy := current < targetPrice
	var (
		hi       float64
		residual rootfind.Func
	)
	if isBuy {
		// Output is capped by the reserve net of fees; the price is unbounded near the cap
		hi = pool.OnassetAmount * (1 - pool.totalFee())
		residual = func(x float64) float64 {
			return postTradePrice(pool, x, true)/targetPrice - 1
		}
	} else {
		var err error
		hi, err = sellBracket(pool, targetPrice)
		if err != nil {
			return OnassetTrade{}, err
		}
		residual = func(x float64) float64 {
			return 1 - postTradePrice(pool, x, false)/targetPrice
		}
	}

	res, err := rootfind.Bisect(residual, 0, hi, rootfind.TradeSearch.WithDirection(true))
	if err != nil {
		return OnassetTrade{}, err
	}

	amount := codec.FloorToTokenScale(res.X)
	var trade TradeResult
	if isBuy {
		trade, err = InputFromOutput(pool, amount, false)
	} else {
		trade, err = OutputFromInput(pool, amount, false)
	}
	if err != nil {
		return OnassetTrade{}, err
	}

	return OnassetTrade{IsBuy: isBuy, Amount: amount, Trade: trade, TargetPrice: targetPrice}, nil
}

// sellBracket finds a sell size large enough to push the pool price below target.
// It starts from the fee-less closed form and doubles, since fees only slow the price down.
func sellBracket(pool Pool, targetPrice float64) (float64, error) {
	hi := math.Sqrt(pool.Invariant()/targetPrice) - pool.OnassetAmount
	if hi <= 0 {
		hi = pool.OnassetAmount
	}
	for i := 0; i < 64; i++ {
		if postTradePrice(pool, hi, false) < targetPrice {
			return hi, nil
		}
		hi *= 2
	}
	return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrUnreachablePriceTarget, targetPrice))
}
