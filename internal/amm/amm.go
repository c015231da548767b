/*

This file contains the constant-product trade math of the protocol AMM.

Every function is pure: the pool is passed by value and the state after a hypothetical trade is
returned as a new Pool. All token quantities leaving this package are floored to the token scale
because the instruction builders downstream do not floor again.

*/

package amm

import (
	"errors"
	"fmt"
	"math"

	"github.com/incept-protocol/comet-manager/internal/codec"
	"github.com/incept-protocol/comet-manager/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidReserves        = errors.New("pool reserves must be positive and finite")
	ErrInvalidFees            = errors.New("pool fees must be non-negative and sum below 1")
	ErrInvalidAmount          = errors.New("trade amount must be non-negative and finite")
	ErrInsufficientLiquidity  = errors.New("requested output exceeds pool liquidity")
	ErrInvalidSlippage        = errors.New("slippage must be in [0, 10000) basis points")
	ErrInvalidPrice           = errors.New("price must be positive and finite")
	ErrUnreachablePriceTarget = errors.New("target price cannot be reached by trading")
)

// Pool is the subset of pool state the trade math needs.
type Pool struct {
	OnusdAmount         float64 `json:"onusd_amount"`
	OnassetAmount       float64 `json:"onasset_amount"`
	LiquidityTradingFee float64 `json:"liquidity_trading_fee"`
	TreasuryTradingFee  float64 `json:"treasury_trading_fee"`
}

// NewPool validates reserves and fee rates.
func NewPool(onusd, onasset, liquidityFee, treasuryFee float64) (Pool, error) {
	p := Pool{
		OnusdAmount:         onusd,
		OnassetAmount:       onasset,
		LiquidityTradingFee: liquidityFee,
		TreasuryTradingFee:  treasuryFee,
	}
	if err := p.Validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// FromPool extracts the trade math view of a protocol pool.
func FromPool(pool types.Pool) (Pool, error) {
	return NewPool(pool.OnusdAmount, pool.OnassetAmount, pool.LiquidityTradingFee, pool.TreasuryTradingFee)
}

// Validate checks the pool invariants the math relies on.
func (p Pool) Validate() error {
	if !isPositive(p.OnusdAmount) || !isPositive(p.OnassetAmount) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: onusd=%f onasset=%f", ErrInvalidReserves, p.OnusdAmount, p.OnassetAmount))
	}
	if !isNonNegative(p.LiquidityTradingFee) || !isNonNegative(p.TreasuryTradingFee) || p.totalFee() >= 1 {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: liquidity=%f treasury=%f", ErrInvalidFees, p.LiquidityTradingFee, p.TreasuryTradingFee))
	}
	return nil
}

// Price is the onUSD price of one onAsset.
func (p Pool) Price() float64 {
	return p.OnusdAmount / p.OnassetAmount
}

// Invariant is the constant product.
func (p Pool) Invariant() float64 {
	return p.OnusdAmount * p.OnassetAmount
}

func (p Pool) totalFee() float64 {
	return p.LiquidityTradingFee + p.TreasuryTradingFee
}

func (p Pool) reserves(inIsOnusd bool) (reserveIn, reserveOut float64) {
	if inIsOnusd {
		return p.OnusdAmount, p.OnassetAmount
	}
	return p.OnassetAmount, p.OnusdAmount
}

func (p Pool) withReserves(inIsOnusd bool, reserveIn, reserveOut float64) Pool {
	next := p
	if inIsOnusd {
		next.OnusdAmount, next.OnassetAmount = reserveIn, reserveOut
	} else {
		next.OnassetAmount, next.OnusdAmount = reserveIn, reserveOut
	}
	return next
}

// treasuryShare splits the extracted fee between treasury and liquidity providers.
func (p Pool) treasuryShare(totalFeeAmount float64) float64 {
	total := p.totalFee()
	if total == 0 {
		return 0
	}
	return codec.FloorToTokenScale(totalFeeAmount * p.TreasuryTradingFee / total)
}

// TradeResult describes a hypothetical trade and the pool it leaves behind.
type TradeResult struct {
	Input            float64 `json:"input"`
	Output           float64 `json:"output"`
	OutputBeforeFees float64 `json:"output_before_fees"`
	TreasuryFee      float64 `json:"treasury_fee"`  // Leaves the pool
	LiquidityFee     float64 `json:"liquidity_fee"` // Stays in the pool reserves
	ResultPool       Pool    `json:"result_pool"`
}

// OutputFromInput computes what a trade of input yields.
// inputIsOnusd selects the side paid into the pool.
func OutputFromInput(pool Pool, input float64, inputIsOnusd bool) (TradeResult, error) {
	if err := pool.Validate(); err != nil {
		return TradeResult{}, err
	}
	if !isNonNegative(input) {
		return TradeResult{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidAmount, input))
	}

	reserveIn, reserveOut := pool.reserves(inputIsOnusd)
	outputBeforeFees := reserveOut - pool.Invariant()/(reserveIn+input)
	output := codec.FloorToTokenScale(outputBeforeFees * (1 - pool.totalFee()))
	treasuryFee := pool.treasuryShare(outputBeforeFees - output)

	return TradeResult{
		Input:            input,
		Output:           output,
		OutputBeforeFees: outputBeforeFees,
		TreasuryFee:      treasuryFee,
		LiquidityFee:     outputBeforeFees - output - treasuryFee,
		ResultPool:       pool.withReserves(inputIsOnusd, reserveIn+input, reserveOut-output-treasuryFee),
	}, nil
}

// InputFromOutput computes what must be paid to receive output.
// outputIsOnusd selects the side taken out of the pool.
func InputFromOutput(pool Pool, output float64, outputIsOnusd bool) (TradeResult, error) {
	if err := pool.Validate(); err != nil {
		return TradeResult{}, err
	}
	if !isNonNegative(output) {
		return TradeResult{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrInvalidAmount, output))
	}

	// The side paid in is the opposite of the side taken out
	reserveIn, reserveOut := pool.reserves(!outputIsOnusd)
	outputBeforeFees := output / (1 - pool.totalFee())
	if outputBeforeFees >= reserveOut {
		return TradeResult{}, errors.Join(types.ErrInvalidInput,
			fmt.Errorf("%w: output %f needs %f of %f reserve", ErrInsufficientLiquidity, output, outputBeforeFees, reserveOut))
	}

	input := codec.FloorToTokenScale(pool.Invariant()/(reserveOut-outputBeforeFees) - reserveIn)
	treasuryFee := pool.treasuryShare(outputBeforeFees - output)

	return TradeResult{
		Input:            input,
		Output:           output,
		OutputBeforeFees: outputBeforeFees,
		TreasuryFee:      treasuryFee,
		LiquidityFee:     outputBeforeFees - output - treasuryFee,
		ResultPool:       pool.withReserves(!outputIsOnusd, reserveIn+input, reserveOut-output-treasuryFee),
	}, nil
}

func isPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func isNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
