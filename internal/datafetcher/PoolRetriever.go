package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/types"
)

var poolLogger = logger.GetForComponent("pool_retriever")
var ErrInvalidPoolData = errors.New("invalid pool data")

// GetTokenData fetches and decodes the TokenData account, rejecting pools the engine cannot price.
func GetTokenData(ctx context.Context, reader AccountReader, address solana.PublicKey) (types.TokenData, error) {
	data, err := reader.Fetch(ctx, address)
	if err != nil {
		return types.TokenData{}, fmt.Errorf("fetch token data: %w", err)
	}
	tokenData, err := DecodeTokenData(data)
	if err != nil {
		return types.TokenData{}, err
	}
	if err := ValidateTokenData(tokenData); err != nil {
		return types.TokenData{}, err
	}

	poolLogger.Debug().
		Int("pools", len(tokenData.Pools)).
		Int("collaterals", len(tokenData.Collaterals)).
		Msg("Token data retrieved")
	return tokenData, nil
}

// GetComet fetches and decodes a Comet account.
func GetComet(ctx context.Context, reader AccountReader, address solana.PublicKey) (types.Comet, error) {
	data, err := reader.Fetch(ctx, address)
	if err != nil {
		return types.Comet{}, fmt.Errorf("fetch comet: %w", err)
	}
	return DecodeComet(data)
}

// GetManagerInfo fetches and decodes the comet manager account.
func GetManagerInfo(ctx context.Context, reader AccountReader, address solana.PublicKey) (types.ManagerInfo, error) {
	data, err := reader.Fetch(ctx, address)
	if err != nil {
		return types.ManagerInfo{}, fmt.Errorf("fetch manager info: %w", err)
	}
	return DecodeManagerInfo(data)
}

// ValidateTokenData checks every active pool for values the AMM math cannot work with.
// Reserves of an active pool are always positive and fees sum below one.
func ValidateTokenData(tokenData types.TokenData) error {
	for _, pool := range tokenData.Pools {
		fields := []struct {
			name  string
			value float64
		}{
			{"onusd amount", pool.OnusdAmount},
			{"onasset amount", pool.OnassetAmount},
			{"liquidity token supply", pool.LiquidityTokenSupply},
			{"liquidity trading fee", pool.LiquidityTradingFee},
			{"treasury trading fee", pool.TreasuryTradingFee},
			{"price", pool.AssetInfo.Price},
			{"position health coefficient", pool.PositionHealthScoreCoefficient},
			{"il health coefficient", pool.IlHealthScoreCoefficient},
		}
		for _, f := range fields {
			if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value < 0 {
				return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d %s = %f", ErrInvalidPoolData, pool.Index, f.name, f.value))
			}
		}
		if pool.OnusdAmount == 0 || pool.OnassetAmount == 0 {
			return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d has empty reserves", ErrInvalidPoolData, pool.Index))
		}
		if pool.LiquidityTradingFee+pool.TreasuryTradingFee >= 1 {
			return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: pool %d fees sum to %f", ErrInvalidPoolData, pool.Index, pool.LiquidityTradingFee+pool.TreasuryTradingFee))
		}
	}
	return nil
}
