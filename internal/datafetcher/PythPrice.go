/*

This file contains the oracle price feed backed by Pyth v2 price accounts.

*/

package datafetcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/types"
)

var priceLogger = logger.GetForComponent("price_feed")
var ErrUnknownSymbol = errors.New("no price account configured for symbol")
var ErrInvalidPriceAccount = errors.New("invalid pyth price account")
var ErrPriceNotTrading = errors.New("pyth price is not trading")

// Pyth v2 price account layout.
const (
	pythMagic        = 0xa1b2c3d4
	pythVersion      = 2
	pythPriceType    = 3
	pythStatusTrade  = 1
	pythExpoOffset   = 20
	pythAggOffset    = 208 // price i64, conf u64, status u32, corp_act u32, pub_slot u64
	pythMinAccountSz = pythAggOffset + 32
)

// PriceFeed streams oracle prices per symbol.
type PriceFeed interface {
	Subscribe(ctx context.Context, symbol string) (<-chan types.OraclePrice, error)
}

// PythPriceFeed implements PriceFeed by watching Pyth price accounts through an AccountReader.
type PythPriceFeed struct {
	reader   AccountReader
	accounts map[string]solana.PublicKey
	now      func() time.Time
}

// NewPythPriceFeed creates a feed for the given symbol to price account mapping.
func NewPythPriceFeed(reader AccountReader, accounts map[string]solana.PublicKey) *PythPriceFeed {
	return &PythPriceFeed{reader: reader, accounts: accounts, now: time.Now}
}

// Subscribe emits the current price and then every update of the symbol's price account.
// Updates that fail to decode or are not trading are logged and skipped.
func (f *PythPriceFeed) Subscribe(ctx context.Context, symbol string) (<-chan types.OraclePrice, error) {
	address, ok := f.accounts[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	updates, err := f.reader.Subscribe(ctx, address)
	if err != nil {
		return nil, err
	}

	prices := make(chan types.OraclePrice, 16)
	go func() {
		defer close(prices)

		emit := func(data []byte) bool {
			price, err := DecodePythPrice(symbol, data)
			if err != nil {
				priceLogger.Warn().Err(err).Str("symbol", symbol).Msg("Skipping price update")
				return true
			}
			price.ObservedAt = f.now()
			select {
			case prices <- price:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if data, err := f.reader.Fetch(ctx, address); err == nil {
			if !emit(data) {
				return
			}
		} else {
			priceLogger.Warn().Err(err).Str("symbol", symbol).Msg("Initial price fetch failed, waiting for updates")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if !emit(update.Data) {
					return
				}
			}
		}
	}()

	return prices, nil
}

// DecodePythPrice reads the aggregate price of a Pyth v2 price account.
func DecodePythPrice(symbol string, data []byte) (types.OraclePrice, error) {
	if len(data) < pythMinAccountSz {
		return types.OraclePrice{}, fmt.Errorf("%w: %d bytes", ErrInvalidPriceAccount, len(data))
	}

	dec := bin.NewBinDecoder(data)
	magic, _ := dec.ReadUint32(binary.LittleEndian)
	version, _ := dec.ReadUint32(binary.LittleEndian)
	accountType, _ := dec.ReadUint32(binary.LittleEndian)
	if magic != pythMagic || version != pythVersion || accountType != pythPriceType {
		return types.OraclePrice{}, fmt.Errorf("%w: magic=%x version=%d type=%d", ErrInvalidPriceAccount, magic, version, accountType)
	}

	if err := dec.SkipBytes(pythExpoOffset - 12); err != nil {
		return types.OraclePrice{}, fmt.Errorf("%w: %w", ErrInvalidPriceAccount, err)
	}
	expo, _ := dec.ReadInt32(binary.LittleEndian)

	if err := dec.SkipBytes(pythAggOffset - pythExpoOffset - 4); err != nil {
		return types.OraclePrice{}, fmt.Errorf("%w: %w", ErrInvalidPriceAccount, err)
	}
	rawPrice, _ := dec.ReadInt64(binary.LittleEndian)
	rawConf, _ := dec.ReadUint64(binary.LittleEndian)
	status, _ := dec.ReadUint32(binary.LittleEndian)
	if _, err := dec.ReadUint32(binary.LittleEndian); err != nil {
		return types.OraclePrice{}, fmt.Errorf("%w: %w", ErrInvalidPriceAccount, err)
	}
	slot, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return types.OraclePrice{}, fmt.Errorf("%w: %w", ErrInvalidPriceAccount, err)
	}

	if status != pythStatusTrade {
		return types.OraclePrice{}, errors.Join(types.ErrMissingMarketData, fmt.Errorf("%w: %s status %d", ErrPriceNotTrading, symbol, status))
	}
	if rawPrice <= 0 {
		return types.OraclePrice{}, errors.Join(types.ErrMissingMarketData, fmt.Errorf("%w: %s price %d", ErrPriceNotTrading, symbol, rawPrice))
	}

	scale := math.Pow10(int(expo))
	return types.OraclePrice{
		Symbol:      symbol,
		Price:       float64(rawPrice) * scale,
		Exponent:    expo,
		Confidence:  float64(rawConf) * scale,
		PublishSlot: slot,
	}, nil
}
