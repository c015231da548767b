/*

This file contains the borsh layouts of the protocol accounts the manager reads and their decoders.

Every account starts with the 8-byte account discriminator. Pools, collaterals, comet positions and
comet collaterals live in fixed 255-slot arrays; only the first Num* slots are decoded, the rest are
skipped.

*/

package datafetcher

import (
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/incept-protocol/comet-manager/internal/codec"
	"github.com/incept-protocol/comet-manager/internal/types"
)

var ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")
var ErrSlotCountOutOfRange = errors.New("account slot count exceeds capacity")

// RawDecimal is the 16-byte wire decimal.
type RawDecimal [codec.Size]byte

// Number decodes the decimal to a float.
func (d RawDecimal) Number() (float64, error) {
	dec, err := codec.Decode(d)
	if err != nil {
		return 0, err
	}
	return dec.ToNumber(), nil
}

type rawTokenDataHeader struct {
	Discriminator  [8]byte
	Owner          solana.PublicKey
	NumPools       uint64
	NumCollaterals uint64
}

type rawPool struct {
	OnassetMint                    solana.PublicKey
	UnderlyingMint                 solana.PublicKey
	PythPriceFeed                  solana.PublicKey
	OnusdAmount                    RawDecimal
	OnassetAmount                  RawDecimal
	LiquidityTokenSupply           RawDecimal
	LiquidityTradingFee            RawDecimal
	TreasuryTradingFee             RawDecimal
	Price                          RawDecimal
	CryptoCollateralRatio          RawDecimal
	PositionHealthScoreCoefficient RawDecimal
	IlHealthScoreCoefficient       RawDecimal
}

type rawCollateral struct {
	Mint      solana.PublicKey
	PoolIndex uint64
	Stable    bool
}

type rawCometHeader struct {
	Discriminator  [8]byte
	Owner          solana.PublicKey
	NumPositions   uint64
	NumCollaterals uint64
}

type rawCometPosition struct {
	PoolIndex           uint64
	BorrowedOnusd       RawDecimal
	BorrowedOnasset     RawDecimal
	LiquidityTokenValue RawDecimal
}

type rawCometCollateral struct {
	CollateralIndex  uint64
	CollateralAmount RawDecimal
}

type rawManagerInfo struct {
	Discriminator         [8]byte
	InceptProgram         solana.PublicKey
	Owner                 solana.PublicKey
	Comet                 solana.PublicKey
	MembershipTokenSupply RawDecimal
	Status                uint8
}

// Slot sizes of the fixed arrays, used to skip unused slots.
const (
	poolSlotSize            = 3*32 + 9*codec.Size
	collateralSlotSize      = 32 + 8 + 1
	cometPositionSlotSize   = 8 + 3*codec.Size
	cometCollateralSlotSize = 8 + codec.Size
)

// AccountDiscriminator is the 8-byte prefix identifying an account type.
func AccountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var (
	tokenDataDiscriminator   = AccountDiscriminator("TokenData")
	cometDiscriminator       = AccountDiscriminator("Comet")
	managerInfoDiscriminator = AccountDiscriminator("ManagerInfo")
)

// DecodeTokenData decodes the active pools and collaterals of the TokenData account.
func DecodeTokenData(data []byte) (types.TokenData, error) {
	dec := bin.NewBorshDecoder(data)

	var header rawTokenDataHeader
	if err := dec.Decode(&header); err != nil {
		return types.TokenData{}, invalidAccount("token data header", err)
	}
	if header.Discriminator != tokenDataDiscriminator {
		return types.TokenData{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: token data", ErrDiscriminatorMismatch))
	}
	if err := checkSlotCount("pools", header.NumPools); err != nil {
		return types.TokenData{}, err
	}
	if err := checkSlotCount("collaterals", header.NumCollaterals); err != nil {
		return types.TokenData{}, err
	}

	out := types.TokenData{
		Pools:       make([]types.Pool, 0, header.NumPools),
		Collaterals: make([]types.Collateral, 0, header.NumCollaterals),
	}

	for i := uint64(0); i < header.NumPools; i++ {
		var raw rawPool
		if err := dec.Decode(&raw); err != nil {
			return types.TokenData{}, invalidAccount(fmt.Sprintf("pool %d", i), err)
		}
		pool, err := convertPool(types.PoolIndex(i), raw)
		if err != nil {
			return types.TokenData{}, err
		}
		out.Pools = append(out.Pools, pool)
	}
	if err := dec.SkipBytes(uint((types.MaxSlots - header.NumPools) * poolSlotSize)); err != nil {
		return types.TokenData{}, invalidAccount("pool padding", err)
	}

	for i := uint64(0); i < header.NumCollaterals; i++ {
		var raw rawCollateral
		if err := dec.Decode(&raw); err != nil {
			return types.TokenData{}, invalidAccount(fmt.Sprintf("collateral %d", i), err)
		}
		out.Collaterals = append(out.Collaterals, types.Collateral{
			Index:     i,
			Mint:      raw.Mint,
			PoolIndex: types.PoolIndex(raw.PoolIndex),
			Stable:    raw.Stable,
		})
	}

	return out, nil
}

// DecodeComet decodes the active positions and collaterals of a Comet account.
func DecodeComet(data []byte) (types.Comet, error) {
	dec := bin.NewBorshDecoder(data)

	var header rawCometHeader
	if err := dec.Decode(&header); err != nil {
		return types.Comet{}, invalidAccount("comet header", err)
	}
	if header.Discriminator != cometDiscriminator {
		return types.Comet{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: comet", ErrDiscriminatorMismatch))
	}
	if err := checkSlotCount("positions", header.NumPositions); err != nil {
		return types.Comet{}, err
	}
	if err := checkSlotCount("comet collaterals", header.NumCollaterals); err != nil {
		return types.Comet{}, err
	}

	out := types.Comet{
		Owner:       header.Owner,
		Positions:   make([]types.CometPosition, 0, header.NumPositions),
		Collaterals: make([]types.CometCollateral, 0, header.NumCollaterals),
	}

	for i := uint64(0); i < header.NumPositions; i++ {
		var raw rawCometPosition
		if err := dec.Decode(&raw); err != nil {
			return types.Comet{}, invalidAccount(fmt.Sprintf("position %d", i), err)
		}
		values, err := numbers(raw.BorrowedOnusd, raw.BorrowedOnasset, raw.LiquidityTokenValue)
		if err != nil {
			return types.Comet{}, fmt.Errorf("position %d: %w", i, err)
		}
		out.Positions = append(out.Positions, types.CometPosition{
			PoolIndex:           types.PoolIndex(raw.PoolIndex),
			BorrowedOnusd:       values[0],
			BorrowedOnasset:     values[1],
			LiquidityTokenValue: values[2],
		})
	}
	if err := dec.SkipBytes(uint((types.MaxSlots - header.NumPositions) * cometPositionSlotSize)); err != nil {
		return types.Comet{}, invalidAccount("position padding", err)
	}

	for i := uint64(0); i < header.NumCollaterals; i++ {
		var raw rawCometCollateral
		if err := dec.Decode(&raw); err != nil {
			return types.Comet{}, invalidAccount(fmt.Sprintf("comet collateral %d", i), err)
		}
		amount, err := raw.CollateralAmount.Number()
		if err != nil {
			return types.Comet{}, fmt.Errorf("comet collateral %d: %w", i, err)
		}
		out.Collaterals = append(out.Collaterals, types.CometCollateral{
			CollateralIndex:  raw.CollateralIndex,
			CollateralAmount: amount,
		})
	}

	return out, nil
}

// DecodeManagerInfo decodes the comet manager account.
func DecodeManagerInfo(data []byte) (types.ManagerInfo, error) {
	var raw rawManagerInfo
	if err := bin.NewBorshDecoder(data).Decode(&raw); err != nil {
		return types.ManagerInfo{}, invalidAccount("manager info", err)
	}
	if raw.Discriminator != managerInfoDiscriminator {
		return types.ManagerInfo{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: manager info", ErrDiscriminatorMismatch))
	}
	status := types.ManagerStatus(raw.Status)
	if status > types.ManagerStatusLiquidated {
		return types.ManagerInfo{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("unknown manager status %d", raw.Status))
	}

	return types.ManagerInfo{
		InceptProgram: raw.InceptProgram,
		Owner:         raw.Owner,
		Comet:         raw.Comet,
		Status:        status,
	}, nil
}

func convertPool(index types.PoolIndex, raw rawPool) (types.Pool, error) {
	values, err := numbers(
		raw.OnusdAmount,
		raw.OnassetAmount,
		raw.LiquidityTokenSupply,
		raw.LiquidityTradingFee,
		raw.TreasuryTradingFee,
		raw.Price,
		raw.CryptoCollateralRatio,
		raw.PositionHealthScoreCoefficient,
		raw.IlHealthScoreCoefficient,
	)
	if err != nil {
		return types.Pool{}, fmt.Errorf("pool %d: %w", index, err)
	}

	return types.Pool{
		Index:                index,
		OnusdAmount:          values[0],
		OnassetAmount:        values[1],
		LiquidityTokenSupply: values[2],
		LiquidityTradingFee:  values[3],
		TreasuryTradingFee:   values[4],
		AssetInfo: types.AssetInfo{
			Price:                 values[5],
			PythPriceFeed:         raw.PythPriceFeed,
			OnassetMint:           raw.OnassetMint,
			UnderlyingMint:        raw.UnderlyingMint,
			CryptoCollateralRatio: values[6],
		},
		PositionHealthScoreCoefficient: values[7],
		IlHealthScoreCoefficient:       values[8],
	}, nil
}

func numbers(raws ...RawDecimal) ([]float64, error) {
	out := make([]float64, len(raws))
	for i, raw := range raws {
		v, err := raw.Number()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func checkSlotCount(name string, count uint64) error {
	if count > types.MaxSlots {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %s %d", ErrSlotCountOutOfRange, name, count))
	}
	return nil
}

func invalidAccount(what string, err error) error {
	return errors.Join(types.ErrInvalidInput, fmt.Errorf("decode %s: %w", what, err))
}
