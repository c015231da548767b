/*
This file contains the conversions between engine floats and the integer token units carried by
instruction amounts. Amounts are always floored: the program rejects anything rounded up.
*/

package utils

import (
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/incept-protocol/comet-manager/internal/codec"
	"github.com/incept-protocol/comet-manager/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrNotFinite        = errors.New("value is not finite")
)

// SDKIntToFloat64 converts integer token units back to a float amount.
func SDKIntToFloat64(amount sdkmath.Int, precision int) (float64, error) {
	if precision < 0 || precision > codec.MaxScale {
		return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPrecision, precision, codec.MaxScale))
	}
	if amount.IsNil() {
		return 0, errors.Join(types.ErrInvalidInput, ErrAmountNil)
	}
	if amount.IsNegative() {
		return 0, errors.Join(types.ErrInvalidInput, ErrAmountNegative)
	}

	result, _ := decimal.NewFromBigInt(amount.BigInt(), -int32(precision)).Float64()
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: result is %f", ErrNotFinite, result))
	}
	return result, nil
}

// Float64ToSDKInt floors a float amount to integer token units at the given precision.
func Float64ToSDKInt(amount float64, precision int) (sdkmath.Int, error) {
	if precision < 0 || precision > codec.MaxScale {
		return sdkmath.ZeroInt(), errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPrecision, precision, codec.MaxScale))
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return sdkmath.ZeroInt(), errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: amount is %f", ErrNotFinite, amount))
	}
	if amount < 0 {
		return sdkmath.ZeroInt(), errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrAmountNegative, amount))
	}
	if amount == 0 {
		return sdkmath.ZeroInt(), nil
	}

	// NewFromFloat keeps the shortest decimal representation, so 0.3 stays 0.3 before flooring
	units := decimal.NewFromFloat(amount).Shift(int32(precision)).Floor()
	return sdkmath.NewIntFromBigInt(units.BigInt()), nil
}

// ToTokenUnits floors an amount to the protocol token scale.
func ToTokenUnits(amount float64) (sdkmath.Int, error) {
	return Float64ToSDKInt(amount, codec.TokenScale)
}

// FromTokenUnits converts protocol token units back to a float amount.
func FromTokenUnits(amount sdkmath.Int) (float64, error) {
	return SDKIntToFloat64(amount, codec.TokenScale)
}
