/*

This file contains the codec for the 16-byte fixed-point decimal used by every numeric field of the protocol accounts.

Wire layout, little-endian: [flags:4][lo:4][mid:4][hi:4].
Bit 31 of flags is the sign, bits 16-23 hold the scale. The 96-bit mantissa is stored as a
positive magnitude, never in two's complement.

*/

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/incept-protocol/comet-manager/internal/types"
)

const (
	// Size is the encoded length of a decimal.
	Size = 16
	// MaxScale is the largest scale the format allows.
	MaxScale = 28
	// TokenScale is the fixed scale the on-chain program uses for token amounts.
	TokenScale = 7

	signMask   = uint32(1) << 31
	scaleMask  = uint32(0xFF) << scaleShift
	scaleShift = 16
)

// Error definitions for zero-tolerance error handling
var (
	ErrScaleOutOfRange  = errors.New("decimal scale exceeds 28")
	ErrMantissaOverflow = errors.New("decimal mantissa exceeds 96 bits")
	ErrInvalidLength    = errors.New("decimal must be exactly 16 bytes")
	ErrNotFinite        = errors.New("value is not finite")
)

// mantissaLimit is 2^96, the first magnitude that does not fit the three limbs.
var mantissaLimit = uint256.Int{0, 1 << 32, 0, 0}

// Decimal is a sign and magnitude fixed-point value: (-1)^Negative * Mantissa * 10^-Scale.
type Decimal struct {
	Negative bool
	Mantissa uint256.Int
	Scale    uint8
}

// New builds a Decimal, validating scale and magnitude.
func New(negative bool, mantissa *uint256.Int, scale uint8) (Decimal, error) {
	d := Decimal{Negative: negative, Mantissa: *mantissa, Scale: scale}
	if err := d.validate(); err != nil {
		return Decimal{}, err
	}
	return d, nil
}

func (d Decimal) validate() error {
	if d.Scale > MaxScale {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d", ErrScaleOutOfRange, d.Scale))
	}
	if !d.Mantissa.Lt(&mantissaLimit) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %s", ErrMantissaOverflow, d.Mantissa.Dec()))
	}
	return nil
}

// Decode reads a decimal from its 16-byte wire form.
func Decode(b [Size]byte) (Decimal, error) {
	flags := binary.LittleEndian.Uint32(b[0:4])
	lo := binary.LittleEndian.Uint32(b[4:8])
	mid := binary.LittleEndian.Uint32(b[8:12])
	hi := binary.LittleEndian.Uint32(b[12:16])

	d := Decimal{
		Negative: flags&signMask != 0,
		Mantissa: uint256.Int{uint64(mid)<<32 | uint64(lo), uint64(hi), 0, 0},
		Scale:    uint8((flags & scaleMask) >> scaleShift),
	}
	if d.Scale > MaxScale {
		return Decimal{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d", ErrScaleOutOfRange, d.Scale))
	}
	return d, nil
}

// DecodeSlice is Decode for callers holding a byte slice cut out of an account blob.
func DecodeSlice(b []byte) (Decimal, error) {
	if len(b) != Size {
		return Decimal{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: got %d", ErrInvalidLength, len(b)))
	}
	var raw [Size]byte
	copy(raw[:], b)
	return Decode(raw)
}

// Encode writes a decimal in its 16-byte wire form.
func Encode(d Decimal) ([Size]byte, error) {
	var out [Size]byte
	if err := d.validate(); err != nil {
		return out, err
	}

	flags := uint32(d.Scale) << scaleShift
	if d.Negative {
		flags |= signMask
	}
	binary.LittleEndian.PutUint32(out[0:4], flags)
	binary.LittleEndian.PutUint32(out[4:8], uint32(d.Mantissa[0]))
	binary.LittleEndian.PutUint32(out[8:12], uint32(d.Mantissa[0]>>32))
	binary.LittleEndian.PutUint32(out[12:16], uint32(d.Mantissa[1]))
	return out, nil
}

// ToShopspring converts to an arbitrary precision decimal without loss.
func (d Decimal) ToShopspring() decimal.Decimal {
	value := decimal.NewFromBigInt(d.Mantissa.ToBig(), -int32(d.Scale))
	if d.Negative {
		return value.Neg()
	}
	return value
}

// ToNumber converts to float64 for computation.
func (d Decimal) ToNumber() float64 {
	f, _ := d.ToShopspring().Float64()
	return f
}

func (d Decimal) String() string {
	return d.ToShopspring().StringFixed(int32(d.Scale))
}

// FromShopspring quantizes value to scale by flooring and returns its wire representation.
func FromShopspring(value decimal.Decimal, scale uint8) (Decimal, error) {
	if scale > MaxScale {
		return Decimal{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %d", ErrScaleOutOfRange, scale))
	}

	floored := value.RoundFloor(int32(scale))
	units := floored.Shift(int32(scale)).BigInt()
	negative := units.Sign() < 0
	units.Abs(units)

	mantissa, overflow := uint256.FromBig(units)
	if overflow {
		return Decimal{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %s", ErrMantissaOverflow, units.String()))
	}
	return New(negative && !mantissa.IsZero(), mantissa, scale)
}

// FromFloat quantizes a computed float to scale by flooring.
func FromFloat(value float64, scale uint8) (Decimal, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Decimal{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: %f", ErrNotFinite, value))
	}
	return FromShopspring(decimal.NewFromFloat(value), scale)
}

// FloorToScale floors value to the given number of decimal places.
// The float is read through its shortest decimal representation so 0.3 floors to 0.3, not 0.2999999.
// Non-finite values are returned unchanged.
func FloorToScale(value float64, scale int32) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	f, _ := decimal.NewFromFloat(value).RoundFloor(scale).Float64()
	return f
}

// FloorToTokenScale floors value to the protocol token scale.
func FloorToTokenScale(value float64) float64 {
	return FloorToScale(value, TokenScale)
}
