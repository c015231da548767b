package utils

import (
	"math"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/types"
)

func TestFloat64ToSDKInt_Floors(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		expected int64
	}{
		{"zero", 0, 0},
		{"exact decimal", 0.3, 3_000_000},
		{"truncates below one unit", 1.23456789, 12_345_678},
		{"never rounds up", 0.99999999, 9_999_999},
		{"large amount", 10131.7122593, 101_317_122_593},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, err := ToTokenUnits(tt.amount)
			require.NoError(t, err)
			assert.True(t, units.Equal(sdkmath.NewInt(tt.expected)), "got %s", units.String())
		})
	}
}

func TestFloat64ToSDKInt_InvalidInput(t *testing.T) {
	for _, amount := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := ToTokenUnits(amount)
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	}

	_, err := Float64ToSDKInt(1, 29)
	assert.ErrorIs(t, err, ErrInvalidPrecision)
}

func TestSDKIntToFloat64(t *testing.T) {
	value, err := FromTokenUnits(sdkmath.NewInt(12_345_678))
	require.NoError(t, err)
	assert.InDelta(t, 1.2345678, value, 1e-12)

	_, err = FromTokenUnits(sdkmath.NewInt(-1))
	assert.ErrorIs(t, err, ErrAmountNegative)

	_, err = FromTokenUnits(sdkmath.Int{})
	assert.ErrorIs(t, err, ErrAmountNil)
}

func TestRoundTripThroughTokenUnits(t *testing.T) {
	for _, amount := range []float64{0.0000001, 42.5, 987654.3210987} {
		units, err := ToTokenUnits(amount)
		require.NoError(t, err)
		back, err := FromTokenUnits(units)
		require.NoError(t, err)
		assert.InDelta(t, amount, back, 1e-7)
	}
}
