/*

This file contains the bisection root finder shared by every iterative search of the engine:
price range solving, AMM trade sizing and execution capacity.

*/

package rootfind

import (
	"errors"
	"fmt"
	"math"

	"github.com/incept-protocol/comet-manager/internal/types"
)

// ErrMaxIterations is returned (wrapped in a CalculationError) when a search does not converge.
var ErrMaxIterations = errors.New("max iterations reached")

// Error definitions for invalid searches
var (
	ErrInvalidSettings = errors.New("root finder settings are invalid")
	ErrInvalidBracket  = errors.New("root finder bracket is invalid")
)

// CalculationError reports a search that exhausted its budget without reaching tolerance.
// Callers must skip the cycle instead of using the last guess.
type CalculationError struct {
	Op         string
	Iterations int
	Residual   float64
	Lo, Hi     float64
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("%s: %s after %d iterations (residual %g, bracket [%g, %g])",
		e.Op, ErrMaxIterations.Error(), e.Iterations, e.Residual, e.Lo, e.Hi)
}

func (e *CalculationError) Unwrap() error {
	return ErrMaxIterations
}

// Settings parameterize a bisection.
// At least one of Tolerance and BracketTolerance must be positive.
type Settings struct {
	Op               string  // Name used in errors
	Tolerance        float64 // Stop when |f(x)| <= Tolerance
	BracketTolerance float64 // Stop when hi-lo <= BracketTolerance
	MaxIterations    int
	Increasing       bool // f grows with x; a negative residual moves the lower bound up
}

// Named presets for the engine's searches.
var (
	// RangeSearch solves borrowed size for a target price bound.
	RangeSearch = Settings{Op: "price range search", Tolerance: 1e-9, MaxIterations: 100_000}
	// TradeSearch sizes an AMM trade whose post-trade price matches a target, residual is relative.
	TradeSearch = Settings{Op: "trade size search", Tolerance: 1e-6, MaxIterations: 1_000}
	// CapacitySearch finds the largest executable trade, bracketed to one unit at the token scale.
	CapacitySearch = Settings{Op: "execution capacity search", BracketTolerance: 1e-7, MaxIterations: 10_000}
)

// WithDirection returns a copy of the settings searching a function of the given monotonicity.
func (s Settings) WithDirection(increasing bool) Settings {
	s.Increasing = increasing
	return s
}

// Result is the outcome of a converged search.
// X is the accepted point, Lo and Hi the final bracket.
type Result struct {
	X          float64
	Lo, Hi     float64
	Residual   float64
	Iterations int
}

// Func is a monotonic function whose root is searched.
type Func func(x float64) float64

func (s Settings) validate() error {
	if s.MaxIterations <= 0 {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: max iterations %d", ErrInvalidSettings, s.MaxIterations))
	}
	if !(s.Tolerance > 0) && !(s.BracketTolerance > 0) {
		return errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: no stopping tolerance", ErrInvalidSettings))
	}
	return nil
}

// Bisect searches [lo, hi] for x with f(x) = 0.
// f must be monotonic in the direction given by the settings; the root does not have to be
// bracketed, in which case the search walks to the nearest end and fails to converge.
func Bisect(f Func, lo, hi float64, s Settings) (Result, error) {
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo > hi {
		return Result{}, errors.Join(types.ErrInvalidInput, fmt.Errorf("%w: [%g, %g]", ErrInvalidBracket, lo, hi))
	}

	var (
		mid        float64
		residual   = math.NaN()
		iterations int
	)
	for iterations < s.MaxIterations {
		iterations++
		mid = lo + (hi-lo)/2
		residual = f(mid)
		if math.IsNaN(residual) {
			return Result{}, &CalculationError{Op: s.Op, Iterations: iterations, Residual: residual, Lo: lo, Hi: hi}
		}

		if s.Tolerance > 0 && math.Abs(residual) <= s.Tolerance {
			return Result{X: mid, Lo: lo, Hi: hi, Residual: residual, Iterations: iterations}, nil
		}

		// Floating point adjacency: the bracket can no longer shrink
		if mid == lo || mid == hi {
			break
		}

		if (residual < 0) == s.Increasing {
			lo = mid
		} else {
			hi = mid
		}

		if s.BracketTolerance > 0 && hi-lo <= s.BracketTolerance {
			return Result{X: lo + (hi-lo)/2, Lo: lo, Hi: hi, Residual: residual, Iterations: iterations}, nil
		}
	}

	return Result{}, &CalculationError{Op: s.Op, Iterations: iterations, Residual: residual, Lo: lo, Hi: hi}
}
