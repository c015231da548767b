package manager

import (
	"context"
	"errors"

	"github.com/incept-protocol/comet-manager/internal/rootfind"
	"github.com/incept-protocol/comet-manager/internal/types"
	"github.com/incept-protocol/comet-manager/internal/vault"
)

// Severity tells the manager how to react to a cycle error.
type Severity int

const (
	SeverityNone Severity = iota
	// SeverityRecoverable skips the current cycle; the next trigger tries again.
	SeverityRecoverable
	// SeverityExternal is a failure outside the engine (signer, network). Logged, retried on a later trigger.
	SeverityExternal
	// SeverityFatal stops the bot.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityRecoverable:
		return "recoverable"
	case SeverityExternal:
		return "external"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error to its severity. Errors carrying several sentinels take the most lenient
// match, so a non-converging search joined with invalid input still only skips the cycle.
func Classify(err error) Severity {
	var calcErr *rootfind.CalculationError
	switch {
	case err == nil:
		return SeverityNone
	case errors.As(err, &calcErr), errors.Is(err, rootfind.ErrMaxIterations):
		return SeverityRecoverable
	case errors.Is(err, types.ErrMissingMarketData):
		return SeverityRecoverable
	case vault.IsSubmissionError(err):
		return SeverityExternal
	case errors.Is(err, types.ErrInvalidInput):
		return SeverityFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SeverityExternal
	default:
		return SeverityRecoverable
	}
}
