package vault

import (
	"context"
	"errors"

	"github.com/incept-protocol/comet-manager/internal/types"
)

// Error definitions for submission failures.
// All of them are external: the cycle ends, the guard is released and a later trigger retries.
var (
	ErrSubmissionFailed   = errors.New("plan submission failed")
	ErrSubmissionRejected = errors.New("plan rejected by signer")
	ErrSubmissionTimeout  = errors.New("plan submission timed out")
	ErrInvalidPlan        = errors.New("plan is invalid")
)

// Submitter defines the interface for handing recentering plans to the transaction signer.
// This interface abstracts away how the plan reaches the chain,
// allowing for different implementations (live signer, dry run, etc.).
type Submitter interface {
	// Submit sends the plan as one atomic transaction and returns once it has been accepted.
	// Implementations must honor ctx cancellation.
	Submit(ctx context.Context, plan *types.RecenterPlan) (types.SubmitResult, error)

	// Close cleans up any resources used by the submitter.
	Close() error
}

// IsSubmissionError reports whether err came from the submission layer.
func IsSubmissionError(err error) bool {
	return errors.Is(err, ErrSubmissionFailed) ||
		errors.Is(err, ErrSubmissionRejected) ||
		errors.Is(err, ErrSubmissionTimeout)
}

func validatePlan(plan *types.RecenterPlan) error {
	if plan == nil {
		return errors.Join(types.ErrInvalidInput, ErrInvalidPlan, errors.New("plan is nil"))
	}
	if plan.PlanID == "" {
		return errors.Join(types.ErrInvalidInput, ErrInvalidPlan, errors.New("plan id is empty"))
	}
	if len(plan.Operations) == 0 {
		return errors.Join(types.ErrInvalidInput, ErrInvalidPlan, errors.New("plan has no operations"))
	}
	return nil
}
