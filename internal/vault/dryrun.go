package vault

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/types"
)

var dryRunLogger = logger.GetForComponent("dry_run_submitter")

// DryRunSubmitter logs plans instead of sending them.
type DryRunSubmitter struct {
	now func() time.Time
}

func NewDryRunSubmitter() *DryRunSubmitter {
	return &DryRunSubmitter{now: time.Now}
}

// Submit implements Submitter.
func (d *DryRunSubmitter) Submit(ctx context.Context, plan *types.RecenterPlan) (types.SubmitResult, error) {
	if err := validatePlan(plan); err != nil {
		return types.SubmitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.SubmitResult{}, err
	}

	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	dryRunLogger.Info().
		Str("plan_id", plan.PlanID).
		Str("direction", string(plan.Direction)).
		Str("plan", string(planJSON)).
		Msg("--- Dry run plan (not submitted) ---")

	return types.SubmitResult{
		Signature:   "dry-run-" + uuid.New().String(),
		SubmittedAt: d.now(),
		DryRun:      true,
	}, nil
}

func (d *DryRunSubmitter) Close() error { return nil }
