/*

This file contains the live submitter. Plans are sent to the external signer service over NATS
request/reply; the signer builds, signs and sends the transaction and replies with the signature.
Accepted plans are archived to a JetStream stream for audit.

*/

package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/incept-protocol/comet-manager/internal/logger"
	"github.com/incept-protocol/comet-manager/internal/types"
)

const (
	SignerSubject      = "comet.signer.submit"
	PlanArchiveStream  = "COMET_PLANS"
	planArchiveSubject = "comet.plans.submitted"
	planArchiveMaxAge  = 30 * 24 * time.Hour
)

var signerLogger = logger.GetForComponent("signer_submitter")

// requester is the part of *nats.Conn the submitter needs.
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// archiver is the part of jetstream.JetStream the submitter needs.
type archiver interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type signerRequest struct {
	Plan *types.RecenterPlan `json:"plan"`
}

type signerReply struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

type archivedPlan struct {
	Plan      *types.RecenterPlan `json:"plan"`
	Signature string              `json:"signature"`
	Submitted time.Time           `json:"submitted_at"`
}

// SignerSubmitter implements Submitter against the signer service.
type SignerSubmitter struct {
	conn    *nats.Conn
	signer  requester
	archive archiver
	now     func() time.Time
}

// NewSignerSubmitter connects to NATS and makes sure the plan archive stream exists.
func NewSignerSubmitter(ctx context.Context, natsURL string) (*SignerSubmitter, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("comet-manager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				signerLogger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			signerLogger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", natsURL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if err := EnsurePlanArchiveStream(ctx, js); err != nil {
		conn.Close()
		return nil, err
	}

	signerLogger.Info().Str("url", natsURL).Str("subject", SignerSubject).Msg("Signer submitter ready")
	return &SignerSubmitter{conn: conn, signer: conn, archive: js, now: time.Now}, nil
}

// EnsurePlanArchiveStream creates the plan archive stream.
func EnsurePlanArchiveStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PlanArchiveStream,
		Subjects:  []string{"comet.plans.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    planArchiveMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create plan archive stream: %w", err)
	}
	return nil
}

// Submit implements Submitter.
func (s *SignerSubmitter) Submit(ctx context.Context, plan *types.RecenterPlan) (types.SubmitResult, error) {
	if err := validatePlan(plan); err != nil {
		return types.SubmitResult{}, err
	}

	payload, err := json.Marshal(signerRequest{Plan: plan})
	if err != nil {
		return types.SubmitResult{}, errors.Join(ErrSubmissionFailed, fmt.Errorf("marshal plan %s: %w", plan.PlanID, err))
	}

	msg, err := s.signer.RequestWithContext(ctx, SignerSubject, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return types.SubmitResult{}, errors.Join(ErrSubmissionTimeout, fmt.Errorf("plan %s: %w", plan.PlanID, err))
		}
		return types.SubmitResult{}, errors.Join(ErrSubmissionFailed, fmt.Errorf("plan %s: %w", plan.PlanID, err))
	}

	var reply signerReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return types.SubmitResult{}, errors.Join(ErrSubmissionFailed, fmt.Errorf("decode signer reply for plan %s: %w", plan.PlanID, err))
	}
	if reply.Error != "" {
		return types.SubmitResult{}, fmt.Errorf("%w: plan %s: %s", ErrSubmissionRejected, plan.PlanID, reply.Error)
	}
	if reply.Signature == "" {
		return types.SubmitResult{}, fmt.Errorf("%w: plan %s: empty signature", ErrSubmissionRejected, plan.PlanID)
	}

	result := types.SubmitResult{Signature: reply.Signature, SubmittedAt: s.now()}
	s.archivePlan(ctx, plan, result)

	signerLogger.Info().
		Str("plan_id", plan.PlanID).
		Str("signature", result.Signature).
		Int("operations", len(plan.Operations)).
		Msg("Plan accepted by signer")
	return result, nil
}

// archivePlan failures are logged only; the transaction has already been sent.
func (s *SignerSubmitter) archivePlan(ctx context.Context, plan *types.RecenterPlan, result types.SubmitResult) {
	if s.archive == nil {
		return
	}
	data, err := json.Marshal(archivedPlan{Plan: plan, Signature: result.Signature, Submitted: result.SubmittedAt})
	if err != nil {
		signerLogger.Warn().Err(err).Str("plan_id", plan.PlanID).Msg("Failed to marshal plan for archive")
		return
	}
	subject := fmt.Sprintf("%s.%d", planArchiveSubject, plan.PoolIndex)
	if _, err := s.archive.Publish(ctx, subject, data, jetstream.WithMsgID(plan.PlanID)); err != nil {
		signerLogger.Warn().Err(err).Str("plan_id", plan.PlanID).Msg("Failed to archive plan")
	}
}

// Close drains the NATS connection.
func (s *SignerSubmitter) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
