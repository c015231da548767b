package vault

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incept-protocol/comet-manager/internal/types"
)

type fakeSigner struct {
	subject string
	request signerRequest
	reply   signerReply
	err     error
}

func (f *fakeSigner) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if err := json.Unmarshal(data, &f.request); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	out, _ := json.Marshal(f.reply)
	return &nats.Msg{Subject: subj, Data: out}, nil
}

type fakeArchive struct {
	subjects []string
	err      error
}

func (f *fakeArchive) Publish(_ context.Context, subject string, _ []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	if f.err != nil {
		return nil, f.err
	}
	return &jetstream.PubAck{Stream: PlanArchiveStream}, nil
}

func testPlan() *types.RecenterPlan {
	return &types.RecenterPlan{
		PlanID:    "plan-1",
		PoolIndex: 2,
		Direction: types.BreachHigher,
		Operations: []types.Operation{
			{Type: types.OpUpdatePrices, PoolIndices: []types.PoolIndex{2}, Amount: sdkmath.ZeroInt(), Threshold: sdkmath.ZeroInt()},
			{Type: types.OpSellOnasset, PoolIndex: 2, Amount: sdkmath.NewInt(1_000_000), Threshold: sdkmath.NewInt(990_000)},
		},
	}
}

func newTestSubmitter(signer *fakeSigner, archive *fakeArchive) *SignerSubmitter {
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &SignerSubmitter{signer: signer, archive: archive, now: func() time.Time { return fixed }}
}

func TestSignerSubmitter_Accepted(t *testing.T) {
	signer := &fakeSigner{reply: signerReply{Signature: "5xSig"}}
	archive := &fakeArchive{}
	s := newTestSubmitter(signer, archive)

	result, err := s.Submit(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, "5xSig", result.Signature)
	assert.False(t, result.DryRun)
	assert.Equal(t, SignerSubject, signer.subject)
	require.NotNil(t, signer.request.Plan)
	assert.Equal(t, "plan-1", signer.request.Plan.PlanID)
	assert.True(t, signer.request.Plan.Operations[1].Threshold.Equal(sdkmath.NewInt(990_000)))
	assert.Equal(t, []string{"comet.plans.submitted.2"}, archive.subjects)
}

func TestSignerSubmitter_ArchiveFailureIsNotFatal(t *testing.T) {
	s := newTestSubmitter(&fakeSigner{reply: signerReply{Signature: "sig"}}, &fakeArchive{err: errors.New("stream down")})

	result, err := s.Submit(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, "sig", result.Signature)
}

func TestSignerSubmitter_Errors(t *testing.T) {
	tests := []struct {
		name   string
		signer *fakeSigner
		want   error
	}{
		{"rejected", &fakeSigner{reply: signerReply{Error: "slippage exceeded"}}, ErrSubmissionRejected},
		{"empty signature", &fakeSigner{reply: signerReply{}}, ErrSubmissionRejected},
		{"timeout", &fakeSigner{err: nats.ErrTimeout}, ErrSubmissionTimeout},
		{"deadline", &fakeSigner{err: context.DeadlineExceeded}, ErrSubmissionTimeout},
		{"no responders", &fakeSigner{err: nats.ErrNoResponders}, ErrSubmissionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := &fakeArchive{}
			_, err := newTestSubmitter(tt.signer, archive).Submit(context.Background(), testPlan())
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsSubmissionError(err))
			assert.Empty(t, archive.subjects)
		})
	}
}

func TestSubmitters_RejectInvalidPlans(t *testing.T) {
	submitters := map[string]Submitter{
		"signer":  newTestSubmitter(&fakeSigner{}, &fakeArchive{}),
		"dry run": NewDryRunSubmitter(),
	}
	empty := testPlan()
	empty.Operations = nil

	for name, s := range submitters {
		t.Run(name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), nil)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.ErrorIs(t, err, types.ErrInvalidInput)

			_, err = s.Submit(context.Background(), empty)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.False(t, IsSubmissionError(err))
		})
	}
}

func TestDryRunSubmitter(t *testing.T) {
	d := NewDryRunSubmitter()

	first, err := d.Submit(context.Background(), testPlan())
	require.NoError(t, err)
	second, err := d.Submit(context.Background(), testPlan())
	require.NoError(t, err)

	assert.True(t, first.DryRun)
	assert.True(t, strings.HasPrefix(first.Signature, "dry-run-"))
	assert.NotEqual(t, first.Signature, second.Signature)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Submit(ctx, testPlan())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, d.Close())
}
