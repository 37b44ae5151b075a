package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credex/internal/model"
)

func TestReconcilerCompletesTransferFoundOnChain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// A transfer that landed, but whose response was lost to a timeout.
	req := env.seedProcessing(t, time.Now().UTC().Add(-10*time.Minute))
	env.led.outgoing = append(env.led.outgoing, outTx{
		to:     req.DestinationAddress,
		amount: req.TokensRequested,
		txRef:  "tx-found",
	})

	rec := NewReconciler(env.pipe, time.Minute, time.Minute)
	require.NoError(t, rec.ResolveProcessing(ctx))

	got, err := env.st.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.TxReference)
	assert.Equal(t, "tx-found", *got.TxReference)
}

func TestReconcilerFailsAfterGraceWithoutEvidence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := env.seedProcessing(t, time.Now().UTC().Add(-10*time.Minute))

	rec := NewReconciler(env.pipe, time.Minute, time.Minute)
	require.NoError(t, rec.ResolveProcessing(ctx))

	got, err := env.st.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, ReasonTransientTimeout, *got.ErrorReason)
}

func TestReconcilerLeavesFreshProcessingAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := env.seedProcessing(t, time.Now().UTC())

	rec := NewReconciler(env.pipe, 5*time.Minute, time.Minute)
	require.NoError(t, rec.ResolveProcessing(ctx))

	got, err := env.st.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status, "inside the grace period nothing moves")
}

func TestReconcilerBoundsChainLookup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pipe.transferTimeout = 50 * time.Millisecond
	env.led.stallLookup = true

	req := env.seedProcessing(t, time.Now().UTC().Add(-10*time.Minute))

	rec := NewReconciler(env.pipe, time.Minute, time.Minute)
	start := time.Now()
	require.NoError(t, rec.ResolveProcessing(ctx))
	assert.Less(t, time.Since(start), 2*time.Second, "a hung chain read must hit the deadline")

	// Lookup errors never decide the request; it waits for the next pass.
	got, err := env.st.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestSweepSettlesOrphanedPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Created and debited, then the creator crashed before settling.
	req := &model.WithdrawalRequest{
		ID:                 "orphan-1",
		UserID:             "alice",
		DestinationAddress: "EQdest",
		CreditsDebited:     decimal.NewFromInt(100),
		TokensRequested:    decimal.NewFromInt(95000),
		Status:             model.StatusPending,
		CreatedAt:          time.Now().UTC().Add(-10 * time.Minute),
	}
	require.NoError(t, env.st.CreateWithdrawal(ctx, req))

	rec := NewReconciler(env.pipe, 5*time.Minute, time.Minute)
	require.NoError(t, rec.SweepPending(ctx))

	got, err := env.st.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.TxReference)
	assert.Equal(t, 1, env.led.calls())
}
