package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credex/internal/ledger"
	"credex/internal/model"
	"credex/internal/store"
)

func TestWithdrawalCompletesSynchronously(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, req.Status)
	require.NotNil(t, req.TxReference)
	assert.Equal(t, "tx-ok", *req.TxReference)
	assert.Nil(t, req.ErrorReason)
	// 100 credits × 1000 tokens/credit × m=1.0 minus 5% fee.
	assert.True(t, req.TokensRequested.Equal(decimal.NewFromInt(95000)), "tokens %s", req.TokensRequested)
	assert.True(t, req.CreditsDebited.Equal(decimal.NewFromInt(100)))
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)))
	assert.Equal(t, 1, env.led.calls())
}

func TestWithdrawalBelowMinimumRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 5, ""))
	assert.ErrorIs(t, err, ErrBelowMinimum)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(1000)), "no debit on validation failure")
	assert.Equal(t, 0, env.led.calls())
}

func TestWithdrawalQuotaDenied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// First withdrawal consumes 95000 of the 100000 daily limit.
	_, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	require.NoError(t, err)

	_, err = env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.True(t, quotaErr.Remaining.Equal(decimal.NewFromInt(5000)), "remaining %s", quotaErr.Remaining)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)), "denied request must not debit")
}

func TestWithdrawalInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Raise the daily limit so the 2000-credit request passes the quota
	// check and dies on the balance debit instead.
	require.NoError(t, env.st.PutExchangeRate(ctx, model.ExchangeRate{
		CreditsPerToken:  decimal.RequireFromString("0.01"),
		TokenPerCredit:   decimal.NewFromInt(1000),
		FeeRatio:         decimal.RequireFromString("0.05"),
		DailyLimitTokens: decimal.NewFromInt(10000000),
		UpdatedAt:        time.Now().UTC(),
	}))

	_, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 2000, ""))
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 0, env.led.calls())
}

func TestWithdrawalIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, "key-1"))
	require.NoError(t, err)

	second, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, "key-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same key returns the existing request")
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)), "credits debited exactly once")
	assert.Equal(t, 1, env.led.calls(), "ledger transfer issued exactly once")
}

func TestWithdrawalTimeoutStaysProcessing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.led.transferErr = context.DeadlineExceeded

	req, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	require.NoError(t, err)

	// Outcome unknown: not failed, waiting for reconciliation.
	assert.Equal(t, model.StatusProcessing, req.Status)
	assert.Nil(t, req.ErrorReason)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)), "debit stands while unresolved")
}

func TestWithdrawalMalformedDestinationRejectedEarly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.led.badAddrs["not-an-address"] = true

	_, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "not-an-address", 100, ""))
	assert.ErrorIs(t, err, ledger.ErrInvalidAddress)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(1000)), "rejected before any durable write")
}

func TestWithdrawalInvalidDestinationAtTransfer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.led.transferErr = ledger.ErrInvalidAddress

	req, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, req.Status)
	require.NotNil(t, req.ErrorReason)
	assert.Equal(t, ReasonInvalidDestination, *req.ErrorReason)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)), "no auto-refund on failure")

	// Permanent failures refuse a re-drive without force.
	_, err = env.pipe.Redrive(ctx, req.ID, false)
	assert.ErrorIs(t, err, ErrPermanentFailure)

	env.led.transferErr = nil
	redriven, err := env.pipe.Redrive(ctx, req.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, redriven.Status)
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)), "re-drive never re-debits")
}

func TestWithdrawalInsufficientLiquidity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Treasury can cover the quote check at target rate but not the payout:
	// with balance below LOW the multiplier halves the quote, and a 10-token
	// pool cannot fund it either way.
	env.led.balance = decimal.NewFromInt(10)

	req, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, req.Status)
	require.NotNil(t, req.ErrorReason)
	assert.Equal(t, ReasonNoLiquidity, *req.ErrorReason)
	assert.Equal(t, 0, env.led.calls(), "no transfer issued against a dry treasury")
}

func TestWithdrawalTransientLedgerError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.led.transferErr = errors.New("lite server unreachable")

	req, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, ""))
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, req.Status)
	require.NotNil(t, req.ErrorReason)
	assert.Equal(t, ReasonTransientLedger, *req.ErrorReason)

	// Transient failures may be re-driven without force.
	env.led.transferErr = nil
	redriven, err := env.pipe.Redrive(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, redriven.Status)
	require.NotNil(t, redriven.TxReference)
	assert.Equal(t, 2, env.led.calls())
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)))
}

func TestWithdrawalIdempotencyUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Raise the daily limit so every racer passes the quota check and the
	// collision happens where it matters, on the request insert.
	require.NoError(t, env.st.PutExchangeRate(ctx, model.ExchangeRate{
		CreditsPerToken:  decimal.RequireFromString("0.01"),
		TokenPerCredit:   decimal.NewFromInt(1000),
		FeeRatio:         decimal.RequireFromString("0.05"),
		DailyLimitTokens: decimal.NewFromInt(10000000),
		UpdatedAt:        time.Now().UTC(),
	}))

	const racers = 4
	var wg sync.WaitGroup
	results := make(chan *model.WithdrawalRequest, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := env.pipe.InitiateWithdrawal(ctx, env.withdraw("alice", "EQdest", 100, "key-race"))
			if err != nil {
				// A racer can exhaust its optimistic-merge attempts under
				// contention; that leaves no partial state behind.
				assert.ErrorIs(t, err, store.ErrConflict)
				return
			}
			results <- req
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	for req := range results {
		ids[req.ID] = true
	}
	require.Len(t, ids, 1, "every successful call resolves to the same request")
	assert.True(t, env.credits(t, "alice").Equal(decimal.NewFromInt(900)),
		"exactly one debit survives, losers are refunded")
	assert.Equal(t, 1, env.led.calls(), "the winner transfers once")
}

func TestSettleBoundsTreasuryRead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pipe.transferTimeout = 50 * time.Millisecond
	env.led.stallBalance = true

	req := &model.WithdrawalRequest{
		ID:                 "stalled-1",
		UserID:             "alice",
		DestinationAddress: "EQdest",
		CreditsDebited:     decimal.NewFromInt(100),
		TokensRequested:    decimal.NewFromInt(95000),
		Status:             model.StatusPending,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, env.st.CreateWithdrawal(ctx, req))

	start := time.Now()
	err := env.pipe.Settle(ctx, req.ID)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "a hung balance read must hit the deadline")

	got, err := env.st.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, ReasonTransientLedger, *got.ErrorReason)
	assert.Equal(t, 0, env.led.calls(), "no transfer without a liquidity check")
}

func TestSettleLosesClaimRace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := env.seedProcessing(t, time.Now().UTC())
	err := env.pipe.Settle(ctx, req.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyClaimed, "second settler must abort without a ledger call")
	assert.Equal(t, 0, env.led.calls())
}
