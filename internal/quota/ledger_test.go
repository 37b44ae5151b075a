package quota

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credex/internal/store"
)

func newTestLedger(t *testing.T, now func() time.Time) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	st, err := store.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewLedgerWithClock(st, now)
}

func TestDenialReportsRemaining(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, time.Now)
	limit := decimal.NewFromInt(100000)

	res, err := ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(80000), limit)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(30000), limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Remaining.Equal(decimal.NewFromInt(20000)), "remaining %s", res.Remaining)
}

func TestCumulativeNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, time.Now)
	limit := decimal.NewFromInt(100000)
	chunk := decimal.NewFromInt(30000)

	allowed := 0
	for i := 0; i < 10; i++ {
		res, err := ledger.CheckAndAdvance(ctx, "user-1", chunk, limit)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed, "only 3×30000 fits under 100000")
}

func TestExactLimitAllowed(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, time.Now)
	limit := decimal.NewFromInt(100000)

	res, err := ledger.CheckAndAdvance(ctx, "user-1", limit, limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Remaining.IsZero())

	res, err = ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(1), limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Remaining.IsZero())
}

func TestDayRolloverResetsOnce(t *testing.T) {
	ctx := context.Background()
	day1 := time.Date(2025, 3, 10, 23, 50, 0, 0, time.UTC)
	current := day1
	ledger := newTestLedger(t, func() time.Time { return current })
	limit := decimal.NewFromInt(1000)

	res, err := ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(900), limit)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(900), limit)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Crossing midnight gives a fresh counter.
	current = day1.Add(20 * time.Minute)
	res, err = ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(900), limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Still the same day: no second reset.
	res, err = ledger.CheckAndAdvance(ctx, "user-1", decimal.NewFromInt(900), limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Remaining.Equal(decimal.NewFromInt(100)), "remaining %s", res.Remaining)
}

func TestQuotaIsPerUser(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, time.Now)
	limit := decimal.NewFromInt(100)

	res, err := ledger.CheckAndAdvance(ctx, "user-1", limit, limit)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = ledger.CheckAndAdvance(ctx, "user-2", limit, limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "user-2 has an independent counter")
}
