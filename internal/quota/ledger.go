package quota

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"credex/internal/store"
)

const dayFormat = "2006-01-02"

// Counter is the slice of the durable store the ledger needs: read today's
// counter and advance it with an optimistic swap.
type Counter interface {
	QuotaFor(ctx context.Context, userID, day string) (decimal.Decimal, error)
	AdvanceQuota(ctx context.Context, userID, day string, old, new decimal.Decimal) (bool, error)
}

// Result reports whether the volume was admitted and, on denial, how much of
// today's limit is left.
type Result struct {
	Allowed   bool
	Remaining decimal.Decimal
}

// Ledger enforces the per-user daily cap on exchanged token volume. The reset
// is lazy: counters are keyed by day, so a new day reads as zero without any
// scheduled job.
type Ledger struct {
	counters Counter
	now      func() time.Time
}

func NewLedger(counters Counter) *Ledger {
	return &Ledger{counters: counters, now: time.Now}
}

// NewLedgerWithClock pins the clock, letting tests drive the day boundary.
func NewLedgerWithClock(counters Counter, now func() time.Time) *Ledger {
	return &Ledger{counters: counters, now: now}
}

// DayKey is the UTC date bucket quota counters are keyed by.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayFormat)
}

// CheckAndAdvance admits tokens against today's remaining quota and, if
// allowed, advances the counter. The advance is a compare-and-swap against
// the counter value the check was made on, so concurrent retries cannot push
// the day's total past the limit. Callers invoke it once per request.
func (l *Ledger) CheckAndAdvance(ctx context.Context, userID string, tokens, dailyLimit decimal.Decimal) (Result, error) {
	day := DayKey(l.now())

	for attempt := 0; attempt < 5; attempt++ {
		exchanged, err := l.counters.QuotaFor(ctx, userID, day)
		if err != nil {
			return Result{}, err
		}

		remaining := dailyLimit.Sub(exchanged)
		if tokens.GreaterThan(remaining) {
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			return Result{Allowed: false, Remaining: remaining}, nil
		}

		ok, err := l.counters.AdvanceQuota(ctx, userID, day, exchanged, exchanged.Add(tokens))
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{Allowed: true, Remaining: remaining.Sub(tokens)}, nil
		}
	}
	return Result{}, store.ErrConflict
}
