package exchange

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"credex/internal/ledger"
	"credex/internal/model"
	"credex/internal/quota"
	"credex/internal/rate"
	"credex/internal/store"
	"credex/internal/treasury"
)

type outTx struct {
	to     string
	amount decimal.Decimal
	txRef  string
}

// fakeLedger stands in for the settlement network. Transfers succeed with a
// fixed hash unless transferErr is set.
type fakeLedger struct {
	mu            sync.Mutex
	balance       decimal.Decimal
	balanceErr    error
	transferTx    string
	transferErr   error
	transferCalls int
	badAddrs      map[string]bool
	incoming      map[string]decimal.Decimal
	outgoing      []outTx
	stallBalance  bool
	stallLookup   bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balance:    decimal.NewFromInt(5000000),
		transferTx: "tx-ok",
		badAddrs:   map[string]bool{},
		incoming:   map[string]decimal.Decimal{},
	}
}

func (f *fakeLedger) TreasuryAddress() string { return "treasury" }

func (f *fakeLedger) ValidateAddress(addr string) error {
	if f.badAddrs[addr] {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidAddress, addr)
	}
	return nil
}

func (f *fakeLedger) BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error) {
	f.mu.Lock()
	stall := f.stallBalance
	balance, err := f.balance, f.balanceErr
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	return balance, err
}

func (f *fakeLedger) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.outgoing = append(f.outgoing, outTx{to: to, amount: amount, txRef: f.transferTx})
	return f.transferTx, nil
}

func (f *fakeLedger) VerifyIncoming(ctx context.Context, txReference string, amount decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.incoming[txReference]
	return ok && got.GreaterThanOrEqual(amount), nil
}

func (f *fakeLedger) FindOutgoing(ctx context.Context, to string, amount decimal.Decimal, since time.Time) (string, bool, error) {
	f.mu.Lock()
	stall := f.stallLookup
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.outgoing {
		if tx.to == to && tx.amount.Equal(amount) {
			return tx.txRef, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferCalls
}

type testEnv struct {
	st   *store.Store
	led  *fakeLedger
	pipe *Pipeline
}

// newTestEnv wires a pipeline over an in-memory store: base rate 1000 tokens
// per credit, 5% fee, 100000-token daily limit, treasury at the target
// watermark so the multiplier starts at 1.0. Player alice holds 1000 credits.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	st, err := store.New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.PutExchangeRate(ctx, model.ExchangeRate{
		CreditsPerToken:  decimal.RequireFromString("0.01"),
		TokenPerCredit:   decimal.NewFromInt(1000),
		FeeRatio:         decimal.RequireFromString("0.05"),
		DailyLimitTokens: decimal.NewFromInt(100000),
		UpdatedAt:        time.Now().UTC(),
	}))
	_, err = st.CreatePlayer(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	led := newFakeLedger()
	curve := model.CurveConfig{
		MinMult:         decimal.RequireFromString("0.5"),
		MaxMult:         decimal.RequireFromString("1.2"),
		LowWatermark:    decimal.NewFromInt(1000),
		TargetWatermark: decimal.NewFromInt(5000),
		HighWatermark:   decimal.NewFromInt(5000),
	}
	// Treasury far above target: multiplier 1.0 unless a test lowers it.
	oracle := treasury.NewOracle(led, led.TreasuryAddress(), time.Second)
	engine := rate.NewEngine(st, oracle, curve)

	limits := model.LimitsConfig{
		MinWithdrawalCredits: decimal.NewFromInt(10),
		MinDepositTokens:     decimal.RequireFromString("0.5"),
	}
	pipe := NewPipeline(st, led, quota.NewLedger(st), engine, nil,
		log.New(io.Discard, "", 0), limits, time.Second)

	return &testEnv{st: st, led: led, pipe: pipe}
}

func (e *testEnv) credits(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	p, err := e.st.GetPlayer(context.Background(), user)
	require.NoError(t, err)
	return p.Credits
}

func (e *testEnv) withdraw(userID, dest string, credits int64, key string) model.WithdrawRequest {
	return model.WithdrawRequest{
		UserID:         userID,
		Destination:    dest,
		CreditsAmount:  decimal.NewFromInt(credits),
		IdempotencyKey: key,
	}
}

// seedProcessing inserts a claimed request directly, as if a settlement call
// had been cut off mid-flight at the given time.
func (e *testEnv) seedProcessing(t *testing.T, createdAt time.Time) *model.WithdrawalRequest {
	t.Helper()
	ctx := context.Background()
	req := &model.WithdrawalRequest{
		ID:                 uuid.NewString(),
		UserID:             "alice",
		DestinationAddress: "EQdest",
		CreditsDebited:     decimal.NewFromInt(100),
		TokensRequested:    decimal.NewFromInt(95000),
		Status:             model.StatusPending,
		CreatedAt:          createdAt,
	}
	require.NoError(t, e.st.CreateWithdrawal(ctx, req))
	require.NoError(t, e.st.ClaimWithdrawal(ctx, req.ID))
	return req
}
