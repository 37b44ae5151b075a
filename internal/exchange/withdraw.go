package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"credex/internal/ledger"
	"credex/internal/model"
	"credex/internal/quota"
	"credex/internal/rate"
	"credex/internal/store"
)

// Machine-readable failure reasons. The transient/permanent prefix decides
// whether an operator re-drive is allowed without a force override.
const (
	ReasonTransientTimeout   = "transient_timeout"
	ReasonTransientLedger    = "transient_ledger"
	ReasonInvalidDestination = "permanent_invalid_destination"
	ReasonNoLiquidity        = "liquidity_insufficient"
)

var (
	ErrBelowMinimum = errors.New("amount below minimum")
	// ErrSettlementUnknown is returned when the transfer call timed out with
	// the outcome unknown. The request stays in processing until the
	// reconciler checks the chain; marking it failed here could contradict a
	// transfer that actually landed.
	ErrSettlementUnknown = errors.New("settlement outcome unknown, pending reconciliation")
	ErrPermanentFailure  = errors.New("request failed permanently, re-drive refused")
)

// QuotaExceededError carries the remaining daily allowance so the caller can
// tell the user how much is still available.
type QuotaExceededError struct {
	Remaining decimal.Decimal
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily exchange quota exceeded, %s tokens remaining", e.Remaining.String())
}

// SettlementClient is the ledger surface the pipelines consume.
type SettlementClient interface {
	TreasuryAddress() string
	ValidateAddress(addr string) error
	BalanceOf(ctx context.Context, addr string) (decimal.Decimal, error)
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
	VerifyIncoming(ctx context.Context, txReference string, amount decimal.Decimal) (bool, error)
	FindOutgoing(ctx context.Context, to string, amount decimal.Decimal, since time.Time) (string, bool, error)
}

// Notifier delivers operator alerts for states that need a human.
type Notifier interface {
	Alert(ctx context.Context, message string)
}

// Pipeline orchestrates both exchange directions: quota and rate checks, the
// durable request records, and settlement against the ledger client.
type Pipeline struct {
	store           *store.Store
	ledger          SettlementClient
	quota           *quota.Ledger
	engine          *rate.Engine
	notify          Notifier
	logger          *log.Logger
	limits          model.LimitsConfig
	transferTimeout time.Duration
	now             func() time.Time
}

func NewPipeline(st *store.Store, lc SettlementClient, ql *quota.Ledger, eng *rate.Engine, notify Notifier, logger *log.Logger, limits model.LimitsConfig, transferTimeout time.Duration) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	if transferTimeout <= 0 {
		transferTimeout = 30 * time.Second
	}
	return &Pipeline{
		store:           st,
		ledger:          lc,
		quota:           ql,
		engine:          eng,
		notify:          notify,
		logger:          logger,
		limits:          limits,
		transferTimeout: transferTimeout,
		now:             time.Now,
	}
}

type nopNotifier struct{}

func (nopNotifier) Alert(context.Context, string) {}

// InitiateWithdrawal validates and prices a credits→token exchange, debits
// the credits, creates the durable request and settles it synchronously.
//
// The request record is the commitment point: it is created only after the
// debit is durably visible, and once it exists the system owes the user the
// tokens or a refund. A repeated call with the same idempotency key returns
// the request the first call created instead of debiting again.
func (p *Pipeline) InitiateWithdrawal(ctx context.Context, in model.WithdrawRequest) (*model.WithdrawalRequest, error) {
	if in.CreditsAmount.LessThan(p.limits.MinWithdrawalCredits) || !in.CreditsAmount.IsPositive() {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s credits", ErrBelowMinimum, p.limits.MinWithdrawalCredits)
	}
	if err := p.ledger.ValidateAddress(in.Destination); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		existing, err := p.store.GetWithdrawalByKey(ctx, in.UserID, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	quote, rateRec, err := p.engine.Quote(ctx, model.DirectionWithdraw, in.CreditsAmount)
	if err != nil {
		return nil, err
	}
	if !quote.NetAmount.IsPositive() {
		return nil, fmt.Errorf("%w: net token amount is not positive", ErrBelowMinimum)
	}

	res, err := p.quota.CheckAndAdvance(ctx, in.UserID, quote.NetAmount, rateRec.DailyLimitTokens)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &QuotaExceededError{Remaining: res.Remaining}
	}

	// Debit before creating the record. A loss here is clean: quota was
	// consumed but no money moved.
	if err := p.store.DebitCredits(ctx, in.UserID, in.CreditsAmount); err != nil {
		return nil, err
	}

	req := &model.WithdrawalRequest{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		DestinationAddress: in.Destination,
		CreditsDebited:     in.CreditsAmount,
		TokensRequested:    quote.NetAmount,
		Status:             model.StatusPending,
		IdempotencyKey:     in.IdempotencyKey,
		CreatedAt:          p.now().UTC(),
	}
	if err := p.store.CreateWithdrawal(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// A concurrent call with the same key won the insert between the
			// lookup above and here. Refund this call's debit and answer with
			// the winner's request, so the idempotency promise holds under
			// concurrency as well as sequential retry.
			if rerr := p.store.CreditCredits(ctx, in.UserID, in.CreditsAmount); rerr != nil {
				msg := fmt.Sprintf("ANOMALY: duplicate withdrawal for key %s debited %s credits from user %s and the refund failed: %v",
					in.IdempotencyKey, in.CreditsAmount, in.UserID, rerr)
				p.logger.Printf("CRITICAL: %s", msg)
				p.notify.Alert(ctx, msg)
				return nil, fmt.Errorf("failed to refund duplicate withdrawal: %w", rerr)
			}
			return p.store.GetWithdrawalByKey(ctx, in.UserID, in.IdempotencyKey)
		}
		// Credits are gone with no request record: the anomaly the ordering
		// guarantee exists to make visible. Operators must reconcile by hand.
		msg := fmt.Sprintf("ANOMALY: debited %s credits from user %s but failed to create withdrawal record: %v",
			in.CreditsAmount, in.UserID, err)
		p.logger.Printf("CRITICAL: %s", msg)
		p.notify.Alert(ctx, msg)
		return nil, fmt.Errorf("failed to record withdrawal after debit: %w", err)
	}

	if err := p.store.BumpExchangeStats(ctx, in.UserID, model.DirectionWithdraw, quote.NetAmount); err != nil {
		p.logger.Printf("failed to bump exchange stats for user %s: %v", in.UserID, err)
	}

	if err := p.Settle(ctx, req.ID); err != nil {
		p.logger.Printf("withdrawal %s not completed synchronously: %v", req.ID, err)
	}
	return p.store.GetWithdrawal(ctx, req.ID)
}

// Settle drives one withdrawal through the on-chain leg. Safe to call from
// the request handler and the background sweep at once: the pending →
// processing claim admits exactly one caller, and a loser backs off without
// touching the ledger.
func (p *Pipeline) Settle(ctx context.Context, requestID string) error {
	req, err := p.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return err
	}

	if err := p.store.ClaimWithdrawal(ctx, requestID); err != nil {
		return err
	}

	balanceCtx, cancelBalance := context.WithTimeout(ctx, p.transferTimeout)
	balance, err := p.ledger.BalanceOf(balanceCtx, p.ledger.TreasuryAddress())
	cancelBalance()
	if err != nil {
		// No transfer was issued yet, so failing here cannot double-spend.
		return p.fail(ctx, req, ReasonTransientLedger, err)
	}
	if balance.LessThan(req.TokensRequested) {
		err := fmt.Errorf("treasury holds %s tokens, %s requested", balance, req.TokensRequested)
		return p.fail(ctx, req, ReasonNoLiquidity, err)
	}

	transferCtx, cancel := context.WithTimeout(ctx, p.transferTimeout)
	defer cancel()

	txRef, err := p.ledger.Transfer(transferCtx, req.DestinationAddress, req.TokensRequested)
	switch {
	case err == nil:
		if serr := p.store.CompleteWithdrawal(ctx, requestID, txRef, p.now().UTC()); serr != nil {
			// Money moved but the record still says processing. The
			// reconciler will find the transfer on-chain and finish the
			// record; until then this is the loudest failure we have.
			msg := fmt.Sprintf("ANOMALY: withdrawal %s transferred (tx %s) but status write failed: %v",
				requestID, txRef, serr)
			p.logger.Printf("CRITICAL: %s", msg)
			p.notify.Alert(ctx, msg)
			return serr
		}
		return nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(transferCtx.Err(), context.DeadlineExceeded):
		// Outcome unknown: the transfer may still land. Leave the request in
		// processing so reconciliation can check the chain before deciding.
		p.logger.Printf("withdrawal %s: transfer timed out, leaving in processing for reconciliation", requestID)
		p.notify.Alert(ctx, fmt.Sprintf("withdrawal %s awaiting reconciliation after transfer timeout", requestID))
		return ErrSettlementUnknown

	case errors.Is(err, ledger.ErrInvalidAddress):
		return p.fail(ctx, req, ReasonInvalidDestination, err)

	default:
		return p.fail(ctx, req, ReasonTransientLedger, err)
	}
}

// fail records a terminal failure. Credits are deliberately not refunded: a
// failed request is a known liability until an operator resolves it, which
// closes the race where an auto-refund plus a late-landing transfer would pay
// the user twice.
func (p *Pipeline) fail(ctx context.Context, req *model.WithdrawalRequest, reason string, cause error) error {
	p.logger.Printf("withdrawal %s failed (%s): %v", req.ID, reason, cause)
	if err := p.store.FailWithdrawal(ctx, req.ID, reason, p.now().UTC()); err != nil {
		p.logger.Printf("CRITICAL: could not record failure of withdrawal %s: %v", req.ID, err)
		p.notify.Alert(ctx, fmt.Sprintf("withdrawal %s failed (%s) and the failure could not be recorded: %v", req.ID, reason, err))
		return err
	}
	p.notify.Alert(ctx, fmt.Sprintf("withdrawal %s failed: %s", req.ID, reason))
	return fmt.Errorf("withdrawal failed (%s): %w", reason, cause)
}

// Redrive re-queues the on-chain leg of a failed withdrawal. Credits were
// already taken at initiation and are never debited again here. Permanent
// failures are refused unless the operator forces the re-drive.
func (p *Pipeline) Redrive(ctx context.Context, requestID string, force bool) (*model.WithdrawalRequest, error) {
	req, err := p.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != model.StatusFailed {
		return nil, store.ErrInvalidStatus
	}
	if req.ErrorReason != nil && strings.HasPrefix(*req.ErrorReason, "permanent_") && !force {
		return nil, ErrPermanentFailure
	}

	if err := p.store.ReopenWithdrawal(ctx, requestID); err != nil {
		return nil, err
	}
	if err := p.Settle(ctx, requestID); err != nil {
		p.logger.Printf("re-drive of withdrawal %s did not complete: %v", requestID, err)
	}
	return p.store.GetWithdrawal(ctx, requestID)
}

// GetWithdrawal exposes request status for the API.
func (p *Pipeline) GetWithdrawal(ctx context.Context, requestID string) (*model.WithdrawalRequest, error) {
	return p.store.GetWithdrawal(ctx, requestID)
}
