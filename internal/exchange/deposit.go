package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"credex/internal/model"
	"credex/internal/store"
)

// ErrTransferNotObserved means the claimed on-chain transfer to the treasury
// could not be found. No credits are granted without the observation.
var ErrTransferNotObserved = errors.New("transfer to treasury not observed on chain")

const creditRetries = 5

// CompleteDeposit grants credits for a token transfer the user already made
// to the treasury. The transfer is verified on-chain before anything is
// written, so the only failure mode left is the off-chain credit write, which
// is retried because the tokens are already irrevocably in the treasury. A
// confirmation that gave up earlier is resumed on the next call, not refused:
// the record stays owed until the credits land.
func (p *Pipeline) CompleteDeposit(ctx context.Context, in model.ConfirmDepositRequest) (*model.DepositRecord, error) {
	if in.TokensAmount.LessThan(p.limits.MinDepositTokens) || !in.TokensAmount.IsPositive() {
		return nil, fmt.Errorf("%w: minimum deposit is %s tokens", ErrBelowMinimum, p.limits.MinDepositTokens)
	}

	observed, err := p.ledger.VerifyIncoming(ctx, in.ObservedTx, in.TokensAmount)
	if err != nil {
		return nil, fmt.Errorf("could not verify transfer %s: %w", in.ObservedTx, err)
	}
	if !observed {
		return nil, ErrTransferNotObserved
	}

	quote, _, err := p.engine.Quote(ctx, model.DirectionDeposit, in.TokensAmount)
	if err != nil {
		return nil, err
	}

	rec := &model.DepositRecord{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		TokensSent:     in.TokensAmount,
		CreditsGranted: quote.NetAmount,
		Status:         model.StatusPending,
		TxReference:    in.ObservedTx,
		CreatedAt:      p.now().UTC(),
	}
	// The unique tx_reference makes this the gate against crediting the same
	// transfer twice: a second confirmation resolves to the existing record
	// and resumes it if the first one never finished.
	if err := p.store.CreateDeposit(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateDeposit) {
			return p.resumeDeposit(ctx, in.ObservedTx)
		}
		return nil, err
	}
	return p.settleDeposit(ctx, rec)
}

// settleDeposit claims the record and drives the credit grant. The pending →
// processing update admits exactly one confirmation at a time, so a duplicate
// arriving mid-grant cannot credit twice; the loser returns the record as the
// winner left it.
func (p *Pipeline) settleDeposit(ctx context.Context, rec *model.DepositRecord) (*model.DepositRecord, error) {
	if err := p.store.UpdateDepositStatus(ctx, rec.ID, model.StatusPending, model.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidStatus) {
			return p.store.GetDepositByTx(ctx, rec.TxReference)
		}
		return nil, err
	}

	if err := p.creditWithRetry(ctx, rec.UserID, rec); err != nil {
		return nil, err
	}

	if err := p.store.UpdateDepositStatus(ctx, rec.ID, model.StatusProcessing, model.StatusCompleted); err != nil {
		p.logger.Printf("CRITICAL: deposit %s credited but status write failed: %v", rec.ID, err)
		p.notify.Alert(ctx, fmt.Sprintf("deposit %s credited %s but record still processing: %v", rec.ID, rec.CreditsGranted, err))
		return nil, err
	}
	rec.Status = model.StatusCompleted

	if err := p.store.BumpExchangeStats(ctx, rec.UserID, model.DirectionDeposit, rec.TokensSent); err != nil {
		p.logger.Printf("failed to bump exchange stats for user %s: %v", rec.UserID, err)
	}
	return rec, nil
}

// resumeDeposit re-drives an earlier confirmation of the same transfer that
// never finished crediting. The tokens are already in the treasury, so a
// failed record is owed its credits, not final.
func (p *Pipeline) resumeDeposit(ctx context.Context, txReference string) (*model.DepositRecord, error) {
	rec, err := p.store.GetDepositByTx(ctx, txReference)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case model.StatusCompleted, model.StatusProcessing:
		// Done, or another confirmation holds the claim right now.
		return rec, nil
	case model.StatusFailed:
		if err := p.store.UpdateDepositStatus(ctx, rec.ID, model.StatusFailed, model.StatusPending); err != nil {
			if errors.Is(err, store.ErrInvalidStatus) {
				return p.store.GetDepositByTx(ctx, txReference)
			}
			return nil, err
		}
		rec.Status = model.StatusPending
	}
	return p.settleDeposit(ctx, rec)
}

// creditWithRetry keeps trying the balance write with backoff. The tokens are
// already in the treasury, so giving up is the worst outcome: after the last
// attempt the record is marked failed and operators are paged, and the next
// confirmation of the same transfer resumes it.
func (p *Pipeline) creditWithRetry(ctx context.Context, userID string, rec *model.DepositRecord) error {
	var err error
	for attempt := 0; attempt < creditRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return p.creditGiveUp(ctx, userID, rec, ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = p.store.CreditCredits(ctx, userID, rec.CreditsGranted); err == nil {
			return nil
		}
		p.logger.Printf("deposit %s: credit write attempt %d failed: %v", rec.ID, attempt+1, err)
	}
	return p.creditGiveUp(ctx, userID, rec, err)
}

func (p *Pipeline) creditGiveUp(ctx context.Context, userID string, rec *model.DepositRecord, err error) error {
	msg := fmt.Sprintf("ANOMALY: deposit %s observed on chain (tx %s) but crediting %s to user %s failed: %v",
		rec.ID, rec.TxReference, rec.CreditsGranted, userID, err)
	p.logger.Printf("CRITICAL: %s", msg)
	p.notify.Alert(ctx, msg)
	if ferr := p.store.UpdateDepositStatus(ctx, rec.ID, model.StatusProcessing, model.StatusFailed); ferr != nil {
		p.logger.Printf("CRITICAL: could not mark deposit %s failed: %v", rec.ID, ferr)
	}
	return fmt.Errorf("failed to credit deposit %s: %w", rec.ID, err)
}
