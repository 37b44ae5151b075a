package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credex/internal/model"
	"credex/internal/store"
)

// Reconciler resolves withdrawals whose settlement outcome the pipeline could
// not observe: requests stuck in processing after a transfer timeout, and
// pending requests orphaned by a crash between creation and settlement.
type Reconciler struct {
	pipeline *Pipeline
	grace    time.Duration
	sweep    time.Duration
}

func NewReconciler(p *Pipeline, grace, sweep time.Duration) *Reconciler {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &Reconciler{pipeline: p, grace: grace, sweep: sweep}
}

// Run loops until the context is cancelled, settling orphaned pending
// requests and resolving stale processing ones each tick.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepPending(ctx); err != nil {
				r.pipeline.logger.Printf("pending sweep failed: %v", err)
			}
			if err := r.ResolveProcessing(ctx); err != nil {
				r.pipeline.logger.Printf("reconciliation pass failed: %v", err)
			}
		}
	}
}

// SweepPending picks up pending requests old enough that their creator is
// clearly not about to settle them, and drives them through the normal claim.
// Racing a live creator is harmless: the claim admits only one of them.
func (r *Reconciler) SweepPending(ctx context.Context) error {
	cutoff := r.pipeline.now().Add(-r.sweep)
	reqs, err := r.pipeline.store.ListWithdrawalsByStatus(ctx, model.StatusPending, cutoff)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := r.pipeline.Settle(ctx, req.ID); err != nil && !errors.Is(err, store.ErrAlreadyClaimed) {
			r.pipeline.logger.Printf("sweep: settling withdrawal %s: %v", req.ID, err)
		}
	}
	return nil
}

// ResolveProcessing decides the final state of requests stuck in processing.
// The chain is checked first: a transfer that actually landed completes the
// record, only a request with no on-chain evidence after the grace period is
// failed, with a transient tag since the money never moved.
func (r *Reconciler) ResolveProcessing(ctx context.Context) error {
	now := r.pipeline.now()
	reqs, err := r.pipeline.store.ListWithdrawalsByStatus(ctx, model.StatusProcessing, now.Add(-r.grace))
	if err != nil {
		return err
	}

	for _, req := range reqs {
		// Run's context only carries cancellation; the chain read gets its own
		// deadline so a stalled node cannot wedge the loop.
		lookupCtx, cancel := context.WithTimeout(ctx, r.pipeline.transferTimeout)
		txRef, found, err := r.pipeline.ledger.FindOutgoing(lookupCtx, req.DestinationAddress, req.TokensRequested, req.CreatedAt)
		cancel()
		if err != nil {
			r.pipeline.logger.Printf("reconcile: chain lookup for withdrawal %s failed: %v", req.ID, err)
			continue
		}

		if found {
			if err := r.pipeline.store.CompleteWithdrawal(ctx, req.ID, txRef, now.UTC()); err != nil {
				r.pipeline.logger.Printf("reconcile: completing withdrawal %s: %v", req.ID, err)
				continue
			}
			r.pipeline.notify.Alert(ctx, fmt.Sprintf("withdrawal %s reconciled as completed (tx %s)", req.ID, txRef))
			continue
		}

		if err := r.pipeline.store.FailWithdrawal(ctx, req.ID, ReasonTransientTimeout, now.UTC()); err != nil {
			r.pipeline.logger.Printf("reconcile: failing withdrawal %s: %v", req.ID, err)
			continue
		}
		r.pipeline.notify.Alert(ctx, fmt.Sprintf("withdrawal %s reconciled as failed: no on-chain transfer after grace period", req.ID))
	}
	return nil
}
