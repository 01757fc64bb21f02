package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"momovault/internal/domain"
	"momovault/internal/port"
)

type outcome int

const (
	outcomeSettled outcome = iota
	outcomeReleased
	outcomePending
)

// Reconciler finishes withdrawals that stopped between the gateway call and
// the local commit. It never disburses; batches whose fate is unknown are
// resolved by asking the gateway for the transfer status.
type Reconciler struct {
	ledger   port.DepositLedger
	gateway  port.DisbursementGateway
	tokens   port.TokenProvider
	logger   *zap.Logger
	grace    time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

// NewReconciler builds a reconciler that leaves batches younger than grace
// alone, so that requests still in flight are not touched. A claimed batch is
// additionally left alone until it is older than claimTTL, the longest a live
// request can hold its claims before recording the gateway outcome.
func NewReconciler(
	ledger port.DepositLedger,
	gateway port.DisbursementGateway,
	tokens port.TokenProvider,
	grace time.Duration,
	claimTTL time.Duration,
	logger *zap.Logger,
	now func() time.Time,
) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		ledger:   ledger,
		gateway:  gateway,
		tokens:   tokens,
		logger:   logger,
		grace:    grace,
		claimTTL: claimTTL,
		now:      now,
	}
}

var _ port.ReconcileService = (*Reconciler)(nil)

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.logger.Error("error while reconciling withdrawals", zap.Error(err))
				continue
			}
			if report.Examined > 0 {
				r.logger.Info("reconciliation pass finished",
					zap.Int("examined", report.Examined),
					zap.Int("settled", report.Settled),
					zap.Int("released", report.Released),
					zap.Int("pending", report.StillPending),
					zap.Int("failed", report.Failed),
				)
			}
		}
	}
}

func (r *Reconciler) ReconcileOnce(ctx context.Context) (*domain.ReconcileReport, error) {
	batches, err := r.ledger.PendingBatches(ctx, r.now().Add(-r.grace))
	if err != nil {
		return nil, fmt.Errorf("list pending batches: %w", err)
	}

	report := &domain.ReconcileReport{}
	for _, b := range batches {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Examined++

		log := r.logger.With(
			zap.String("reference_id", b.ReferenceID.String()),
			zap.String("user_id", b.UserID),
			zap.String("status", string(b.Status)),
		)

		res, err := r.reconcile(ctx, b)
		if err != nil {
			report.Failed++
			log.Error("batch reconciliation failed", zap.Error(err))
			continue
		}

		switch res {
		case outcomeSettled:
			report.Settled++
			log.Info("batch settled by reconciler")
		case outcomeReleased:
			report.Released++
			log.Info("batch released by reconciler")
		case outcomePending:
			report.StillPending++
		}
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, b *domain.WithdrawalBatch) (outcome, error) {
	switch b.Status {
	case domain.BatchAccepted, domain.BatchInconsistent:
		return r.commit(ctx, b)
	case domain.BatchClaimed:
		if r.now().Sub(b.CreatedAt) <= r.claimTTL {
			return outcomePending, nil
		}
		return r.resolve(ctx, b)
	case domain.BatchUnconfirmed:
		return r.resolve(ctx, b)
	default:
		return outcomePending, fmt.Errorf("unexpected batch status %s", b.Status)
	}
}

func (r *Reconciler) commit(ctx context.Context, b *domain.WithdrawalBatch) (outcome, error) {
	if _, err := r.ledger.CommitWithdrawal(ctx, b); err != nil {
		if b.Status == domain.BatchAccepted {
			if markErr := r.ledger.MarkBatch(ctx, b.ReferenceID, domain.BatchInconsistent, err.Error()); markErr != nil {
				err = errors.Join(err, markErr)
			}
		}
		return outcomePending, err
	}
	return outcomeSettled, nil
}

// resolve asks the gateway what happened to a transfer whose outcome was never
// confirmed locally.
func (r *Reconciler) resolve(ctx context.Context, b *domain.WithdrawalBatch) (outcome, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return outcomePending, err
	}

	status, err := r.gateway.TransferStatus(ctx, token, b.ReferenceID)
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		status = port.TransferFailed
	case errors.Is(err, domain.ErrGatewayUnauthorized):
		r.tokens.Invalidate()
		return outcomePending, err
	case err != nil:
		return outcomePending, err
	}

	switch status {
	case port.TransferSuccessful:
		if err := r.ledger.MarkBatch(ctx, b.ReferenceID, domain.BatchAccepted, ""); err != nil {
			return outcomePending, err
		}
		b.Status = domain.BatchAccepted
		return r.commit(ctx, b)
	case port.TransferFailed:
		if err := r.ledger.ReleaseBatch(ctx, b.ReferenceID, "gateway reports transfer "+string(status)); err != nil {
			return outcomePending, err
		}
		return outcomeReleased, nil
	default:
		return outcomePending, nil
	}
}
