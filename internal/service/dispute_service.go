package service

import (
	"context"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// DisputeService owns the manual intervention paths: admin overrides of
// computed settlements and resolution of frozen wallets.
type DisputeService struct {
	repo      store.Repository
	wallets   *WalletService
	payments  PaymentExecutor
	publisher Publisher
	logger    *zap.Logger
}

// NewDisputeService creates a new dispute service
func NewDisputeService(
	repo store.Repository,
	wallets *WalletService,
	payments PaymentExecutor,
	publisher Publisher,
) *DisputeService {
	return &DisputeService{
		repo:      repo,
		wallets:   wallets,
		payments:  payments,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Override replaces a cancellation's computed refund with an admin
// decision. Only the difference against what the journal already shows
// for this cancellation moves: a raised refund journals the delta, a
// lowered one journals a compensating adjustment. The record is
// finalized either way, so an override also rescues a stuck refund.
func (s *DisputeService) Override(ctx context.Context, cancellationID, newRefundAmount int64, reason, actor string) (*models.CancellationRecord, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.Override")
	defer span.End()

	if reason == "" {
		return nil, fmt.Errorf("override requires a reason: %w", models.ErrInvalidOverride)
	}

	rec, err := s.repo.GetCancellationByID(ctx, cancellationID)
	if err != nil {
		return nil, err
	}
	if rec.RefundStatus == models.RefundStatusCompleted {
		return nil, fmt.Errorf("cancellation %d already completed: %w", cancellationID, models.ErrInvalidOverride)
	}
	if newRefundAmount < 0 || newRefundAmount > rec.OriginalDeposit {
		return nil, fmt.Errorf("override refund %d outside [0, %d]: %w",
			newRefundAmount, rec.OriginalDeposit, models.ErrInvalidOverride)
	}

	journaled, err := s.wallets.JournaledRefundTotal(ctx, rec.WalletID, rec.Reference())
	if err != nil {
		return nil, fmt.Errorf("failed to sum journaled refunds: %w", err)
	}
	wallet, err := s.wallets.Get(ctx, rec.WalletID)
	if err != nil {
		return nil, err
	}
	if newRefundAmount > journaled+wallet.AmountHeld {
		return nil, fmt.Errorf("override refund %d exceeds journaled %d plus held %d: %w",
			newRefundAmount, journaled, wallet.AmountHeld, models.ErrInvalidOverride)
	}

	if provisional := newRefundAmount - journaled; provisional > 0 {
		// Pay out only the additional amount. A distinct reference keeps
		// the gateway's idempotency from swallowing the top-up when the
		// original refund already executed.
		overrideRef := fmt.Sprintf("%s-override", rec.Reference())
		result, err := s.payments.ExecuteRefund(ctx, overrideRef, provisional)
		if err != nil {
			return nil, fmt.Errorf("failed to execute override refund: %w", err)
		}
		rec.ExternalTxID = result.ExternalTxID
	}

	rec.RefundAmount = newRefundAmount
	rec.PenaltyAmount = rec.OriginalDeposit - newRefundAmount
	rec.AdminOverride = true
	rec.AdminOverrideReason = reason
	rec.RefundStatus = models.RefundStatusCompleted

	// Commit the decision before touching the journal. Once the record
	// leaves processing, a refund worker mid-flight on the same
	// cancellation aborts its settlement instead of topping the journal
	// up to the superseded amount.
	note := fmt.Sprintf("admin override: refund set to %d: %s", newRefundAmount, reason)
	if err := s.repo.ApplyOverride(ctx, rec, actor, note); err != nil {
		return nil, fmt.Errorf("failed to apply override: %w", err)
	}

	// Reconcile the journal to the decided amount. The target is fixed,
	// and the sum-then-append runs under the wallet's lock, so even a
	// worker that journaled the old amount a moment ago is compensated
	// here with an adjustment rather than doubled.
	_, delta, err := s.wallets.RefundUpTo(ctx, rec.WalletID, actor, rec.Reference(), func(context.Context) (int64, bool, error) {
		return newRefundAmount, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile journal with override: %w", err)
	}

	util.OverridesTotal.Inc()
	s.logger.Warn("Refund overridden",
		zap.Int64("cancellation_id", cancellationID),
		zap.Int64("new_refund", newRefundAmount),
		zap.Int64("delta", delta),
		zap.String("actor", actor),
		zap.String("reason", reason))

	event := &models.RefundOverriddenEvent{
		BaseEvent:       newBaseEvent(models.EventTypeRefundOverridden),
		CancellationID:  cancellationID,
		WalletID:        rec.WalletID,
		NewRefundAmount: newRefundAmount,
		Delta:           delta,
		Reason:          reason,
		Actor:           actor,
	}
	if err := s.publisher.PublishRefundOverridden(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundOverridden event", zap.Error(err))
	}

	return s.repo.GetCancellationByID(ctx, cancellationID)
}

// OpenDispute freezes a wallet pending manual resolution.
func (s *DisputeService) OpenDispute(ctx context.Context, walletID int64, reason, actor string) (*models.Wallet, error) {
	return s.wallets.MarkDisputed(ctx, walletID, reason, actor)
}

// ResolveDispute settles a frozen wallet with an explicit split of the
// held balance. Both payouts execute externally before the journal
// commits them.
func (s *DisputeService) ResolveDispute(ctx context.Context, walletID, releaseAmount, refundAmount int64, actor string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.ResolveDispute")
	defer span.End()

	reference := fmt.Sprintf("dispute-%d", walletID)
	if releaseAmount > 0 {
		if _, err := s.payments.ExecuteRelease(ctx, reference+"-release", releaseAmount); err != nil {
			return nil, fmt.Errorf("failed to execute dispute release: %w", err)
		}
	}
	if refundAmount > 0 {
		if _, err := s.payments.ExecuteRefund(ctx, reference+"-refund", refundAmount); err != nil {
			return nil, fmt.Errorf("failed to execute dispute refund: %w", err)
		}
	}

	return s.wallets.Resolve(ctx, walletID, releaseAmount, refundAmount, actor, reference)
}
