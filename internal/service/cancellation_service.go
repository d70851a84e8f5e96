package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/policy"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// CancellationService runs the cancellation settlement workflow: the
// policy engine proposes a tier and amounts, the record is persisted as
// pending, and the refund is realized in two phases so the external
// payment call never runs under the wallet's serialization.
type CancellationService struct {
	repo      store.Repository
	wallets   *WalletService
	payments  PaymentExecutor
	publisher Publisher
	logger    *zap.Logger
}

// NewCancellationService creates a new cancellation service
func NewCancellationService(
	repo store.Repository,
	wallets *WalletService,
	payments PaymentExecutor,
	publisher Publisher,
) *CancellationService {
	return &CancellationService{
		repo:      repo,
		wallets:   wallets,
		payments:  payments,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// RequestCancellation computes the tiered settlement proposal and
// persists it as a pending cancellation record. The wallet is not
// touched; the refund worker realizes the proposal asynchronously.
func (s *CancellationService) RequestCancellation(ctx context.Context, orderID int64, harvestDate, cancellationDate time.Time, actor string) (*models.CancellationRecord, error) {
	ctx, span := util.StartSpan(ctx, "CancellationService.RequestCancellation")
	defer span.End()

	wallet, err := s.repo.GetWalletByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if wallet.Status.Terminal() {
		return nil, fmt.Errorf("cancel order with wallet in %s: %w", wallet.Status, models.ErrInvalidTransition)
	}

	active, err := s.repo.GetActiveCancellationByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active cancellations: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("order %d has cancellation %d in %s: %w",
			orderID, active.ID, active.RefundStatus, models.ErrCancellationActive)
	}

	settlement, err := policy.Compute(wallet.DepositAmount, harvestDate, cancellationDate)
	if err != nil {
		return nil, err
	}
	if settlement.RefundAmount > wallet.AmountHeld {
		return nil, fmt.Errorf("proposed refund %d exceeds held %d: %w",
			settlement.RefundAmount, wallet.AmountHeld, models.ErrInsufficientHeldFunds)
	}

	rec := &models.CancellationRecord{
		OrderID:           orderID,
		WalletID:          wallet.ID,
		CancellationDate:  cancellationDate,
		HarvestDate:       harvestDate,
		DaysBeforeHarvest: settlement.DaysBeforeHarvest,
		PolicyTier:        settlement.Tier,
		OriginalDeposit:   wallet.DepositAmount,
		RefundPercentage:  settlement.RefundPercent,
		RefundAmount:      settlement.RefundAmount,
		PenaltyAmount:     settlement.PenaltyAmount,
		RefundStatus:      models.RefundStatusPending,
		Timeline: []models.TimelineEvent{{
			Status: models.RefundStatusPending,
			Actor:  actor,
			Note: fmt.Sprintf("cancellation requested %d days before harvest (%s, %d%% refund)",
				settlement.DaysBeforeHarvest, settlement.Tier, settlement.RefundPercent),
		}},
	}

	if err := s.repo.CreateCancellation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create cancellation: %w", err)
	}

	util.CancellationsRequestedTotal.WithLabelValues(string(settlement.Tier)).Inc()
	s.logger.Info("Cancellation requested",
		zap.Int64("cancellation_id", rec.ID),
		zap.Int64("order_id", orderID),
		zap.String("tier", string(settlement.Tier)),
		zap.Int64("refund", settlement.RefundAmount),
		zap.Int64("penalty", settlement.PenaltyAmount))

	event := &models.CancellationRequestedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeCancellationRequested),
		CancellationID: rec.ID,
		OrderID:        orderID,
		WalletID:       wallet.ID,
		PolicyTier:     settlement.Tier,
		RefundAmount:   settlement.RefundAmount,
		PenaltyAmount:  settlement.PenaltyAmount,
		Actor:          actor,
	}
	if err := s.publisher.PublishCancellationRequested(ctx, event); err != nil {
		s.logger.Error("Failed to publish CancellationRequested event", zap.Error(err))
	}

	return rec, nil
}

// ProcessRefund drives a cancellation refund to an outcome. Phase one
// reserves the record (pending/failed -> processing), phase two invokes
// the idempotent external refund with no wallet lock held, phase three
// journals the wallet refund and completes the record. Calling it again
// on a completed record is a no-op; calling it on a processing record
// resumes after a crash.
func (s *CancellationService) ProcessRefund(ctx context.Context, cancellationID int64, actor string) (*models.CancellationRecord, error) {
	ctx, span := util.StartSpan(ctx, "CancellationService.ProcessRefund")
	defer span.End()

	rec, err := s.repo.GetCancellationByID(ctx, cancellationID)
	if err != nil {
		return nil, err
	}

	switch rec.RefundStatus {
	case models.RefundStatusCompleted:
		s.logger.Info("Refund already completed",
			zap.Int64("cancellation_id", cancellationID),
			zap.String("external_tx_id", rec.ExternalTxID))
		return rec, nil

	case models.RefundStatusPending, models.RefundStatusFailed:
		reserved, err := s.repo.MarkRefundProcessing(ctx, cancellationID, actor)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve refund: %w", err)
		}
		if !reserved {
			// Lost the race; reload to see where it went.
			rec, err = s.repo.GetCancellationByID(ctx, cancellationID)
			if err != nil {
				return nil, err
			}
			if rec.RefundStatus != models.RefundStatusProcessing {
				return rec, nil
			}
		}

	case models.RefundStatusProcessing:
		// Resume: the external call is idempotent per reference, so
		// re-driving a stuck record is safe.
	}

	return s.executeRefund(ctx, rec, actor)
}

// executeRefund is phases two and three: the external call and, on a
// confirmed outcome, the journal commit.
func (s *CancellationService) executeRefund(ctx context.Context, rec *models.CancellationRecord, actor string) (*models.CancellationRecord, error) {
	start := time.Now()
	defer func() {
		util.RefundProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if rec.RefundAmount == 0 {
		// Nothing to pay out; the whole deposit is penalty.
		return s.settleRefund(ctx, rec, "", actor, "no refund due under policy tier")
	}

	result, err := s.payments.ExecuteRefund(ctx, rec.Reference(), rec.RefundAmount)
	if err != nil {
		if errors.Is(err, ErrPaymentDeclined) {
			util.RefundsFailedTotal.WithLabelValues("declined").Inc()
			if failErr := s.repo.FailRefund(ctx, rec.ID, actor, err.Error()); failErr != nil {
				return nil, fmt.Errorf("failed to record declined refund: %w", failErr)
			}
			s.publishRefundFailed(ctx, rec, err.Error())
			return nil, fmt.Errorf("refund %d declined: %w", rec.ID, err)
		}

		// Ambiguous outcome: leave the record in processing for the
		// reconciliation sweep. No journal entry until confirmed.
		util.RefundsFailedTotal.WithLabelValues("ambiguous").Inc()
		s.logger.Warn("Refund outcome unknown, leaving record in processing",
			zap.Int64("cancellation_id", rec.ID),
			zap.Error(err))
		return nil, fmt.Errorf("refund %d outcome unknown: %w", rec.ID, err)
	}

	return s.settleRefund(ctx, rec, result.ExternalTxID, actor, "refund confirmed by provider")
}

// settleRefund journals the confirmed refund and completes the record.
// The target amount is re-read from the record inside the wallet's lock
// and the journal only tops up to it, so a retry after a crash moves no
// additional money and a concurrent admin override cannot be settled
// over: once the record leaves processing this path writes nothing.
func (s *CancellationService) settleRefund(ctx context.Context, rec *models.CancellationRecord, externalTxID, actor, note string) (*models.CancellationRecord, error) {
	var settledAmount int64
	applied, delta, err := s.wallets.RefundUpTo(ctx, rec.WalletID, actor, rec.Reference(), func(ctx context.Context) (int64, bool, error) {
		current, err := s.repo.GetCancellationByID(ctx, rec.ID)
		if err != nil {
			return 0, false, err
		}
		if current.RefundStatus != models.RefundStatusProcessing {
			return 0, false, nil
		}
		settledAmount = current.RefundAmount
		return settledAmount, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to journal refund: %w", err)
	}
	if !applied {
		// Finalized elsewhere while the external call was in flight; the
		// finalizing path owns the journal now.
		s.logger.Info("Refund already finalized, skipping settlement",
			zap.Int64("cancellation_id", rec.ID))
		return s.repo.GetCancellationByID(ctx, rec.ID)
	}

	completed, err := s.repo.CompleteRefund(ctx, rec.ID, externalTxID, actor, note)
	if err != nil {
		return nil, fmt.Errorf("failed to complete refund: %w", err)
	}
	if !completed {
		// Overridden between the journal write and completion; the
		// override reconciled the journal to its own amount.
		s.logger.Info("Refund overridden before completion",
			zap.Int64("cancellation_id", rec.ID))
		return s.repo.GetCancellationByID(ctx, rec.ID)
	}

	util.RefundsCompletedTotal.Inc()
	s.logger.Info("Refund completed",
		zap.Int64("cancellation_id", rec.ID),
		zap.Int64("amount", settledAmount),
		zap.Int64("journaled_delta", delta),
		zap.String("external_tx_id", externalTxID))

	event := &models.RefundCompletedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeRefundCompleted),
		CancellationID: rec.ID,
		WalletID:       rec.WalletID,
		Amount:         settledAmount,
		ExternalTxID:   externalTxID,
	}
	if err := s.publisher.PublishRefundCompleted(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundCompleted event", zap.Error(err))
	}

	return s.repo.GetCancellationByID(ctx, rec.ID)
}

func (s *CancellationService) publishRefundFailed(ctx context.Context, rec *models.CancellationRecord, reason string) {
	event := &models.RefundFailedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeRefundFailed),
		CancellationID: rec.ID,
		WalletID:       rec.WalletID,
		Reason:         reason,
	}
	if err := s.publisher.PublishRefundFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundFailed event", zap.Error(err))
	}
}

// ReconcileStuck re-drives processing records older than the cutoff and
// returns the wallet IDs of the refunds it recovered, so the caller can
// drop any cached snapshots of those wallets. Because the external call
// is idempotent per reference, a record stuck by a crash or timeout
// completes without double-paying.
func (s *CancellationService) ReconcileStuck(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	util.ReconcileSweepsTotal.Inc()

	stuck, err := s.repo.ListStuckProcessing(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck refunds: %w", err)
	}

	var recovered []int64
	for i := range stuck {
		rec := &stuck[i]
		if _, err := s.executeRefund(ctx, rec, "reconciler"); err != nil {
			s.logger.Warn("Reconcile attempt did not resolve refund",
				zap.Int64("cancellation_id", rec.ID),
				zap.Error(err))
			continue
		}
		recovered = append(recovered, rec.WalletID)
		util.ReconcileRecoveredTotal.Inc()
	}

	if len(stuck) > 0 {
		s.logger.Info("Reconcile sweep finished",
			zap.Int("candidates", len(stuck)),
			zap.Int("recovered", len(recovered)))
	}
	return recovered, nil
}

// Get retrieves a cancellation with its timeline
func (s *CancellationService) Get(ctx context.Context, id int64) (*models.CancellationRecord, error) {
	return s.repo.GetCancellationByID(ctx, id)
}

// ListByRefundStatus retrieves cancellations by refund status
func (s *CancellationService) ListByRefundStatus(ctx context.Context, status models.RefundStatus) ([]models.CancellationRecord, error) {
	return s.repo.ListCancellationsByRefundStatus(ctx, status)
}
