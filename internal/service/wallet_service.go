package service

import (
	"context"
	"fmt"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WalletService owns the wallet lifecycle. Every mutation goes through
// it, appends exactly one journal entry, and runs under that wallet's
// lock so concurrent operations never corrupt the balance invariant.
type WalletService struct {
	repo      store.Repository
	publisher Publisher
	logger    *zap.Logger
	locks     *walletLocks
}

// NewWalletService creates a new wallet service
func NewWalletService(repo store.Repository, publisher Publisher) *WalletService {
	return &WalletService{
		repo:      repo,
		publisher: publisher,
		logger:    util.GetLogger(),
		locks:     newWalletLocks(),
	}
}

// Open creates the escrow wallet for an order. The deposit is captured
// immediately and journaled as the first hold entry.
func (s *WalletService) Open(ctx context.Context, orderID, depositAmount, fullAmount int64, actor string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Open")
	defer span.End()

	if depositAmount < 0 || fullAmount < 0 || depositAmount > fullAmount {
		return nil, fmt.Errorf("deposit=%d full=%d: %w", depositAmount, fullAmount, models.ErrInvalidAmount)
	}

	status := models.WalletStatusPending
	switch {
	case depositAmount == fullAmount && fullAmount > 0:
		status = models.WalletStatusFullyHeld
	case depositAmount > 0:
		status = models.WalletStatusDepositHeld
	}

	wallet := &models.Wallet{
		OrderID:       orderID,
		Status:        status,
		DepositAmount: depositAmount,
		FullAmount:    fullAmount,
	}

	if err := s.repo.CreateWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	if depositAmount > 0 {
		wallet.AmountHeld = depositAmount
		reference := fmt.Sprintf("order-%d", orderID)
		if err := s.append(ctx, wallet, models.EntryKindHold, depositAmount, actor, reference); err != nil {
			return nil, err
		}
	}

	util.WalletsOpenedTotal.Inc()
	s.logger.Info("Wallet opened",
		zap.Int64("wallet_id", wallet.ID),
		zap.Int64("order_id", orderID),
		zap.Int64("deposit", depositAmount),
		zap.Int64("full", fullAmount))

	event := &models.WalletOpenedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeWalletOpened),
		WalletID:      wallet.ID,
		OrderID:       orderID,
		DepositAmount: depositAmount,
		FullAmount:    fullAmount,
	}
	if err := s.publisher.PublishWalletOpened(ctx, event); err != nil {
		s.logger.Error("Failed to publish WalletOpened event", zap.Error(err))
	}

	return wallet, nil
}

// Hold captures additional payment into escrow, e.g. the final payment
// on a delivery-ready pre-order.
func (s *WalletService) Hold(ctx context.Context, walletID, amount int64, actor, reference string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Hold")
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("hold amount %d: %w", amount, models.ErrInvalidAmount)
	}

	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.Status.Terminal() || wallet.Status == models.WalletStatusDisputed {
		return nil, fmt.Errorf("hold on wallet in %s: %w", wallet.Status, models.ErrInvalidTransition)
	}
	if wallet.Captured()+amount > wallet.FullAmount {
		return nil, fmt.Errorf("hold %d exceeds full amount %d: %w", amount, wallet.FullAmount, models.ErrInvalidAmount)
	}

	wallet.AmountHeld += amount
	if wallet.Captured() == wallet.FullAmount {
		wallet.Status = models.WalletStatusFullyHeld
	} else {
		wallet.Status = models.WalletStatusDepositHeld
	}

	if err := s.append(ctx, wallet, models.EntryKindHold, amount, actor, reference); err != nil {
		return nil, err
	}
	return wallet, nil
}

// Release moves funds from held to released; the fulfillment ledger
// calls this when a batch is delivered.
func (s *WalletService) Release(ctx context.Context, walletID, amount int64, actor, reference string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Release")
	defer span.End()
	return s.settle(ctx, walletID, amount, models.EntryKindRelease, actor, reference, false)
}

// Refund moves funds from held to refunded; the cancellation workflow
// and dispute resolver call this.
func (s *WalletService) Refund(ctx context.Context, walletID, amount int64, actor, reference string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Refund")
	defer span.End()
	return s.settle(ctx, walletID, amount, models.EntryKindRefund, actor, reference, false)
}

// settle is the shared held-to-settled movement. allowDisputed lets the
// dispute resolver move funds out of a frozen wallet; the automatic
// paths never set it.
func (s *WalletService) settle(ctx context.Context, walletID, amount int64, kind models.EntryKind, actor, reference string, allowDisputed bool) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%s amount %d: %w", kind, amount, models.ErrInvalidAmount)
	}

	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if err := s.applySettle(ctx, wallet, amount, kind, actor, reference, allowDisputed); err != nil {
		return nil, err
	}
	return wallet, nil
}

// applySettle mutates a loaded wallet under an already-held lock.
func (s *WalletService) applySettle(ctx context.Context, wallet *models.Wallet, amount int64, kind models.EntryKind, actor, reference string, allowDisputed bool) error {
	if wallet.Status.Terminal() {
		return fmt.Errorf("%s on wallet in %s: %w", kind, wallet.Status, models.ErrInvalidTransition)
	}
	if wallet.Status == models.WalletStatusDisputed && !allowDisputed {
		return fmt.Errorf("%s on disputed wallet: %w", kind, models.ErrInvalidTransition)
	}
	if amount > wallet.AmountHeld {
		return fmt.Errorf("%s %d with held %d: %w", kind, amount, wallet.AmountHeld, models.ErrInsufficientHeldFunds)
	}

	wallet.AmountHeld -= amount
	if kind == models.EntryKindRelease {
		wallet.AmountReleased += amount
	} else {
		wallet.AmountRefunded += amount
	}

	if wallet.AmountHeld == 0 && wallet.Captured() == wallet.FullAmount {
		// Fully settled: the operation that zeroed the balance decides
		// the terminal state.
		if kind == models.EntryKindRelease {
			wallet.Status = models.WalletStatusReleased
		} else {
			wallet.Status = models.WalletStatusRefunded
		}
	}

	return s.append(ctx, wallet, kind, -amount, actor, reference)
}

// Adjust compensates a prior refund for the same reference, moving the
// amount from refunded back to held. Only the override path uses it.
func (s *WalletService) Adjust(ctx context.Context, walletID, amount int64, actor, reference string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Adjust")
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("adjustment amount %d: %w", amount, models.ErrInvalidAmount)
	}

	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if err := s.applyAdjust(ctx, wallet, amount, actor, reference); err != nil {
		return nil, err
	}
	return wallet, nil
}

// applyAdjust mutates a loaded wallet under an already-held lock.
func (s *WalletService) applyAdjust(ctx context.Context, wallet *models.Wallet, amount int64, actor, reference string) error {
	if amount > wallet.AmountRefunded {
		return fmt.Errorf("adjustment %d exceeds refunded %d: %w", amount, wallet.AmountRefunded, models.ErrInvalidAmount)
	}

	wallet.AmountRefunded -= amount
	wallet.AmountHeld += amount
	if wallet.Status == models.WalletStatusRefunded || wallet.Status == models.WalletStatusReleased {
		// Pulling money back re-opens a settled wallet.
		if wallet.Captured() == wallet.FullAmount {
			wallet.Status = models.WalletStatusFullyHeld
		} else {
			wallet.Status = models.WalletStatusDepositHeld
		}
	}

	return s.append(ctx, wallet, models.EntryKindAdjustment, amount, actor, reference)
}

// RefundUpTo reconciles the journal's net refunded total for reference
// with a target amount, appending one refund or adjustment entry for the
// difference. The target is evaluated inside the wallet's lock, so the
// state it reads and the journal write cannot interleave with any other
// settlement on the same wallet; returning ok false aborts with nothing
// written. Every path that can race on the same reference (the refund
// worker, the reconcile sweep, an admin override) settles through here.
func (s *WalletService) RefundUpTo(ctx context.Context, walletID int64, actor, reference string, target func(context.Context) (int64, bool, error)) (bool, int64, error) {
	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	amount, ok, err := target(ctx)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}
	if amount < 0 {
		return false, 0, fmt.Errorf("refund target %d: %w", amount, models.ErrInvalidAmount)
	}

	journaled, err := s.repo.JournaledRefundTotal(ctx, walletID, reference)
	if err != nil {
		return false, 0, err
	}
	delta := amount - journaled
	if delta == 0 {
		return true, 0, nil
	}

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return false, 0, err
	}
	if delta > 0 {
		err = s.applySettle(ctx, wallet, delta, models.EntryKindRefund, actor, reference, false)
	} else {
		err = s.applyAdjust(ctx, wallet, -delta, actor, reference)
	}
	if err != nil {
		return false, 0, err
	}
	return true, delta, nil
}

// MarkDisputed freezes automatic transitions; only the dispute resolver
// moves the wallet out of this state. No journal entry is written since
// the balance does not move.
func (s *WalletService) MarkDisputed(ctx context.Context, walletID int64, reason, actor string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.MarkDisputed")
	defer span.End()

	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.Status.Terminal() || wallet.Status == models.WalletStatusDisputed {
		return nil, fmt.Errorf("dispute on wallet in %s: %w", wallet.Status, models.ErrInvalidTransition)
	}

	wallet.Status = models.WalletStatusDisputed
	if err := s.repo.SetWalletStatus(ctx, walletID, models.WalletStatusDisputed); err != nil {
		return nil, fmt.Errorf("failed to mark wallet disputed: %w", err)
	}

	util.WalletsDisputedTotal.Inc()
	s.logger.Warn("Wallet disputed",
		zap.Int64("wallet_id", walletID),
		zap.String("reason", reason),
		zap.String("actor", actor))

	event := &models.WalletDisputedEvent{
		BaseEvent: newBaseEvent(models.EventTypeWalletDisputed),
		WalletID:  walletID,
		OrderID:   wallet.OrderID,
		Reason:    reason,
		Actor:     actor,
	}
	if err := s.publisher.PublishWalletDisputed(ctx, event); err != nil {
		s.logger.Error("Failed to publish WalletDisputed event", zap.Error(err))
	}

	return wallet, nil
}

// Resolve settles a disputed wallet with an explicit release/refund
// split. The split must consume the entire held balance.
func (s *WalletService) Resolve(ctx context.Context, walletID, releaseAmount, refundAmount int64, actor, reference string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Resolve")
	defer span.End()

	if releaseAmount < 0 || refundAmount < 0 {
		return nil, fmt.Errorf("resolution split %d/%d: %w", releaseAmount, refundAmount, models.ErrInvalidAmount)
	}

	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.Status != models.WalletStatusDisputed {
		return nil, fmt.Errorf("resolve on wallet in %s: %w", wallet.Status, models.ErrInvalidTransition)
	}
	if releaseAmount+refundAmount != wallet.AmountHeld {
		return nil, fmt.Errorf("resolution split %d+%d does not consume held %d: %w",
			releaseAmount, refundAmount, wallet.AmountHeld, models.ErrInvalidAmount)
	}

	if releaseAmount > 0 {
		if err := s.applySettle(ctx, wallet, releaseAmount, models.EntryKindRelease, actor, reference, true); err != nil {
			return nil, err
		}
	}
	if refundAmount > 0 {
		if err := s.applySettle(ctx, wallet, refundAmount, models.EntryKindRefund, actor, reference, true); err != nil {
			return nil, err
		}
	}

	// The terminal state reflects where any funds went to the seller.
	if releaseAmount > 0 {
		wallet.Status = models.WalletStatusReleased
	} else {
		wallet.Status = models.WalletStatusRefunded
	}
	if err := s.repo.SetWalletStatus(ctx, walletID, wallet.Status); err != nil {
		return nil, fmt.Errorf("failed to finalize resolved wallet: %w", err)
	}

	s.logger.Info("Dispute resolved",
		zap.Int64("wallet_id", walletID),
		zap.Int64("released", releaseAmount),
		zap.Int64("refunded", refundAmount),
		zap.String("actor", actor))

	return wallet, nil
}

// Expire closes a pending wallet that never captured funds.
func (s *WalletService) Expire(ctx context.Context, walletID int64, actor string) (*models.Wallet, error) {
	lock := s.locks.get(walletID)
	lock.Lock()
	defer lock.Unlock()

	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.Status != models.WalletStatusPending || wallet.AmountHeld != 0 {
		return nil, fmt.Errorf("expire on wallet in %s with held %d: %w",
			wallet.Status, wallet.AmountHeld, models.ErrInvalidTransition)
	}

	wallet.Status = models.WalletStatusExpired
	if err := s.repo.SetWalletStatus(ctx, walletID, models.WalletStatusExpired); err != nil {
		return nil, err
	}

	s.logger.Info("Wallet expired",
		zap.Int64("wallet_id", walletID),
		zap.String("actor", actor))
	return wallet, nil
}

// Get retrieves a wallet by ID
func (s *WalletService) Get(ctx context.Context, walletID int64) (*models.Wallet, error) {
	return s.repo.GetWalletByID(ctx, walletID)
}

// GetByOrder retrieves the wallet owning an order
func (s *WalletService) GetByOrder(ctx context.Context, orderID int64) (*models.Wallet, error) {
	return s.repo.GetWalletByOrderID(ctx, orderID)
}

// ListByStatus retrieves wallets filtered by status
func (s *WalletService) ListByStatus(ctx context.Context, status models.WalletStatus) ([]models.Wallet, error) {
	return s.repo.ListWalletsByStatus(ctx, status)
}

// Journal retrieves the full audit trail for a wallet
func (s *WalletService) Journal(ctx context.Context, walletID int64) ([]models.TransactionEntry, error) {
	return s.repo.ListJournal(ctx, walletID)
}

// JournaledRefundTotal reports the net refunded amount for a reference.
func (s *WalletService) JournaledRefundTotal(ctx context.Context, walletID int64, reference string) (int64, error) {
	return s.repo.JournaledRefundTotal(ctx, walletID, reference)
}

// Verify replays the journal and checks that it reproduces the wallet's
// totals exactly. A mismatch is data corruption, not a user error.
func (s *WalletService) Verify(ctx context.Context, walletID int64) error {
	wallet, err := s.repo.GetWalletByID(ctx, walletID)
	if err != nil {
		return err
	}
	entries, err := s.repo.ListJournal(ctx, walletID)
	if err != nil {
		return err
	}

	var held, released, refunded int64
	for _, e := range entries {
		switch e.Kind {
		case models.EntryKindHold:
			held += e.Amount
		case models.EntryKindRelease:
			held += e.Amount
			released -= e.Amount
		case models.EntryKindRefund:
			held += e.Amount
			refunded -= e.Amount
		case models.EntryKindAdjustment:
			held += e.Amount
			refunded -= e.Amount
		}
		if held != e.BalanceAfter {
			return fmt.Errorf("wallet %d sequence %d: replayed balance %d, recorded %d: %w",
				walletID, e.Sequence, held, e.BalanceAfter, models.ErrJournalMismatch)
		}
	}

	if held != wallet.AmountHeld || released != wallet.AmountReleased || refunded != wallet.AmountRefunded {
		return fmt.Errorf("wallet %d: replayed held/released/refunded %d/%d/%d, stored %d/%d/%d: %w",
			walletID, held, released, refunded,
			wallet.AmountHeld, wallet.AmountReleased, wallet.AmountRefunded,
			models.ErrJournalMismatch)
	}
	return nil
}

// append persists the mutated wallet with its journal entry and
// publishes the funds-moved event.
func (s *WalletService) append(ctx context.Context, wallet *models.Wallet, kind models.EntryKind, amount int64, actor, reference string) error {
	entry := &models.TransactionEntry{
		WalletID:     wallet.ID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: wallet.AmountHeld,
		Actor:        actor,
		Reference:    reference,
	}

	if err := s.repo.ApplyWalletMutation(ctx, wallet, entry); err != nil {
		util.WalletMutationsFailedTotal.WithLabelValues("storage_error").Inc()
		return fmt.Errorf("failed to apply wallet mutation: %w", err)
	}

	util.WalletMutationsTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("Wallet mutated",
		zap.Int64("wallet_id", wallet.ID),
		zap.String("kind", string(kind)),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", wallet.AmountHeld),
		zap.String("reference", reference),
		zap.String("actor", actor))

	event := &models.FundsMovedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeFundsMoved),
		WalletID:     wallet.ID,
		OrderID:      wallet.OrderID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: wallet.AmountHeld,
		Reference:    reference,
		Actor:        actor,
	}
	if err := s.publisher.PublishFundsMoved(ctx, event); err != nil {
		s.logger.Error("Failed to publish FundsMoved event", zap.Error(err))
	}
	return nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
