package store

import (
	"context"
	"time"

	"escrow-service/internal/models"
)

// Repository is the persistence contract for the settlement engine.
// The Postgres implementation backs production; the in-memory
// implementation backs unit tests.
type Repository interface {
	// Wallets and journal
	CreateWallet(ctx context.Context, w *models.Wallet) error
	GetWalletByID(ctx context.Context, id int64) (*models.Wallet, error)
	GetWalletByOrderID(ctx context.Context, orderID int64) (*models.Wallet, error)
	ListWalletsByStatus(ctx context.Context, status models.WalletStatus) ([]models.Wallet, error)

	// ApplyWalletMutation persists the updated wallet row and appends
	// one journal entry atomically. The entry's sequence is assigned
	// here, monotonic per wallet. No partial application: either both
	// writes land or neither does.
	ApplyWalletMutation(ctx context.Context, w *models.Wallet, entry *models.TransactionEntry) error

	// SetWalletStatus persists a status-only transition (dispute freeze,
	// resolution finalization, expiry); no journal entry is written
	// because the balance does not move.
	SetWalletStatus(ctx context.Context, id int64, status models.WalletStatus) error
	ListJournal(ctx context.Context, walletID int64) ([]models.TransactionEntry, error)

	// JournaledRefundTotal sums refund entries minus compensating
	// adjustments for one reference. The override path uses it to move
	// only the delta, never the full amount again.
	JournaledRefundTotal(ctx context.Context, walletID int64, reference string) (int64, error)

	// Cancellations
	CreateCancellation(ctx context.Context, rec *models.CancellationRecord) error
	GetCancellationByID(ctx context.Context, id int64) (*models.CancellationRecord, error)
	// GetActiveCancellationByOrderID returns nil, nil when the order has
	// no pending or processing cancellation.
	GetActiveCancellationByOrderID(ctx context.Context, orderID int64) (*models.CancellationRecord, error)
	ListCancellationsByRefundStatus(ctx context.Context, status models.RefundStatus) ([]models.CancellationRecord, error)
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.CancellationRecord, error)

	// MarkRefundProcessing transitions a pending or failed record to
	// processing. It is a compare-and-set: false means another worker
	// won the race or the record already reached an outcome.
	MarkRefundProcessing(ctx context.Context, id int64, actor string) (bool, error)
	// CompleteRefund transitions processing to completed. It is a
	// compare-and-set: false means the record left processing in the
	// meantime (an admin override finalized it first) and the caller
	// must not treat its own amounts as the settled ones.
	CompleteRefund(ctx context.Context, id int64, externalTxID, actor, note string) (bool, error)
	FailRefund(ctx context.Context, id int64, actor, reason string) error
	ApplyOverride(ctx context.Context, rec *models.CancellationRecord, actor, note string) error
	AppendTimeline(ctx context.Context, ev *models.TimelineEvent) error

	// Fulfillments
	CreateFulfillment(ctx context.Context, f *models.Fulfillment) error
	GetFulfillmentByID(ctx context.Context, id int64) (*models.Fulfillment, error)
	ListFulfillmentsByOrderID(ctx context.Context, orderID int64) ([]models.Fulfillment, error)
	UpdateFulfillment(ctx context.Context, f *models.Fulfillment) error
}
