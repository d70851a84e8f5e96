package models

import (
	"errors"
	"fmt"
	"time"
)

// WalletStatus is the lifecycle state of an escrow wallet.
type WalletStatus string

const (
	WalletStatusPending     WalletStatus = "PENDING"
	WalletStatusDepositHeld WalletStatus = "DEPOSIT_HELD"
	WalletStatusFullyHeld   WalletStatus = "FULLY_HELD"
	WalletStatusReleased    WalletStatus = "RELEASED"
	WalletStatusRefunded    WalletStatus = "REFUNDED"
	WalletStatusDisputed    WalletStatus = "DISPUTED"
	WalletStatusExpired     WalletStatus = "EXPIRED"
)

// Terminal reports whether the wallet can no longer be mutated.
func (s WalletStatus) Terminal() bool {
	return s == WalletStatusReleased || s == WalletStatusRefunded || s == WalletStatusExpired
}

// Wallet holds customer funds in escrow for exactly one order.
// AmountHeld is always the residual: everything captured that has not
// yet been released or refunded.
type Wallet struct {
	ID             int64        `db:"id" json:"id"`
	OrderID        int64        `db:"order_id" json:"order_id"`
	Status         WalletStatus `db:"status" json:"status"`
	DepositAmount  int64        `db:"deposit_amount" json:"deposit_amount"`
	FullAmount     int64        `db:"full_amount" json:"full_amount"`
	AmountHeld     int64        `db:"amount_held" json:"amount_held"`
	AmountReleased int64        `db:"amount_released" json:"amount_released"`
	AmountRefunded int64        `db:"amount_refunded" json:"amount_refunded"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// Captured is the total amount of customer money ever taken in.
func (w *Wallet) Captured() int64 {
	return w.AmountHeld + w.AmountReleased + w.AmountRefunded
}

// EntryKind classifies a journal entry.
type EntryKind string

const (
	EntryKindHold    EntryKind = "HOLD"
	EntryKindRelease EntryKind = "RELEASE"
	EntryKindRefund  EntryKind = "REFUND"
	// EntryKindAdjustment compensates a prior refund for the same
	// reference; the amount moves from refunded back to held.
	EntryKindAdjustment EntryKind = "ADJUSTMENT"
)

// TransactionEntry is one immutable, balance-affecting journal record.
// Amount is signed relative to the held balance: holds and adjustments
// are positive, releases and refunds are negative. Entries are never
// mutated or deleted; corrections are compensating entries.
type TransactionEntry struct {
	ID           int64     `db:"id" json:"id"`
	WalletID     int64     `db:"wallet_id" json:"wallet_id"`
	Sequence     int64     `db:"sequence" json:"sequence"`
	Kind         EntryKind `db:"kind" json:"kind"`
	Amount       int64     `db:"amount" json:"amount"`
	BalanceAfter int64     `db:"balance_after" json:"balance_after"`
	Actor        string    `db:"actor" json:"actor"`
	Reference    string    `db:"reference" json:"reference"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// PolicyTier is the refund-percentage bracket at cancellation time.
type PolicyTier string

const (
	PolicyTier1 PolicyTier = "TIER_1"
	PolicyTier2 PolicyTier = "TIER_2"
	PolicyTier3 PolicyTier = "TIER_3"
	PolicyTier4 PolicyTier = "TIER_4"
)

// RefundStatus is the processing state of a cancellation refund.
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "PENDING"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusCompleted  RefundStatus = "COMPLETED"
	RefundStatusFailed     RefundStatus = "FAILED"
)

// TimelineEvent is one append-only audit step on a cancellation record.
type TimelineEvent struct {
	ID             int64        `db:"id" json:"-"`
	CancellationID int64        `db:"cancellation_id" json:"-"`
	Status         RefundStatus `db:"status" json:"status"`
	Actor          string       `db:"actor" json:"actor"`
	Note           string       `db:"note" json:"note"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// CancellationRecord captures one cancellation event and its settlement.
// RefundAmount + PenaltyAmount always equals OriginalDeposit, including
// after an admin override.
type CancellationRecord struct {
	ID                  int64           `db:"id" json:"id"`
	OrderID             int64           `db:"order_id" json:"order_id"`
	WalletID            int64           `db:"wallet_id" json:"wallet_id"`
	CancellationDate    time.Time       `db:"cancellation_date" json:"cancellation_date"`
	HarvestDate         time.Time       `db:"harvest_date" json:"harvest_date"`
	DaysBeforeHarvest   int             `db:"days_before_harvest" json:"days_before_harvest"`
	PolicyTier          PolicyTier      `db:"policy_tier" json:"policy_tier"`
	OriginalDeposit     int64           `db:"original_deposit" json:"original_deposit"`
	RefundPercentage    int             `db:"refund_percentage" json:"refund_percentage"`
	RefundAmount        int64           `db:"refund_amount" json:"refund_amount"`
	PenaltyAmount       int64           `db:"penalty_amount" json:"penalty_amount"`
	AdminOverride       bool            `db:"admin_override" json:"admin_override"`
	AdminOverrideReason string          `db:"admin_override_reason" json:"admin_override_reason,omitempty"`
	RefundStatus        RefundStatus    `db:"refund_status" json:"refund_status"`
	ExternalTxID        string          `db:"external_tx_id" json:"external_tx_id,omitempty"`
	Timeline            []TimelineEvent `db:"-" json:"timeline,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Active reports whether the record still awaits an outcome.
func (r *CancellationRecord) Active() bool {
	return r.RefundStatus == RefundStatusPending || r.RefundStatus == RefundStatusProcessing
}

// Reference is the stable payment reference for this cancellation. The
// external gateway is idempotent per reference, so retries after a crash
// never double-execute.
func (r *CancellationRecord) Reference() string {
	return fmt.Sprintf("cancellation-%d", r.ID)
}

// FulfillmentStatus is the delivery state of one shipment batch.
type FulfillmentStatus string

const (
	FulfillmentStatusPending          FulfillmentStatus = "PENDING"
	FulfillmentStatusPreparing        FulfillmentStatus = "PREPARING"
	FulfillmentStatusReadyToShip      FulfillmentStatus = "READY_TO_SHIP"
	FulfillmentStatusInTransit        FulfillmentStatus = "IN_TRANSIT"
	FulfillmentStatusDelivered        FulfillmentStatus = "DELIVERED"
	FulfillmentStatusPartialDelivered FulfillmentStatus = "PARTIAL_DELIVERED"
	FulfillmentStatusFailedDelivery   FulfillmentStatus = "FAILED_DELIVERY"
)

// RemainingAction says what happens to a batch's unshipped items.
type RemainingAction string

const (
	RemainingActionNone            RemainingAction = ""
	RemainingActionShipNextBatch   RemainingAction = "SHIP_NEXT_BATCH"
	RemainingActionRefundRemaining RemainingAction = "REFUND_REMAINING"
	RemainingActionTransferToLot   RemainingAction = "TRANSFER_TO_LOT"
	RemainingActionWaitingHarvest  RemainingAction = "WAITING_HARVEST"
)

// Fulfillment is one shipment batch claiming a slice of an order's
// quantity and held value.
type Fulfillment struct {
	ID                   int64             `db:"id" json:"id"`
	OrderID              int64             `db:"order_id" json:"order_id"`
	Sequence             int               `db:"sequence" json:"sequence"`
	Status               FulfillmentStatus `db:"status" json:"status"`
	OrderedQuantity      int               `db:"ordered_quantity" json:"ordered_quantity"`
	Quantity             int               `db:"quantity" json:"quantity"`
	ItemsShipped         int               `db:"items_shipped" json:"items_shipped"`
	ItemsRemaining       int               `db:"items_remaining" json:"items_remaining"`
	ShipmentValue        int64             `db:"shipment_value" json:"shipment_value"`
	SettledValue         int64             `db:"settled_value" json:"settled_value"`
	RemainingAction      RemainingAction   `db:"remaining_action" json:"remaining_action,omitempty"`
	DeliveryProof        string            `db:"delivery_proof" json:"delivery_proof,omitempty"`
	CustomerConfirmation bool              `db:"customer_confirmation" json:"customer_confirmation"`
	Closed               bool              `db:"closed" json:"closed"`
	CreatedAt            time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time         `db:"updated_at" json:"updated_at"`
}

// ClaimedValue is the slice of the wallet's full amount this batch still
// accounts for. Open batches claim their full shipment value; closed
// batches claim only what was actually settled through the wallet.
func (f *Fulfillment) ClaimedValue() int64 {
	if f.Closed {
		return f.SettledValue
	}
	return f.ShipmentValue
}

// Reference is the stable payment reference for this batch.
func (f *Fulfillment) Reference() string {
	return fmt.Sprintf("fulfillment-%d", f.ID)
}

// Validation and state errors surfaced to callers. The API layer maps
// these to HTTP status codes.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrInsufficientHeldFunds = errors.New("insufficient held funds")
	ErrOverAllocation        = errors.New("over-allocation of quantity or value")
	ErrWalletClosed          = errors.New("wallet is closed")
	ErrInvalidOverride       = errors.New("invalid override")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrWalletExists          = errors.New("wallet already exists for order")
	ErrCancellationNotFound  = errors.New("cancellation not found")
	ErrCancellationActive    = errors.New("an active cancellation already exists for order")
	ErrFulfillmentNotFound   = errors.New("fulfillment not found")
	ErrRefundNotDue          = errors.New("refund is not in a processable state")

	// ErrJournalMismatch means replaying the journal does not reproduce
	// the wallet totals. It indicates data corruption and is never
	// auto-corrected.
	ErrJournalMismatch = errors.New("journal replay does not match wallet totals")
)
