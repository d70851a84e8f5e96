package models

import "time"

// Event types published on the settlement stream
const (
	EventTypeWalletOpened          = "WALLET_OPENED"
	EventTypeFundsMoved            = "FUNDS_MOVED"
	EventTypeWalletDisputed        = "WALLET_DISPUTED"
	EventTypeCancellationRequested = "CANCELLATION_REQUESTED"
	EventTypeRefundCompleted       = "REFUND_COMPLETED"
	EventTypeRefundFailed          = "REFUND_FAILED"
	EventTypeRefundOverridden      = "REFUND_OVERRIDDEN"
	EventTypeFulfillmentCreated    = "FULFILLMENT_CREATED"
	EventTypeFulfillmentDelivered  = "FULFILLMENT_DELIVERED"
	EventTypeRemainderResolved     = "REMAINDER_RESOLVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// WalletOpenedEvent published when an escrow wallet is opened for an order
type WalletOpenedEvent struct {
	BaseEvent
	WalletID      int64 `json:"wallet_id"`
	OrderID       int64 `json:"order_id"`
	DepositAmount int64 `json:"deposit_amount"`
	FullAmount    int64 `json:"full_amount"`
}

// FundsMovedEvent published for every balance-affecting wallet mutation
type FundsMovedEvent struct {
	BaseEvent
	WalletID     int64     `json:"wallet_id"`
	OrderID      int64     `json:"order_id"`
	Kind         EntryKind `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference"`
	Actor        string    `json:"actor"`
}

// WalletDisputedEvent published when a wallet is frozen for dispute
type WalletDisputedEvent struct {
	BaseEvent
	WalletID int64  `json:"wallet_id"`
	OrderID  int64  `json:"order_id"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

// CancellationRequestedEvent published when a cancellation settlement is
// proposed; the refund worker consumes it and drives the payout.
type CancellationRequestedEvent struct {
	BaseEvent
	CancellationID int64      `json:"cancellation_id"`
	OrderID        int64      `json:"order_id"`
	WalletID       int64      `json:"wallet_id"`
	PolicyTier     PolicyTier `json:"policy_tier"`
	RefundAmount   int64      `json:"refund_amount"`
	PenaltyAmount  int64      `json:"penalty_amount"`
	Actor          string     `json:"actor"`
}

// RefundCompletedEvent published when an external refund is confirmed
type RefundCompletedEvent struct {
	BaseEvent
	CancellationID int64  `json:"cancellation_id"`
	WalletID       int64  `json:"wallet_id"`
	Amount         int64  `json:"amount"`
	ExternalTxID   string `json:"external_tx_id"`
}

// RefundFailedEvent published when the gateway explicitly declines
type RefundFailedEvent struct {
	BaseEvent
	CancellationID int64  `json:"cancellation_id"`
	WalletID       int64  `json:"wallet_id"`
	Reason         string `json:"reason"`
}

// RefundOverriddenEvent published when an admin replaces a computed
// settlement; Delta is the journaled difference, not the full amount.
type RefundOverriddenEvent struct {
	BaseEvent
	CancellationID  int64  `json:"cancellation_id"`
	WalletID        int64  `json:"wallet_id"`
	NewRefundAmount int64  `json:"new_refund_amount"`
	Delta           int64  `json:"delta"`
	Reason          string `json:"reason"`
	Actor           string `json:"actor"`
}

// FulfillmentCreatedEvent published when a shipment batch is dispatched
type FulfillmentCreatedEvent struct {
	BaseEvent
	FulfillmentID int64 `json:"fulfillment_id"`
	OrderID       int64 `json:"order_id"`
	Sequence      int   `json:"sequence"`
	Quantity      int   `json:"quantity"`
	ShipmentValue int64 `json:"shipment_value"`
}

// FulfillmentDeliveredEvent published when a batch is fully delivered
// and its value released from escrow
type FulfillmentDeliveredEvent struct {
	BaseEvent
	FulfillmentID int64 `json:"fulfillment_id"`
	OrderID       int64 `json:"order_id"`
	WalletID      int64 `json:"wallet_id"`
	Quantity      int   `json:"quantity"`
	ReleasedValue int64 `json:"released_value"`
}

// RemainderResolvedEvent published when a batch's unshipped items get a
// final disposition
type RemainderResolvedEvent struct {
	BaseEvent
	FulfillmentID  int64           `json:"fulfillment_id"`
	OrderID        int64           `json:"order_id"`
	Action         RemainingAction `json:"action"`
	RefundedValue  int64           `json:"refunded_value"`
	ReleasedValue  int64           `json:"released_value"`
	ItemsRemaining int             `json:"items_remaining"`
}
