package service

import (
	"context"
	"fmt"

	"escrow-service/internal/models"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// fulfillmentTransitions is the allowed shipping status progression.
// Delivery outcomes (delivered, partial, failed) are set by the delivery
// and remainder paths, not by Advance.
var fulfillmentTransitions = map[models.FulfillmentStatus][]models.FulfillmentStatus{
	models.FulfillmentStatusPending:     {models.FulfillmentStatusPreparing},
	models.FulfillmentStatusPreparing:   {models.FulfillmentStatusReadyToShip},
	models.FulfillmentStatusReadyToShip: {models.FulfillmentStatusInTransit},
	models.FulfillmentStatusInTransit:   {models.FulfillmentStatusFailedDelivery},
}

// FulfillmentService tracks shipment batches against an order's escrow
// wallet. Each batch claims a slice of the ordered quantity and held
// value; delivery releases that slice to the seller.
type FulfillmentService struct {
	repo      store.Repository
	wallets   *WalletService
	payments  PaymentExecutor
	publisher Publisher
	logger    *zap.Logger
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(
	repo store.Repository,
	wallets *WalletService,
	payments PaymentExecutor,
	publisher Publisher,
) *FulfillmentService {
	return &FulfillmentService{
		repo:      repo,
		wallets:   wallets,
		payments:  payments,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Create registers a new shipment batch. The batch may not push the
// order's cumulative quantity past the ordered total, nor its cumulative
// claimed value past the wallet's full amount.
func (s *FulfillmentService) Create(ctx context.Context, orderID int64, orderedQuantity, quantity int, shipmentValue int64, actor string) (*models.Fulfillment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.Create")
	defer span.End()

	if quantity <= 0 || shipmentValue < 0 {
		return nil, fmt.Errorf("quantity=%d value=%d: %w", quantity, shipmentValue, models.ErrInvalidAmount)
	}

	wallet, err := s.repo.GetWalletByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if wallet.Status.Terminal() {
		return nil, fmt.Errorf("fulfillment for order %d with wallet in %s: %w",
			orderID, wallet.Status, models.ErrWalletClosed)
	}

	existing, err := s.repo.ListFulfillmentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fulfillments: %w", err)
	}

	claimedQty := 0
	var claimedValue int64
	for i := range existing {
		f := &existing[i]
		if f.Closed {
			claimedQty += f.ItemsShipped
		} else {
			claimedQty += f.Quantity
		}
		claimedValue += f.ClaimedValue()
		if f.OrderedQuantity != orderedQuantity {
			return nil, fmt.Errorf("ordered quantity %d disagrees with batch %d (%d): %w",
				orderedQuantity, f.ID, f.OrderedQuantity, models.ErrInvalidAmount)
		}
	}

	if claimedQty+quantity > orderedQuantity {
		return nil, fmt.Errorf("quantity %d on top of %d exceeds ordered %d: %w",
			quantity, claimedQty, orderedQuantity, models.ErrOverAllocation)
	}
	if claimedValue+shipmentValue > wallet.FullAmount {
		return nil, fmt.Errorf("value %d on top of %d exceeds full amount %d: %w",
			shipmentValue, claimedValue, wallet.FullAmount, models.ErrOverAllocation)
	}

	f := &models.Fulfillment{
		OrderID:         orderID,
		Sequence:        len(existing) + 1,
		Status:          models.FulfillmentStatusPending,
		OrderedQuantity: orderedQuantity,
		Quantity:        quantity,
		ItemsRemaining:  quantity,
		ShipmentValue:   shipmentValue,
	}

	if err := s.repo.CreateFulfillment(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to create fulfillment: %w", err)
	}

	util.FulfillmentsCreatedTotal.Inc()
	s.logger.Info("Fulfillment created",
		zap.Int64("fulfillment_id", f.ID),
		zap.Int64("order_id", orderID),
		zap.Int("sequence", f.Sequence),
		zap.Int("quantity", quantity),
		zap.Int64("value", shipmentValue))

	event := &models.FulfillmentCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeFulfillmentCreated),
		FulfillmentID: f.ID,
		OrderID:       orderID,
		Sequence:      f.Sequence,
		Quantity:      quantity,
		ShipmentValue: shipmentValue,
	}
	if err := s.publisher.PublishFulfillmentCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish FulfillmentCreated event", zap.Error(err))
	}

	return f, nil
}

// Advance moves a batch one step along the shipping progression.
func (s *FulfillmentService) Advance(ctx context.Context, fulfillmentID int64, target models.FulfillmentStatus, actor string) (*models.Fulfillment, error) {
	f, err := s.repo.GetFulfillmentByID(ctx, fulfillmentID)
	if err != nil {
		return nil, err
	}
	if f.Closed {
		return nil, fmt.Errorf("advance closed batch %d: %w", fulfillmentID, models.ErrInvalidTransition)
	}

	allowed := false
	for _, next := range fulfillmentTransitions[f.Status] {
		if next == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("fulfillment %d: %s -> %s: %w",
			fulfillmentID, f.Status, target, models.ErrInvalidTransition)
	}

	f.Status = target
	if err := s.repo.UpdateFulfillment(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to update fulfillment: %w", err)
	}

	s.logger.Info("Fulfillment advanced",
		zap.Int64("fulfillment_id", fulfillmentID),
		zap.String("status", string(target)),
		zap.String("actor", actor))
	return f, nil
}

// RecordDelivery records items arriving at the customer. A full delivery
// releases the batch's value from escrow to the seller and closes the
// batch; a partial delivery leaves it open for more deliveries or a
// remainder resolution.
func (s *FulfillmentService) RecordDelivery(ctx context.Context, fulfillmentID int64, itemsDelivered int, deliveryProof string, customerConfirmation bool, actor string) (*models.Fulfillment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.RecordDelivery")
	defer span.End()

	f, err := s.repo.GetFulfillmentByID(ctx, fulfillmentID)
	if err != nil {
		return nil, err
	}
	if f.Closed {
		return nil, fmt.Errorf("delivery on closed batch %d: %w", fulfillmentID, models.ErrInvalidTransition)
	}
	if itemsDelivered <= 0 || itemsDelivered > f.ItemsRemaining {
		return nil, fmt.Errorf("delivered %d with %d remaining: %w",
			itemsDelivered, f.ItemsRemaining, models.ErrInvalidAmount)
	}

	f.ItemsShipped += itemsDelivered
	f.ItemsRemaining = f.Quantity - f.ItemsShipped
	if deliveryProof != "" {
		f.DeliveryProof = deliveryProof
	}
	f.CustomerConfirmation = f.CustomerConfirmation || customerConfirmation

	if f.ItemsRemaining > 0 {
		f.Status = models.FulfillmentStatusPartialDelivered
		if err := s.repo.UpdateFulfillment(ctx, f); err != nil {
			return nil, fmt.Errorf("failed to update fulfillment: %w", err)
		}
		s.logger.Info("Partial delivery recorded",
			zap.Int64("fulfillment_id", fulfillmentID),
			zap.Int("delivered", itemsDelivered),
			zap.Int("remaining", f.ItemsRemaining))
		return f, nil
	}

	// Full delivery: pay the seller, then close the batch.
	wallet, err := s.repo.GetWalletByOrderID(ctx, f.OrderID)
	if err != nil {
		return nil, err
	}
	if f.ShipmentValue > 0 {
		if _, err := s.payments.ExecuteRelease(ctx, f.Reference(), f.ShipmentValue); err != nil {
			return nil, fmt.Errorf("failed to execute release: %w", err)
		}
		if _, err := s.wallets.Release(ctx, wallet.ID, f.ShipmentValue, actor, f.Reference()); err != nil {
			return nil, err
		}
	}

	f.Status = models.FulfillmentStatusDelivered
	f.SettledValue = f.ShipmentValue
	f.Closed = true
	if err := s.repo.UpdateFulfillment(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to close delivered fulfillment: %w", err)
	}

	util.FulfillmentsDeliveredTotal.Inc()
	s.logger.Info("Fulfillment delivered",
		zap.Int64("fulfillment_id", fulfillmentID),
		zap.Int64("order_id", f.OrderID),
		zap.Int("quantity", f.Quantity),
		zap.Int64("released", f.ShipmentValue))

	event := &models.FulfillmentDeliveredEvent{
		BaseEvent:     newBaseEvent(models.EventTypeFulfillmentDelivered),
		FulfillmentID: f.ID,
		OrderID:       f.OrderID,
		WalletID:      wallet.ID,
		Quantity:      f.Quantity,
		ReleasedValue: f.ShipmentValue,
	}
	if err := s.publisher.PublishFulfillmentDelivered(ctx, event); err != nil {
		s.logger.Error("Failed to publish FulfillmentDelivered event", zap.Error(err))
	}

	return f, nil
}

// ResolveRemainder closes a partially delivered batch by giving its
// unshipped items a final disposition. The shipped share of the value is
// released to the seller in every case; the unshipped share is refunded
// for REFUND_REMAINING and otherwise stays held for a later batch.
func (s *FulfillmentService) ResolveRemainder(ctx context.Context, fulfillmentID int64, action models.RemainingAction, actor string) (*models.Fulfillment, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.ResolveRemainder")
	defer span.End()

	if action == models.RemainingActionNone {
		return nil, fmt.Errorf("remainder action required: %w", models.ErrInvalidAmount)
	}

	f, err := s.repo.GetFulfillmentByID(ctx, fulfillmentID)
	if err != nil {
		return nil, err
	}
	if f.Closed {
		return nil, fmt.Errorf("resolve closed batch %d: %w", fulfillmentID, models.ErrInvalidTransition)
	}
	if f.ItemsRemaining == 0 {
		return nil, fmt.Errorf("batch %d has no remaining items: %w", fulfillmentID, models.ErrInvalidTransition)
	}

	wallet, err := s.repo.GetWalletByOrderID(ctx, f.OrderID)
	if err != nil {
		return nil, err
	}

	// Value splits proportionally by item count; the unshipped share
	// absorbs any rounding remainder.
	shippedValue := f.ShipmentValue * int64(f.ItemsShipped) / int64(f.Quantity)
	unshippedValue := f.ShipmentValue - shippedValue

	if shippedValue > 0 {
		if _, err := s.payments.ExecuteRelease(ctx, f.Reference(), shippedValue); err != nil {
			return nil, fmt.Errorf("failed to execute release: %w", err)
		}
		if _, err := s.wallets.Release(ctx, wallet.ID, shippedValue, actor, f.Reference()); err != nil {
			return nil, err
		}
	}

	var refundedValue int64
	settled := shippedValue
	if action == models.RemainingActionRefundRemaining && unshippedValue > 0 {
		refundRef := fmt.Sprintf("%s-remainder", f.Reference())
		if _, err := s.payments.ExecuteRefund(ctx, refundRef, unshippedValue); err != nil {
			return nil, fmt.Errorf("failed to execute remainder refund: %w", err)
		}
		if _, err := s.wallets.Refund(ctx, wallet.ID, unshippedValue, actor, refundRef); err != nil {
			return nil, err
		}
		refundedValue = unshippedValue
		settled += unshippedValue
	}

	if f.ItemsShipped == 0 {
		f.Status = models.FulfillmentStatusFailedDelivery
	}
	f.RemainingAction = action
	f.SettledValue = settled
	f.Closed = true
	if err := s.repo.UpdateFulfillment(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to close resolved fulfillment: %w", err)
	}

	s.logger.Info("Remainder resolved",
		zap.Int64("fulfillment_id", fulfillmentID),
		zap.String("action", string(action)),
		zap.Int("items_remaining", f.ItemsRemaining),
		zap.Int64("released", shippedValue),
		zap.Int64("refunded", refundedValue))

	event := &models.RemainderResolvedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeRemainderResolved),
		FulfillmentID:  f.ID,
		OrderID:        f.OrderID,
		Action:         action,
		RefundedValue:  refundedValue,
		ReleasedValue:  shippedValue,
		ItemsRemaining: f.ItemsRemaining,
	}
	if err := s.publisher.PublishRemainderResolved(ctx, event); err != nil {
		s.logger.Error("Failed to publish RemainderResolved event", zap.Error(err))
	}

	return f, nil
}

// Get retrieves a fulfillment by ID
func (s *FulfillmentService) Get(ctx context.Context, id int64) (*models.Fulfillment, error) {
	return s.repo.GetFulfillmentByID(ctx, id)
}

// ListByOrder retrieves all shipment batches for an order
func (s *FulfillmentService) ListByOrder(ctx context.Context, orderID int64) ([]models.Fulfillment, error) {
	return s.repo.ListFulfillmentsByOrderID(ctx, orderID)
}
