package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"escrow-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes settlement events keyed by order so all
// events for one order land on the same partition in order.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

func walletKey(walletID int64) string {
	return fmt.Sprintf("wallet-%d", walletID)
}

// PublishWalletOpened publishes WalletOpened event
func (ep *EventPublisher) PublishWalletOpened(ctx context.Context, event *models.WalletOpenedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishFundsMoved publishes FundsMoved event
func (ep *EventPublisher) PublishFundsMoved(ctx context.Context, event *models.FundsMovedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishWalletDisputed publishes WalletDisputed event
func (ep *EventPublisher) PublishWalletDisputed(ctx context.Context, event *models.WalletDisputedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishCancellationRequested publishes CancellationRequested event
func (ep *EventPublisher) PublishCancellationRequested(ctx context.Context, event *models.CancellationRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRefundCompleted publishes RefundCompleted event
func (ep *EventPublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, walletKey(event.WalletID), event)
}

// PublishRefundFailed publishes RefundFailed event
func (ep *EventPublisher) PublishRefundFailed(ctx context.Context, event *models.RefundFailedEvent) error {
	return ep.producer.PublishEvent(ctx, walletKey(event.WalletID), event)
}

// PublishRefundOverridden publishes RefundOverridden event
func (ep *EventPublisher) PublishRefundOverridden(ctx context.Context, event *models.RefundOverriddenEvent) error {
	return ep.producer.PublishEvent(ctx, walletKey(event.WalletID), event)
}

// PublishFulfillmentCreated publishes FulfillmentCreated event
func (ep *EventPublisher) PublishFulfillmentCreated(ctx context.Context, event *models.FulfillmentCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishFulfillmentDelivered publishes FulfillmentDelivered event
func (ep *EventPublisher) PublishFulfillmentDelivered(ctx context.Context, event *models.FulfillmentDeliveredEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRemainderResolved publishes RemainderResolved event
func (ep *EventPublisher) PublishRemainderResolved(ctx context.Context, event *models.RemainderResolvedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes consumed settlement events to registered handlers
type EventHandler struct {
	onCancellationRequested func(context.Context, *models.CancellationRequestedEvent) error
	onRefundFailed          func(context.Context, *models.RefundFailedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnCancellationRequested registers a handler for CancellationRequested events
func (eh *EventHandler) OnCancellationRequested(handler func(context.Context, *models.CancellationRequestedEvent) error) {
	eh.onCancellationRequested = handler
}

// OnRefundFailed registers a handler for RefundFailed events
func (eh *EventHandler) OnRefundFailed(handler func(context.Context, *models.RefundFailedEvent) error) {
	eh.onRefundFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeCancellationRequested:
		if eh.onCancellationRequested != nil {
			var event models.CancellationRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CancellationRequested event: %w", err)
			}
			return eh.onCancellationRequested(ctx, &event)
		}

	case models.EventTypeRefundFailed:
		if eh.onRefundFailed != nil {
			var event models.RefundFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal RefundFailed event: %w", err)
			}
			return eh.onRefundFailed(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
