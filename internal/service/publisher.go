package service

import (
	"context"

	"escrow-service/internal/models"
)

// Publisher is the slice of the event stream the settlement services
// publish to. broker.EventPublisher implements it; tests use a recorder.
type Publisher interface {
	PublishWalletOpened(ctx context.Context, event *models.WalletOpenedEvent) error
	PublishFundsMoved(ctx context.Context, event *models.FundsMovedEvent) error
	PublishWalletDisputed(ctx context.Context, event *models.WalletDisputedEvent) error
	PublishCancellationRequested(ctx context.Context, event *models.CancellationRequestedEvent) error
	PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error
	PublishRefundFailed(ctx context.Context, event *models.RefundFailedEvent) error
	PublishRefundOverridden(ctx context.Context, event *models.RefundOverriddenEvent) error
	PublishFulfillmentCreated(ctx context.Context, event *models.FulfillmentCreatedEvent) error
	PublishFulfillmentDelivered(ctx context.Context, event *models.FulfillmentDeliveredEvent) error
	PublishRemainderResolved(ctx context.Context, event *models.RemainderResolvedEvent) error
}
