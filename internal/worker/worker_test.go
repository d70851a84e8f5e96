package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/service"
	"escrow-service/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) PublishWalletOpened(context.Context, *models.WalletOpenedEvent) error { return nil }
func (nopPublisher) PublishFundsMoved(context.Context, *models.FundsMovedEvent) error     { return nil }
func (nopPublisher) PublishWalletDisputed(context.Context, *models.WalletDisputedEvent) error {
	return nil
}
func (nopPublisher) PublishCancellationRequested(context.Context, *models.CancellationRequestedEvent) error {
	return nil
}
func (nopPublisher) PublishRefundCompleted(context.Context, *models.RefundCompletedEvent) error {
	return nil
}
func (nopPublisher) PublishRefundFailed(context.Context, *models.RefundFailedEvent) error { return nil }
func (nopPublisher) PublishRefundOverridden(context.Context, *models.RefundOverriddenEvent) error {
	return nil
}
func (nopPublisher) PublishFulfillmentCreated(context.Context, *models.FulfillmentCreatedEvent) error {
	return nil
}
func (nopPublisher) PublishFulfillmentDelivered(context.Context, *models.FulfillmentDeliveredEvent) error {
	return nil
}
func (nopPublisher) PublishRemainderResolved(context.Context, *models.RemainderResolvedEvent) error {
	return nil
}

type approvingGateway struct{}

func (approvingGateway) ExecuteRefund(ctx context.Context, reference string, amount int64) (*service.PaymentResult, error) {
	return &service.PaymentResult{ExternalTxID: "TXN-1"}, nil
}

func (approvingGateway) ExecuteRelease(ctx context.Context, reference string, amount int64) (*service.PaymentResult, error) {
	return &service.PaymentResult{ExternalTxID: "TXN-1"}, nil
}

type recordingInvalidator struct {
	mu      sync.Mutex
	wallets []int64
}

func (r *recordingInvalidator) InvalidateWallet(ctx context.Context, walletID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets = append(r.wallets, walletID)
	return nil
}

func TestRefundWorkerProcessesEventAndInvalidatesCache(t *testing.T) {
	repo := store.NewMemory()
	pub := nopPublisher{}
	wallets := service.NewWalletService(repo, pub)
	cancellations := service.NewCancellationService(repo, wallets, approvingGateway{}, pub)
	ctx := context.Background()

	wallet, err := wallets.Open(ctx, 1, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest := time.Now().AddDate(0, 0, 10)
	rec, err := cancellations.RequestCancellation(ctx, 1, harvest, time.Now(), "customer")
	require.NoError(t, err)

	cache := &recordingInvalidator{}
	w := NewRefundWorker(nil, cancellations, cache)

	payload, err := json.Marshal(&models.CancellationRequestedEvent{
		BaseEvent:      models.BaseEvent{EventType: models.EventTypeCancellationRequested},
		CancellationID: rec.ID,
		OrderID:        1,
		WalletID:       wallet.ID,
	})
	require.NoError(t, err)

	require.NoError(t, w.eventHandler.HandleMessage(ctx, kafka.Message{Value: payload}))

	rec, err = cancellations.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)
	assert.Equal(t, []int64{wallet.ID}, cache.wallets)
}
