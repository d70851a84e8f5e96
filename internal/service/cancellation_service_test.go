package service

import (
	"context"
	"testing"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cancellationFixture struct {
	repo    store.Repository
	wallets *WalletService
	gateway *fakeGateway
	pub     *recordingPublisher
	svc     *CancellationService
}

func newCancellationFixture(repo store.Repository) *cancellationFixture {
	pub := newRecordingPublisher()
	gateway := newFakeGateway()
	wallets := NewWalletService(repo, pub)
	return &cancellationFixture{
		repo:    repo,
		wallets: wallets,
		gateway: gateway,
		pub:     pub,
		svc:     NewCancellationService(repo, wallets, gateway, pub),
	}
}

func cancellationDates(daysBeforeHarvest int) (harvest, cancel time.Time) {
	cancel = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return cancel.AddDate(0, 0, daysBeforeHarvest), cancel
}

func TestRequestCancellationComputesTieredSettlement(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 100, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 100, harvest, cancel, "customer")
	require.NoError(t, err)

	assert.Equal(t, wallet.ID, rec.WalletID)
	assert.Equal(t, 10, rec.DaysBeforeHarvest)
	assert.Equal(t, models.PolicyTier2, rec.PolicyTier)
	assert.Equal(t, 80, rec.RefundPercentage)
	assert.Equal(t, int64(400000), rec.RefundAmount)
	assert.Equal(t, int64(100000), rec.PenaltyAmount)
	assert.Equal(t, models.RefundStatusPending, rec.RefundStatus)
	require.Len(t, rec.Timeline, 1)
	assert.Equal(t, models.RefundStatusPending, rec.Timeline[0].Status)

	// Requesting does not touch the wallet.
	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), got.AmountHeld)

	assert.Contains(t, fx.pub.published(), models.EventTypeCancellationRequested)
}

func TestRequestCancellationRejectsSecondActive(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	_, err := fx.wallets.Open(ctx, 101, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	_, err = fx.svc.RequestCancellation(ctx, 101, harvest, cancel, "customer")
	require.NoError(t, err)

	_, err = fx.svc.RequestCancellation(ctx, 101, harvest, cancel, "customer")
	assert.ErrorIs(t, err, models.ErrCancellationActive)
}

func TestRequestCancellationRejectsClosedWallet(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 102, 1000, 1000, "customer")
	require.NoError(t, err)
	_, err = fx.wallets.Release(ctx, wallet.ID, 1000, "seller", "delivery")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(20)
	_, err = fx.svc.RequestCancellation(ctx, 102, harvest, cancel, "customer")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestProcessRefundCompletesAndJournals(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 103, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 103, harvest, cancel, "customer")
	require.NoError(t, err)

	rec, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)
	assert.NotEmpty(t, rec.ExternalTxID)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), got.AmountHeld)
	assert.Equal(t, int64(400000), got.AmountRefunded)

	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryKindRefund, entries[1].Kind)
	assert.Equal(t, int64(-400000), entries[1].Amount)
	assert.Equal(t, rec.Reference(), entries[1].Reference)

	require.NoError(t, fx.wallets.Verify(ctx, wallet.ID))
	assert.Contains(t, fx.pub.published(), models.EventTypeRefundCompleted)
}

func TestProcessRefundIsIdempotent(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 104, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 104, harvest, cancel, "customer")
	require.NoError(t, err)

	_, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)
	_, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), got.AmountRefunded)

	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProcessRefundDeclinedIsRetryable(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 105, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 105, harvest, cancel, "customer")
	require.NoError(t, err)

	fx.gateway.decline(rec.Reference())
	_, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	assert.ErrorIs(t, err, ErrPaymentDeclined)

	rec, err = fx.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusFailed, rec.RefundStatus)

	// No money moved on a decline.
	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	fx.gateway.heal(rec.Reference())
	rec, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)

	assert.Contains(t, fx.pub.published(), models.EventTypeRefundFailed)
}

func TestProcessRefundAmbiguousStaysProcessing(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	_, err := fx.wallets.Open(ctx, 106, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 106, harvest, cancel, "customer")
	require.NoError(t, err)

	fx.gateway.outage(rec.Reference())
	_, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPaymentDeclined)

	rec, err = fx.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusProcessing, rec.RefundStatus)
}

func TestReconcileRecoversStuckRefund(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 107, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 107, harvest, cancel, "customer")
	require.NoError(t, err)

	fx.gateway.outage(rec.Reference())
	_, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.Error(t, err)

	fx.gateway.heal(rec.Reference())
	recovered, err := fx.svc.ReconcileStuck(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{wallet.ID}, recovered)

	rec, err = fx.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), got.AmountRefunded)
}

func TestProcessRefundZeroAmountSkipsGateway(t *testing.T) {
	fx := newCancellationFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 108, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(1)
	rec, err := fx.svc.RequestCancellation(ctx, 108, harvest, cancel, "customer")
	require.NoError(t, err)
	assert.Equal(t, models.PolicyTier4, rec.PolicyTier)
	assert.Equal(t, int64(0), rec.RefundAmount)
	assert.Equal(t, int64(500000), rec.PenaltyAmount)

	rec, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)
	assert.Zero(t, fx.gateway.callCount())

	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessRefundResumesAfterCrashBetweenPhases(t *testing.T) {
	repo := &flakyRepo{Repository: store.NewMemory(), completeFails: 1}
	fx := newCancellationFixture(repo)
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 109, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.svc.RequestCancellation(ctx, 109, harvest, cancel, "customer")
	require.NoError(t, err)

	// First attempt journals the refund, then dies before completing the
	// record.
	_, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.Error(t, err)

	rec, err = fx.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusProcessing, rec.RefundStatus)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), got.AmountRefunded)

	// The retry must not journal a second refund.
	rec, err = fx.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)

	got, err = fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), got.AmountRefunded)

	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.NoError(t, fx.wallets.Verify(ctx, wallet.ID))
}
