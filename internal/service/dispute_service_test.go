package service

import (
	"context"
	"sync"
	"testing"

	"escrow-service/internal/models"
	"escrow-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedGateway blocks the external call for one reference until released,
// holding a refund mid-flight while the test acts on the same record.
type gatedGateway struct {
	*fakeGateway
	reference string
	started   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func newGatedGateway(reference string) *gatedGateway {
	return &gatedGateway{
		fakeGateway: newFakeGateway(),
		reference:   reference,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedGateway) ExecuteRefund(ctx context.Context, reference string, amount int64) (*PaymentResult, error) {
	if reference == g.reference {
		g.once.Do(func() { close(g.started) })
		<-g.release
	}
	return g.fakeGateway.ExecuteRefund(ctx, reference, amount)
}

type disputeFixture struct {
	*cancellationFixture
	svc *DisputeService
}

func newDisputeFixture(repo store.Repository) *disputeFixture {
	base := newCancellationFixture(repo)
	return &disputeFixture{
		cancellationFixture: base,
		svc:                 NewDisputeService(repo, base.wallets, base.gateway, base.pub),
	}
}

// stuckCancellation sets up a wallet with a 400000 refund journaled but
// the record stranded in processing, the state an override typically
// rescues.
func stuckCancellation(t *testing.T, fx *disputeFixture) (*models.Wallet, *models.CancellationRecord) {
	t.Helper()
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 200, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.cancellationFixture.svc.RequestCancellation(ctx, 200, harvest, cancel, "customer")
	require.NoError(t, err)

	_, err = fx.cancellationFixture.svc.ProcessRefund(ctx, rec.ID, "system")
	require.Error(t, err)

	rec, err = fx.cancellationFixture.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.RefundStatusProcessing, rec.RefundStatus)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400000), got.AmountRefunded)
	return got, rec
}

func TestOverrideJournalsOnlyTheDelta(t *testing.T) {
	repo := &flakyRepo{Repository: store.NewMemory(), completeFails: 1}
	fx := newDisputeFixture(repo)
	ctx := context.Background()

	wallet, rec := stuckCancellation(t, fx)

	rec, err := fx.svc.Override(ctx, rec.ID, 450000, "weather-related hardship", "admin")
	require.NoError(t, err)

	assert.True(t, rec.AdminOverride)
	assert.Equal(t, "weather-related hardship", rec.AdminOverrideReason)
	assert.Equal(t, int64(450000), rec.RefundAmount)
	assert.Equal(t, int64(50000), rec.PenaltyAmount)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(450000), got.AmountRefunded)
	assert.Equal(t, int64(50000), got.AmountHeld)

	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.EntryKindRefund, entries[2].Kind)
	assert.Equal(t, int64(-50000), entries[2].Amount)

	require.NoError(t, fx.wallets.Verify(ctx, wallet.ID))
	assert.Contains(t, fx.pub.published(), models.EventTypeRefundOverridden)
}

func TestOverrideLoweringRefundCompensates(t *testing.T) {
	repo := &flakyRepo{Repository: store.NewMemory(), completeFails: 1}
	fx := newDisputeFixture(repo)
	ctx := context.Background()

	wallet, rec := stuckCancellation(t, fx)

	rec, err := fx.svc.Override(ctx, rec.ID, 350000, "partial fault on both sides", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(350000), rec.RefundAmount)
	assert.Equal(t, int64(150000), rec.PenaltyAmount)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(350000), got.AmountRefunded)
	assert.Equal(t, int64(150000), got.AmountHeld)

	entries, err := fx.wallets.Journal(ctx, wallet.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.EntryKindAdjustment, entries[2].Kind)
	assert.Equal(t, int64(50000), entries[2].Amount)

	require.NoError(t, fx.wallets.Verify(ctx, wallet.ID))
}

func TestOverrideOnPendingRecordPaysFullAmount(t *testing.T) {
	fx := newDisputeFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 201, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(1)
	rec, err := fx.cancellationFixture.svc.RequestCancellation(ctx, 201, harvest, cancel, "customer")
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.RefundAmount)

	// Nothing journaled yet, so the delta is the full override amount.
	rec, err = fx.svc.Override(ctx, rec.ID, 250000, "goodwill exception", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, rec.RefundStatus)

	got, err := fx.wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), got.AmountRefunded)
}

func TestOverrideValidation(t *testing.T) {
	fx := newDisputeFixture(store.NewMemory())
	ctx := context.Background()

	_, err := fx.wallets.Open(ctx, 202, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := fx.cancellationFixture.svc.RequestCancellation(ctx, 202, harvest, cancel, "customer")
	require.NoError(t, err)

	_, err = fx.svc.Override(ctx, rec.ID, 100000, "", "admin")
	assert.ErrorIs(t, err, models.ErrInvalidOverride)

	_, err = fx.svc.Override(ctx, rec.ID, -1, "negative", "admin")
	assert.ErrorIs(t, err, models.ErrInvalidOverride)

	_, err = fx.svc.Override(ctx, rec.ID, 500001, "above deposit", "admin")
	assert.ErrorIs(t, err, models.ErrInvalidOverride)

	_, err = fx.cancellationFixture.svc.ProcessRefund(ctx, rec.ID, "system")
	require.NoError(t, err)
	_, err = fx.svc.Override(ctx, rec.ID, 100000, "too late", "admin")
	assert.ErrorIs(t, err, models.ErrInvalidOverride)
}

func TestOverrideDuringInFlightRefundJournalsOnce(t *testing.T) {
	repo := store.NewMemory()
	pub := newRecordingPublisher()
	wallets := NewWalletService(repo, pub)
	gateway := newGatedGateway("cancellation-1")
	cancellations := NewCancellationService(repo, wallets, gateway, pub)
	disputes := NewDisputeService(repo, wallets, gateway, pub)
	ctx := context.Background()

	wallet, err := wallets.Open(ctx, 210, 500000, 1000000, "customer")
	require.NoError(t, err)

	harvest, cancel := cancellationDates(10)
	rec, err := cancellations.RequestCancellation(ctx, 210, harvest, cancel, "customer")
	require.NoError(t, err)
	require.Equal(t, "cancellation-1", rec.Reference())
	require.Equal(t, int64(400000), rec.RefundAmount)

	// The worker's external call parks on the gate with the record in
	// processing and nothing journaled yet.
	done := make(chan error, 1)
	go func() {
		_, err := cancellations.ProcessRefund(ctx, rec.ID, "system")
		done <- err
	}()
	<-gateway.started

	// The admin overrides while the refund is in flight. The override
	// reference is distinct, so only the original call is gated.
	overridden, err := disputes.Override(ctx, rec.ID, 250000, "partial delivery already made", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(250000), overridden.RefundAmount)

	close(gateway.release)
	require.NoError(t, <-done)

	// The resumed worker must not settle the superseded 400000 on top.
	final, err := cancellations.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, final.RefundStatus)
	assert.True(t, final.AdminOverride)
	assert.Equal(t, int64(250000), final.RefundAmount)

	journaled, err := wallets.JournaledRefundTotal(ctx, wallet.ID, rec.Reference())
	require.NoError(t, err)
	assert.Equal(t, int64(250000), journaled)

	got, err := wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), got.AmountRefunded)
	assert.Equal(t, int64(250000), got.AmountHeld)
	require.NoError(t, wallets.Verify(ctx, wallet.ID))
}

func TestResolveDisputeSplitsAndFinalizes(t *testing.T) {
	fx := newDisputeFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 203, 1000000, 1000000, "customer")
	require.NoError(t, err)

	_, err = fx.svc.OpenDispute(ctx, wallet.ID, "crop quality below contract grade", "customer")
	require.NoError(t, err)

	got, err := fx.svc.ResolveDispute(ctx, wallet.ID, 700000, 300000, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.WalletStatusReleased, got.Status)
	assert.Equal(t, int64(700000), got.AmountReleased)
	assert.Equal(t, int64(300000), got.AmountRefunded)

	require.NoError(t, fx.wallets.Verify(ctx, wallet.ID))
}

func TestResolveDisputeAllRefundEndsRefunded(t *testing.T) {
	fx := newDisputeFixture(store.NewMemory())
	ctx := context.Background()

	wallet, err := fx.wallets.Open(ctx, 204, 1000000, 1000000, "customer")
	require.NoError(t, err)
	_, err = fx.svc.OpenDispute(ctx, wallet.ID, "never delivered", "customer")
	require.NoError(t, err)

	got, err := fx.svc.ResolveDispute(ctx, wallet.ID, 0, 1000000, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.WalletStatusRefunded, got.Status)
}
