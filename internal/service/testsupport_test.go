package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"escrow-service/internal/models"
	"escrow-service/internal/store"
)

// recordingPublisher captures published event types in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{}
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPublisher) PublishWalletOpened(ctx context.Context, event *models.WalletOpenedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishFundsMoved(ctx context.Context, event *models.FundsMovedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishWalletDisputed(ctx context.Context, event *models.WalletDisputedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishCancellationRequested(ctx context.Context, event *models.CancellationRequestedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishRefundFailed(ctx context.Context, event *models.RefundFailedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishRefundOverridden(ctx context.Context, event *models.RefundOverriddenEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishFulfillmentCreated(ctx context.Context, event *models.FulfillmentCreatedEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishFulfillmentDelivered(ctx context.Context, event *models.FulfillmentDeliveredEvent) error {
	return p.record(event.EventType)
}

func (p *recordingPublisher) PublishRemainderResolved(ctx context.Context, event *models.RemainderResolvedEvent) error {
	return p.record(event.EventType)
}

// fakeGateway is a deterministic PaymentExecutor. Outcomes are scripted
// per reference; unscripted references succeed. Like the real contract,
// a reference that already succeeded returns its original transaction.
type fakeGateway struct {
	mu       sync.Mutex
	declines map[string]bool
	outages  map[string]bool
	executed map[string]string
	calls    []string
	nextTx   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		declines: make(map[string]bool),
		outages:  make(map[string]bool),
		executed: make(map[string]string),
	}
}

func (g *fakeGateway) decline(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines[reference] = true
}

func (g *fakeGateway) heal(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.declines, reference)
	delete(g.outages, reference)
}

// outage makes a reference fail with a non-decline error, simulating an
// ambiguous network failure.
func (g *fakeGateway) outage(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outages[reference] = true
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) execute(reference string, amount int64) (*PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, reference)
	if tx, ok := g.executed[reference]; ok {
		return &PaymentResult{ExternalTxID: tx}, nil
	}
	if g.outages[reference] {
		return nil, errors.New("gateway timeout")
	}
	if g.declines[reference] {
		return nil, fmt.Errorf("%s: %w", reference, ErrPaymentDeclined)
	}

	g.nextTx++
	tx := fmt.Sprintf("TXN-%04d", g.nextTx)
	g.executed[reference] = tx
	return &PaymentResult{ExternalTxID: tx}, nil
}

func (g *fakeGateway) ExecuteRefund(ctx context.Context, reference string, amount int64) (*PaymentResult, error) {
	return g.execute(reference, amount)
}

func (g *fakeGateway) ExecuteRelease(ctx context.Context, reference string, amount int64) (*PaymentResult, error) {
	return g.execute(reference, amount)
}

// flakyRepo wraps the in-memory repository and fails CompleteRefund a
// configured number of times, simulating a crash between the journal
// write and the record update.
type flakyRepo struct {
	store.Repository
	mu            sync.Mutex
	completeFails int
}

func (r *flakyRepo) CompleteRefund(ctx context.Context, id int64, externalTxID, actor, note string) (bool, error) {
	r.mu.Lock()
	if r.completeFails > 0 {
		r.completeFails--
		r.mu.Unlock()
		return false, errors.New("simulated crash before refund completion")
	}
	r.mu.Unlock()
	return r.Repository.CompleteRefund(ctx, id, externalTxID, actor, note)
}
