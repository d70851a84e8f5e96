package worker

import (
	"context"
	"log"
	"time"

	"escrow-service/internal/broker"
	"escrow-service/internal/models"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/service"
)

// walletInvalidator drops a cached wallet snapshot after a worker moved
// money outside the HTTP path.
type walletInvalidator interface {
	InvalidateWallet(ctx context.Context, walletID int64) error
}

// RefundWorker consumes CancellationRequested events and drives each
// refund through the two-phase settlement. Redelivery is safe: refund
// processing is idempotent end to end.
type RefundWorker struct {
	consumer      *broker.Consumer
	eventHandler  *broker.EventHandler
	cancellations *service.CancellationService
}

// NewRefundWorker creates a new refund worker. The cache may be nil.
func NewRefundWorker(
	consumer *broker.Consumer,
	cancellations *service.CancellationService,
	cache walletInvalidator,
) *RefundWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnCancellationRequested(func(ctx context.Context, event *models.CancellationRequestedEvent) error {
		log.Printf("Processing refund for cancellation: %d", event.CancellationID)
		rec, err := cancellations.ProcessRefund(ctx, event.CancellationID, "system")
		if err != nil {
			return err
		}
		if cache != nil {
			if err := cache.InvalidateWallet(ctx, rec.WalletID); err != nil {
				log.Printf("Failed to invalidate wallet %d cache: %v", rec.WalletID, err)
			}
		}
		return nil
	})

	return &RefundWorker{
		consumer:      consumer,
		eventHandler:  eventHandler,
		cancellations: cancellations,
	}
}

// Start starts the worker
func (w *RefundWorker) Start(ctx context.Context) error {
	log.Println("Starting refund worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RefundWorker) Stop() error {
	log.Println("Stopping refund worker...")
	return w.consumer.Close()
}

// ReconcileWorker periodically re-drives refunds stuck in processing.
// A Redis lock keeps concurrent instances from sweeping at once.
type ReconcileWorker struct {
	cancellations *service.CancellationService
	redis         *redisclient.Client
	interval      time.Duration
	cutoffAge     time.Duration
	batchLimit    int
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(
	cancellations *service.CancellationService,
	redis *redisclient.Client,
	interval, cutoffAge time.Duration,
	batchLimit int,
) *ReconcileWorker {
	return &ReconcileWorker{
		cancellations: cancellations,
		redis:         redis,
		interval:      interval,
		cutoffAge:     cutoffAge,
		batchLimit:    batchLimit,
	}
}

// Start runs the reconcile loop until the context is cancelled
func (w *ReconcileWorker) Start(ctx context.Context) error {
	log.Printf("Starting reconcile worker (interval %s, cutoff age %s)...", w.interval, w.cutoffAge)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reconcile worker context cancelled, stopping...")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ReconcileWorker) sweep(ctx context.Context) {
	const lockKey = "refund-reconcile"

	acquired, err := w.redis.AcquireLock(ctx, lockKey, w.interval)
	if err != nil {
		log.Printf("Reconcile lock error: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := w.redis.ReleaseLock(ctx, lockKey); err != nil {
			log.Printf("Reconcile lock release error: %v", err)
		}
	}()

	cutoff := time.Now().Add(-w.cutoffAge)
	recovered, err := w.cancellations.ReconcileStuck(ctx, cutoff, w.batchLimit)
	if err != nil {
		log.Printf("Reconcile sweep error: %v", err)
		return
	}
	for _, walletID := range recovered {
		if err := w.redis.InvalidateWallet(ctx, walletID); err != nil {
			log.Printf("Failed to invalidate wallet %d cache: %v", walletID, err)
		}
	}
	if len(recovered) > 0 {
		log.Printf("Reconcile sweep recovered %d stuck refunds", len(recovered))
	}
}
