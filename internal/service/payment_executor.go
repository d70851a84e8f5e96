package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPaymentDeclined is an explicit rejection by the payment provider.
// A declined refund moves the record to failed (retryable); any other
// executor error is ambiguous and leaves the record in processing for
// the reconciliation sweep.
var ErrPaymentDeclined = errors.New("payment declined by provider")

// PaymentResult is the provider's confirmation of an executed movement.
type PaymentResult struct {
	ExternalTxID string
}

// PaymentExecutor abstracts the external payment provider. Both
// operations must be idempotent per reference: executing the same
// reference twice returns the original transaction without moving money
// again.
type PaymentExecutor interface {
	ExecuteRefund(ctx context.Context, reference string, amount int64) (*PaymentResult, error)
	ExecuteRelease(ctx context.Context, reference string, amount int64) (*PaymentResult, error)
}

// MockGateway simulates the payment provider. Executions are idempotent
// per reference, mirroring the contract a real gateway integration would
// honor.
type MockGateway struct {
	mu          sync.Mutex
	executed    map[string]string // reference -> external tx id
	logger      *zap.Logger
	successRate float64
}

var _ PaymentExecutor = (*MockGateway)(nil)

// NewMockGateway creates a mock payment gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{
		executed:    make(map[string]string),
		logger:      util.GetLogger(),
		successRate: 0.95,
	}
}

// ExecuteRefund returns money to the customer
func (g *MockGateway) ExecuteRefund(ctx context.Context, reference string, amount int64) (*PaymentResult, error) {
	return g.execute(ctx, "refund", reference, amount)
}

// ExecuteRelease pays out held funds to the seller
func (g *MockGateway) ExecuteRelease(ctx context.Context, reference string, amount int64) (*PaymentResult, error) {
	return g.execute(ctx, "release", reference, amount)
}

func (g *MockGateway) execute(ctx context.Context, op, reference string, amount int64) (*PaymentResult, error) {
	g.mu.Lock()
	if txID, ok := g.executed[reference]; ok {
		g.mu.Unlock()
		g.logger.Info("Payment already executed, returning original transaction",
			zap.String("op", op),
			zap.String("reference", reference),
			zap.String("tx_id", txID))
		return &PaymentResult{ExternalTxID: txID}, nil
	}
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(50+rand.Intn(200)) * time.Millisecond):
	}

	if rand.Float64() >= g.successRate {
		g.logger.Warn("Payment declined",
			zap.String("op", op),
			zap.String("reference", reference),
			zap.Int64("amount", amount))
		return nil, fmt.Errorf("%s %s: %w", op, reference, ErrPaymentDeclined)
	}

	txID := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])

	g.mu.Lock()
	// Another goroutine may have finished first; keep its transaction.
	if existing, ok := g.executed[reference]; ok {
		txID = existing
	} else {
		g.executed[reference] = txID
	}
	g.mu.Unlock()

	g.logger.Info("Payment executed",
		zap.String("op", op),
		zap.String("reference", reference),
		zap.Int64("amount", amount),
		zap.String("tx_id", txID))

	return &PaymentResult{ExternalTxID: txID}, nil
}
