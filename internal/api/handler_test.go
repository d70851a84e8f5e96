package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"escrow-service/internal/models"
	"escrow-service/internal/service"
	"escrow-service/internal/store"

	"github.com/gin-gonic/gin"
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

// stubGateway always approves, with sequential transaction IDs.
type stubGateway struct {
	mu sync.Mutex
	n  int
}

func (g *stubGateway) execute() (*service.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return &service.PaymentResult{ExternalTxID: fmt.Sprintf("TXN-%d", g.n)}, nil
}

func (g *stubGateway) ExecuteRefund(ctx context.Context, reference string, amount int64) (*service.PaymentResult, error) {
	return g.execute()
}

func (g *stubGateway) ExecuteRelease(ctx context.Context, reference string, amount int64) (*service.PaymentResult, error) {
	return g.execute()
}

// memoryCache records cache traffic so tests can assert that mutating
// endpoints drop the wallet snapshot.
type memoryCache struct {
	mu          sync.Mutex
	wallets     map[int64]*models.Wallet
	invalidated []int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{wallets: make(map[int64]*models.Wallet)}
}

func (c *memoryCache) CacheWallet(ctx context.Context, wallet *models.Wallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *wallet
	c.wallets[wallet.ID] = &cp
	return nil
}

func (c *memoryCache) GetCachedWallet(ctx context.Context, walletID int64) (*models.Wallet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wallets[walletID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (c *memoryCache) InvalidateWallet(ctx context.Context, walletID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wallets, walletID)
	c.invalidated = append(c.invalidated, walletID)
	return nil
}

func (c *memoryCache) invalidations() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.invalidated...)
}

func newTestRouter(cache WalletCache) *gin.Engine {
	gin.SetMode(gin.TestMode)

	repo := store.NewMemory()
	pub := nopPublisher{}
	gateway := &stubGateway{}
	wallets := service.NewWalletService(repo, pub)
	cancellations := service.NewCancellationService(repo, wallets, gateway, pub)
	fulfillments := service.NewFulfillmentService(repo, wallets, gateway, pub)
	disputes := service.NewDisputeService(repo, wallets, gateway, pub)

	router := gin.New()
	NewHandler(wallets, cancellations, fulfillments, disputes, cache).SetupRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRoutesServeHealthAndMetrics(t *testing.T) {
	router := newTestRouter(nil)

	resp := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "http_requests_total")
	assert.Contains(t, resp.Body.String(), "http_request_duration_seconds")
}

func TestOpenWalletAndDomainStatusMapping(t *testing.T) {
	router := newTestRouter(nil)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/wallets", gin.H{
		"order_id": 1, "deposit_amount": 500000, "full_amount": 1000000,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var wallet models.Wallet
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &wallet))
	assert.Equal(t, models.WalletStatusDepositHeld, wallet.Status)

	// Duplicate order conflicts, unknown wallet is not found.
	resp = doJSON(t, router, http.MethodPost, "/api/v1/wallets", gin.H{
		"order_id": 1, "deposit_amount": 500000, "full_amount": 1000000,
	})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/wallets/99", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetWalletFillsCache(t *testing.T) {
	cache := newMemoryCache()
	router := newTestRouter(cache)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/wallets", gin.H{
		"order_id": 1, "deposit_amount": 500000, "full_amount": 1000000,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/wallets/1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	cached, err := cache.GetCachedWallet(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(500000), cached.AmountHeld)
}

func TestMoneyMovingEndpointsInvalidateCache(t *testing.T) {
	cache := newMemoryCache()
	router := newTestRouter(cache)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/wallets", gin.H{
		"order_id": 1, "deposit_amount": 500000, "full_amount": 1000000,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = doJSON(t, router, http.MethodPost, "/api/v1/wallets/1/hold", gin.H{
		"amount": 500000, "reference": "payment-2",
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []int64{1}, cache.invalidations())

	resp = doJSON(t, router, http.MethodPost, "/api/v1/fulfillments", gin.H{
		"order_id": 1, "ordered_quantity": 100, "quantity": 40, "shipment_value": 400000,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	// A full delivery releases escrow, so the snapshot must go.
	resp = doJSON(t, router, http.MethodPost, "/api/v1/fulfillments/1/delivery", gin.H{
		"items_delivered": 40, "delivery_proof": "pod-1", "customer_confirmation": true,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []int64{1, 1}, cache.invalidations())

	resp = doJSON(t, router, http.MethodPost, "/api/v1/fulfillments", gin.H{
		"order_id": 1, "ordered_quantity": 100, "quantity": 60, "shipment_value": 600000,
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	resp = doJSON(t, router, http.MethodPost, "/api/v1/fulfillments/2/delivery", gin.H{
		"items_delivered": 30, "delivery_proof": "pod-2", "customer_confirmation": true,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	// Resolving the remainder releases and refunds; same rule.
	resp = doJSON(t, router, http.MethodPost, "/api/v1/fulfillments/2/remainder", gin.H{
		"action": string(models.RemainingActionRefundRemaining),
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []int64{1, 1, 1, 1}, cache.invalidations())
}
