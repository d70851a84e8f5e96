package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WalletCache is the slice of the redis client the handlers use for
// wallet reads. Every endpoint that moves money must invalidate through
// it, or readers see a stale balance until the TTL expires.
type WalletCache interface {
	CacheWallet(ctx context.Context, wallet *models.Wallet) error
	GetCachedWallet(ctx context.Context, walletID int64) (*models.Wallet, error)
	InvalidateWallet(ctx context.Context, walletID int64) error
}

// Handler contains HTTP handlers
type Handler struct {
	wallets       *service.WalletService
	cancellations *service.CancellationService
	fulfillments  *service.FulfillmentService
	disputes      *service.DisputeService
	cache         WalletCache
}

// NewHandler creates a new HTTP handler. The cache may be nil; read
// endpoints then always hit the database.
func NewHandler(
	wallets *service.WalletService,
	cancellations *service.CancellationService,
	fulfillments *service.FulfillmentService,
	disputes *service.DisputeService,
	cache WalletCache,
) *Handler {
	return &Handler{
		wallets:       wallets,
		cancellations: cancellations,
		fulfillments:  fulfillments,
		disputes:      disputes,
		cache:         cache,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/wallets", h.openWallet)
		v1.GET("/wallets", h.listWallets)
		v1.GET("/wallets/:id", h.getWallet)
		v1.GET("/wallets/:id/journal", h.getJournal)
		v1.GET("/wallets/:id/verify", h.verifyWallet)
		v1.POST("/wallets/:id/hold", h.holdFunds)
		v1.POST("/wallets/:id/expire", h.expireWallet)
		v1.POST("/wallets/:id/dispute", h.openDispute)
		v1.POST("/wallets/:id/resolve", h.resolveDispute)

		v1.GET("/orders/:order_id/wallet", h.getWalletByOrder)
		v1.GET("/orders/:order_id/fulfillments", h.listFulfillments)

		v1.POST("/cancellations", h.requestCancellation)
		v1.GET("/cancellations", h.listCancellations)
		v1.GET("/cancellations/:id", h.getCancellation)
		v1.POST("/cancellations/:id/process", h.processRefund)
		v1.POST("/cancellations/:id/override", h.overrideRefund)

		v1.POST("/fulfillments", h.createFulfillment)
		v1.GET("/fulfillments/:id", h.getFulfillment)
		v1.POST("/fulfillments/:id/advance", h.advanceFulfillment)
		v1.POST("/fulfillments/:id/delivery", h.recordDelivery)
		v1.POST("/fulfillments/:id/remainder", h.resolveRemainder)
	}
}

// statusForError maps domain errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrWalletNotFound),
		errors.Is(err, models.ErrCancellationNotFound),
		errors.Is(err, models.ErrFulfillmentNotFound):
		return http.StatusNotFound

	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidOverride):
		return http.StatusBadRequest

	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInsufficientHeldFunds),
		errors.Is(err, models.ErrOverAllocation),
		errors.Is(err, models.ErrWalletClosed),
		errors.Is(err, models.ErrWalletExists),
		errors.Is(err, models.ErrCancellationActive),
		errors.Is(err, models.ErrRefundNotDue):
		return http.StatusConflict

	case errors.Is(err, service.ErrPaymentDeclined):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type openWalletRequest struct {
	OrderID       int64 `json:"order_id" binding:"required"`
	DepositAmount int64 `json:"deposit_amount"`
	FullAmount    int64 `json:"full_amount" binding:"required"`
}

func (h *Handler) openWallet(c *gin.Context) {
	var req openWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	wallet, err := h.wallets.Open(c.Request.Context(), req.OrderID, req.DepositAmount, req.FullAmount, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wallet)
}

func (h *Handler) getWallet(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	if h.cache != nil {
		if cached, err := h.cache.GetCachedWallet(c.Request.Context(), id); err == nil && cached != nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	wallet, err := h.wallets.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.CacheWallet(c.Request.Context(), wallet); err != nil {
			util.GetLogger().Warn("Failed to cache wallet", zap.Int64("wallet_id", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) getWalletByOrder(c *gin.Context) {
	orderID, err := parseID(c, "order_id")
	if err != nil {
		return
	}

	wallet, err := h.wallets.GetByOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) listWallets(c *gin.Context) {
	status := models.WalletStatus(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status query parameter required"})
		return
	}

	wallets, err := h.wallets.ListByStatus(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

func (h *Handler) getJournal(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	entries, err := h.wallets.Journal(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_id": id, "entries": entries})
}

func (h *Handler) verifyWallet(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	if err := h.wallets.Verify(c.Request.Context(), id); err != nil {
		if errors.Is(err, models.ErrJournalMismatch) {
			c.JSON(http.StatusConflict, gin.H{"wallet_id": id, "consistent": false, "error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_id": id, "consistent": true})
}

type holdFundsRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

func (h *Handler) holdFunds(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req holdFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	wallet, err := h.wallets.Hold(c.Request.Context(), id, req.Amount, actor(c), req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c, id)
	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) expireWallet(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	wallet, err := h.wallets.Expire(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c, id)
	c.JSON(http.StatusOK, wallet)
}

type openDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) openDispute(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	wallet, err := h.disputes.OpenDispute(c.Request.Context(), id, req.Reason, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c, id)
	c.JSON(http.StatusOK, wallet)
}

type resolveDisputeRequest struct {
	ReleaseAmount int64 `json:"release_amount"`
	RefundAmount  int64 `json:"refund_amount"`
}

func (h *Handler) resolveDispute(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	wallet, err := h.disputes.ResolveDispute(c.Request.Context(), id, req.ReleaseAmount, req.RefundAmount, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c, id)
	c.JSON(http.StatusOK, wallet)
}

type requestCancellationRequest struct {
	OrderID          int64     `json:"order_id" binding:"required"`
	HarvestDate      time.Time `json:"harvest_date" binding:"required"`
	CancellationDate time.Time `json:"cancellation_date"`
}

func (h *Handler) requestCancellation(c *gin.Context) {
	var req requestCancellationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if req.CancellationDate.IsZero() {
		req.CancellationDate = time.Now()
	}

	rec, err := h.cancellations.RequestCancellation(c.Request.Context(),
		req.OrderID, req.HarvestDate, req.CancellationDate, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) getCancellation(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	rec, err := h.cancellations.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listCancellations(c *gin.Context) {
	status := models.RefundStatus(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status query parameter required"})
		return
	}

	recs, err := h.cancellations.ListByRefundStatus(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancellations": recs})
}

func (h *Handler) processRefund(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	rec, err := h.cancellations.ProcessRefund(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c, rec.WalletID)
	c.JSON(http.StatusOK, rec)
}

type overrideRefundRequest struct {
	RefundAmount *int64 `json:"refund_amount" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
}

func (h *Handler) overrideRefund(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req overrideRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	rec, err := h.disputes.Override(c.Request.Context(), id, *req.RefundAmount, req.Reason, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c, rec.WalletID)
	c.JSON(http.StatusOK, rec)
}

type createFulfillmentRequest struct {
	OrderID         int64 `json:"order_id" binding:"required"`
	OrderedQuantity int   `json:"ordered_quantity" binding:"required"`
	Quantity        int   `json:"quantity" binding:"required"`
	ShipmentValue   int64 `json:"shipment_value"`
}

func (h *Handler) createFulfillment(c *gin.Context) {
	var req createFulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	f, err := h.fulfillments.Create(c.Request.Context(),
		req.OrderID, req.OrderedQuantity, req.Quantity, req.ShipmentValue, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *Handler) getFulfillment(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	f, err := h.fulfillments.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) listFulfillments(c *gin.Context) {
	orderID, err := parseID(c, "order_id")
	if err != nil {
		return
	}

	fs, err := h.fulfillments.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "fulfillments": fs})
}

type advanceFulfillmentRequest struct {
	Status models.FulfillmentStatus `json:"status" binding:"required"`
}

func (h *Handler) advanceFulfillment(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req advanceFulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	f, err := h.fulfillments.Advance(c.Request.Context(), id, req.Status, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

type recordDeliveryRequest struct {
	ItemsDelivered       int    `json:"items_delivered" binding:"required"`
	DeliveryProof        string `json:"delivery_proof"`
	CustomerConfirmation bool   `json:"customer_confirmation"`
}

func (h *Handler) recordDelivery(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req recordDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	f, err := h.fulfillments.RecordDelivery(c.Request.Context(),
		id, req.ItemsDelivered, req.DeliveryProof, req.CustomerConfirmation, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidateByOrder(c, f.OrderID)
	c.JSON(http.StatusOK, f)
}

type resolveRemainderRequest struct {
	Action models.RemainingAction `json:"action" binding:"required"`
}

func (h *Handler) resolveRemainder(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		return
	}

	var req resolveRemainderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	f, err := h.fulfillments.ResolveRemainder(c.Request.Context(), id, req.Action, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidateByOrder(c, f.OrderID)
	c.JSON(http.StatusOK, f)
}

// parseID parses a path parameter; on failure it writes the 400 itself.
func parseID(c *gin.Context, param string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return 0, err
	}
	return id, nil
}

// invalidate drops the cached snapshot after a wallet mutation
func (h *Handler) invalidate(c *gin.Context, walletID int64) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateWallet(c.Request.Context(), walletID); err != nil {
		util.GetLogger().Warn("Failed to invalidate wallet cache",
			zap.Int64("wallet_id", walletID), zap.Error(err))
	}
}

// invalidateByOrder drops the cached wallet behind an order after a
// fulfillment moved escrow funds.
func (h *Handler) invalidateByOrder(c *gin.Context, orderID int64) {
	if h.cache == nil {
		return
	}
	wallet, err := h.wallets.GetByOrder(c.Request.Context(), orderID)
	if err != nil {
		util.GetLogger().Warn("Failed to resolve wallet for cache invalidation",
			zap.Int64("order_id", orderID), zap.Error(err))
		return
	}
	h.invalidate(c, wallet.ID)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
