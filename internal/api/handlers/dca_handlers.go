package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
)

// OrderService is the order lifecycle surface used by the API
type OrderService interface {
	CreateAutomationIdentity(ctx context.Context, owner string) (*entities.AutomationKey, error)
	Create(ctx context.Context, owner string, req *entities.CreateOrderRequest) (*entities.RecurringOrder, error)
	Get(ctx context.Context, id uuid.UUID, caller string) (*entities.RecurringOrder, error)
	List(ctx context.Context, owner string) ([]*entities.RecurringOrder, error)
	Executions(ctx context.Context, id uuid.UUID, caller string, limit int) ([]*entities.ExecutionRecord, error)
	Stats(ctx context.Context, owner string) (*entities.OrderStats, error)
	Pause(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error)
	Resume(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error)
	Cancel(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error)
	ExecuteNow(ctx context.Context, id uuid.UUID, caller string) (*entities.ExecuteResult, error)
}

// DCAHandlers serves recurring order endpoints
type DCAHandlers struct {
	service OrderService
	logger  *zap.Logger
}

func NewDCAHandlers(service OrderService, logger *zap.Logger) *DCAHandlers {
	return &DCAHandlers{service: service, logger: logger}
}

// CreateAutomationIdentity mints a funding identity the owner can pre-fund
// POST /api/v1/automation-identities
func (h *DCAHandlers) CreateAutomationIdentity(c *gin.Context) {
	owner, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}

	key, err := h.service.CreateAutomationIdentity(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, "Failed to create automation identity", err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

// CreateOrder creates a recurring order
// POST /api/v1/orders
func (h *DCAHandlers) CreateOrder(c *gin.Context) {
	owner, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}

	var req entities.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest+": "+err.Error())
		return
	}

	order, err := h.service.Create(c.Request.Context(), owner, &req)
	if err != nil {
		h.fail(c, "Failed to create order", err)
		return
	}

	h.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("owner", owner),
		zap.String("request_id", getRequestID(c)))
	c.JSON(http.StatusCreated, order)
}

// ListOrders returns the caller's orders
// GET /api/v1/orders
func (h *DCAHandlers) ListOrders(c *gin.Context) {
	owner, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}

	orders, err := h.service.List(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, "Failed to list orders", err)
		return
	}
	if orders == nil {
		orders = []*entities.RecurringOrder{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetStats aggregates the caller's orders
// GET /api/v1/orders/stats
func (h *DCAHandlers) GetStats(c *gin.Context) {
	owner, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, "Failed to load order stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetOrder returns one order
// GET /api/v1/orders/:id
func (h *DCAHandlers) GetOrder(c *gin.Context) {
	caller, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	order, err := h.service.Get(c.Request.Context(), id, caller)
	if err != nil {
		h.fail(c, "Failed to get order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListExecutions returns the order's execution history, newest first
// GET /api/v1/orders/:id/executions?limit=50
func (h *DCAHandlers) ListExecutions(c *gin.Context) {
	caller, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	records, err := h.service.Executions(c.Request.Context(), id, caller, queryInt(c, "limit", 0))
	if err != nil {
		h.fail(c, "Failed to list executions", err)
		return
	}
	if records == nil {
		records = []*entities.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": records, "count": len(records)})
}

// PauseOrder POST /api/v1/orders/:id/pause
func (h *DCAHandlers) PauseOrder(c *gin.Context) {
	h.ownerAction(c, "pause", h.service.Pause)
}

// ResumeOrder POST /api/v1/orders/:id/resume
func (h *DCAHandlers) ResumeOrder(c *gin.Context) {
	h.ownerAction(c, "resume", h.service.Resume)
}

// CancelOrder POST /api/v1/orders/:id/cancel
func (h *DCAHandlers) CancelOrder(c *gin.Context) {
	h.ownerAction(c, "cancel", h.service.Cancel)
}

type ownerActionFunc func(ctx context.Context, id uuid.UUID, owner string) (*entities.RecurringOrder, error)

func (h *DCAHandlers) ownerAction(c *gin.Context, action string, fn ownerActionFunc) {
	owner, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	order, err := fn(c.Request.Context(), id, owner)
	if err != nil {
		h.fail(c, "Failed to "+action+" order", err)
		return
	}

	h.logger.Info("Order updated",
		zap.String("order_id", id.String()),
		zap.String("action", action),
		zap.String("status", string(order.Status)))
	c.JSON(http.StatusOK, order)
}

// ExecuteOrder runs the next cycle now.
// 200 returns the execution record, 202 a clear-signing payload the owner must
// authorize, 204 means there was nothing to do.
// POST /api/v1/orders/:id/execute
func (h *DCAHandlers) ExecuteOrder(c *gin.Context) {
	caller, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	result, err := h.service.ExecuteNow(c.Request.Context(), id, caller)
	if err != nil {
		h.fail(c, "Manual execution failed", err)
		return
	}

	switch {
	case result.Pending != nil:
		c.JSON(http.StatusAccepted, gin.H{"pending_authorization": result.Pending})
	case result.Record != nil:
		c.JSON(http.StatusOK, result.Record)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *DCAHandlers) fail(c *gin.Context, msg string, err error) {
	if StatusForError(err) >= http.StatusInternalServerError {
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("path", c.FullPath()),
			zap.String("request_id", getRequestID(c)))
	} else {
		h.logger.Debug(msg, zap.Error(err), zap.String("request_id", getRequestID(c)))
	}
	respondDomainError(c, err)
}
