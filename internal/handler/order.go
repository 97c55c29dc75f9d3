package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/idempotency"
)

const (
	// IdempotencyKeyHeader makes order creation safe to retry.
	IdempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// CreateOrder handles POST /api/orders. With an Idempotency-Key header the
// first successful response is stored and replayed for retries of the same
// request.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	raw, ok := h.bindJSON(c, &req)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	p := principal(c)

	key := c.GetHeader(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLen {
		writeValidation(c, map[string]string{IdempotencyKeyHeader: "must be at most 255 characters"})
		return
	}
	claimed := false
	if key != "" && h.idem != nil {
		rec, err := h.idem.Claim(ctx, key, idempotency.Fingerprint(p.UserID, raw))
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			writeError(c, &apperr.ConflictError{Reason: "a request with this idempotency key is in progress"})
			return
		case errors.Is(err, idempotency.ErrMismatch):
			writeError(c, &apperr.ConflictError{Reason: "idempotency key was used for a different request"})
			return
		case err != nil:
			writeError(c, &apperr.ExternalServiceError{Service: "idempotency", Retryable: true, Err: err})
			return
		case rec != nil:
			c.Header(replayedHeader, "true")
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return
		}
		claimed = true
	}

	o, err := h.orders.CreateOrder(ctx, req.toDomain(p))
	if err != nil {
		if claimed {
			if rerr := h.idem.Release(ctx, key); rerr != nil {
				zctx.From(ctx).Warn("Release idempotency key", zap.String("key", key), zap.Error(rerr))
			}
		}
		writeError(c, err)
		return
	}

	body, err := json.Marshal(newOrderResponse(o))
	if err != nil {
		writeError(c, errors.Wrap(err, "encode order"))
		return
	}
	if claimed {
		if err := h.idem.Complete(ctx, key, o.ID, http.StatusCreated, body); err != nil {
			zctx.From(ctx).Warn("Complete idempotency key", zap.String("key", key), zap.Error(err))
		}
	}
	c.Header("Location", "/api/orders/"+o.ID)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// ListOrders handles GET /api/orders?status=&limit=&offset=.
func (h *Handler) ListOrders(c *gin.Context) {
	var v apperr.ValidationError
	filter := order.ListFilter{
		Status: order.Status(c.Query("status")),
		Limit:  queryInt(c, "limit", &v),
		Offset: queryInt(c, "offset", &v),
	}
	if err := v.OrNil(); err != nil {
		writeError(c, err)
		return
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), principal(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, newOrderResponse(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

// GetOrder handles GET /api/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(o))
}

// CancelOrder handles POST /api/orders/:id/cancel.
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(o))
}

// UpdateOrderStatus handles PATCH /api/orders/:id/status.
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if _, ok := h.bindJSON(c, &req); !ok {
		return
	}
	o, err := h.orders.UpdateOrderStatus(c.Request.Context(), c.Param("id"), order.Status(req.Status), principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(o))
}

func queryInt(c *gin.Context, name string, v *apperr.ValidationError) int {
	s := c.Query(name)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		v.Add(name, "must be a non-negative integer")
		return 0
	}
	return n
}
