package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/apperr"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

// writeError maps a domain error to its HTTP response. Unclassified errors
// are logged and answered with a generic 500.
func writeError(c *gin.Context, err error) {
	var (
		validation *apperr.ValidationError
		notFound   *apperr.NotFoundError
		inventory  *apperr.InsufficientInventoryError
		transition *apperr.InvalidStatusTransitionError
		conflict   *apperr.ConflictError
		external   *apperr.ExternalServiceError
	)
	switch {
	case errors.As(err, &validation):
		writeValidation(c, validation.Fields)
	case errors.As(err, &notFound):
		abort(c, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &inventory):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":     "insufficient_inventory",
			"message":   inventory.Error(),
			"productId": inventory.ProductID,
			"variantId": inventory.VariantID,
		})
	case errors.As(err, &transition):
		abort(c, http.StatusConflict, "invalid_status_transition", transition.Error())
	case errors.As(err, &conflict):
		abort(c, http.StatusConflict, "conflict", conflict.Error())
	case errors.Is(err, apperr.ErrNotAuthorized):
		abort(c, http.StatusForbidden, "forbidden", "not authorized")
	case errors.Is(err, apperr.ErrNoShippingAvailable):
		abort(c, http.StatusUnprocessableEntity, "no_shipping_available", err.Error())
	case errors.As(err, &external) && external.Retryable:
		zctx.From(c.Request.Context()).Warn("Dependency unavailable",
			zap.String("service", external.Service), zap.Error(err))
		c.Header("Retry-After", retryAfterSeconds)
		abort(c, http.StatusServiceUnavailable, "service_unavailable", "temporarily unavailable, retry later")
	default:
		zctx.From(c.Request.Context()).Error("Request failed", zap.Error(err))
		abort(c, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}
