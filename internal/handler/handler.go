// Package handler exposes the pricing and order services over HTTP with gin.
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/idempotency"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Pricing is the pricing pipeline. Implemented by *pricing.Service.
type Pricing interface {
	PreviewLines(ctx context.Context, items []pricing.LineRequest, currency string) ([]pricing.Line, error)
	Shipping(ctx context.Context, lines []pricing.Line, dest shipping.Address, currency string) ([]shipping.Quote, error)
	Discounts(ctx context.Context, lines []pricing.Line, codes []string, customer discount.Customer) (*discount.Result, error)
	Tax(ctx context.Context, lines []pricing.Line, dest shipping.Address, factor decimal.Decimal) (decimal.Decimal, error)
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error)
}

// Converter converts prices. Implemented by *currency.Converter.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal
}

// Orders is the order orchestrator. Implemented by *order.Service.
type Orders interface {
	CreateOrder(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	GetOrder(ctx context.Context, id string, actor auth.Principal) (*order.Order, error)
	ListOrders(ctx context.Context, actor auth.Principal, filter order.ListFilter) ([]order.Order, error)
	CancelOrder(ctx context.Context, id string, actor auth.Principal) (*order.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, to order.Status, actor auth.Principal) (*order.Order, error)
}

// Authenticator resolves API keys. Implemented by *auth.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (auth.Principal, error)
}

// Idempotency stores Idempotency-Key outcomes. Implemented by
// *idempotency.Store.
type Idempotency interface {
	Claim(ctx context.Context, key, fingerprint string) (*idempotency.Record, error)
	Complete(ctx context.Context, key, resourceID string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

// Handler serves the /api routes.
type Handler struct {
	pricing   Pricing
	converter Converter
	orders    Orders
	authn     Authenticator
	idem      Idempotency
	validate  *validatorv10.Validate
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key handling on order creation.
func WithIdempotency(store Idempotency) Option {
	return func(h *Handler) { h.idem = store }
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(p Pricing, c Converter, o Orders, authn Authenticator, opts ...Option) *Handler {
	h := &Handler{
		pricing:   p,
		converter: c,
		orders:    o,
		authn:     authn,
		validate:  newValidator(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API under /api on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api", routeLabel, h.authenticate)

	prices := api.Group("/pricing", require(auth.PermPricingRead))
	prices.GET("/convert", h.ConvertPrice)
	prices.POST("/shipping", h.CalculateShipping)
	prices.POST("/tax", h.CalculateTax)
	prices.POST("/discounts", h.CalculateDiscounts)
	prices.POST("/quote", h.Quote)

	api.POST("/orders", require(auth.PermOrdersCreate), h.CreateOrder)
	api.GET("/orders", h.ListOrders)
	api.GET("/orders/:id", h.GetOrder)
	api.POST("/orders/:id/cancel", h.CancelOrder)
	api.PATCH("/orders/:id/status", h.UpdateOrderStatus)
}

// Router returns a gin engine serving the API, with unmatched routes
// answered by a JSON 404.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	h.Register(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method_not_allowed", "message": "method not allowed"})
	})
	return r
}

func routeLabel(c *gin.Context) {
	httpmiddleware.SetRoute(c.Request.Context(), c.FullPath())
	c.Next()
}
