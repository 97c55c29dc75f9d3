// Package order places, cancels and advances orders.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/domain/shipping"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Quoter prices a cart.
type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error)
}

// Authorizer decides permissions.
type Authorizer interface {
	HasPermission(p auth.Principal, perm auth.Permission) bool
}

// CreateRequest is the input of CreateOrder.
type CreateRequest struct {
	Customer        auth.Principal
	Items           []pricing.LineRequest
	ShippingAddress shipping.Address
	BillingAddress  *shipping.Address
	PaymentMethod   PaymentMethod
	Currency        string
	DiscountCodes   []string
	Notes           string
}

// Service is the order orchestrator.
type Service struct {
	quoter Quoter
	orders Repository
	authz  Authorizer

	created   metric.Int64Counter
	cancelled metric.Int64Counter
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMeter registers order counters on meter.
func WithMeter(meter metric.Meter) Option {
	return func(s *Service) {
		if c, err := meter.Int64Counter("storefront.orders.created",
			metric.WithDescription("Orders placed"),
		); err == nil {
			s.created = c
		}
		if c, err := meter.Int64Counter("storefront.orders.cancelled",
			metric.WithDescription("Orders cancelled"),
		); err == nil {
			s.cancelled = c
		}
	}
}

// WithTracer sets the tracer used for order spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates an order Service.
func NewService(quoter Quoter, orders Repository, authz Authorizer, opts ...Option) *Service {
	meter := metricnoop.NewMeterProvider().Meter("")
	created, _ := meter.Int64Counter("")
	cancelled, _ := meter.Int64Counter("")

	s := &Service{
		quoter:    quoter,
		orders:    orders,
		authz:     authz,
		created:   created,
		cancelled: cancelled,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder prices the cart and persists a PENDING order, reserving
// inventory atomically with the insert.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Create")
	defer span.End()

	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	q, err := s.quoter.Quote(ctx, pricing.QuoteRequest{
		Items:         req.Items,
		Address:       req.ShippingAddress,
		Currency:      req.Currency,
		DiscountCodes: req.DiscountCodes,
		Customer: discount.Customer{
			ID:    req.Customer.UserID,
			Group: req.Customer.CustomerGroup,
		},
	})
	if err != nil {
		return nil, err
	}

	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}

	now := s.now().UTC()
	o := &Order{
		ID:              uuid.NewString(),
		CustomerID:      req.Customer.UserID,
		Items:           itemsFromLines(q.Lines),
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		PaymentMethod:   req.PaymentMethod,
		Currency:        q.Currency,
		Subtotal:        q.Subtotal,
		Shipping: Shipping{
			MethodID: q.Shipping.MethodID,
			Name:     q.Shipping.Name,
			Carrier:  q.Shipping.Carrier,
			Cost:     q.Shipping.Cost,
		},
		Tax:           q.Tax,
		Discounts:     q.Discounts,
		DiscountTotal: q.DiscountTotal,
		Total:         q.Total,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	span.SetAttributes(attribute.String("order.id", o.ID))
	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("currency", o.Currency)))
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("customer_id", o.CustomerID),
		zap.String("total", o.Total.StringFixed(2)),
		zap.String("currency", o.Currency),
	)

	return o, nil
}

// GetOrder returns an order visible to actor.
func (s *Service) GetOrder(ctx context.Context, id string, actor auth.Principal) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != actor.UserID && !s.authz.HasPermission(actor, auth.PermOrdersReadAny) {
		return nil, apperr.ErrNotAuthorized
	}
	return o, nil
}

// ListOrders lists orders visible to actor. Callers without
// orders:read:any only see their own orders.
func (s *Service) ListOrders(ctx context.Context, actor auth.Principal, filter ListFilter) ([]Order, error) {
	if !s.authz.HasPermission(actor, auth.PermOrdersReadAny) {
		filter.CustomerID = actor.UserID
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.orders.List(ctx, filter)
}

// CancelOrder cancels a PENDING or CONFIRMED order on behalf of its customer
// or an actor allowed to cancel any order. Inventory is restored and the
// payment is marked refunded.
func (s *Service) CancelOrder(ctx context.Context, id string, actor auth.Principal) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != actor.UserID && !s.authz.HasPermission(actor, auth.PermOrdersCancelAny) {
		return nil, apperr.ErrNotAuthorized
	}
	if !Cancellable(o.Status) {
		return nil, &apperr.InvalidStatusTransitionError{From: string(o.Status), To: string(StatusCancelled)}
	}
	return s.cancel(ctx, o)
}

// UpdateOrderStatus moves an order along the state machine. Moving to
// CANCELLED restores inventory like CancelOrder.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, to Status, actor auth.Principal) (*Order, error) {
	if !s.authz.HasPermission(actor, auth.PermOrdersManage) {
		return nil, apperr.ErrNotAuthorized
	}
	if !to.Valid() {
		return nil, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}

	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if !CanTransition(from, to) {
		return nil, &apperr.InvalidStatusTransitionError{From: string(from), To: string(to)}
	}
	if to == StatusCancelled {
		return s.cancel(ctx, o)
	}

	o.Status = to
	if to == StatusDelivered && o.PaymentMethod == PaymentCashOnDelivery {
		o.PaymentStatus = PaymentPaid
	}
	o.UpdatedAt = s.now().UTC()

	if err := s.orders.UpdateStatus(ctx, o, from); err != nil {
		return nil, s.mapStatusErr(err, from, to)
	}

	zctx.From(ctx).Info("Order status updated",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.UserID),
	)
	return o, nil
}

func (s *Service) cancel(ctx context.Context, o *Order) (*Order, error) {
	from := o.Status
	o.Status = StatusCancelled
	o.PaymentStatus = PaymentRefunded
	o.UpdatedAt = s.now().UTC()

	if err := s.orders.Cancel(ctx, o, from); err != nil {
		return nil, s.mapStatusErr(err, from, StatusCancelled)
	}

	s.cancelled.Add(ctx, 1)
	zctx.From(ctx).Info("Order cancelled",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
	)
	return o, nil
}

func (s *Service) mapStatusErr(err error, from, to Status) error {
	if errors.Is(err, ErrStatusChanged) {
		return &apperr.ConflictError{Reason: fmt.Sprintf("order left status %s before it could move to %s", from, to)}
	}
	return errors.Wrapf(err, "update order status to %s", to)
}

func validateCreate(req *CreateRequest) error {
	var v apperr.ValidationError
	pricing.ValidateLines(req.Items, &v)
	req.Currency = pricing.ResolveCurrency(req.Currency, &v)
	validateAddress("shippingAddress", req.ShippingAddress, &v)
	if req.BillingAddress != nil {
		validateAddress("billingAddress", *req.BillingAddress, &v)
	}
	if !req.PaymentMethod.Valid() {
		v.Add("paymentMethod", "must be one of CREDIT_CARD, BANK_TRANSFER, CASH_ON_DELIVERY")
	}
	if req.Customer.UserID == "" {
		v.Add("customer", "is required")
	}
	return v.OrNil()
}

func validateAddress(prefix string, a shipping.Address, v *apperr.ValidationError) {
	required := []struct {
		field string
		value string
	}{
		{"street", a.Street},
		{"city", a.City},
		{"state", a.State},
		{"country", a.Country},
		{"zipCode", a.PostalCode},
	}
	for _, r := range required {
		if r.value == "" {
			v.Add(prefix+"."+r.field, "is required")
		}
	}
}

func itemsFromLines(lines []pricing.Line) []Item {
	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		items = append(items, Item{
			ProductID:  l.ProductID,
			VariantID:  l.VariantID,
			SKU:        l.SKU,
			Name:       l.Name,
			Quantity:   l.Quantity,
			UnitPrice:  l.BasePrice,
			FinalPrice: l.UnitPrice,
		})
	}
	return items
}
