package order

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/shipping"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Cancellable reports whether a customer may cancel an order in status s.
func Cancellable(s Status) bool {
	return s == StatusPending || s == StatusConfirmed
}

// PaymentStatus tracks the money side of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentCreditCard     PaymentMethod = "CREDIT_CARD"
	PaymentBankTransfer   PaymentMethod = "BANK_TRANSFER"
	PaymentCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCreditCard, PaymentBankTransfer, PaymentCashOnDelivery:
		return true
	}
	return false
}

// ErrStatusChanged is returned by a Repository when the stored status no
// longer matches the expected one.
var ErrStatusChanged = errors.New("order status changed concurrently")

// Order is a placed order. Total == Subtotal - DiscountTotal + Shipping.Cost + Tax
// as computed at creation.
type Order struct {
	ID              string
	CustomerID      string
	Items           []Item
	ShippingAddress shipping.Address
	BillingAddress  shipping.Address
	PaymentMethod   PaymentMethod
	Currency        string
	Subtotal        decimal.Decimal
	Shipping        Shipping
	Tax             decimal.Decimal
	Discounts       []discount.Applied
	DiscountTotal   decimal.Decimal
	Total           decimal.Decimal
	Status          Status
	PaymentStatus   PaymentStatus
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item is an order line. UnitPrice is the base-currency variant price,
// FinalPrice the converted price charged per unit.
type Item struct {
	ProductID  string          `json:"productId"`
	VariantID  string          `json:"variantId"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	FinalPrice decimal.Decimal `json:"finalPrice"`
}

// Shipping is the shipping method chosen for an order.
type Shipping struct {
	MethodID string          `json:"methodId"`
	Name     string          `json:"name"`
	Carrier  string          `json:"carrier"`
	Cost     decimal.Decimal `json:"cost"`
}

// ListFilter narrows ListOrders. An empty CustomerID lists every customer.
type ListFilter struct {
	CustomerID string
	Status     Status
	Limit      int
	Offset     int
}

// Repository persists orders. Create and Cancel are atomic units: Create
// inserts the order, decrements inventory for every item with a conditional
// update that fails with *apperr.InsufficientInventoryError, and consumes
// discount usage; Cancel restores inventory and flips the status. Both,
// and UpdateStatus, compare-and-set against the expected prior status and
// record an event for asynchronous delivery in the same transaction.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
	Cancel(ctx context.Context, o *Order, from Status) error
	UpdateStatus(ctx context.Context, o *Order, from Status) error
}
