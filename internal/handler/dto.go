package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/domain/shipping"
)

type lineItemRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VariantID string `json:"variantId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1"`
}

type addressRequest struct {
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	Country   string `json:"country" validate:"required"`
	ZipCode   string `json:"zipCode"`
	Company   string `json:"company"`
	VATNumber string `json:"vatNumber"`
}

func (a addressRequest) toDomain() shipping.Address {
	return shipping.Address{
		Street:     a.Street,
		City:       a.City,
		State:      a.State,
		Country:    a.Country,
		PostalCode: a.ZipCode,
		Company:    a.Company,
		VATNumber:  a.VATNumber,
	}
}

type cartRequest struct {
	Items    []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Address  addressRequest    `json:"address" validate:"required"`
	Currency string            `json:"currency" validate:"omitempty,len=3"`
}

type discountsRequest struct {
	Items    []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Codes    []string          `json:"codes" validate:"max=10,dive,required"`
	Currency string            `json:"currency" validate:"omitempty,len=3"`
}

type quoteRequest struct {
	Items         []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Address       addressRequest    `json:"address" validate:"required"`
	Currency      string            `json:"currency" validate:"omitempty,len=3"`
	DiscountCodes []string          `json:"discountCodes" validate:"max=10,dive,required"`
}

type createOrderRequest struct {
	Items           []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress addressRequest    `json:"shippingAddress" validate:"required"`
	BillingAddress  *addressRequest   `json:"billingAddress"`
	PaymentMethod   string            `json:"paymentMethod" validate:"required,oneof=CREDIT_CARD BANK_TRANSFER CASH_ON_DELIVERY"`
	Currency        string            `json:"currency" validate:"omitempty,len=3"`
	DiscountCodes   []string          `json:"discountCodes" validate:"max=10,dive,required"`
	Notes           string            `json:"notes" validate:"max=1000"`
}

func (r *createOrderRequest) toDomain(customer auth.Principal) order.CreateRequest {
	req := order.CreateRequest{
		Customer:        customer,
		Items:           lineRequests(r.Items),
		ShippingAddress: r.ShippingAddress.toDomain(),
		PaymentMethod:   order.PaymentMethod(r.PaymentMethod),
		Currency:        r.Currency,
		DiscountCodes:   r.DiscountCodes,
		Notes:           r.Notes,
	}
	if r.BillingAddress != nil {
		billing := r.BillingAddress.toDomain()
		req.BillingAddress = &billing
	}
	return req
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func lineRequests(items []lineItemRequest) []pricing.LineRequest {
	out := make([]pricing.LineRequest, 0, len(items))
	for _, it := range items {
		out = append(out, pricing.LineRequest{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Quantity:  it.Quantity,
		})
	}
	return out
}

// Money is rendered as a string with two decimals.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

type shippingOption struct {
	MethodID string `json:"methodId"`
	Name     string `json:"name"`
	Carrier  string `json:"carrier"`
	Cost     string `json:"cost"`
}

func shippingOptions(quotes []shipping.Quote) []shippingOption {
	out := make([]shippingOption, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, shippingOption{MethodID: q.MethodID, Name: q.Name, Carrier: q.Carrier, Cost: money(q.Cost)})
	}
	return out
}

type appliedDiscount struct {
	ID     string `json:"id"`
	Code   string `json:"code,omitempty"`
	Amount string `json:"amount"`
}

func appliedDiscounts(applied []discount.Applied) []appliedDiscount {
	out := make([]appliedDiscount, 0, len(applied))
	for _, a := range applied {
		out = append(out, appliedDiscount{ID: a.ID, Code: a.Code, Amount: money(a.Amount)})
	}
	return out
}

type quoteLine struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

type quoteResponse struct {
	Currency        string            `json:"currency"`
	Lines           []quoteLine       `json:"lines"`
	Subtotal        string            `json:"subtotal"`
	Discounts       []appliedDiscount `json:"discounts"`
	DiscountTotal   string            `json:"discountTotal"`
	Shipping        shippingOption    `json:"shipping"`
	ShippingOptions []shippingOption  `json:"shippingOptions"`
	Tax             string            `json:"tax"`
	Total           string            `json:"total"`
}

func newQuoteResponse(q *pricing.Quote) quoteResponse {
	lines := make([]quoteLine, 0, len(q.Lines))
	for _, l := range q.Lines {
		lines = append(lines, quoteLine{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			SKU:       l.SKU,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: money(l.UnitPrice),
			LineTotal: money(l.LineTotal),
		})
	}
	return quoteResponse{
		Currency:        q.Currency,
		Lines:           lines,
		Subtotal:        money(q.Subtotal),
		Discounts:       appliedDiscounts(q.Discounts),
		DiscountTotal:   money(q.DiscountTotal),
		Shipping:        shippingOptions([]shipping.Quote{q.Shipping})[0],
		ShippingOptions: shippingOptions(q.ShippingOptions),
		Tax:             money(q.Tax),
		Total:           money(q.Total),
	}
}

type orderItem struct {
	ProductID  string `json:"productId"`
	VariantID  string `json:"variantId"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unitPrice"`
	FinalPrice string `json:"finalPrice"`
}

type orderResponse struct {
	ID              string            `json:"id"`
	CustomerID      string            `json:"customerId"`
	Items           []orderItem       `json:"items"`
	ShippingAddress shipping.Address  `json:"shippingAddress"`
	BillingAddress  shipping.Address  `json:"billingAddress"`
	PaymentMethod   string            `json:"paymentMethod"`
	Currency        string            `json:"currency"`
	Subtotal        string            `json:"subtotal"`
	Shipping        shippingOption    `json:"shipping"`
	Tax             string            `json:"tax"`
	Discounts       []appliedDiscount `json:"discounts"`
	DiscountTotal   string            `json:"discountTotal"`
	Total           string            `json:"total"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"paymentStatus"`
	Notes           string            `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func newOrderResponse(o *order.Order) orderResponse {
	items := make([]orderItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItem{
			ProductID:  it.ProductID,
			VariantID:  it.VariantID,
			SKU:        it.SKU,
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  money(it.UnitPrice),
			FinalPrice: money(it.FinalPrice),
		})
	}
	return orderResponse{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		Items:           items,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		PaymentMethod:   string(o.PaymentMethod),
		Currency:        o.Currency,
		Subtotal:        money(o.Subtotal),
		Shipping: shippingOption{
			MethodID: o.Shipping.MethodID,
			Name:     o.Shipping.Name,
			Carrier:  o.Shipping.Carrier,
			Cost:     money(o.Shipping.Cost),
		},
		Tax:           money(o.Tax),
		Discounts:     appliedDiscounts(o.Discounts),
		DiscountTotal: money(o.DiscountTotal),
		Total:         money(o.Total),
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Notes:         o.Notes,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}
