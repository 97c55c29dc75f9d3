package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/discount"
	domainmoney "github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/pricing"
)

// ConvertPrice handles GET /api/pricing/convert?amount=&from=&to=.
func (h *Handler) ConvertPrice(c *gin.Context) {
	var v apperr.ValidationError
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || amount.IsNegative() {
		v.Add("amount", "must be a non-negative decimal number")
	}
	from := currencyParam(c, "from", &v)
	to := currencyParam(c, "to", &v)
	if err := v.OrNil(); err != nil {
		writeError(c, err)
		return
	}

	converted := h.converter.Convert(c.Request.Context(), amount, from, to)
	c.JSON(http.StatusOK, gin.H{
		"amount":    money(amount),
		"from":      from,
		"to":        to,
		"converted": money(converted),
	})
}

// CalculateShipping handles POST /api/pricing/shipping.
func (h *Handler) CalculateShipping(c *gin.Context) {
	var req cartRequest
	if _, ok := h.bindJSON(c, &req); !ok {
		return
	}
	currency, ok := previewCurrency(c, req.Currency)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	lines, err := h.pricing.PreviewLines(ctx, lineRequests(req.Items), currency)
	if err != nil {
		writeError(c, err)
		return
	}
	quotes, err := h.pricing.Shipping(ctx, lines, req.Address.toDomain(), currency)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency": currency,
		"options":  shippingOptions(quotes),
	})
}

// CalculateTax handles POST /api/pricing/tax.
func (h *Handler) CalculateTax(c *gin.Context) {
	var req cartRequest
	if _, ok := h.bindJSON(c, &req); !ok {
		return
	}
	currency, ok := previewCurrency(c, req.Currency)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	lines, err := h.pricing.PreviewLines(ctx, lineRequests(req.Items), currency)
	if err != nil {
		writeError(c, err)
		return
	}
	tax, err := h.pricing.Tax(ctx, lines, req.Address.toDomain(), decimal.NewFromInt(1))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency": currency,
		"subtotal": money(pricing.Subtotal(lines)),
		"tax":      money(tax),
	})
}

// CalculateDiscounts handles POST /api/pricing/discounts for the calling
// customer.
func (h *Handler) CalculateDiscounts(c *gin.Context) {
	var req discountsRequest
	if _, ok := h.bindJSON(c, &req); !ok {
		return
	}
	currency, ok := previewCurrency(c, req.Currency)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	lines, err := h.pricing.PreviewLines(ctx, lineRequests(req.Items), currency)
	if err != nil {
		writeError(c, err)
		return
	}
	p := principal(c)
	res, err := h.pricing.Discounts(ctx, lines, req.Codes, discount.Customer{ID: p.UserID, Group: p.CustomerGroup})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":      currency,
		"originalTotal": money(res.Original),
		"finalTotal":    money(res.Final),
		"discountTotal": money(res.Total()),
		"applied":       appliedDiscounts(res.Applied),
	})
}

// Quote handles POST /api/pricing/quote.
func (h *Handler) Quote(c *gin.Context) {
	var req quoteRequest
	if _, ok := h.bindJSON(c, &req); !ok {
		return
	}
	p := principal(c)
	q, err := h.pricing.Quote(c.Request.Context(), pricing.QuoteRequest{
		Items:         lineRequests(req.Items),
		Address:       req.Address.toDomain(),
		Currency:      req.Currency,
		DiscountCodes: req.DiscountCodes,
		Customer:      discount.Customer{ID: p.UserID, Group: p.CustomerGroup},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newQuoteResponse(q))
}

func currencyParam(c *gin.Context, name string, v *apperr.ValidationError) string {
	code := domainmoney.NormalizeCode(c.Query(name))
	switch {
	case code == "":
		v.Add(name, "is required")
	case !domainmoney.ValidCode(code):
		v.Add(name, "must be a 3-letter ISO 4217 code")
	}
	return code
}

// previewCurrency resolves the requested currency and writes a 400 when it
// is not a currency code.
func previewCurrency(c *gin.Context, requested string) (string, bool) {
	var v apperr.ValidationError
	currency := pricing.ResolveCurrency(requested, &v)
	if err := v.OrNil(); err != nil {
		writeError(c, err)
		return "", false
	}
	return currency, true
}
