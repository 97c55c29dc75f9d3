package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	testrequire "github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/idempotency"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// --- Mock implementations ---

type mockPricing struct {
	lines    []pricing.Line
	quotes   []shipping.Quote
	result   *discount.Result
	tax      decimal.Decimal
	quote    *pricing.Quote
	err      error
	gotCodes []string
	gotCust  discount.Customer
	gotQuote pricing.QuoteRequest
	gotCur   string
}

func (m *mockPricing) PreviewLines(_ context.Context, _ []pricing.LineRequest, currency string) ([]pricing.Line, error) {
	m.gotCur = currency
	return m.lines, m.err
}

func (m *mockPricing) Shipping(context.Context, []pricing.Line, shipping.Address, string) ([]shipping.Quote, error) {
	return m.quotes, m.err
}

func (m *mockPricing) Discounts(_ context.Context, _ []pricing.Line, codes []string, c discount.Customer) (*discount.Result, error) {
	m.gotCodes, m.gotCust = codes, c
	return m.result, m.err
}

func (m *mockPricing) Tax(context.Context, []pricing.Line, shipping.Address, decimal.Decimal) (decimal.Decimal, error) {
	return m.tax, m.err
}

func (m *mockPricing) Quote(_ context.Context, req pricing.QuoteRequest) (*pricing.Quote, error) {
	m.gotQuote = req
	return m.quote, m.err
}

type mockConverter struct {
	rate decimal.Decimal
}

func (m *mockConverter) Convert(_ context.Context, amount decimal.Decimal, _, _ string) decimal.Decimal {
	return amount.Mul(m.rate)
}

type mockOrders struct {
	order     *order.Order
	orders    []order.Order
	err       error
	created   int
	gotCreate order.CreateRequest
	gotFilter order.ListFilter
	gotStatus order.Status
	gotActor  auth.Principal
}

func (m *mockOrders) CreateOrder(_ context.Context, req order.CreateRequest) (*order.Order, error) {
	m.created++
	m.gotCreate = req
	return m.order, m.err
}

func (m *mockOrders) GetOrder(_ context.Context, _ string, actor auth.Principal) (*order.Order, error) {
	m.gotActor = actor
	return m.order, m.err
}

func (m *mockOrders) ListOrders(_ context.Context, actor auth.Principal, f order.ListFilter) ([]order.Order, error) {
	m.gotActor, m.gotFilter = actor, f
	return m.orders, m.err
}

func (m *mockOrders) CancelOrder(_ context.Context, _ string, actor auth.Principal) (*order.Order, error) {
	m.gotActor = actor
	return m.order, m.err
}

func (m *mockOrders) UpdateOrderStatus(_ context.Context, _ string, to order.Status, actor auth.Principal) (*order.Order, error) {
	m.gotStatus, m.gotActor = to, actor
	return m.order, m.err
}

type mockAuthn map[string]auth.Principal

func (m mockAuthn) Authenticate(_ context.Context, key string) (auth.Principal, error) {
	p, ok := m[key]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidAPIKey
	}
	return p, nil
}

type mockIdem struct {
	record    *idempotency.Record
	claimErr  error
	claims    int
	released  []string
	completed map[string][]byte
}

func (m *mockIdem) Claim(context.Context, string, string) (*idempotency.Record, error) {
	m.claims++
	return m.record, m.claimErr
}

func (m *mockIdem) Complete(_ context.Context, key, _ string, _ int, body []byte) error {
	if m.completed == nil {
		m.completed = map[string][]byte{}
	}
	m.completed[key] = body
	return nil
}

func (m *mockIdem) Release(_ context.Context, key string) error {
	m.released = append(m.released, key)
	return nil
}

// --- Helpers ---

const (
	customerKey = "customer-key"
	adminKey    = "admin-key"
)

var customer = auth.Principal{UserID: "user-1", Role: auth.RoleCustomer, CustomerGroup: "vip"}

func newTestHandler(p *mockPricing, o *mockOrders, opts ...Option) *Handler {
	gin.SetMode(gin.TestMode)
	authn := mockAuthn{
		customerKey: customer,
		adminKey:    {UserID: "admin-1", Role: auth.RoleAdmin},
	}
	return NewHandler(p, &mockConverter{rate: decimal.RequireFromString("0.5")}, o, authn, opts...)
}

func do(t *testing.T, h http.Handler, method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		testrequire.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	testrequire.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func sampleOrder() *order.Order {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &order.Order{
		ID:         "order-1",
		CustomerID: "user-1",
		Items: []order.Item{{
			ProductID: "p1", VariantID: "v1", SKU: "SKU-1", Name: "Mug", Quantity: 2,
			UnitPrice: decimal.RequireFromString("10"), FinalPrice: decimal.RequireFromString("9.2"),
		}},
		ShippingAddress: shipping.Address{Street: "1 Main", City: "Austin", State: "TX", Country: "US", PostalCode: "73301"},
		BillingAddress:  shipping.Address{Street: "1 Main", City: "Austin", State: "TX", Country: "US", PostalCode: "73301"},
		PaymentMethod:   order.PaymentCreditCard,
		Currency:        "EUR",
		Subtotal:        decimal.RequireFromString("18.4"),
		Shipping:        order.Shipping{MethodID: "std", Name: "Standard", Cost: decimal.RequireFromString("5")},
		Tax:             decimal.RequireFromString("1.5"),
		DiscountTotal:   decimal.Zero,
		Total:           decimal.RequireFromString("24.9"),
		Status:          order.StatusPending,
		PaymentStatus:   order.PaymentPending,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func validCreateBody() map[string]any {
	return map[string]any{
		"items": []map[string]any{{"productId": "p1", "variantId": "v1", "quantity": 2}},
		"shippingAddress": map[string]any{
			"street": "1 Main", "city": "Austin", "state": "TX", "country": "US", "zipCode": "73301",
		},
		"paymentMethod": "CREDIT_CARD",
		"currency":      "eur",
		"discountCodes": []string{"SAVE10"},
	}
}

// --- Tests ---

func TestAuthenticate(t *testing.T) {
	h := newTestHandler(&mockPricing{}, &mockOrders{order: sampleOrder()}).Router()

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{name: "missing key", want: http.StatusUnauthorized},
		{name: "unknown key", headers: []string{APIKeyHeader, "nope"}, want: http.StatusUnauthorized},
		{name: "x-api-key", headers: []string{APIKeyHeader, customerKey}, want: http.StatusOK},
		{name: "api_key", headers: []string{"api_key", customerKey}, want: http.StatusOK},
		{name: "bearer", headers: []string{"Authorization", "Bearer " + customerKey}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/orders/order-1", "", nil, tt.headers...)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "unauthorized", decodeBody(t, w)["error"])
			}
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	h := newTestHandler(&mockPricing{}, &mockOrders{}).Router()

	w := do(t, h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody(t, w)["error"])
}

func TestCreateOrder_Success(t *testing.T) {
	orders := &mockOrders{order: sampleOrder()}
	h := newTestHandler(&mockPricing{}, orders).Router()

	w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody())
	testrequire.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/api/orders/order-1", w.Header().Get("Location"))

	body := decodeBody(t, w)
	assert.Equal(t, "order-1", body["id"])
	assert.Equal(t, "24.90", body["total"])
	assert.Equal(t, "18.40", body["subtotal"])
	assert.Equal(t, "PENDING", body["status"])
	items := body["items"].([]any)
	testrequire.Len(t, items, 1)
	assert.Equal(t, "9.20", items[0].(map[string]any)["finalPrice"])

	req := orders.gotCreate
	assert.Equal(t, customer, req.Customer)
	assert.Equal(t, []pricing.LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 2}}, req.Items)
	assert.Equal(t, "73301", req.ShippingAddress.PostalCode)
	assert.Nil(t, req.BillingAddress)
	assert.Equal(t, order.PaymentCreditCard, req.PaymentMethod)
	assert.Equal(t, []string{"SAVE10"}, req.DiscountCodes)
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		raw    string
		field  string
	}{
		{name: "invalid json", raw: "{", field: "body"},
		{name: "no items", mutate: func(b map[string]any) { b["items"] = []any{} }, field: "items"},
		{
			name: "zero quantity",
			mutate: func(b map[string]any) {
				b["items"] = []map[string]any{{"productId": "p1", "variantId": "v1", "quantity": 0}}
			},
			field: "items[0].quantity",
		},
		{
			name: "missing variant",
			mutate: func(b map[string]any) {
				b["items"] = []map[string]any{{"productId": "p1", "quantity": 1}}
			},
			field: "items[0].variantId",
		},
		{name: "unknown payment method", mutate: func(b map[string]any) { b["paymentMethod"] = "BITCOIN" }, field: "paymentMethod"},
		{name: "missing country", mutate: func(b map[string]any) { b["shippingAddress"] = map[string]any{"city": "Austin"} }, field: "shippingAddress.country"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := &mockOrders{order: sampleOrder()}
			h := newTestHandler(&mockPricing{}, orders).Router()

			var body any = tt.raw
			if tt.mutate != nil {
				b := validCreateBody()
				tt.mutate(b)
				body = b
			}
			w := do(t, h, http.MethodPost, "/api/orders", customerKey, body)
			testrequire.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			resp := decodeBody(t, w)
			assert.Equal(t, "validation_failed", resp["error"])
			assert.Contains(t, resp["fields"], tt.field)
			assert.Zero(t, orders.created)
		})
	}
}

func TestCreateOrder_Idempotency(t *testing.T) {
	t.Run("stores the first response", func(t *testing.T) {
		idem := &mockIdem{}
		orders := &mockOrders{order: sampleOrder()}
		h := newTestHandler(&mockPricing{}, orders, WithIdempotency(idem)).Router()

		w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody(), IdempotencyKeyHeader, "k1")
		testrequire.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, idem.claims)
		assert.JSONEq(t, w.Body.String(), string(idem.completed["k1"]))
		assert.Empty(t, idem.released)
	})
	t.Run("replays a completed request", func(t *testing.T) {
		idem := &mockIdem{record: &idempotency.Record{
			Status:         idempotency.StatusDone,
			ResponseStatus: http.StatusCreated,
			ResponseBody:   `{"id":"order-1"}`,
		}}
		orders := &mockOrders{order: sampleOrder()}
		h := newTestHandler(&mockPricing{}, orders, WithIdempotency(idem)).Router()

		w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody(), IdempotencyKeyHeader, "k1")
		testrequire.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"id":"order-1"}`, w.Body.String())
		assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
		assert.Zero(t, orders.created)
	})
	t.Run("conflicts", func(t *testing.T) {
		for _, err := range []error{idempotency.ErrInFlight, idempotency.ErrMismatch} {
			idem := &mockIdem{claimErr: err}
			orders := &mockOrders{order: sampleOrder()}
			h := newTestHandler(&mockPricing{}, orders, WithIdempotency(idem)).Router()

			w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody(), IdempotencyKeyHeader, "k1")
			assert.Equal(t, http.StatusConflict, w.Code)
			assert.Zero(t, orders.created)
		}
	})
	t.Run("store unavailable", func(t *testing.T) {
		idem := &mockIdem{claimErr: errors.New("dynamodb down")}
		h := newTestHandler(&mockPricing{}, &mockOrders{}, WithIdempotency(idem)).Router()

		w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody(), IdempotencyKeyHeader, "k1")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "5", w.Header().Get("Retry-After"))
	})
	t.Run("releases the key on failure", func(t *testing.T) {
		idem := &mockIdem{}
		orders := &mockOrders{err: &apperr.InsufficientInventoryError{ProductID: "p1", VariantID: "v1", Requested: 2, Available: -1}}
		h := newTestHandler(&mockPricing{}, orders, WithIdempotency(idem)).Router()

		w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody(), IdempotencyKeyHeader, "k1")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, []string{"k1"}, idem.released)
		assert.Empty(t, idem.completed)
	})
	t.Run("without header", func(t *testing.T) {
		idem := &mockIdem{}
		h := newTestHandler(&mockPricing{}, &mockOrders{order: sampleOrder()}, WithIdempotency(idem)).Router()

		w := do(t, h, http.MethodPost, "/api/orders", customerKey, validCreateBody())
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Zero(t, idem.claims)
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"validation", apperr.NewValidationError("currency", "bad"), http.StatusBadRequest, "validation_failed"},
		{"not found", &apperr.NotFoundError{Entity: "order", ID: "x"}, http.StatusNotFound, "not_found"},
		{"inventory", &apperr.InsufficientInventoryError{ProductID: "p", VariantID: "v", Requested: 3, Available: 1}, http.StatusConflict, "insufficient_inventory"},
		{"transition", &apperr.InvalidStatusTransitionError{From: "DELIVERED", To: "PENDING"}, http.StatusConflict, "invalid_status_transition"},
		{"conflict", &apperr.ConflictError{Reason: "usage limit"}, http.StatusConflict, "conflict"},
		{"forbidden", apperr.ErrNotAuthorized, http.StatusForbidden, "forbidden"},
		{"wrapped forbidden", errors.Wrap(apperr.ErrNotAuthorized, "get order"), http.StatusForbidden, "forbidden"},
		{"no shipping", apperr.ErrNoShippingAvailable, http.StatusUnprocessableEntity, "no_shipping_available"},
		{"retryable", &apperr.ExternalServiceError{Service: "rates", Retryable: true, Err: errors.New("timeout")}, http.StatusServiceUnavailable, "service_unavailable"},
		{"not retryable", &apperr.ExternalServiceError{Service: "rates", Err: errors.New("bad")}, http.StatusInternalServerError, "internal"},
		{"configuration", &apperr.ConfigurationError{Component: "shipping", Detail: "unknown strategy"}, http.StatusInternalServerError, "internal"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			writeError(c, tt.err)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.kind, decodeBody(t, w)["error"])
		})
	}
}

func TestListOrders(t *testing.T) {
	orders := &mockOrders{orders: []order.Order{*sampleOrder()}}
	h := newTestHandler(&mockPricing{}, orders).Router()

	w := do(t, h, http.MethodGet, "/api/orders?status=PENDING&limit=10&offset=20", adminKey, nil)
	testrequire.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["orders"], 1)
	assert.Equal(t, order.ListFilter{Status: order.StatusPending, Limit: 10, Offset: 20}, orders.gotFilter)
	assert.Equal(t, "admin-1", orders.gotActor.UserID)

	w = do(t, h, http.MethodGet, "/api/orders?limit=ten", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelAndUpdateStatus(t *testing.T) {
	orders := &mockOrders{order: sampleOrder()}
	h := newTestHandler(&mockPricing{}, orders).Router()

	w := do(t, h, http.MethodPost, "/api/orders/order-1/cancel", customerKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, customer, orders.gotActor)

	w = do(t, h, http.MethodPatch, "/api/orders/order-1/status", adminKey, map[string]any{"status": "SHIPPED"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.StatusShipped, orders.gotStatus)

	w = do(t, h, http.MethodPatch, "/api/orders/order-1/status", adminKey, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	orders.err = apperr.ErrNotAuthorized
	w = do(t, h, http.MethodPatch, "/api/orders/order-1/status", customerKey, map[string]any{"status": "SHIPPED"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestConvertPrice(t *testing.T) {
	h := newTestHandler(&mockPricing{}, &mockOrders{}).Router()

	w := do(t, h, http.MethodGet, "/api/pricing/convert?amount=10&from=usd&to=EUR", customerKey, nil)
	testrequire.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "5.00", body["converted"])
	assert.Equal(t, "USD", body["from"])

	w = do(t, h, http.MethodGet, "/api/pricing/convert?amount=-1&to=EURO", customerKey, nil)
	testrequire.Equal(t, http.StatusBadRequest, w.Code)
	fields := decodeBody(t, w)["fields"].(map[string]any)
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "from")
	assert.Contains(t, fields, "to")
}

func TestPricingEndpoints(t *testing.T) {
	lines := []pricing.Line{{ProductID: "p1", VariantID: "v1", Quantity: 2, LineTotal: decimal.RequireFromString("20")}}
	cart := map[string]any{
		"items":   []map[string]any{{"productId": "p1", "variantId": "v1", "quantity": 2}},
		"address": map[string]any{"country": "US", "state": "TX"},
	}

	t.Run("shipping", func(t *testing.T) {
		p := &mockPricing{lines: lines, quotes: []shipping.Quote{{MethodID: "std", Name: "Standard", Cost: decimal.RequireFromString("4.5")}}}
		h := newTestHandler(p, &mockOrders{}).Router()

		w := do(t, h, http.MethodPost, "/api/pricing/shipping", customerKey, cart)
		testrequire.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "USD", body["currency"])
		assert.Equal(t, "USD", p.gotCur)
		opts := body["options"].([]any)
		testrequire.Len(t, opts, 1)
		assert.Equal(t, "4.50", opts[0].(map[string]any)["cost"])
	})
	t.Run("no shipping", func(t *testing.T) {
		p := &mockPricing{lines: lines, err: apperr.ErrNoShippingAvailable}
		h := newTestHandler(p, &mockOrders{}).Router()

		w := do(t, h, http.MethodPost, "/api/pricing/shipping", customerKey, cart)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
	t.Run("tax", func(t *testing.T) {
		p := &mockPricing{lines: lines, tax: decimal.RequireFromString("1.65")}
		h := newTestHandler(p, &mockOrders{}).Router()

		w := do(t, h, http.MethodPost, "/api/pricing/tax", customerKey, cart)
		testrequire.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "1.65", body["tax"])
		assert.Equal(t, "20.00", body["subtotal"])
	})
	t.Run("currency", func(t *testing.T) {
		tests := []struct {
			name     string
			currency string
			want     int
			wantCur  string
		}{
			{name: "lower case", currency: "eur", want: http.StatusOK, wantCur: "EUR"},
			{name: "not letters", currency: "E1R", want: http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p := &mockPricing{lines: lines, tax: decimal.Zero}
				h := newTestHandler(p, &mockOrders{}).Router()

				w := do(t, h, http.MethodPost, "/api/pricing/tax", customerKey, map[string]any{
					"items":    cart["items"],
					"address":  cart["address"],
					"currency": tt.currency,
				})
				testrequire.Equal(t, tt.want, w.Code, w.Body.String())
				if tt.want != http.StatusOK {
					assert.Contains(t, decodeBody(t, w)["fields"], "currency")
					assert.Empty(t, p.gotCur)
					return
				}
				assert.Equal(t, tt.wantCur, decodeBody(t, w)["currency"])
				assert.Equal(t, tt.wantCur, p.gotCur)
			})
		}
	})
	t.Run("discounts", func(t *testing.T) {
		p := &mockPricing{lines: lines, result: &discount.Result{
			Original: decimal.RequireFromString("20"),
			Final:    decimal.RequireFromString("18"),
			Applied:  []discount.Applied{{ID: "d1", Code: "SAVE10", Amount: decimal.RequireFromString("2")}},
		}}
		h := newTestHandler(p, &mockOrders{}).Router()

		w := do(t, h, http.MethodPost, "/api/pricing/discounts", customerKey, map[string]any{
			"items": cart["items"],
			"codes": []string{"SAVE10"},
		})
		testrequire.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "2.00", body["discountTotal"])
		assert.Equal(t, "18.00", body["finalTotal"])
		assert.Equal(t, []string{"SAVE10"}, p.gotCodes)
		assert.Equal(t, discount.Customer{ID: "user-1", Group: "vip"}, p.gotCust)
	})
	t.Run("quote", func(t *testing.T) {
		p := &mockPricing{quote: &pricing.Quote{
			Currency:      "USD",
			Lines:         lines,
			Subtotal:      decimal.RequireFromString("20"),
			DiscountTotal: decimal.Zero,
			Shipping:      shipping.Quote{MethodID: "std", Cost: decimal.RequireFromString("5")},
			Tax:           decimal.RequireFromString("1.65"),
			Total:         decimal.RequireFromString("26.65"),
		}}
		h := newTestHandler(p, &mockOrders{}).Router()

		w := do(t, h, http.MethodPost, "/api/pricing/quote", customerKey, cart)
		testrequire.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "26.65", body["total"])
		assert.Equal(t, "5.00", body["shipping"].(map[string]any)["cost"])
		assert.Equal(t, "TX", p.gotQuote.Address.State)
		assert.Equal(t, "vip", p.gotQuote.Customer.Group)
	})
}

func TestRouteLabel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newTestHandler(&mockPricing{}, &mockOrders{order: sampleOrder()}).Router()
	srv := httpmiddleware.Wrap(h, httpmiddleware.InjectLogger(zap.New(core)), httpmiddleware.LogRequests())

	w := do(t, srv, http.MethodGet, "/api/orders/order-1", customerKey, nil)
	testrequire.Equal(t, http.StatusOK, w.Code)

	entries := logs.FilterMessage("Request").All()
	testrequire.Len(t, entries, 1)
	assert.Equal(t, "/api/orders/:id", entries[0].ContextMap()["route"])
}

func TestRequirePermission(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn := mockAuthn{"guest": {UserID: "g", Role: "GUEST"}}
	h := NewHandler(&mockPricing{}, &mockConverter{rate: decimal.NewFromInt(1)}, &mockOrders{}, authn).Router()

	w := do(t, h, http.MethodGet, "/api/pricing/convert?amount=1&from=USD&to=EUR", "guest", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPost, "/api/orders", "guest", validCreateBody())
	assert.Equal(t, http.StatusForbidden, w.Code)
}
