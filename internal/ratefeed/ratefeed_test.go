package ratefeed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/shipping"
)

func TestFeed_FetchRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USD", r.URL.Query().Get("base"))
		_, _ = io.WriteString(w, `{"base":"USD","date":"2025-03-01","rates":{"EUR":0.9123,"GBP":"0.79","JPY":149.5}}`)
	}))
	defer srv.Close()

	rates, err := NewFeed(srv.URL + "/latest").FetchRates(context.Background(), "USD")
	require.NoError(t, err)
	require.Len(t, rates, 3)
	assert.True(t, decimal.RequireFromString("0.9123").Equal(rates["EUR"]))
	assert.True(t, decimal.RequireFromString("0.79").Equal(rates["GBP"]))
}

func TestFeed_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, `{}`},
		{"wrong base", http.StatusOK, `{"base":"EUR","rates":{"USD":1.1}}`},
		{"malformed", http.StatusOK, `{"rates":[1,2]}`},
		{"bad number", http.StatusOK, `{"rates":{"EUR":"abc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewFeed(srv.URL).FetchRates(context.Background(), "USD")
			require.Error(t, err)
		})
	}
}

func TestCarrier_Quote(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		_, _ = io.WriteString(w, `{"cost":"12.50","currency":"USD"}`)
	}))
	defer srv.Close()

	cost, err := NewCarrier(srv.URL).Quote(context.Background(),
		shipping.Method{ID: "ups-ground", Carrier: "UPS", Strategy: shipping.RateAPI},
		shipping.Package{Weight: decimal.RequireFromString("2.5"), Length: decimal.NewFromInt(30), ItemCount: 3},
	)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.50").Equal(cost))
	assert.JSONEq(t, `{"carrier":"UPS","method":"ups-ground","weight":"2.5","length":"30","width":"0","height":"0","itemCount":3}`, got)
}

func TestCarrier_Errors(t *testing.T) {
	for _, body := range []string{`{"price":1}`, `{"cost":-4}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		_, err := NewCarrier(srv.URL).Quote(context.Background(), shipping.Method{Carrier: "DHL"}, shipping.Package{})
		require.Error(t, err, body)
		srv.Close()
	}
}
