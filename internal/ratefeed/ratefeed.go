// Package ratefeed holds the outbound HTTP clients of the pricing pipeline:
// the exchange-rate feed and the carrier quote API.
package ratefeed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/storefront/internal/domain/currency"
	"github.com/xenking/storefront/internal/domain/shipping"
)

const maxBody = 1 << 20

// Option configures a client.
type Option func(*options)

type options struct {
	timeout time.Duration
	mp      metric.MeterProvider
	tp      trace.TracerProvider
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTelemetry instruments the client transport.
func WithTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(o *options) {
		o.mp = mp
		o.tp = tp
	}
}

func newHTTPClient(opts []Option) *http.Client {
	o := options{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	var otelOpts []otelhttp.Option
	if o.mp != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.mp))
	}
	if o.tp != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tp))
	}
	return &http.Client{
		Timeout:   o.timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, otelOpts...),
	}
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// Feed fetches exchange rates from GET {baseURL}?base=XXX, which answers
// {"base": "USD", "rates": {"EUR": 0.91, ...}}.
type Feed struct {
	baseURL string
	client  *http.Client
}

var _ currency.RateFeed = (*Feed)(nil)

// NewFeed creates a Feed.
func NewFeed(baseURL string, opts ...Option) *Feed {
	return &Feed{baseURL: baseURL, client: newHTTPClient(opts)}
}

// FetchRates returns every rate quoted against base.
func (f *Feed) FetchRates(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse feed url")
	}
	q := u.Query()
	q.Set("base", base)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := do(f.client, req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch rates")
	}
	quotedBase, rates, err := decodeRates(body)
	if err != nil {
		return nil, err
	}
	if quotedBase != "" && quotedBase != base {
		return nil, errors.Errorf("feed quoted base %s, asked for %s", quotedBase, base)
	}
	return rates, nil
}

func decodeRates(body []byte) (string, map[string]decimal.Decimal, error) {
	var (
		base  string
		rates = map[string]decimal.Decimal{}
	)
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "base":
			v, err := d.Str()
			base = v
			return err
		case "rates":
			return d.Obj(func(d *jx.Decoder, code string) error {
				v, err := decodeDecimal(d)
				if err != nil {
					return errors.Wrapf(err, "rate %s", code)
				}
				rates[code] = v
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "decode rates")
	}
	return base, rates, nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}

// Carrier prices API-rated shipping methods through POST {baseURL}/quote.
type Carrier struct {
	baseURL string
	client  *http.Client
}

var _ shipping.CarrierQuoter = (*Carrier)(nil)

// NewCarrier creates a Carrier client.
func NewCarrier(baseURL string, opts ...Option) *Carrier {
	return &Carrier{baseURL: baseURL, client: newHTTPClient(opts)}
}

// Quote asks the carrier for the cost of shipping pkg with m.
func (c *Carrier) Quote(ctx context.Context, m shipping.Method, pkg shipping.Package) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/quote", bytes.NewReader(encodeQuoteRequest(m, pkg)))
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := do(c.client, req)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "quote %s", m.Carrier)
	}

	var (
		cost  decimal.Decimal
		found bool
	)
	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "cost" {
			return d.Skip()
		}
		v, err := decodeDecimal(d)
		cost, found = v, err == nil
		return err
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "decode quote")
	}
	if !found || cost.IsNegative() {
		return decimal.Zero, errors.New("carrier returned no usable cost")
	}
	return cost, nil
}

func encodeQuoteRequest(m shipping.Method, pkg shipping.Package) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	num := func(name string, v decimal.Decimal) {
		e.Field(name, func(e *jx.Encoder) { e.Str(v.String()) })
	}
	e.Obj(func(e *jx.Encoder) {
		e.Field("carrier", func(e *jx.Encoder) { e.Str(m.Carrier) })
		e.Field("method", func(e *jx.Encoder) { e.Str(m.ID) })
		num("weight", pkg.Weight)
		num("length", pkg.Length)
		num("width", pkg.Width)
		num("height", pkg.Height)
		e.Field("itemCount", func(e *jx.Encoder) { e.Int(pkg.ItemCount) })
	})
	return append([]byte(nil), e.Bytes()...)
}
