// Package notify delivers customer and operator notifications.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail  Channel = "EMAIL"
	ChannelSMS    Channel = "SMS"
	ChannelSystem Channel = "SYSTEM"
)

// Message is a single notification.
type Message struct {
	Channel   Channel
	Recipient string
	Subject   string
	Body      string
	Metadata  map[string]string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookRequest is an arbitrary outbound call made on behalf of a workflow.
type WebhookRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// HTTPSender posts messages to the notification service and performs
// workflow webhooks.
type HTTPSender struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	timeout        time.Duration
	apiKey         string
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithTimeout bounds every outbound request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) { o.timeout = d }
}

// WithAPIKey sets the bearer token sent to the notification service.
func WithAPIKey(key string) HTTPOption {
	return func(o *httpOptions) { o.apiKey = key }
}

// WithTelemetry instruments the HTTP client.
func WithTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) HTTPOption {
	return func(o *httpOptions) {
		o.meterProvider = mp
		o.tracerProvider = tp
	}
}

// NewHTTPSender creates a sender for the notification service at baseURL.
func NewHTTPSender(baseURL string, opts ...HTTPOption) *HTTPSender {
	o := httpOptions{timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	var otelOpts []otelhttp.Option
	if o.meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.meterProvider))
	}
	if o.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tracerProvider))
	}

	return &HTTPSender{
		baseURL: baseURL,
		apiKey:  o.apiKey,
		client: &http.Client{
			Timeout:   o.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelOpts...),
		},
	}
}

// Send posts msg to {baseURL}/notifications.
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/notifications", bytes.NewReader(EncodeMessage(msg)))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	if err := s.do(req); err != nil {
		return errors.Wrapf(err, "send %s to %s", msg.Channel, msg.Recipient)
	}
	zctx.From(ctx).Debug("Notification sent",
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", msg.Recipient),
	)
	return nil
}

// Call performs a webhook request. Non-2xx responses are errors.
func (s *HTTPSender) Call(ctx context.Context, wr WebhookRequest) error {
	method := wr.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, wr.URL, bytes.NewReader(wr.Body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wr.Headers {
		req.Header.Set(k, v)
	}
	if err := s.do(req); err != nil {
		return errors.Wrapf(err, "webhook %s %s", method, wr.URL)
	}
	return nil
}

func (s *HTTPSender) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// EncodeMessage renders msg as the notification service JSON body.
func EncodeMessage(msg Message) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("channel", func(e *jx.Encoder) { e.Str(string(msg.Channel)) })
		e.Field("recipient", func(e *jx.Encoder) { e.Str(msg.Recipient) })
		e.Field("subject", func(e *jx.Encoder) { e.Str(msg.Subject) })
		e.Field("body", func(e *jx.Encoder) { e.Str(msg.Body) })
		if len(msg.Metadata) > 0 {
			e.Field("metadata", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					for k, v := range msg.Metadata {
						e.Field(k, func(e *jx.Encoder) { e.Str(v) })
					}
				})
			})
		}
	})
	return append([]byte(nil), e.Bytes()...)
}

// LogSender writes messages to the context logger. Used when no
// notification service is configured.
type LogSender struct{}

// Send logs msg.
func (LogSender) Send(ctx context.Context, msg Message) error {
	zctx.From(ctx).Info("Notification",
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// Call logs the webhook without performing it.
func (LogSender) Call(ctx context.Context, wr WebhookRequest) error {
	zctx.From(ctx).Info("Webhook skipped",
		zap.String("method", wr.Method),
		zap.String("url", wr.URL),
	)
	return nil
}
