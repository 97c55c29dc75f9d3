package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/workflow"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/notify"
	"github.com/xenking/storefront/pkg/health"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:  "postgres://localhost/storefront",
		BaseCurrency: "USD",
		Markup:       "lt:1000=3,*=1.15",
		Events:       EventsConfig{Transport: TransportNone},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "bad currency", mutate: func(c *Config) { c.BaseCurrency = "DOLLAR" }, wantErr: true},
		{name: "bad markup", mutate: func(c *Config) { c.Markup = "lt:x=3" }, wantErr: true},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Events.Transport = TransportKafka }, wantErr: true},
		{
			name: "kafka",
			mutate: func(c *Config) {
				c.Events.Transport = TransportKafka
				c.Events.Kafka.Brokers = []string{"localhost:9092"}
			},
		},
		{name: "sqs without queue", mutate: func(c *Config) { c.Events.Transport = TransportSQS }, wantErr: true},
		{name: "unknown transport", mutate: func(c *Config) { c.Events.Transport = "nats" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_URL", "redis://platform:6379/0")
	t.Setenv("PORT", "9000")

	cfg := &Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://platform:6379/0", cfg.Redis.URL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
}

func TestNewMux_Probes(t *testing.T) {
	h := health.New()
	mux := newMux(nil, h)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Notifier ---

type memProcessed struct {
	done    map[string]bool
	markErr error
}

func (m *memProcessed) IsProcessed(_ context.Context, id string) (bool, error) {
	return m.done[id], nil
}

func (m *memProcessed) MarkProcessed(_ context.Context, env events.Envelope) (bool, error) {
	if m.markErr != nil {
		return false, m.markErr
	}
	if m.done[env.ID] {
		return false, nil
	}
	m.done[env.ID] = true
	return true, nil
}

type stubRunner struct {
	calls  int
	event  workflow.Event
	data   workflow.Data
	runErr error
}

func (s *stubRunner) Run(_ context.Context, event workflow.Event, data workflow.Data) (int, error) {
	s.calls++
	s.event, s.data = event, data
	return 1, s.runErr
}

type recordingSender struct {
	msgs []notify.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func orderEnvelope(id string, t events.Type) events.Envelope {
	return events.Envelope{
		ID:          id,
		Type:        t,
		AggregateID: "order-1",
		Payload: []byte(`{"order":{"id":"order-1","customerId":"user-1","status":"SHIPPED",` +
			`"previousStatus":"PROCESSING","total":"42.00","currency":"EUR"}}`),
	}
}

func TestNotifier_Handle(t *testing.T) {
	processed := &memProcessed{done: map[string]bool{}}
	runner := &stubRunner{}
	sender := &recordingSender{}
	n := NewNotifier(processed, runner, sender, nil)
	ctx := context.Background()

	require.NoError(t, n.Handle(ctx, orderEnvelope("evt-1", events.TypeOrderStatusChanged)))
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, workflow.EventOrderStatusChanged, runner.event)
	assert.Equal(t, "42.00", runner.data.String("order.total"))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "user-1", sender.msgs[0].Recipient)
	assert.Equal(t, "Order order-1 is SHIPPED", sender.msgs[0].Subject)
	assert.Contains(t, sender.msgs[0].Body, "from PROCESSING to SHIPPED")
	assert.True(t, processed.done["evt-1"])

	// Redelivery is skipped.
	require.NoError(t, n.Handle(ctx, orderEnvelope("evt-1", events.TypeOrderStatusChanged)))
	assert.Equal(t, 1, runner.calls)
	assert.Len(t, sender.msgs, 1)
}

func TestNotifier_InventoryLowHasNoCustomerMessage(t *testing.T) {
	processed := &memProcessed{done: map[string]bool{}}
	runner := &stubRunner{}
	sender := &recordingSender{}
	n := NewNotifier(processed, runner, sender, nil)

	env := events.Envelope{
		ID:      "evt-2",
		Type:    events.TypeInventoryLow,
		Payload: []byte(`{"inventory":{"sku":"SKU-1","remaining":2}}`),
	}
	require.NoError(t, n.Handle(context.Background(), env))
	assert.Equal(t, workflow.EventInventoryLow, runner.event)
	assert.Empty(t, sender.msgs)
	assert.True(t, processed.done["evt-2"])
}

func TestNotifier_FailureLeavesEventUnprocessed(t *testing.T) {
	tests := []struct {
		name   string
		runner *stubRunner
		sender *recordingSender
	}{
		{name: "workflow error", runner: &stubRunner{runErr: errors.New("db down")}, sender: &recordingSender{}},
		{name: "send error", runner: &stubRunner{}, sender: &recordingSender{err: errors.New("smtp down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processed := &memProcessed{done: map[string]bool{}}
			n := NewNotifier(processed, tt.runner, tt.sender, nil)

			err := n.Handle(context.Background(), orderEnvelope("evt-3", events.TypeOrderCreated))
			require.Error(t, err)
			assert.False(t, processed.done["evt-3"])
		})
	}
}

func TestNotifier_InvalidPayload(t *testing.T) {
	n := NewNotifier(&memProcessed{done: map[string]bool{}}, &stubRunner{}, &recordingSender{}, nil)

	err := n.Handle(context.Background(), events.Envelope{ID: "evt-4", Type: events.TypeOrderCreated, Payload: []byte(`[1]`)})
	assert.Error(t, err)
}
