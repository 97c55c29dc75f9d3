package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/workflow"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/notify"
	"github.com/xenking/storefront/internal/repository"
	"github.com/xenking/storefront/pkg/health"
)

// ProcessedStore remembers handled event ids.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, env events.Envelope) (bool, error)
}

// WorkflowRunner runs the workflows bound to an event.
type WorkflowRunner interface {
	Run(ctx context.Context, event workflow.Event, data workflow.Data) (int, error)
}

// Notifier handles consumed events: it skips duplicates, runs workflows and
// tells the customer about their order.
type Notifier struct {
	processed ProcessedStore
	workflows WorkflowRunner
	sender    notify.Sender
	consumed  metric.Int64Counter
}

// NewNotifier creates a Notifier. A nil meter disables metrics.
func NewNotifier(processed ProcessedStore, workflows WorkflowRunner, sender notify.Sender, meter metric.Meter) *Notifier {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	consumed, _ := meter.Int64Counter("storefront.events.consumed",
		metric.WithDescription("Events handled by the notifier"),
	)
	return &Notifier{processed: processed, workflows: workflows, sender: sender, consumed: consumed}
}

// Handle processes env once. The event is marked processed only after
// every step succeeded, so a failed attempt is retried on redelivery.
func (n *Notifier) Handle(ctx context.Context, env events.Envelope) error {
	lg := zctx.From(ctx).With(
		zap.String("event_id", env.ID),
		zap.String("event_type", string(env.Type)),
	)

	done, err := n.processed.IsProcessed(ctx, env.ID)
	if err != nil {
		return errors.Wrap(err, "check processed")
	}
	if done {
		lg.Debug("Skipping duplicate event")
		return nil
	}

	fields, err := events.DecodeFields(env.Payload)
	if err != nil {
		return err
	}
	data := workflow.Data(fields)

	ran, err := n.workflows.Run(ctx, workflow.Event(env.Type), data)
	if err != nil {
		return errors.Wrap(err, "run workflows")
	}
	if msg, ok := customerMessage(env.Type, data); ok {
		if err := n.sender.Send(ctx, msg); err != nil {
			return errors.Wrap(err, "notify customer")
		}
	}

	if _, err := n.processed.MarkProcessed(ctx, env); err != nil {
		return errors.Wrap(err, "mark processed")
	}
	n.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(env.Type))))
	lg.Info("Event handled", zap.Int("workflows", ran))
	return nil
}

func customerMessage(t events.Type, data workflow.Data) (notify.Message, bool) {
	customer := data.String("order.customerId")
	if customer == "" {
		return notify.Message{}, false
	}
	id := data.String("order.id")
	meta := map[string]string{"orderId": id, "event": string(t)}

	switch t {
	case events.TypeOrderCreated:
		return notify.Message{
			Channel:   notify.ChannelEmail,
			Recipient: customer,
			Subject:   fmt.Sprintf("Order %s received", id),
			Body: fmt.Sprintf("We received your order %s. Total: %s %s.",
				id, data.String("order.total"), data.String("order.currency")),
			Metadata: meta,
		}, true
	case events.TypeOrderStatusChanged:
		return notify.Message{
			Channel:   notify.ChannelEmail,
			Recipient: customer,
			Subject:   fmt.Sprintf("Order %s is %s", id, data.String("order.status")),
			Body: fmt.Sprintf("Your order %s moved from %s to %s.",
				id, data.String("order.previousStatus"), data.String("order.status")),
			Metadata: meta,
		}, true
	default:
		return notify.Message{}, false
	}
}

// RunNotifier consumes events until ctx is done.
func RunNotifier(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing notifier", zap.String("events", cfg.Events.Transport))

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	consumer, closeConsumer, err := newConsumer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeConsumer() }()

	var sender interface {
		notify.Sender
		workflow.Webhooks
	} = notify.LogSender{}
	if cfg.Notify.URL != "" {
		sender = notify.NewHTTPSender(cfg.Notify.URL,
			notify.WithAPIKey(cfg.Notify.APIKey),
			notify.WithTimeout(cfg.Notify.Timeout),
			notify.WithTelemetry(m.MeterProvider(), m.TracerProvider()),
		)
	}

	// Workflows only advance existing orders; the notifier never quotes.
	orders := order.NewService(nil, repository.NewOrderRepository(pool), auth.RBAC{})
	engine := workflow.NewEngine(repository.NewWorkflowRepository(pool), sender, sender, orders,
		workflow.WithAdminRecipient(cfg.Notify.Admin),
	)
	n := NewNotifier(repository.NewOutboxRepository(pool), engine, sender,
		m.MeterProvider().Meter("storefront/notifier"))

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	if cfg.Events.Transport == TransportKafka {
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.KafkaCheck(cfg.Events.Kafka.Brokers))
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)
	probes := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(nil, healthSvc),
		ReadHeaderTimeout: time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := probes.Shutdown(shutdownCtx); err != nil {
			lg.Error("Probe server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Probes listening", zap.String("addr", cfg.Addr))
		if err := probes.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "probe server")
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Consuming events")
		return consumer.Consume(zctx.Base(gCtx, lg), n.Handle)
	})
	return g.Wait()
}
