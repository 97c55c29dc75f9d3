// Package app wires configuration, storage, domain services and transports
// into the storefront processes.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/cache"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/currency"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/domain/tax"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/idempotency"
	"github.com/xenking/storefront/internal/ratefeed"
	"github.com/xenking/storefront/internal/repository"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

const serviceName = "storefront-api"

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the API.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("base_currency", cfg.BaseCurrency),
		zap.String("events", cfg.Events.Transport),
	)

	gin.SetMode(gin.ReleaseMode)

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", 5*time.Second, health.GCMaxPauseCheck(time.Second))

	// Exchange rates: PostgreSQL store, optional Redis cache and feed.
	markup, err := currency.ParseMarkup(cfg.Markup)
	if err != nil {
		return errors.Wrap(err, "parse markup")
	}
	converterOpts := []currency.Option{
		currency.WithTTL(cfg.RateTTL),
		currency.WithMeter(m.MeterProvider().Meter("storefront/currency")),
	}
	var limitCounter httpmiddleware.Counter
	if cfg.Redis.URL != "" {
		rdb, err := cache.NewClient(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb), health.WithFailureThreshold(3))
		converterOpts = append(converterOpts, currency.WithCache(cache.NewRateCache(rdb, cfg.RateTTL)))
		limitCounter = httpmiddleware.NewRedisCounter(rdb, "ratelimit:")
	}
	var feed currency.RateFeed
	if cfg.RateFeed.URL != "" {
		feed = ratefeed.NewFeed(cfg.RateFeed.URL,
			ratefeed.WithTimeout(cfg.RateFeed.Timeout),
			ratefeed.WithTelemetry(m.MeterProvider(), m.TracerProvider()),
		)
	}
	converter := currency.NewConverter(cfg.BaseCurrency, markup,
		repository.NewRateRepository(pool), feed, converterOpts...)

	var carrier shipping.CarrierQuoter
	if cfg.CarrierURL != "" {
		carrier = ratefeed.NewCarrier(cfg.CarrierURL,
			ratefeed.WithTelemetry(m.MeterProvider(), m.TracerProvider()),
		)
	}

	// Domain services.
	tracer := m.TracerProvider().Tracer("storefront")
	pricingSvc := pricing.NewService(
		repository.NewCatalogRepository(pool),
		converter,
		shipping.NewCalculator(repository.NewShippingRepository(pool), carrier, converter),
		tax.NewCalculator(repository.NewTaxRepository(pool)),
		discount.NewEngine(repository.NewDiscountRepository(pool)),
		pricing.WithTracer(tracer),
	)
	orderSvc := order.NewService(pricingSvc,
		repository.NewOrderRepository(pool, repository.WithLowStockThreshold(cfg.LowStockThreshold)),
		auth.RBAC{},
		order.WithMeter(m.MeterProvider().Meter("storefront/order")),
		order.WithTracer(tracer),
	)

	// Event relay.
	publisher, closePublisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "create event publisher")
	}
	defer func() { _ = closePublisher() }()
	if cfg.Events.Transport == TransportKafka {
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.KafkaCheck(cfg.Events.Kafka.Brokers),
			health.WithFailureThreshold(3))
	}
	relay := events.NewRelay(repository.NewOutboxRepository(pool), publisher,
		events.WithInterval(cfg.Outbox.Interval),
		events.WithBatch(cfg.Outbox.Batch),
		events.WithRelayMeter(m.MeterProvider().Meter("storefront/events")),
	)

	// HTTP handlers.
	var handlerOpts []handler.Option
	if cfg.Idempotency.Table != "" {
		awsCfg, err := loadAWS(ctx, cfg.AWS)
		if err != nil {
			return err
		}
		store := idempotency.NewStore(newDynamoClient(awsCfg, cfg.AWS), cfg.Idempotency.Table, cfg.Idempotency.TTL)
		handlerOpts = append(handlerOpts, handler.WithIdempotency(store))
	}
	authn := auth.NewAuthenticator(repository.NewAPIKeyRepository(pool), []byte(cfg.APIKeyPepper))
	h := handler.NewHandler(pricingSvc, converter, orderSvc, authn, handlerOpts...)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(newMux(h.Router(), healthSvc),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader, "api_key", handler.IdempotencyKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.KeyByHeader(handler.APIKeyHeader),
				Counter: limitCounter,
				OnError: func(r *http.Request, err error) {
					zctx.From(ctx).Warn("Rate limiter unavailable", zap.String("path", r.URL.Path), zap.Error(err))
				},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument(serviceName, m),
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gCtx)
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// newMux serves the probes, next to the API routes when api is not nil.
func newMux(api http.Handler, healthSvc *health.Health) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	if api != nil {
		mux.Handle("/", api)
	}
	return mux
}
