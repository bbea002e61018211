package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ride-coupons/internal/domain/reservation"
	"github.com/xenking/ride-coupons/internal/domain/segment"
	"github.com/xenking/ride-coupons/internal/handler"
	"github.com/xenking/ride-coupons/internal/lease"
	"github.com/xenking/ride-coupons/internal/ledger"
	"github.com/xenking/ride-coupons/internal/ridefeed"
	"github.com/xenking/ride-coupons/internal/storage/postgres"
	"github.com/xenking/ride-coupons/pkg/health"
	"github.com/xenking/ride-coupons/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the background
// jobs, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Leader election for background jobs.
	sweepLeader, relayLeader, closeLeases := leaders(cfg, healthSvc)
	defer closeLeases(lg)

	// Domain services.
	segments, err := segment.New(segment.Strategy(cfg.Segments.Strategy))
	if err != nil {
		return errors.Wrap(err, "create segment matcher")
	}
	store := postgres.NewStore(pool, cfg.Reservation.LockTimeout)
	mgr, err := reservation.NewManager(store,
		reservation.WithTTL(cfg.Reservation.TTL),
		reservation.WithAttempts(cfg.Reservation.Attempts),
		reservation.WithSegments(segments),
		reservation.WithLogger(lg.Named("reservation")),
		reservation.WithTracerProvider(m.TracerProvider()),
		reservation.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create reservation manager")
	}
	sweeper := mgr.NewSweeper(reservation.SweeperConfig{
		Interval: cfg.Sweeper.Interval,
		Batch:    cfg.Sweeper.Batch,
		Leader:   sweepLeader,
	})
	healthSvc.AddLivenessCheck("sweeper", time.Second,
		health.FreshnessCheck(sweeper.LastRun, 3*sweeper.Interval()).Check)

	// Ledger hand-off.
	var writer ledger.MessageWriter = ledger.LogWriter{Logger: lg.Named("ledger")}
	if len(cfg.Ledger.Brokers) > 0 {
		kw := ledger.NewKafkaWriter(cfg.Ledger.Brokers, cfg.Ledger.Topic)
		defer func() {
			if err := kw.Close(); err != nil {
				lg.Warn("Close ledger writer", zap.Error(err))
			}
		}()
		writer = kw
	} else {
		lg.Warn("No ledger brokers configured, discount events are only logged")
	}
	relay := ledger.NewRelay(store, writer, ledger.RelayConfig{
		Interval: cfg.Ledger.Interval,
		Batch:    cfg.Ledger.Batch,
		Leader:   relayLeader,
	}, lg.Named("ledger"))

	// HTTP handlers.
	h := handler.New(mgr, sweeper)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/", otelhttp.NewHandler(h.Routes(), "coupons-api",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.HeaderKey(handler.UserHeader),
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	if len(cfg.Rides.Brokers) > 0 {
		reader := ridefeed.NewKafkaReader(cfg.Rides.Brokers, cfg.Rides.Topic, cfg.Rides.GroupID)
		defer func() {
			if err := reader.Close(); err != nil {
				lg.Warn("Close ride reader", zap.Error(err))
			}
		}()
		consumer := ridefeed.NewConsumer(reader, mgr, lg.Named("ridefeed"))
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	} else {
		lg.Warn("No ride brokers configured, reservations are finalized over HTTP only")
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
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

// leaders returns the leader election of the sweeper and the ledger relay.
// Without Redis every replica leads.
func leaders(cfg *Config, healthSvc *health.Health) (sweep, relay reservation.Leader, closeFn func(*zap.Logger)) {
	if cfg.Redis.Addr == "" {
		return lease.Always{}, lease.Always{}, func(*zap.Logger) {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	sweepLease := lease.NewRedis(client, "ride-coupons:lease:sweeper",
		max(cfg.Redis.LeaseTTL, 2*cfg.Sweeper.Interval))
	relayLease := lease.NewRedis(client, "ride-coupons:lease:ledger-relay",
		max(cfg.Redis.LeaseTTL, 2*cfg.Ledger.Interval))

	return sweepLease, relayLease, func(lg *zap.Logger) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, l := range []*lease.Redis{sweepLease, relayLease} {
			if err := l.Release(ctx); err != nil {
				lg.Warn("Release lease", zap.Error(err))
			}
		}
		if err := client.Close(); err != nil {
			lg.Warn("Close redis client", zap.Error(err))
		}
	}
}
