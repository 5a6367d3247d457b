package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	rides    storage.RideStore
	drivers  storage.DriverStore
	settings config.Provider
	cats     []models.CarCategory
	close    func()
}

// openStores uses Postgres when a DSN is configured and the in-memory store
// otherwise. Categories fall back to the built-in table when the database has
// none.
func openStores(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (stores, error) {
	if cfg.PGDSN == "" {
		mem := storage.NewMemoryStore(fare.DefaultCategories())
		cats, _ := mem.ListCategories(ctx)
		logger.Warn("PG_DSN not set, using in-memory store")
		return stores{rides: mem, drivers: mem, settings: config.Static(cfg.Dispatch), cats: cats, close: func() {}}, nil
	}

	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.Dispatch)
	if err != nil {
		return stores{}, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return stores{}, err
		}
		logger.Info("migrations applied")
	}
	cats, err := pg.ListCategories(ctx)
	if err != nil || len(cats) == 0 {
		logger.Warn("no car categories in database, using defaults", "error", err)
		cats = fare.DefaultCategories()
	}
	return stores{rides: pg, drivers: pg, settings: pg, cats: cats, close: func() { _ = pg.Close() }}, nil
}

// openLocations returns the Redis client too when Redis backs the store; it
// also carries the events relayed from the consumer.
func openLocations(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (geo.Store, *redis.Client, func(), error) {
	window := cfg.Dispatch.StalenessWindow
	if cfg.RedisAddr == "" {
		return geo.NewIndex(window, nil), nil, func() {}, nil
	}
	client := geo.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("using redis location store", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	return geo.NewRedisStore(client, cfg.RedisGeoKey, window, nil), client, func() { _ = client.Close() }, nil
}

// startRelay feeds events published by other processes into hub. The server
// itself never publishes to the channel, so nothing echoes back.
func startRelay(ctx context.Context, client *redis.Client, channel string, hub *bus.Hub, logger *slog.Logger) error {
	relay := &bus.RedisRelay{
		Client:   client,
		Channel:  channel,
		Hub:      hub,
		Decoders: map[string]bus.Decoder{bus.TopicDriverLocation: ingest.DecodeLocation},
		Logger:   logger,
	}
	if err := relay.Start(ctx); err != nil {
		return err
	}
	logger.Info("relaying consumer events", "channel", channel)
	return nil
}

func openSinks(cfg config.ServerConfig, logger *slog.Logger) ([]bus.Sink, func()) {
	var sinks []bus.Sink
	var closers []func() error
	if len(cfg.KafkaBrokers) > 0 {
		k := bus.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.NSQAddr != "" {
		n, err := bus.NewNSQSink(cfg.NSQAddr)
		if err != nil {
			logger.Warn("nsq sink disabled", "error", err)
		} else {
			sinks = append(sinks, n)
			closers = append(closers, n.Close)
		}
	}
	return sinks, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	catalog, err := fare.NewCatalog(st.cats)
	if err != nil {
		return fmt.Errorf("car categories: %w", err)
	}

	locations, rc, closeLocations, err := openLocations(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocations()

	sinks, closeSinks := openSinks(cfg, logger)
	defer closeSinks()
	hub := bus.NewHub(64, logger, sinks...)
	go hub.Run(ctx)
	if rc != nil {
		if err := startRelay(ctx, rc, cfg.RedisEventsChannel, hub, logger); err != nil {
			return err
		}
	}

	sweeper := &ingest.Sweeper{Store: locations, Drivers: st.drivers, Interval: cfg.Dispatch.SweepInterval, Logger: logger}
	go sweeper.Run(ctx)

	sessions := dispatch.NewWSRegistry()
	orch := dispatch.NewOrchestrator(st.rides, &matcher.Finder{Locations: locations, Profiles: st.drivers},
		st.settings, hub, sessions, logger)
	auto := dispatch.NewAutoDispatcher(ctx, orch, st.settings, logger)

	var pay ride.PaymentAuthorizer
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	rides := ride.NewService(ride.Deps{
		Rides:     st.rides,
		Catalog:   catalog,
		Payments:  pay,
		Currency:  cfg.PaymentCurrency,
		Scheduler: auto,
		Hub:       hub,
		Logger:    logger,
	})

	srv := httpapi.NewServer(httpapi.Deps{
		Rides:      rides,
		Dispatcher: orch,
		Scheduler:  auto,
		Locations:  ingest.NewService(locations, st.drivers, hub, logger),
		Drivers:    st.drivers,
		Sessions:   sessions,
		Hub:        hub,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	auto.Wait()
	return nil
}
