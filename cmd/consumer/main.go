// Command consumer reads driver position reports from Kafka, applies them to
// the shared Redis location store and relays each accepted report to the API
// servers over Redis pub/sub.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total messages that could not be decoded or were dropped",
	})
	locationUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_total",
		Help: "Total location reports applied",
	})
	locationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_errors_total",
		Help: "Total location reports that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationUpdates, locationErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := geo.NewRedisClient(redisAddr, cfg.RedisPassword)
	locations := geo.NewRedisStore(rc, cfg.RedisGeoKey, cfg.Dispatch.StalenessWindow, nil)

	// driver profiles are optional here; without them a returning driver's
	// status is left to the API process
	var drivers storage.DriverStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.Dispatch)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		drivers = pg
	}
	svc, hub := newIngest(rc, locations, drivers, cfg.RedisEventsChannel, logger)
	go hub.Run(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Error("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var rep ingest.Report
		if err := json.Unmarshal(m.Value, &rep); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if rep.DriverID == "" {
			rep.DriverID = string(m.Key)
		}

		err = reportWithRetry(ctx, svc, rep, 3, 200*time.Millisecond)
		switch {
		case errors.Is(err, ingest.ErrDropped):
			msgsInvalid.Inc()
		case err != nil:
			locationErrors.Inc()
			logger.Error("location update failed", "driver_id", rep.DriverID, "error", err)
		default:
			locationUpdates.Inc()
		}
	}
}

// newIngest builds the ingest service with a hub whose only reader is the
// Redis events channel the API servers relay from.
func newIngest(rc *redis.Client, locations geo.Store, drivers storage.DriverStore, channel string, logger *slog.Logger) (*ingest.Service, *bus.Hub) {
	hub := bus.NewHub(64, logger, bus.NewRedisSink(rc, channel))
	return ingest.NewService(locations, drivers, hub, logger), hub
}

// Reporter applies one location report.
type Reporter interface {
	Report(ctx context.Context, r ingest.Report) error
}

// reportWithRetry retries store failures with doubling delay. A dropped
// report is returned at once; retrying cannot fix it.
func reportWithRetry(ctx context.Context, rep Reporter, r ingest.Report, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = rep.Report(ctx, r)
		if err == nil || errors.Is(err, ingest.ErrDropped) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
