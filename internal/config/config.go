package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	// RedisEventsChannel carries events from the consumer to API servers.
	RedisEventsChannel string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string
	KafkaGroup       string

	NSQAddr string

	PGDSN string

	StripeAPIKey    string
	PaymentCurrency string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds matching and auto-dispatch tunables. It is passed
// explicitly to the components that need it.
type DispatchConfig struct {
	RadiusKm        float64
	MinRating       float64
	CandidateLimit  int
	AverageSpeedKmh float64

	StalenessWindow time.Duration
	SweepInterval   time.Duration

	AutoDispatch      bool
	AutoDispatchDelay time.Duration
	RetryBackoff      float64
	MaxRetryDelay     time.Duration
	MaxAttempts       int
	MaxRideAge        time.Duration

	PreferredDriverBonus float64
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		RadiusKm:             5,
		MinRating:            4.0,
		CandidateLimit:       10,
		AverageSpeedKmh:      30,
		StalenessWindow:      30 * time.Second,
		SweepInterval:        10 * time.Second,
		AutoDispatch:         true,
		AutoDispatchDelay:    5 * time.Second,
		RetryBackoff:         2.0,
		MaxRetryDelay:        60 * time.Second,
		MaxAttempts:          5,
		MaxRideAge:           10 * time.Minute,
		PreferredDriverBonus: 100,
	}
}

func (c DispatchConfig) Validate() error {
	var errs []error
	if c.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("dispatch radius must be > 0"))
	}
	if c.MinRating < 0 || c.MinRating > 5 {
		errs = append(errs, fmt.Errorf("dispatch min rating must be within 0..5"))
	}
	if c.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("dispatch candidate limit must be > 0"))
	}
	if c.StalenessWindow <= 0 {
		errs = append(errs, fmt.Errorf("location staleness window must be > 0"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("auto dispatch max attempts must be > 0"))
	}
	if c.AutoDispatchDelay <= 0 {
		errs = append(errs, fmt.Errorf("auto dispatch delay must be > 0"))
	}
	if c.MaxRetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("auto dispatch max delay must be > 0"))
	}
	if c.RetryBackoff < 1 {
		errs = append(errs, fmt.Errorf("auto dispatch backoff must be >= 1"))
	}
	if c.PreferredDriverBonus < 0 {
		errs = append(errs, fmt.Errorf("preferred driver bonus must be >= 0"))
	}
	return errors.Join(errs...)
}

// Provider yields the dispatch settings in force for a single call.
type Provider interface {
	DispatchConfig(ctx context.Context) (DispatchConfig, error)
}

// Static is a Provider that always returns the same settings.
type Static DispatchConfig

func (s Static) DispatchConfig(context.Context) (DispatchConfig, error) {
	return DispatchConfig(s), nil
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		RedisEventsChannel: "ride-dispatch:events",
		KafkaTopic:         "driver-locations",
		KafkaEventsTopic:   "dispatch-events",
		KafkaGroup:         "ride-dispatch-consumer",
		Dispatch:           DefaultDispatchConfig(),
		PaymentCurrency:    "rwf",
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisEventsChannel, "REDIS_EVENTS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.NSQAddr = strings.TrimSpace(os.Getenv("NSQ_ADDR"))
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	loadDispatchFromEnv(&cfg.Dispatch, &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if err := cfg.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

func loadDispatchFromEnv(d *DispatchConfig, errs *[]error) {
	for key := range d.settings() {
		if v := os.Getenv(key); v != "" {
			if _, err := d.Set(key, v); err != nil {
				*errs = append(*errs, err)
			}
		}
	}
}

func (c *DispatchConfig) settings() map[string]any {
	return map[string]any{
		"DISPATCH_RADIUS_KM":         &c.RadiusKm,
		"DISPATCH_MIN_RATING":        &c.MinRating,
		"DISPATCH_CANDIDATE_LIMIT":   &c.CandidateLimit,
		"DISPATCH_AVG_SPEED_KMH":     &c.AverageSpeedKmh,
		"DISPATCH_PREFERRED_BONUS":   &c.PreferredDriverBonus,
		"LOCATION_STALENESS":         &c.StalenessWindow,
		"LOCATION_SWEEP_INTERVAL":    &c.SweepInterval,
		"AUTO_DISPATCH":              &c.AutoDispatch,
		"AUTO_DISPATCH_DELAY":        &c.AutoDispatchDelay,
		"AUTO_DISPATCH_BACKOFF":      &c.RetryBackoff,
		"AUTO_DISPATCH_MAX_DELAY":    &c.MaxRetryDelay,
		"AUTO_DISPATCH_MAX_ATTEMPTS": &c.MaxAttempts,
		"AUTO_DISPATCH_MAX_AGE":      &c.MaxRideAge,
	}
}

// Set overrides one setting by its env key (case-insensitive). It reports
// false for names it does not know.
func (c *DispatchConfig) Set(name, value string) (bool, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	target, ok := c.settings()[key]
	if !ok {
		return false, nil
	}
	value = strings.TrimSpace(value)
	var err error
	switch t := target.(type) {
	case *float64:
		var f float64
		if f, err = strconv.ParseFloat(value, 64); err == nil {
			*t = f
		}
	case *int:
		var i int
		if i, err = strconv.Atoi(value); err == nil {
			*t = i
		}
	case *bool:
		var b bool
		if b, err = strconv.ParseBool(value); err == nil {
			*t = b
		}
	case *time.Duration:
		var d time.Duration
		if d, err = time.ParseDuration(value); err == nil {
			*t = d
		}
	}
	if err != nil {
		return true, fmt.Errorf("invalid %s: %w", key, err)
	}
	return true, nil
}

// ErrStartupOnly rejects a runtime override of a setting that sizes
// long-lived components: the location stores and the sweeper.
var ErrStartupOnly = errors.New("setting is read from the environment at startup only")

var startupOnly = map[string]bool{
	"LOCATION_STALENESS":      true,
	"LOCATION_SWEEP_INTERVAL": true,
}

// SetRuntime is Set for overrides applied while the server runs.
func (c *DispatchConfig) SetRuntime(name, value string) (bool, error) {
	if key := strings.ToUpper(strings.TrimSpace(name)); startupOnly[key] {
		return true, fmt.Errorf("%s: %w", key, ErrStartupOnly)
	}
	return c.Set(name, value)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
