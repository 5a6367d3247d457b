package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Dispatcher interface {
	DispatchAttempt(ctx context.Context, rideID string, attempt int) (Outcome, error)
}

// AutoDispatcher dispatches newly created rides after a delay and keeps
// retrying rides that found no driver, backing off between attempts, until
// the attempt budget or the ride age limit runs out.
type AutoDispatcher struct {
	ctx        context.Context
	dispatcher Dispatcher
	settings   config.Provider
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewAutoDispatcher ties all scheduled work to ctx; cancelling it stops
// every pending retry.
func NewAutoDispatcher(ctx context.Context, d Dispatcher, settings config.Provider, logger *slog.Logger) *AutoDispatcher {
	return &AutoDispatcher{
		ctx:        ctx,
		dispatcher: d,
		settings:   settings,
		logger:     logging.OrDefault(logger),
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// Schedule starts the retry loop for a pending ride. It reports false when
// auto-dispatch is off, the ride is not pending, or a loop for the ride is
// already running.
func (a *AutoDispatcher) Schedule(ride models.Ride) bool {
	if ride.Status != models.RidePending {
		return false
	}
	cfg, err := a.settings.DispatchConfig(a.ctx)
	if err != nil {
		a.logger.Error("auto_dispatch_settings_failed", "ride_id", ride.ID, "error", err)
		return false
	}
	if !cfg.AutoDispatch {
		return false
	}

	a.mu.Lock()
	if _, ok := a.inflight[ride.ID]; ok {
		a.mu.Unlock()
		return false
	}
	a.inflight[ride.ID] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.inflight, ride.ID)
			a.mu.Unlock()
		}()
		a.run(ride, cfg)
	}()
	return true
}

// Wait blocks until every scheduled loop has returned.
func (a *AutoDispatcher) Wait() { a.wg.Wait() }

func (a *AutoDispatcher) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

func (a *AutoDispatcher) run(ride models.Ride, cfg config.DispatchConfig) {
	delay := cfg.AutoDispatchDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
		}

		if fresh, err := a.settings.DispatchConfig(a.ctx); err == nil {
			cfg = fresh
		}
		if cfg.MaxRideAge > 0 && !ride.CreatedAt.IsZero() && a.now().Sub(ride.CreatedAt) > cfg.MaxRideAge {
			observability.AutoDispatchAttempts.WithLabelValues("expired").Inc()
			a.logger.Warn("auto_dispatch_gave_up", "ride_id", ride.ID, "attempt", attempt, "reason", "ride_too_old")
			return
		}

		out, err := a.dispatcher.DispatchAttempt(a.ctx, ride.ID, attempt)
		switch {
		case err != nil && !IsRetryable(err):
			observability.AutoDispatchAttempts.WithLabelValues("failed").Inc()
			a.logger.Error("auto_dispatch_failed", "ride_id", ride.ID, "attempt", attempt, "error", err)
			return
		case err != nil:
			observability.AutoDispatchAttempts.WithLabelValues("retryable_error").Inc()
		case out.Kind == OutcomeAssigned, out.Kind == OutcomeAlreadyResolved:
			observability.AutoDispatchAttempts.WithLabelValues(string(out.Kind)).Inc()
			return
		default:
			observability.AutoDispatchAttempts.WithLabelValues(string(out.Kind)).Inc()
		}

		if attempt >= cfg.MaxAttempts {
			observability.AutoDispatchAttempts.WithLabelValues("gave_up").Inc()
			a.logger.Warn("auto_dispatch_gave_up", "ride_id", ride.ID, "attempt", attempt, "reason", "max_attempts")
			return
		}
		delay = nextDelay(delay, cfg)
		a.logger.Info("auto_dispatch_retry", "ride_id", ride.ID, "attempt", attempt, "next_in", delay.String())
		timer.Reset(delay)
	}
}

func nextDelay(prev time.Duration, cfg config.DispatchConfig) time.Duration {
	backoff := cfg.RetryBackoff
	if backoff < 1 {
		backoff = 1
	}
	next := time.Duration(float64(prev) * backoff)
	if cfg.MaxRetryDelay > 0 && next > cfg.MaxRetryDelay {
		next = cfg.MaxRetryDelay
	}
	return next
}
