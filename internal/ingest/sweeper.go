package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Sweeper periodically flags stale location records inactive and moves the
// matching drivers from available to inactive.
type Sweeper struct {
	Store    geo.Store
	Drivers  storage.DriverStore
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logging.OrDefault(s.Logger).Error("location_sweep_failed", "error", err)
			}
		}
	}
}

// SweepOnce returns the ids of drivers whose records went stale this round.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	logger := logging.OrDefault(s.Logger)
	stale, err := s.Store.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		if s.Drivers == nil {
			break
		}
		// a report that landed after the sweep re-activated the record
		if rec, ok, err := s.Store.Get(ctx, id); err == nil && ok && rec.Active {
			continue
		}
		// only available drivers; an on_trip driver in a tunnel keeps the trip
		if _, err := s.Drivers.CompareAndSetDriverStatus(ctx, id, models.DriverAvailable, models.DriverInactive); err != nil {
			logger.Error("driver_deactivate_failed", "driver_id", id, "error", err)
		}
	}
	if len(stale) > 0 {
		logger.Info("location_sweep", "stale", len(stale))
	}
	if active, err := s.Store.Active(ctx); err == nil {
		observability.DriversActive.Set(float64(len(active)))
	}
	return stale, nil
}
