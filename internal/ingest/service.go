// Package ingest accepts driver position reports, keeps the location store
// current and republishes every accepted report to location subscribers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrDropped marks a report that was discarded as malformed.
var ErrDropped = errors.New("location report dropped")

// Report is one position report as sent by a driver device.
type Report struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (r Report) validate() error {
	if r.DriverID == "" {
		return models.Invalid("driver_id", "required")
	}
	if err := models.ValidateCoord("location", models.Coord{Lat: r.Lat, Lon: r.Lon}); err != nil {
		return err
	}
	if r.Heading != nil && (!finite(*r.Heading) || *r.Heading < 0 || *r.Heading >= 360) {
		return models.Invalid("heading", "must be within [0, 360)")
	}
	if r.Speed != nil && (!finite(*r.Speed) || *r.Speed < 0) {
		return models.Invalid("speed", "must be a non-negative number")
	}
	if r.Accuracy != nil && (!finite(*r.Accuracy) || *r.Accuracy < 0) {
		return models.Invalid("accuracy", "must be a non-negative number")
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

type Service struct {
	store   geo.Store
	drivers storage.DriverStore
	hub     *bus.Hub
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(store geo.Store, drivers storage.DriverStore, hub *bus.Hub, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		drivers: drivers,
		hub:     hub,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// Report upserts the driver's latest position and publishes it. Malformed
// reports are logged, counted and returned wrapped in ErrDropped; the store is
// left untouched. A report from a driver the store has never seen creates a
// new record.
func (s *Service) Report(ctx context.Context, r Report) error {
	if err := r.validate(); err != nil {
		observability.LocationReports.WithLabelValues("dropped").Inc()
		s.logger.Warn("location_report_dropped", "driver_id", r.DriverID, "reason", err.Error())
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}

	now := s.now()
	at := r.Timestamp
	// device clocks drift; the store orders by arrival anyway
	if at.IsZero() || at.After(now) {
		at = now
	}
	rec := models.DriverLocationRecord{
		DriverID:   r.DriverID,
		Loc:        models.Coord{Lat: r.Lat, Lon: r.Lon},
		Heading:    r.Heading,
		Speed:      r.Speed,
		Accuracy:   r.Accuracy,
		ReportedAt: at,
		Active:     true,
	}

	if err := s.store.Upsert(ctx, rec); err != nil {
		observability.LocationReports.WithLabelValues("error").Inc()
		return fmt.Errorf("store location %s: %w", r.DriverID, err)
	}
	// the profile can be inactive behind a fresh record or no record at all,
	// after a sweep that raced this report or one from a previous run
	s.reactivate(ctx, r.DriverID)

	observability.LocationReports.WithLabelValues("accepted").Inc()
	if s.hub != nil {
		s.hub.Publish(ctx, bus.TopicDriverLocation, rec.DriverID, rec)
	}
	return nil
}

// DecodeLocation restores a driver.location payload relayed from another
// process, so relayed and local reports look the same to subscribers.
func DecodeLocation(raw json.RawMessage) (any, error) {
	var rec models.DriverLocationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.DriverID == "" {
		return nil, models.Invalid("driver_id", "required")
	}
	return rec, nil
}

// reactivate undoes a staleness sweep once the driver reports again. It is a
// no-op unless the profile is inactive.
func (s *Service) reactivate(ctx context.Context, driverID string) {
	if s.drivers == nil {
		return
	}
	ok, err := s.drivers.CompareAndSetDriverStatus(ctx, driverID, models.DriverInactive, models.DriverAvailable)
	if err != nil {
		s.logger.Error("driver_reactivate_failed", "driver_id", driverID, "error", err)
		return
	}
	if ok {
		s.logger.Info("driver_reactivated", "driver_id", driverID)
	}
}

// SetDriverStatus is the driver's manual availability toggle. Going offline
// also removes the driver's location record.
func (s *Service) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	if err := s.drivers.SetDriverStatus(ctx, driverID, status); err != nil {
		return err
	}
	if status == models.DriverOffline {
		if err := s.store.Remove(ctx, driverID); err != nil {
			return fmt.Errorf("remove location %s: %w", driverID, err)
		}
	}
	s.logger.Info("driver_status_changed", "driver_id", driverID, "status", string(status))
	return nil
}

// Filter narrows a location subscription. Zero value matches every driver.
type Filter struct {
	DriverIDs []string
	Center    *models.Coord
	RadiusKm  float64
}

func (f Filter) match(rec models.DriverLocationRecord, ids map[string]struct{}) bool {
	if len(ids) > 0 {
		if _, ok := ids[rec.DriverID]; !ok {
			return false
		}
	}
	if f.Center != nil && geo.Haversine(*f.Center, rec.Loc) > f.RadiusKm {
		return false
	}
	return true
}

// SubscribeLocations streams location records matching f, starting with the
// current fresh snapshot. The stream ends when ctx is done or the returned
// cancel func is called; neither affects other subscribers. A consumer that
// falls behind misses updates rather than blocking ingestion.
func (s *Service) SubscribeLocations(ctx context.Context, f Filter) (<-chan models.DriverLocationRecord, func(), error) {
	if f.Center != nil {
		if err := models.ValidateCoord("center", *f.Center); err != nil {
			return nil, nil, err
		}
		if f.RadiusKm <= 0 {
			return nil, nil, models.Invalid("radius_km", "must be > 0 with a center")
		}
	}
	ids := make(map[string]struct{}, len(f.DriverIDs))
	for _, id := range f.DriverIDs {
		ids[id] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := s.hub.Subscribe(ctx, bus.TopicDriverLocation)
	snapshot, err := s.store.Active(ctx)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("location snapshot: %w", err)
	}

	out := make(chan models.DriverLocationRecord, 64)
	observability.LocationSubscribers.Inc()
	go func() {
		defer observability.LocationSubscribers.Dec()
		defer close(out)
		defer sub.Close()
		send := func(rec models.DriverLocationRecord) {
			if !f.match(rec, ids) {
				return
			}
			select {
			case out <- rec:
			default:
				observability.BusEventsDropped.WithLabelValues("slow_location_subscriber").Inc()
			}
		}
		for _, rec := range snapshot {
			send(rec)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if rec, ok := ev.Payload.(models.DriverLocationRecord); ok {
					send(rec)
				}
			}
		}
	}()
	return out, cancel, nil
}
