// Package dispatch selects and atomically assigns a driver to a pending ride,
// and retries rides nobody could take yet.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type OutcomeKind string

const (
	OutcomeAssigned        OutcomeKind = "assigned"
	OutcomeNoDrivers       OutcomeKind = "no_drivers"
	OutcomeAlreadyResolved OutcomeKind = "already_resolved"
)

// AssignedDriver summarises the winning candidate.
type AssignedDriver struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Rating     float64 `json:"rating"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_minutes"`
	Score      float64 `json:"score"`
}

// Outcome is the expected result of a dispatch attempt. Failures are errors.
type Outcome struct {
	Kind                 OutcomeKind     `json:"outcome"`
	RideID               string          `json:"ride_id"`
	Driver               *AssignedDriver `json:"driver,omitempty"`
	CandidatesConsidered int             `json:"candidates_considered"`
	Attempt              int             `json:"attempt"`
}

// RetryableError wraps an infrastructure failure with what a caller needs for
// its backoff policy.
type RetryableError struct {
	RideID  string
	Attempt int
	Op      string
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("dispatch ride %s attempt %d: %s: %v", e.RideID, e.Attempt, e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error   { return e.Err }
func (e *RetryableError) Retryable() bool { return true }

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Assignment is what the driver and event subscribers learn about a match.
type Assignment struct {
	RideID         string       `json:"ride_id"`
	DriverID       string       `json:"driver_id"`
	PassengerID    string       `json:"passenger_id"`
	Pickup         models.Coord `json:"pickup"`
	Dropoff        models.Coord `json:"dropoff"`
	PickupAddress  string       `json:"pickup_address,omitempty"`
	DropoffAddress string       `json:"dropoff_address,omitempty"`
	EstimatedFare  float64      `json:"estimated_fare"`
	DistanceKm     float64      `json:"distance_km"`
	ETAMinutes     float64      `json:"eta_minutes"`
	Score          float64      `json:"score"`
	AssignedAt     time.Time    `json:"assigned_at"`
}

// Notifier tells a driver about a new assignment. Delivery is best effort.
type Notifier interface {
	NotifyAssignment(ctx context.Context, a Assignment) error
}

type CandidateFinder interface {
	Find(ctx context.Context, q matcher.Query) ([]models.MatchCandidate, error)
}

type Orchestrator struct {
	rides    storage.RideStore
	finder   CandidateFinder
	settings config.Provider
	hub      *bus.Hub
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(rides storage.RideStore, finder CandidateFinder, settings config.Provider, hub *bus.Hub, notifier Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		rides:    rides,
		finder:   finder,
		settings: settings,
		hub:      hub,
		notifier: notifier,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

func (o *Orchestrator) Dispatch(ctx context.Context, rideID string) (Outcome, error) {
	return o.DispatchAttempt(ctx, rideID, 1)
}

// DispatchAttempt runs one dispatch cycle. No lock is held between scoring and
// the assignment write; the write itself re-checks that the ride is pending
// and the driver available. A candidate that lost its availability in between
// is skipped, a ride that left pending ends the attempt as already resolved.
func (o *Orchestrator) DispatchAttempt(ctx context.Context, rideID string, attempt int) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		observability.DispatchLatency.Observe(time.Since(start).Seconds())
		label := string(out.Kind)
		if err != nil {
			label = "error"
		}
		observability.DispatchOutcomes.WithLabelValues(label).Inc()
	}()

	out = Outcome{RideID: rideID, Attempt: attempt}
	retry := func(op string, err error) error {
		o.logger.Error("dispatch_failed", "ride_id", rideID, "attempt", attempt, "op", op, "error", err)
		return &RetryableError{RideID: rideID, Attempt: attempt, Op: op, Err: err}
	}

	cfg, err := o.settings.DispatchConfig(ctx)
	if err != nil {
		return out, retry("load_settings", err)
	}

	ride, err := o.rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, fmt.Errorf("ride %s: %w", rideID, err)
	}
	if err != nil {
		return out, retry("load_ride", err)
	}
	if ride.Status != models.RidePending {
		out.Kind = OutcomeAlreadyResolved
		o.logger.Info("dispatch_already_resolved", "ride_id", rideID, "status", string(ride.Status))
		return out, nil
	}

	cands, err := o.finder.Find(ctx, matcher.Query{
		Pickup:          ride.Pickup,
		MaxDistanceKm:   cfg.RadiusKm,
		MinRating:       cfg.MinRating,
		Limit:           cfg.CandidateLimit,
		CategoryID:      ride.CategoryID,
		AverageSpeedKmh: cfg.AverageSpeedKmh,
	})
	if errors.Is(err, models.ErrValidation) {
		return out, err
	}
	if err != nil {
		return out, retry("find_candidates", err)
	}
	out.CandidatesConsidered = len(cands)
	observability.DispatchCandidates.Observe(float64(len(cands)))
	if len(cands) == 0 {
		return o.noDrivers(ctx, out, retry)
	}

	ranked := matcher.Score(cands, matcher.DefaultWeights, ride.PreferredDriverID, cfg.PreferredDriverBonus)
	for _, c := range ranked {
		at := o.now().UTC()
		res, err := o.rides.AssignDriver(ctx, ride.ID, c.Profile.ID, at)
		if err != nil {
			return out, retry("assign_driver", err)
		}
		switch res {
		case storage.AssignOK:
			out.Kind = OutcomeAssigned
			out.Driver = &AssignedDriver{
				ID:         c.Profile.ID,
				Name:       c.Profile.Name,
				Rating:     c.Profile.Rating,
				DistanceKm: c.DistanceKm,
				ETAMinutes: c.ETAMinutes,
				Score:      c.Score,
			}
			o.announce(ctx, ride, c, at)
			return out, nil
		case storage.AssignRideNotPending:
			out.Kind = OutcomeAlreadyResolved
			o.logger.Info("dispatch_lost_race", "ride_id", rideID, "attempt", attempt)
			return out, nil
		case storage.AssignDriverUnavailable:
			o.logger.Info("dispatch_candidate_unavailable", "ride_id", rideID, "driver_id", c.Profile.ID)
		}
	}

	return o.noDrivers(ctx, out, retry)
}

// noDrivers re-reads the ride before reporting an empty pool: a concurrent
// dispatch that just won also took its driver out of the candidate set.
func (o *Orchestrator) noDrivers(ctx context.Context, out Outcome, retry func(string, error) error) (Outcome, error) {
	ride, err := o.rides.GetRide(ctx, out.RideID)
	if err != nil {
		return out, retry("reload_ride", err)
	}
	if ride.Status != models.RidePending {
		out.Kind = OutcomeAlreadyResolved
		o.logger.Info("dispatch_lost_race", "ride_id", out.RideID, "attempt", out.Attempt)
		return out, nil
	}
	out.Kind = OutcomeNoDrivers
	o.logger.Info("dispatch_no_drivers", "ride_id", out.RideID, "attempt", out.Attempt, "candidates", out.CandidatesConsidered)
	return out, nil
}

func (o *Orchestrator) announce(ctx context.Context, ride *models.Ride, c models.MatchCandidate, at time.Time) {
	a := Assignment{
		RideID:         ride.ID,
		DriverID:       c.Profile.ID,
		PassengerID:    ride.PassengerID,
		Pickup:         ride.Pickup,
		Dropoff:        ride.Dropoff,
		PickupAddress:  ride.PickupAddress,
		DropoffAddress: ride.DropoffAddress,
		EstimatedFare:  ride.EstimatedFare,
		DistanceKm:     c.DistanceKm,
		ETAMinutes:     c.ETAMinutes,
		Score:          c.Score,
		AssignedAt:     at,
	}
	o.logger.Info("dispatch_assigned", "ride_id", ride.ID, "driver_id", c.Profile.ID,
		"score", c.Score, "distance_km", c.DistanceKm, "eta_minutes", c.ETAMinutes)
	if o.hub != nil {
		o.hub.Publish(ctx, bus.TopicRideAssigned, ride.ID, a)
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyAssignment(ctx, a); err != nil {
			o.logger.Warn("driver_notify_failed", "ride_id", ride.ID, "driver_id", c.Profile.ID, "error", err)
		}
	}
}
