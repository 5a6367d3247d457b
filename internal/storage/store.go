// Package storage persists rides, driver profiles and reference data.
//
// The one operation with a hard concurrency contract is AssignDriver: it must
// move a ride from pending to accepted and its driver from available to
// on_trip as a single conditional write, so that concurrent dispatches for the
// same ride or the same driver produce at most one assignment.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDriverOnTrip      = errors.New("driver is on a trip")
	ErrInvalidTransition = errors.New("invalid ride status transition")
)

type AssignResult int

const (
	AssignOK AssignResult = iota
	AssignRideNotPending
	AssignDriverUnavailable
)

func (r AssignResult) String() string {
	switch r {
	case AssignOK:
		return "ok"
	case AssignRideNotPending:
		return "ride_not_pending"
	case AssignDriverUnavailable:
		return "driver_unavailable"
	}
	return "unknown"
}

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// AssignDriver applies ride pending->accepted and driver available->on_trip
	// together or not at all.
	AssignDriver(ctx context.Context, rideID, driverID string, at time.Time) (AssignResult, error)
	// TransitionRide moves a ride along the status machine. Completing or
	// cancelling a ride with a driver hands the driver back to available.
	TransitionRide(ctx context.Context, id string, to models.RideStatus, at time.Time) (*models.Ride, error)
}

type DriverStore interface {
	UpsertDriver(ctx context.Context, p models.DriverProfile) (models.DriverProfile, error)
	GetDriver(ctx context.Context, id string) (models.DriverProfile, error)
	GetDrivers(ctx context.Context, ids []string) (map[string]models.DriverProfile, error)
	// SetDriverStatus is the manual toggle; it never moves a driver into or
	// out of on_trip.
	SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) error
	CompareAndSetDriverStatus(ctx context.Context, id string, from, to models.DriverStatus) (bool, error)
}

type CategoryStore interface {
	ListCategories(ctx context.Context) ([]models.CarCategory, error)
}

func checkManualStatus(current, next models.DriverStatus) error {
	if next == models.DriverOnTrip {
		return models.Invalid("status", "on_trip is set by dispatch only")
	}
	if current == models.DriverOnTrip {
		return ErrDriverOnTrip
	}
	return nil
}
