// Package ride is the booking boundary: it quotes fares, creates pending rides
// and hands them to auto-dispatch, and applies collaborator status changes.
package ride

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

// Scheduler receives every newly created pending ride.
type Scheduler interface {
	Schedule(r models.Ride) bool
}

// PaymentAuthorizer places a hold at booking and settles or releases it when
// the ride ends.
type PaymentAuthorizer interface {
	Hold(ctx context.Context, amount float64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

type Deps struct {
	Rides     storage.RideStore
	Catalog   *fare.Catalog
	Payments  PaymentAuthorizer // optional
	Currency  string
	Scheduler Scheduler // optional
	Hub       *bus.Hub  // optional
	Logger    *slog.Logger
}

type Service struct {
	deps  Deps
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

func NewService(d Deps) *Service {
	return &Service{deps: d, log: logging.OrDefault(d.Logger), now: time.Now, newID: uuid.NewString}
}

type CreateRequest struct {
	PassengerID       string       `json:"passenger_id"`
	Pickup            models.Coord `json:"pickup"`
	Dropoff           models.Coord `json:"dropoff"`
	PickupAddress     string       `json:"pickup_address"`
	DropoffAddress    string       `json:"dropoff_address"`
	CategoryID        string       `json:"category_id"`
	PaymentMethod     string       `json:"payment_method"`
	PaymentCustomer   string       `json:"payment_customer,omitempty"`
	PreferredDriverID string       `json:"preferred_driver_id,omitempty"`
}

// StatusChange is published on every ride status change.
type StatusChange struct {
	RideID   string            `json:"ride_id"`
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id,omitempty"`
	At       time.Time         `json:"at"`
}

func (s *Service) Quote(pickup, dropoff models.Coord, categoryID string) (fare.Quote, error) {
	return s.deps.Catalog.Quote(pickup, dropoff, categoryID)
}

func (s *Service) Categories() []models.CarCategory {
	return s.deps.Catalog.All()
}

// Create validates and prices the request, places a card hold when asked,
// stores the ride as pending and schedules it for dispatch.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Ride, error) {
	if strings.TrimSpace(req.PassengerID) == "" {
		return nil, models.Invalid("passenger_id", "required")
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	switch method {
	case "":
		method = PaymentCash
	case PaymentCash, PaymentCard:
	default:
		return nil, models.Invalid("payment_method", fmt.Sprintf("unsupported %q", req.PaymentMethod))
	}
	q, err := s.Quote(req.Pickup, req.Dropoff, req.CategoryID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &models.Ride{
		ID:                s.newID(),
		PassengerID:       req.PassengerID,
		Pickup:            req.Pickup,
		Dropoff:           req.Dropoff,
		PickupAddress:     req.PickupAddress,
		DropoffAddress:    req.DropoffAddress,
		Status:            models.RidePending,
		CategoryID:        q.CategoryID,
		DistanceKm:        q.DistanceKm,
		EstimatedFare:     q.Fare,
		PaymentMethod:     method,
		PreferredDriverID: req.PreferredDriverID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if method == PaymentCard && s.deps.Payments != nil {
		ref, err := s.deps.Payments.Hold(ctx, q.Fare, s.deps.Currency, req.PaymentCustomer)
		if err != nil {
			return nil, fmt.Errorf("payment hold: %w", err)
		}
		r.PaymentRef = ref
	}

	if err := s.deps.Rides.CreateRide(ctx, r); err != nil {
		s.release(ctx, r)
		return nil, err
	}
	s.log.Info("ride_created", "ride_id", r.ID, "passenger_id", r.PassengerID,
		"category_id", r.CategoryID, "distance_km", r.DistanceKm, "fare", r.EstimatedFare)
	s.publish(ctx, r)

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Schedule(*r)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	return s.deps.Rides.GetRide(ctx, id)
}

// Transition applies a collaborator-driven status change such as start,
// complete or cancel. Assignment is not reachable through here.
func (s *Service) Transition(ctx context.Context, id string, to models.RideStatus) (*models.Ride, error) {
	if to == models.RideAccepted {
		return nil, models.Invalid("status", "accepted is set by dispatch only")
	}
	r, err := s.deps.Rides.TransitionRide(ctx, id, to, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.Info("ride_status_changed", "ride_id", r.ID, "status", string(r.Status), "driver_id", r.DriverID)

	switch to {
	case models.RideCompleted:
		if r.PaymentRef != "" && s.deps.Payments != nil {
			if err := s.deps.Payments.Capture(ctx, r.PaymentRef); err != nil {
				s.log.Error("payment_capture_failed", "ride_id", r.ID, "error", err)
			}
		}
	case models.RideCancelled:
		s.release(ctx, r)
	}
	s.publish(ctx, r)
	return r, nil
}

func (s *Service) release(ctx context.Context, r *models.Ride) {
	if r.PaymentRef == "" || s.deps.Payments == nil {
		return
	}
	if err := s.deps.Payments.Cancel(ctx, r.PaymentRef); err != nil {
		s.log.Error("payment_release_failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, r *models.Ride) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Publish(ctx, bus.TopicRideStatus, r.ID, StatusChange{
		RideID: r.ID, Status: r.Status, DriverID: r.DriverID, At: r.UpdatedAt,
	})
}
