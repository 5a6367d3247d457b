package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ErrValidation is matched by every ValidationError via errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError reports a rejected input field. Never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ValidateCoord rejects non-finite or out-of-range coordinates. Negative values
// inside the valid ranges are accepted.
func ValidateCoord(field string, c Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return Invalid(field, "coordinate is not a finite number")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return Invalid(field, fmt.Sprintf("latitude %f out of range", c.Lat))
	}
	if c.Lon < -180 || c.Lon > 180 {
		return Invalid(field, fmt.Sprintf("longitude %f out of range", c.Lon))
	}
	return nil
}

type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideAccepted   RideStatus = "accepted"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

var rideTransitions = map[RideStatus][]RideStatus{
	RidePending:    {RideAccepted, RideCancelled},
	RideAccepted:   {RideInProgress, RideCancelled},
	RideInProgress: {RideCompleted},
}

// CanTransition reports whether the ride state machine allows from -> to.
func CanTransition(from, to RideStatus) bool {
	for _, s := range rideTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ParseRideStatus(v string) (RideStatus, error) {
	switch s := RideStatus(v); s {
	case RidePending, RideAccepted, RideInProgress, RideCompleted, RideCancelled:
		return s, nil
	}
	return "", Invalid("status", fmt.Sprintf("unknown ride status %q", v))
}

type Ride struct {
	ID                string     `json:"id"`
	PassengerID       string     `json:"passenger_id"`
	Pickup            Coord      `json:"pickup"`
	Dropoff           Coord      `json:"dropoff"`
	PickupAddress     string     `json:"pickup_address,omitempty"`
	DropoffAddress    string     `json:"dropoff_address,omitempty"`
	Status            RideStatus `json:"status"`
	DriverID          string     `json:"driver_id,omitempty"`
	CategoryID        string     `json:"category_id"`
	DistanceKm        float64    `json:"distance_km"`
	EstimatedFare     float64    `json:"estimated_fare"`
	PaymentMethod     string     `json:"payment_method"`
	PaymentRef        string     `json:"payment_ref,omitempty"`
	PreferredDriverID string     `json:"preferred_driver_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	AcceptedAt        *time.Time `json:"accepted_at,omitempty"`
}

type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverOnTrip    DriverStatus = "on_trip"
	DriverInactive  DriverStatus = "inactive"
)

func ParseDriverStatus(v string) (DriverStatus, error) {
	switch s := DriverStatus(v); s {
	case DriverOffline, DriverAvailable, DriverOnTrip, DriverInactive:
		return s, nil
	}
	return "", Invalid("status", fmt.Sprintf("unknown driver status %q", v))
}

type Vehicle struct {
	Make       string `json:"make,omitempty"`
	Model      string `json:"model,omitempty"`
	Plate      string `json:"plate,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
}

type DriverProfile struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Rating     float64      `json:"rating"` // 0..5
	TotalTrips int          `json:"total_trips"`
	Status     DriverStatus `json:"status"`
	Vehicle    Vehicle      `json:"vehicle"`
}

// DriverLocationRecord is the single latest position of a broadcasting driver.
type DriverLocationRecord struct {
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
	Active     bool      `json:"active"`
}

// Fresh reports whether the record is active and newer than now-window.
func (r DriverLocationRecord) Fresh(now time.Time, window time.Duration) bool {
	return r.Active && now.Sub(r.ReportedAt) <= window
}

type CarCategory struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	BaseFare    float64 `json:"base_fare"`
	PricePerKm  float64 `json:"price_per_km"`
	MinimumFare float64 `json:"minimum_fare"`
	Capacity    int     `json:"capacity"`
}

// ScoreFactors are the normalized components behind a candidate's score.
type ScoreFactors struct {
	Rating         float64 `json:"rating"`
	Distance       float64 `json:"distance"`
	Experience     float64 `json:"experience"`
	ETA            float64 `json:"eta"`
	PreferredBonus float64 `json:"preferred_bonus,omitempty"`
}

// MatchCandidate lives for one dispatch attempt only.
type MatchCandidate struct {
	Profile    DriverProfile        `json:"profile"`
	Location   DriverLocationRecord `json:"location"`
	DistanceKm float64              `json:"distance_km"`
	ETAMinutes float64              `json:"eta_minutes"`
	Score      float64              `json:"score"`
	Factors    ScoreFactors         `json:"factors"`
}
