package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidateCoord(t *testing.T) {
	tests := []struct {
		name string
		c    Coord
		ok   bool
	}{
		{"kigali", Coord{Lat: -1.9441, Lon: 30.0619}, true},
		{"western hemisphere", Coord{Lat: 40.7128, Lon: -74.0060}, true},
		{"origin", Coord{}, true},
		{"nan lat", Coord{Lat: math.NaN(), Lon: 1}, false},
		{"inf lon", Coord{Lat: 1, Lon: math.Inf(1)}, false},
		{"lat too big", Coord{Lat: 91, Lon: 0}, false},
		{"lon too small", Coord{Lat: 0, Lon: -180.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoord("pickup", tt.c)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]RideStatus{
		{RidePending, RideAccepted},
		{RidePending, RideCancelled},
		{RideAccepted, RideInProgress},
		{RideAccepted, RideCancelled},
		{RideInProgress, RideCompleted},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("expected %s -> %s allowed", p[0], p[1])
		}
	}
	denied := [][2]RideStatus{
		{RideAccepted, RidePending},
		{RideInProgress, RideCancelled},
		{RideCompleted, RideCancelled},
		{RideCancelled, RideAccepted},
		{RidePending, RideCompleted},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Errorf("expected %s -> %s denied", p[0], p[1])
		}
	}
}

func TestRecordFresh(t *testing.T) {
	now := time.Now()
	r := DriverLocationRecord{DriverID: "d1", ReportedAt: now.Add(-29 * time.Second), Active: true}
	if !r.Fresh(now, 30*time.Second) {
		t.Fatal("expected fresh record")
	}
	r.ReportedAt = now.Add(-31 * time.Second)
	if r.Fresh(now, 30*time.Second) {
		t.Fatal("expected stale record")
	}
	r.ReportedAt = now
	r.Active = false
	if r.Fresh(now, 30*time.Second) {
		t.Fatal("inactive record must not be fresh")
	}
}
