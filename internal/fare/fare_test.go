package fare

import (
	"errors"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

var economy = models.CarCategory{ID: "economy", BaseFare: 1000, PricePerKm: 300, MinimumFare: 1500, Capacity: 4}

func TestEstimateKigaliExample(t *testing.T) {
	pickup := models.Coord{Lat: -1.9441, Lon: 30.0619}
	dropoff := models.Coord{Lat: -1.9706, Lon: 30.1044}

	q, err := Estimate(pickup, dropoff, economy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(q.DistanceKm-5.567) > 0.01 {
		t.Fatalf("distance = %f, want ~5.567", q.DistanceKm)
	}
	want := 1000 + q.DistanceKm*300*4
	if math.Abs(q.Fare-want) > 1e-9 {
		t.Fatalf("fare = %f, want %f", q.Fare, want)
	}
}

func TestEstimateZeroDistanceIsMinimumFare(t *testing.T) {
	p := models.Coord{Lat: -1.9441, Lon: 30.0619}
	q, err := Estimate(p, p, economy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.DistanceKm != 0 {
		t.Fatalf("expected 0 distance, got %f", q.DistanceKm)
	}
	if q.Fare != economy.MinimumFare {
		t.Fatalf("expected minimum fare %f, got %f", economy.MinimumFare, q.Fare)
	}
}

func TestEstimateDeterministicAndFloored(t *testing.T) {
	points := []models.Coord{
		{Lat: 0, Lon: 0},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 51.5074, Lon: -0.1278},
		{Lat: -1.95, Lon: 30.06},
		{Lat: -1.9501, Lon: 30.0601},
	}
	cats := append(DefaultCategories(), models.CarCategory{ID: "free", MinimumFare: 10, Capacity: 1})
	for _, a := range points {
		for _, b := range points {
			for _, cat := range cats {
				q1, err := Estimate(a, b, cat)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				q2, _ := Estimate(a, b, cat)
				if q1 != q2 {
					t.Fatalf("non-deterministic quote: %+v vs %+v", q1, q2)
				}
				if q1.Fare < cat.MinimumFare {
					t.Fatalf("fare %f below minimum %f", q1.Fare, cat.MinimumFare)
				}
			}
		}
	}
}

func TestEstimateRejectsBadInput(t *testing.T) {
	good := models.Coord{Lat: 1, Lon: 1}
	tests := []struct {
		name    string
		pickup  models.Coord
		dropoff models.Coord
		cat     models.CarCategory
	}{
		{"nan pickup", models.Coord{Lat: math.NaN(), Lon: 1}, good, economy},
		{"out of range dropoff", good, models.Coord{Lat: 1, Lon: 200}, economy},
		{"negative rate", good, good, models.CarCategory{ID: "x", PricePerKm: -1, Capacity: 1}},
		{"zero capacity", good, good, models.CarCategory{ID: "x", PricePerKm: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Estimate(tt.pickup, tt.dropoff, tt.cat)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCatalogLookup(t *testing.T) {
	c, err := NewCatalog(DefaultCategories())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Lookup("economy"); err != nil {
		t.Fatalf("expected economy, got %v", err)
	}
	_, err = c.Lookup("limo")
	if !errors.Is(err, ErrUnknownCategory) || !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected unknown category validation error, got %v", err)
	}
	if got := c.All(); len(got) != 3 || got[0].ID != "economy" {
		t.Fatalf("unexpected catalog listing: %+v", got)
	}
}
