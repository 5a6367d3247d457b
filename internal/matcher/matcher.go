// Package matcher finds eligible drivers around a pickup point and ranks them.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Profiles resolves driver profiles in bulk.
type Profiles interface {
	GetDrivers(ctx context.Context, ids []string) (map[string]models.DriverProfile, error)
}

type Finder struct {
	Locations geo.Store
	Profiles  Profiles
}

type Query struct {
	Pickup          models.Coord
	MaxDistanceKm   float64
	MinRating       float64
	Limit           int
	CategoryID      string // empty matches any vehicle
	AverageSpeedKmh float64
}

// Find returns available drivers within MaxDistanceKm of the pickup whose
// rating is at least MinRating, closest first, capped at Limit. Only the
// location snapshot and one profile lookup touch I/O.
func (f *Finder) Find(ctx context.Context, q Query) ([]models.MatchCandidate, error) {
	if err := models.ValidateCoord("pickup", q.Pickup); err != nil {
		return nil, err
	}
	recs, err := f.Locations.Nearby(ctx, q.Pickup, q.MaxDistanceKm)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.DriverID
	}
	profiles, err := f.Profiles.GetDrivers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("driver profiles: %w", err)
	}

	out := make([]models.MatchCandidate, 0, len(recs))
	for _, rec := range recs {
		p, ok := profiles[rec.DriverID]
		if !ok || p.Status != models.DriverAvailable || p.Rating < q.MinRating {
			continue
		}
		if q.CategoryID != "" && p.Vehicle.CategoryID != "" && p.Vehicle.CategoryID != q.CategoryID {
			continue
		}
		d := geo.Haversine(rec.Loc, q.Pickup)
		if d > q.MaxDistanceKm {
			continue
		}
		out = append(out, models.MatchCandidate{
			Profile:    p,
			Location:   rec,
			DistanceKm: d,
			ETAMinutes: eta.Minutes(d, q.AverageSpeedKmh),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Profile.ID < out[j].Profile.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
