// Package fare quotes trip prices from straight-line distance and a car category rate table.
package fare

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownCategory = errors.New("unknown car category")

type Quote struct {
	CategoryID string  `json:"category_id"`
	DistanceKm float64 `json:"distance_km"`
	Fare       float64 `json:"fare"`
}

// Estimate prices a trip between pickup and dropoff.
//
// Distance is the haversine great-circle distance, not a road-network
// distance, so quotes undercount winding routes.
//
//	fare = base + distanceKm * pricePerKm * capacity, floored at minimumFare
func Estimate(pickup, dropoff models.Coord, cat models.CarCategory) (Quote, error) {
	if err := models.ValidateCoord("pickup", pickup); err != nil {
		return Quote{}, err
	}
	if err := models.ValidateCoord("dropoff", dropoff); err != nil {
		return Quote{}, err
	}
	if err := ValidateCategory(cat); err != nil {
		return Quote{}, err
	}
	km := geo.Haversine(pickup, dropoff)
	amount := cat.BaseFare + km*cat.PricePerKm*float64(cat.Capacity)
	return Quote{
		CategoryID: cat.ID,
		DistanceKm: km,
		Fare:       math.Max(amount, cat.MinimumFare),
	}, nil
}

func ValidateCategory(cat models.CarCategory) error {
	switch {
	case cat.ID == "":
		return models.Invalid("category", "missing id")
	case cat.BaseFare < 0 || cat.PricePerKm < 0 || cat.MinimumFare < 0:
		return models.Invalid("category", fmt.Sprintf("%s has a negative rate", cat.ID))
	case cat.Capacity <= 0:
		return models.Invalid("category", fmt.Sprintf("%s has no capacity", cat.ID))
	}
	return nil
}

// Catalog is immutable category reference data.
type Catalog struct {
	byID map[string]models.CarCategory
}

func NewCatalog(cats []models.CarCategory) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]models.CarCategory, len(cats))}
	for _, cat := range cats {
		if err := ValidateCategory(cat); err != nil {
			return nil, err
		}
		c.byID[cat.ID] = cat
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (models.CarCategory, error) {
	cat, ok := c.byID[id]
	if !ok {
		return models.CarCategory{}, fmt.Errorf("%w %q: %w", ErrUnknownCategory, id, models.Invalid("category", "unknown"))
	}
	return cat, nil
}

func (c *Catalog) All() []models.CarCategory {
	out := make([]models.CarCategory, 0, len(c.byID))
	for _, cat := range c.byID {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Quote looks the category up and estimates the fare.
func (c *Catalog) Quote(pickup, dropoff models.Coord, categoryID string) (Quote, error) {
	cat, err := c.Lookup(categoryID)
	if err != nil {
		return Quote{}, err
	}
	return Estimate(pickup, dropoff, cat)
}

// DefaultCategories is the seed rate table used when no database is configured.
func DefaultCategories() []models.CarCategory {
	return []models.CarCategory{
		{ID: "moto", Name: "Moto", BaseFare: 300, PricePerKm: 250, MinimumFare: 500, Capacity: 1},
		{ID: "economy", Name: "Economy", BaseFare: 1000, PricePerKm: 300, MinimumFare: 1500, Capacity: 4},
		{ID: "xl", Name: "XL", BaseFare: 1500, PricePerKm: 300, MinimumFare: 2500, Capacity: 6},
	}
}
