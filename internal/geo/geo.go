package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	earthRadiusKm = 6371.0
	kmPerDegree   = earthRadiusKm * math.Pi / 180

	cellPrecision = 5 // ~4.9km cells
	maxRings      = 8
)

// Store holds the latest known position of every broadcasting driver.
// Records older than the staleness window are invisible to Active and Nearby
// even before a sweep flips their active flag.
type Store interface {
	Upsert(ctx context.Context, rec models.DriverLocationRecord) error
	Get(ctx context.Context, driverID string) (models.DriverLocationRecord, bool, error)
	Active(ctx context.Context) ([]models.DriverLocationRecord, error)
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]models.DriverLocationRecord, error)
	Remove(ctx context.Context, driverID string) error
	Sweep(ctx context.Context) ([]string, error)
}

// Index is the in-memory Store. Drivers are bucketed by geohash cell so a
// radius query only scans the cells around the centre.
type Index struct {
	mu      sync.RWMutex
	records map[string]models.DriverLocationRecord
	cells   map[string]map[string]struct{}
	cellOf  map[string]string
	window  time.Duration
	now     func() time.Time
}

func NewIndex(window time.Duration, now func() time.Time) *Index {
	if now == nil {
		now = time.Now
	}
	return &Index{
		records: make(map[string]models.DriverLocationRecord),
		cells:   make(map[string]map[string]struct{}),
		cellOf:  make(map[string]string),
		window:  window,
		now:     now,
	}
}

func (g *Index) Upsert(_ context.Context, rec models.DriverLocationRecord) error {
	cell := geohash.EncodeWithPrecision(rec.Loc.Lat, rec.Loc.Lon, cellPrecision)

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.cellOf[rec.DriverID]; ok && prev != cell {
		g.removeFromCell(prev, rec.DriverID)
	}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[rec.DriverID] = struct{}{}
	g.cellOf[rec.DriverID] = cell
	g.records[rec.DriverID] = rec
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverLocationRecord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[driverID]
	return rec, ok, nil
}

func (g *Index) Active(_ context.Context) ([]models.DriverLocationRecord, error) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverLocationRecord, 0, len(g.records))
	for _, rec := range g.records {
		if rec.Fresh(now, g.window) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

// Nearby returns fresh records within radiusKm of center, closest first.
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64) ([]models.DriverLocationRecord, error) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	type pair struct {
		rec  models.DriverLocationRecord
		dist float64
	}
	var arr []pair
	consider := func(rec models.DriverLocationRecord) {
		if !rec.Fresh(now, g.window) {
			return
		}
		if d := Haversine(center, rec.Loc); d <= radiusKm {
			arr = append(arr, pair{rec, d})
		}
	}

	if cells, ok := coveringCells(center, radiusKm); ok {
		for _, cell := range cells {
			for id := range g.cells[cell] {
				consider(g.records[id])
			}
		}
	} else {
		for _, rec := range g.records {
			consider(rec)
		}
	}

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].rec.DriverID < arr[j].rec.DriverID
	})
	out := make([]models.DriverLocationRecord, len(arr))
	for i, p := range arr {
		out[i] = p.rec
	}
	return out, nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cell, ok := g.cellOf[driverID]; ok {
		g.removeFromCell(cell, driverID)
	}
	delete(g.cellOf, driverID)
	delete(g.records, driverID)
	return nil
}

// Sweep flips the active flag of stale records and returns their driver ids.
func (g *Index) Sweep(_ context.Context) ([]string, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	var stale []string
	for id, rec := range g.records {
		if rec.Active && !rec.Fresh(now, g.window) {
			rec.Active = false
			g.records[id] = rec
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (g *Index) removeFromCell(cell, driverID string) {
	bucket := g.cells[cell]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

// coveringCells returns the geohash cells that together contain every point
// within radiusKm of center. ok is false when a full scan is cheaper or the
// cell geometry is unreliable (near the poles).
func coveringCells(center models.Coord, radiusKm float64) ([]string, bool) {
	reach := radiusKm / kmPerDegree
	if math.Abs(center.Lat)+reach > 80 {
		return nil, false
	}
	worstLat := (math.Abs(center.Lat) + reach) * math.Pi / 180
	// neighbour cells do not wrap across the antimeridian
	if math.Abs(center.Lon)+reach/math.Cos(worstLat) >= 180 {
		return nil, false
	}
	hash := geohash.EncodeWithPrecision(center.Lat, center.Lon, cellPrecision)
	box := geohash.BoundingBox(hash)
	heightKm := (box.MaxLat - box.MinLat) * kmPerDegree
	widthKm := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(worstLat)
	cellKm := math.Min(heightKm, widthKm)
	rings := int(math.Ceil(radiusKm/cellKm)) + 1
	if rings > maxRings {
		return nil, false
	}

	seen := map[string]struct{}{hash: {}}
	frontier := []string{hash}
	for i := 0; i < rings; i++ {
		var next []string
		for _, h := range frontier {
			for _, n := range geohash.Neighbors(h) {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				next = append(next, n)
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out, true
}

// Haversine returns the great-circle distance between a and b in kilometres.
// It is a straight-line approximation, not a road-network distance.
func Haversine(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
