package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex, which is what makes
// AssignDriver atomic across the ride and driver maps.
type MemoryStore struct {
	mu         sync.Mutex
	rides      map[string]*models.Ride
	drivers    map[string]models.DriverProfile
	categories []models.CarCategory
}

func NewMemoryStore(categories []models.CarCategory) *MemoryStore {
	cats := append([]models.CarCategory(nil), categories...)
	sort.Slice(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })
	return &MemoryStore{
		rides:      make(map[string]*models.Ride),
		drivers:    make(map[string]models.DriverProfile),
		categories: cats,
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, rideID, driverID string, at time.Time) (AssignResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return 0, ErrNotFound
	}
	if r.Status != models.RidePending {
		return AssignRideNotPending, nil
	}
	d, ok := m.drivers[driverID]
	if !ok || d.Status != models.DriverAvailable {
		return AssignDriverUnavailable, nil
	}
	d.Status = models.DriverOnTrip
	m.drivers[driverID] = d
	accepted := at
	r.Status = models.RideAccepted
	r.DriverID = driverID
	r.AcceptedAt = &accepted
	r.UpdatedAt = at
	return AssignOK, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, to models.RideStatus, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(r.Status, to) {
		return nil, ErrInvalidTransition
	}
	if r.DriverID != "" && (to == models.RideCompleted || to == models.RideCancelled) {
		if d, ok := m.drivers[r.DriverID]; ok && d.Status == models.DriverOnTrip {
			d.Status = models.DriverAvailable
			if to == models.RideCompleted {
				d.TotalTrips++
			}
			m.drivers[r.DriverID] = d
		}
	}
	r.Status = to
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, p models.DriverProfile) (models.DriverProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = models.DriverOffline
	}
	if prev, ok := m.drivers[p.ID]; ok && prev.Status == models.DriverOnTrip {
		p.Status = models.DriverOnTrip
	}
	m.drivers[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.DriverProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.DriverProfile{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) GetDrivers(_ context.Context, ids []string) (map[string]models.DriverProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.DriverProfile, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, id string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkManualStatus(d.Status, status); err != nil {
		return err
	}
	d.Status = status
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) CompareAndSetDriverStatus(_ context.Context, id string, from, to models.DriverStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	m.drivers[id] = d
	return true, nil
}

func (m *MemoryStore) ListCategories(context.Context) ([]models.CarCategory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CarCategory(nil), m.categories...), nil
}
