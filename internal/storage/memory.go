package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps every record in process. It implements RideStore and
// LocationRepository and is the default backend when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	drivers   map[string]models.Driver
	locations map[string]models.DriverLocation
	requests  map[string]models.RideRequest
	rides     map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]models.User),
		drivers:   make(map[string]models.Driver),
		locations: make(map[string]models.DriverLocation),
		requests:  make(map[string]models.RideRequest),
		rides:     make(map[string]models.Ride),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, models.ErrNotFound)
}

func (m *MemoryStore) SaveUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &u, nil
}

func (m *MemoryStore) SaveDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, notFound("driver", id)
	}
	return &d, nil
}

func (m *MemoryStore) AddDriverRating(_ context.Context, id string, rating int) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, notFound("driver", id)
	}
	d.Rating = (d.Rating*float64(d.RatingCount) + float64(rating)) / float64(d.RatingCount+1)
	d.RatingCount++
	m.drivers[id] = d
	return &d, nil
}

func (m *MemoryStore) ReviseDriverRating(_ context.Context, id string, previous, rating int) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, notFound("driver", id)
	}
	if d.RatingCount == 0 {
		return nil, fmt.Errorf("driver %q has no rating to revise: %w", id, models.ErrInvalidOperation)
	}
	d.Rating += float64(rating-previous) / float64(d.RatingCount)
	m.drivers[id] = d
	return &d, nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, p *models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	available := p.InitialAvailable()
	if prev, ok := m.locations[p.DriverID]; ok {
		if prev.UpdatedAt.After(p.UpdatedAt) {
			return nil
		}
		available = prev.Available
		if p.Available != nil && p.UpdatedAt.After(prev.UpdatedAt) {
			available = *p.Available
		}
	}
	m.locations[p.DriverID] = models.DriverLocation{
		DriverID:    p.DriverID,
		Point:       p.Point,
		Geohash:     p.Geohash,
		Heading:     p.Heading,
		Speed:       p.Speed,
		Online:      p.Online,
		Available:   available && p.Online,
		VehicleType: p.VehicleType,
		UpdatedAt:   p.UpdatedAt,
	}
	return nil
}

func (m *MemoryStore) GetLocation(_ context.Context, driverID string) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return nil, notFound("driver location", driverID)
	}
	return &loc, nil
}

// naive scan; Postgres and Redis serve the same query from an ordered index
func (m *MemoryStore) FindAvailableByPrefix(_ context.Context, prefix string, vt models.VehicleType) ([]models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverLocation, 0)
	for _, loc := range m.locations {
		if !loc.Online || !loc.Available || !strings.HasPrefix(loc.Geohash, prefix) {
			continue
		}
		if vt != "" && loc.VehicleType != vt {
			continue
		}
		out = append(out, loc)
	}
	sortByDriverID(out)
	return out, nil
}

func sortByDriverID(locs []models.DriverLocation) {
	sort.Slice(locs, func(i, j int) bool { return locs[i].DriverID < locs[j].DriverID })
}

func (m *MemoryStore) ClaimDriver(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return notFound("driver location", driverID)
	}
	if !loc.Online || !loc.Available {
		return fmt.Errorf("claim driver %q: %w", driverID, models.ErrConflict)
	}
	loc.Available = false
	m.locations[driverID] = loc
	return nil
}

func (m *MemoryStore) ReleaseDriver(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return notFound("driver location", driverID)
	}
	loc.Available = true
	m.locations[driverID] = loc
	return nil
}

func (m *MemoryStore) SaveRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, notFound("ride request", id)
	}
	return &r, nil
}

func (m *MemoryStore) ListRequestsByStatus(_ context.Context, statuses ...models.RideRequestStatus) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[models.RideRequestStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]models.RideRequest, 0)
	for _, r := range m.requests {
		if want[r.Status] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, notFound("ride", id)
	}
	return &r, nil
}

func (m *MemoryStore) ListRidesByRider(_ context.Context, riderID string) ([]models.Ride, error) {
	return m.listRides(func(r models.Ride) bool { return r.RiderID == riderID }), nil
}

func (m *MemoryStore) ListRidesByDriver(_ context.Context, driverID string) ([]models.Ride, error) {
	return m.listRides(func(r models.Ride) bool { return r.DriverID == driverID }), nil
}

func (m *MemoryStore) listRides(match func(models.Ride) bool) []models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
