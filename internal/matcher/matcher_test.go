package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.GeoPoint{Lat: 40.7580, Lon: -73.9855}

const kmPerDegLat = 111.195

func addDriver(t *testing.T, store *storage.MemoryStore, id string, p models.GeoPoint, rating float64) {
	t.Helper()
	ctx := context.Background()
	h, err := geo.Encode(p.Lat, p.Lon, geo.LocationPrecision)
	require.NoError(t, err)
	require.NoError(t, store.SaveDriver(ctx, &models.Driver{ID: id, Rating: rating}))
	require.NoError(t, store.UpsertLocation(ctx, &models.LocationPing{
		DriverID: id, Point: p, Geohash: h, Online: true, UpdatedAt: time.Now(),
	}))
}

func north(km float64) models.GeoPoint {
	return models.GeoPoint{Lat: pickup.Lat + km/kmPerDegLat, Lon: pickup.Lon}
}

func newService(store *storage.MemoryStore) *Service {
	return &Service{Locations: store, Ratings: store}
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 9.3, Score(1, 5), 1e-9)
	assert.InDelta(t, 4.2, Score(4, 0), 1e-9)
	assert.InDelta(t, 3.0, Score(25, 5), 1e-9)
}

func TestCloserBetterRatedDriverWins(t *testing.T) {
	store := storage.NewMemoryStore()
	addDriver(t, store, "near", north(1), 5)
	addDriver(t, store, "far", north(1.5), 0)

	cands, err := newService(store).FindCandidates(context.Background(), pickup, 5)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "near", cands[0].Location.DriverID)
	assert.Greater(t, cands[0].Score, cands[1].Score)
}

func TestChooseHigherRatingIfDistanceEqual(t *testing.T) {
	store := storage.NewMemoryStore()
	addDriver(t, store, "A", pickup, 4.0)
	addDriver(t, store, "B", pickup, 5.0)

	cands, err := newService(store).FindCandidates(context.Background(), pickup, 0)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "B", cands[0].Location.DriverID)
}

func TestRankTieBreaks(t *testing.T) {
	cands := []Candidate{
		{Location: models.DriverLocation{DriverID: "c"}, Score: 5, DistanceKm: 2},
		{Location: models.DriverLocation{DriverID: "b"}, Score: 5, DistanceKm: 1},
		{Location: models.DriverLocation{DriverID: "a"}, Score: 5, DistanceKm: 2},
		{Location: models.DriverLocation{DriverID: "z"}, Score: 7, DistanceKm: 9},
	}
	Rank(cands)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.Location.DriverID
	}
	assert.Equal(t, []string{"z", "b", "a", "c"}, ids)
}

func TestFindCandidatesReturnsTopTen(t *testing.T) {
	store := storage.NewMemoryStore()
	for i := 0; i < 15; i++ {
		addDriver(t, store, fmt.Sprintf("d%02d", i), north(0.05*float64(i)), 4)
	}
	cands, err := newService(store).FindCandidates(context.Background(), pickup, 5)
	require.NoError(t, err)
	require.Len(t, cands, DefaultTopN)
	assert.Equal(t, "d00", cands[0].Location.DriverID)
	for i := 1; i < len(cands); i++ {
		assert.GreaterOrEqual(t, cands[i-1].Score, cands[i].Score)
	}
}

func TestFindCandidatesWidensPrefix(t *testing.T) {
	prefixes, err := geo.PrefixesCoveringRadius(pickup, DefaultRadiusKm)
	require.NoError(t, err)
	first := prefixes[0]
	sibling := prefixes[1] + "0"
	if sibling == first {
		sibling = prefixes[1] + "1"
	}
	p, err := geo.Decode(sibling)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	addDriver(t, store, "outside", p, 3)

	cands, err := newService(store).FindCandidates(context.Background(), pickup, DefaultRadiusKm)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "outside", cands[0].Location.DriverID)
}

func TestFindCandidatesEmptyPool(t *testing.T) {
	cands, err := newService(storage.NewMemoryStore()).FindCandidates(context.Background(), pickup, 5)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

// racingStore loses the claim on one driver as if another request got there first.
type racingStore struct {
	*storage.MemoryStore
	stolen string
}

func (r *racingStore) ClaimDriver(ctx context.Context, id string) error {
	if id == r.stolen {
		_ = r.MemoryStore.ClaimDriver(ctx, id)
		return fmt.Errorf("claim %s: %w", id, models.ErrConflict)
	}
	return r.MemoryStore.ClaimDriver(ctx, id)
}

func TestAssignSkipsDriverLostToRace(t *testing.T) {
	store := storage.NewMemoryStore()
	addDriver(t, store, "best", north(0.1), 5)
	addDriver(t, store, "second", north(0.5), 4)
	svc := &Service{Locations: &racingStore{MemoryStore: store, stolen: "best"}, Ratings: store}

	got, err := svc.Assign(context.Background(), &models.RideRequest{ID: "r1", Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, "second", got.Location.DriverID)
	assert.False(t, got.Location.Available)

	loc, err := store.GetLocation(context.Background(), "second")
	require.NoError(t, err)
	assert.False(t, loc.Available)
}

func TestAssignNoDriversIsUnavailable(t *testing.T) {
	_, err := newService(storage.NewMemoryStore()).Assign(context.Background(), &models.RideRequest{ID: "r1", Pickup: pickup})
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestConcurrentAssignClaimsDriverOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	addDriver(t, store, "only", north(0.2), 4.5)
	svc := newService(store)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Assign(context.Background(), &models.RideRequest{ID: fmt.Sprintf("r%d", i), Pickup: pickup})
		}(i)
	}
	wg.Wait()

	wins, misses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrUnavailable):
			misses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, misses)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	addDriver(t, store, "d1", pickup, 4)
	svc := newService(store)

	got, err := svc.Assign(ctx, &models.RideRequest{ID: "r1", Pickup: pickup})
	require.NoError(t, err)
	require.Equal(t, "d1", got.Location.DriverID)

	require.NoError(t, svc.Release(ctx, "d1"))
	require.NoError(t, svc.Release(ctx, "d1"))
	again, err := svc.Assign(ctx, &models.RideRequest{ID: "r2", Pickup: pickup})
	require.NoError(t, err)
	assert.Equal(t, "d1", again.Location.DriverID)
}

func TestAvailableInArea(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	addDriver(t, store, "std", north(0.3), 4)
	addDriver(t, store, "prem", north(0.6), 5)
	require.NoError(t, store.UpsertLocation(ctx, &models.LocationPing{
		DriverID: "prem", Point: north(0.6), Geohash: mustEncode(t, north(0.6)),
		Online: true, VehicleType: models.VehiclePremium, UpdatedAt: time.Now().Add(time.Second),
	}))
	svc := newService(store)

	all, err := svc.AvailableInArea(ctx, pickup, 2, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "std", all[0].Location.DriverID)

	prem, err := svc.AvailableInArea(ctx, pickup, 2, models.VehiclePremium)
	require.NoError(t, err)
	require.Len(t, prem, 1)
	assert.Equal(t, "prem", prem[0].Location.DriverID)

	_, err = svc.AvailableInArea(ctx, models.GeoPoint{Lat: 100}, 2, "")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func mustEncode(t *testing.T, p models.GeoPoint) string {
	t.Helper()
	h, err := geo.Encode(p.Lat, p.Lon, geo.LocationPrecision)
	require.NoError(t, err)
	return h
}
