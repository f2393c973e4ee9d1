package rides

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type locationSink struct {
	mu    sync.Mutex
	pings []models.LocationPing
}

func (s *locationSink) PublishLocation(_ context.Context, ping models.LocationPing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings = append(s.pings, ping)
	return nil
}

func boolPtr(b bool) *bool { return &b }

func TestRegisterUserAndDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	u, err := f.c.RegisterUser(ctx, models.User{Name: "Ana", Phone: "+1555"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	_, err = f.c.RegisterUser(ctx, models.User{})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	d, err := f.c.RegisterDriver(ctx, models.Driver{Name: "Bo", VehicleType: "comfort", Rating: 5, RatingCount: 99})
	require.NoError(t, err)
	assert.Equal(t, models.VehicleComfort, d.VehicleType)
	assert.Zero(t, d.Rating)
	assert.Zero(t, d.RatingCount)
	_, err = f.c.RegisterDriver(ctx, models.Driver{Name: "Cy", VehicleType: "bus"})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestUpdateDriverLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &locationSink{}
	f.c.LocationEvents = sink

	_, err := f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "ghost", Point: pickup, Online: true})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.c.RegisterDriver(ctx, models.Driver{ID: "d1", Name: "Bo", VehicleType: models.VehiclePremium})
	require.NoError(t, err)
	_, err = f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: models.GeoPoint{Lon: 200}, Online: true})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	loc, err := f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: pickup, Heading: 90, Speed: 8, Online: true})
	require.NoError(t, err)
	assert.Len(t, loc.Geohash, 12)
	assert.True(t, loc.Available)
	assert.Equal(t, models.VehiclePremium, loc.VehicleType)

	require.NoError(t, f.store.ClaimDriver(ctx, "d1"))
	f.clock.Advance(time.Second)
	loc, err = f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: north(0.1), Online: true})
	require.NoError(t, err)
	assert.False(t, loc.Available, "a ping keeps a claimed driver busy")

	f.clock.Advance(time.Second)
	loc, err = f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: north(0.1), Online: false, Available: boolPtr(true)})
	require.NoError(t, err)
	assert.False(t, loc.Available, "offline drivers are never available")

	stored, err := f.store.GetLocation(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, stored.Online)
	require.Len(t, sink.pings, 3)
	assert.Nil(t, sink.pings[0].Available)
}

// claimingLocations lets another request claim the driver just before the
// ping reaches the store.
type claimingLocations struct {
	*storage.MemoryStore
}

func (c claimingLocations) UpsertLocation(ctx context.Context, p *models.LocationPing) error {
	_ = c.MemoryStore.ClaimDriver(ctx, p.DriverID)
	return c.MemoryStore.UpsertLocation(ctx, p)
}

func TestLocationPingDoesNotUndoConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", north(0.2), true)
	f.c.Locations = claimingLocations{f.store}
	f.clock.Advance(time.Second)

	loc, err := f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: north(0.3), Online: true})
	require.NoError(t, err)
	assert.False(t, loc.Available)
	assert.Equal(t, north(0.3), loc.Point)
	assert.ErrorIs(t, f.store.ClaimDriver(ctx, "d1"), models.ErrConflict)
}

func TestReplayedPingKeepsDriverClaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &locationSink{}
	f.c.LocationEvents = sink
	_, err := f.c.RegisterDriver(ctx, models.Driver{ID: "d1", Name: "Bo"})
	require.NoError(t, err)

	_, err = f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: pickup, Online: true, Available: boolPtr(true)})
	require.NoError(t, err)
	require.NoError(t, f.store.ClaimDriver(ctx, "d1"))

	require.Len(t, sink.pings, 1)
	replay := sink.pings[0]
	require.NoError(t, f.store.UpsertLocation(ctx, &replay))
	assert.False(t, f.available(t, "d1"))
	assert.ErrorIs(t, f.store.ClaimDriver(ctx, "d1"), models.ErrConflict)

	f.clock.Advance(time.Second)
	_, err = f.c.UpdateDriverLocation(ctx, LocationUpdate{DriverID: "d1", Point: pickup, Online: true, Available: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, f.available(t, "d1"), "a newer explicit flag still applies")
}

func TestAvailableInAreaFiltersVehicle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", north(0.4), true)

	all, err := f.c.AvailableInArea(ctx, pickup, 2, "")
	require.NoError(t, err)
	require.Len(t, all, 1)

	none, err := f.c.AvailableInArea(ctx, pickup, 2, "PREMIUM")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.c.AvailableInArea(ctx, pickup, 2, "zeppelin")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestEstimateFare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	std, err := f.c.EstimateFare(ctx, pickup, dropoff, "")
	require.NoError(t, err)
	prem, err := f.c.EstimateFare(ctx, pickup, dropoff, "PREMIUM")
	require.NoError(t, err)
	assert.True(t, prem.TotalFare.GreaterThan(std.TotalFare))

	_, err = f.c.EstimateFare(ctx, pickup, dropoff, "rocket")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = f.c.EstimateFare(ctx, models.GeoPoint{Lat: -95}, dropoff, "")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestEstimateArrivalPublishesETA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDriver(t, "d1", north(2.9), false)
	f.seedRide(t, "r1", models.RideDriverAssigned)

	a, err := f.c.EstimateArrival(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 6, a.ETAMinutes)
	assert.Equal(t, "d1", a.DriverID)
	assert.Contains(t, f.rec.published(), dispatch.UserETATopic("u1"))

	f.seedRide(t, "done", models.RideCompleted)
	_, err = f.c.EstimateArrival(ctx, "done")
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
	_, err = f.c.EstimateArrival(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	now := f.clock.Now()
	require.NoError(t, f.store.SaveRequest(ctx, &models.RideRequest{
		ID: "old", RiderID: "u1", Status: models.RequestPending, CreatedAt: now, ExpiresAt: now.Add(-time.Second),
	}))

	done := make(chan struct{})
	go func() {
		f.c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		r, err := f.store.GetRequest(context.Background(), "old")
		return err == nil && r.Status == models.RequestExpired
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
