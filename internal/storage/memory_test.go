package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryDriverRatingRunningMean(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.SaveDriver(ctx, &models.Driver{ID: "d1", Name: "Ana"}))

	_, err := m.AddDriverRating(ctx, "d1", 5)
	require.NoError(t, err)
	d, err := m.AddDriverRating(ctx, "d1", 3)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, d.Rating, 1e-9)
	assert.Equal(t, 2, d.RatingCount)

	_, err = m.AddDriverRating(ctx, "nobody", 4)
	assert.ErrorIs(t, err, models.ErrNotFound)

	d, err = m.ReviseDriverRating(ctx, "d1", 3, 5)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d.Rating, 1e-9)
	assert.Equal(t, 2, d.RatingCount)

	require.NoError(t, m.SaveDriver(ctx, &models.Driver{ID: "new", Name: "Bo"}))
	_, err = m.ReviseDriverRating(ctx, "new", 3, 5)
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.SaveUser(ctx, &models.User{ID: "u1", Name: "Bo"}))
	u, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	u.Name = "changed"

	again, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Bo", again.Name)
}

func TestMemoryRequestsByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	require.NoError(t, m.SaveRequest(ctx, &models.RideRequest{ID: "r2", Status: models.RequestSearching, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, m.SaveRequest(ctx, &models.RideRequest{ID: "r1", Status: models.RequestPending, CreatedAt: base}))
	require.NoError(t, m.SaveRequest(ctx, &models.RideRequest{ID: "r3", Status: models.RequestAccepted, CreatedAt: base}))

	got, err := m.ListRequestsByStatus(ctx, models.RequestPending, models.RequestSearching)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "r2", got[1].ID)

	_, err = m.GetRequest(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryRideHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	require.NoError(t, m.SaveRide(ctx, &models.Ride{ID: "old", RiderID: "u1", DriverID: "d1", CreatedAt: base}))
	require.NoError(t, m.SaveRide(ctx, &models.Ride{ID: "new", RiderID: "u1", DriverID: "d2", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, m.SaveRide(ctx, &models.Ride{ID: "other", RiderID: "u2", DriverID: "d1", CreatedAt: base}))

	byRider, err := m.ListRidesByRider(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byRider, 2)
	assert.Equal(t, "new", byRider[0].ID)

	byDriver, err := m.ListRidesByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, byDriver, 2)

	none, err := m.ListRidesByRider(ctx, "u9")
	require.NoError(t, err)
	assert.Empty(t, none)
}
