package rides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func (f *fixture) seedRide(t *testing.T, id string, status models.RideStatus) *models.Ride {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.GetDriver(ctx, "d1"); err != nil {
		f.addDriver(t, "d1", north(1), false)
	}
	ride := &models.Ride{
		ID:              id,
		RequestID:       "req-" + id,
		RiderID:         "u1",
		DriverID:        "d1",
		Pickup:          pickup,
		Dropoff:         dropoff,
		Status:          status,
		TotalFare:       decimal.RequireFromString("12.40"),
		PaymentIntentID: "pi_seed",
		PaymentStatus:   models.PaymentPending,
		AssignedAt:      f.clock.Now(),
		CreatedAt:       f.clock.Now(),
	}
	require.NoError(t, f.store.SaveRide(ctx, ride))
	return ride
}

func TestTransitionTableIsTotal(t *testing.T) {
	allowed := map[models.RideStatus]map[models.RideStatus]bool{
		models.RideDriverAssigned: {models.RideDriverArriving: true, models.RideDriverArrived: true, models.RideCancelled: true},
		models.RideDriverArriving: {models.RideDriverArrived: true, models.RideCancelled: true},
		models.RideDriverArrived:  {models.RideInProgress: true, models.RideCancelled: true},
		models.RideInProgress:     {models.RideCompleted: true, models.RideCancelled: true},
	}
	for _, from := range models.RideStatuses {
		_, listed := transitions[from]
		assert.True(t, listed, "state %s missing from transitions", from)
		_, hasEffect := effects[from]
		assert.True(t, hasEffect, "state %s missing from effects", from)
		for _, to := range models.RideStatuses {
			assert.Equal(t, allowed[from][to], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range []models.RideStatus{models.RideCompleted, models.RideCancelled} {
		assert.Empty(t, transitions[s])
	}
}

func TestRideLifecycleToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "r1", models.RideDriverAssigned)

	ride, err := f.c.UpdateRideStatus(ctx, "r1", models.RideDriverArriving, StatusInfo{})
	require.NoError(t, err)
	assert.Nil(t, ride.ArrivedAt)

	f.clock.Advance(4 * time.Minute)
	ride, err = f.c.UpdateRideStatus(ctx, "r1", models.RideDriverArrived, StatusInfo{})
	require.NoError(t, err)
	require.NotNil(t, ride.ArrivedAt)
	require.NotNil(t, ride.StartedAt)
	arrived := *ride.ArrivedAt

	f.clock.Advance(2 * time.Minute)
	ride, err = f.c.UpdateRideStatus(ctx, "r1", models.RideInProgress, StatusInfo{})
	require.NoError(t, err)
	assert.Equal(t, arrived, *ride.StartedAt, "start time is kept once set")

	f.clock.Advance(18*time.Minute + 30*time.Second)
	ride, err = f.c.UpdateRideStatus(ctx, "r1", models.RideCompleted, StatusInfo{})
	require.NoError(t, err)
	require.NotNil(t, ride.CompletedAt)
	assert.Equal(t, 20, ride.ActualDurationMin)
	assert.Equal(t, models.PaymentCaptured, ride.PaymentStatus)
	assert.Equal(t, []string{"pi_seed"}, f.pay.captures)

	stored, err := f.c.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, stored.Status)
	assert.Equal(t, models.PaymentCaptured, stored.PaymentStatus)

	assert.Equal(t, []dispatch.EventKind{
		dispatch.EventDriverArriving,
		dispatch.EventDriverArrived,
		dispatch.EventRideStarted,
		dispatch.EventRideCompleted,
		dispatch.EventRatingRequest,
	}, f.rec.kinds("u1"))
	assert.Equal(t, []dispatch.EventKind{dispatch.EventRideCompleted, dispatch.EventRatingRequest}, f.rec.kinds("d1"))
	assert.Contains(t, f.rec.published(), dispatch.RideStatusTopic("r1"))
}

func TestIllegalTransitionLeavesRideUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "r1", models.RideDriverAssigned)

	_, err := f.c.UpdateRideStatus(ctx, "r1", models.RideCompleted, StatusInfo{})
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
	_, err = f.c.UpdateRideStatus(ctx, "r1", "TELEPORTED", StatusInfo{})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = f.c.UpdateRideStatus(ctx, "missing", models.RideDriverArriving, StatusInfo{})
	assert.ErrorIs(t, err, models.ErrNotFound)

	stored, err := f.c.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideDriverAssigned, stored.Status)
	assert.Nil(t, stored.CompletedAt)
	assert.Empty(t, f.rec.kinds("u1"))
}

func TestCancelCompletedRideFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ride := f.seedRide(t, "r1", models.RideCompleted)
	done := f.clock.Now()
	ride.CompletedAt = &done
	require.NoError(t, f.store.SaveRide(ctx, ride))

	_, err := f.c.CancelRide(ctx, "r1", "too late", models.CancelledByUser)
	assert.ErrorIs(t, err, models.ErrInvalidOperation)

	stored, err := f.c.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, stored.Status)
	assert.Nil(t, stored.CancelledAt)
	assert.Empty(t, stored.CancelReason)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, done.Equal(*stored.CompletedAt))
	assert.Empty(t, f.pay.refunds)
}

func TestCancelRideReleasesDriverAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "r1", models.RideDriverArriving)
	require.False(t, f.available(t, "d1"))

	ride, err := f.c.CancelRide(ctx, "r1", "changed plans", models.CancelledByUser)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, ride.Status)
	assert.Equal(t, models.CancelledByUser, ride.CancelledBy)
	assert.Equal(t, "changed plans", ride.CancelReason)
	require.NotNil(t, ride.CancelledAt)
	assert.Equal(t, models.PaymentRefunded, ride.PaymentStatus)
	assert.Equal(t, []string{"pi_seed"}, f.pay.refunds)
	assert.True(t, f.available(t, "d1"))
	assert.Equal(t, []dispatch.EventKind{dispatch.EventRideCancelled}, f.rec.kinds("u1"))
	assert.Equal(t, []dispatch.EventKind{dispatch.EventRideCancelled}, f.rec.kinds("d1"))

	_, err = f.c.CancelRide(ctx, "r1", "twice", models.CancelledByDriver)
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
	_, err = f.c.CancelRide(ctx, "missing", "", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSideEffectFailuresDoNotRollBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rec.notifyErr = errors.New("push gateway down")
	f.pay.captureErr = errors.New("card declined")
	f.seedRide(t, "r1", models.RideInProgress)

	ride, err := f.c.UpdateRideStatus(ctx, "r1", models.RideCompleted, StatusInfo{})
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, ride.Status)
	assert.Equal(t, models.PaymentPending, ride.PaymentStatus)

	stored, err := f.c.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, stored.Status)
}

func TestRateRideFoldsDriverAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "r1", models.RideCompleted)
	f.seedRide(t, "r2", models.RideCompleted)

	_, err := f.c.RateRide(ctx, "r1", 5, "great", false)
	require.NoError(t, err)
	ride, err := f.c.RateRide(ctx, "r2", 3, "", false)
	require.NoError(t, err)
	assert.Equal(t, 3, ride.DriverRating)

	d, err := f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, d.Rating, 1e-9)
	assert.Equal(t, 2, d.RatingCount)

	ride, err = f.c.RateRide(ctx, "r1", 4, "polite rider", true)
	require.NoError(t, err)
	assert.Equal(t, 4, ride.UserRating)
	assert.Equal(t, "polite rider", ride.UserReview)
	assert.Equal(t, 5, ride.DriverRating)
	d, err = f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.RatingCount)

	_, err = f.c.RateRide(ctx, "r1", 0, "", false)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = f.c.RateRide(ctx, "r1", 6, "", true)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = f.c.RateRide(ctx, "missing", 5, "", true)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// brokenRatings fails every update to a driver's average.
type brokenRatings struct {
	*storage.MemoryStore
}

func (b brokenRatings) AddDriverRating(context.Context, string, int) (*models.Driver, error) {
	return nil, errors.New("db down")
}

func TestRateRideKeepsRideUnchangedWhenAverageFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "r1", models.RideCompleted)
	f.c.Store = brokenRatings{f.store}

	_, err := f.c.RateRide(ctx, "r1", 2, "late", false)
	require.Error(t, err)

	ride, err := f.store.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, ride.DriverRating)
	assert.Empty(t, ride.DriverReview)
	d, err := f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, d.RatingCount)
}

func TestRatingDriverTwiceReplacesEarlierRating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "r1", models.RideCompleted)

	_, err := f.c.RateRide(ctx, "r1", 1, "rude", false)
	require.NoError(t, err)
	ride, err := f.c.RateRide(ctx, "r1", 5, "we talked it out", false)
	require.NoError(t, err)
	assert.Equal(t, 5, ride.DriverRating)
	assert.Equal(t, "we talked it out", ride.DriverReview)

	d, err := f.store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d.Rating, 1e-9)
	assert.Equal(t, 1, d.RatingCount)
}

func TestRideHistories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRide(t, "old", models.RideCompleted)
	f.clock.Advance(time.Hour)
	f.seedRide(t, "new", models.RideDriverAssigned)

	rides, err := f.c.RideHistoryForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rides, 2)
	assert.Equal(t, "new", rides[0].ID)

	rides, err = f.c.RideHistoryForDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, rides, 2)

	_, err = f.c.RideHistoryForUser(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.c.RideHistoryForDriver(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
