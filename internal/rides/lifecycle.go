package rides

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// transitions lists the allowed next states of every ride state. Terminal
// states map to nothing.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.RideDriverAssigned: {models.RideDriverArriving, models.RideDriverArrived, models.RideCancelled},
	models.RideDriverArriving: {models.RideDriverArrived, models.RideCancelled},
	models.RideDriverArrived:  {models.RideInProgress, models.RideCancelled},
	models.RideInProgress:     {models.RideCompleted, models.RideCancelled},
	models.RideCompleted:      nil,
	models.RideCancelled:      nil,
}

// CanTransition reports whether a ride may move from one state to another.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// effect is what entering a state triggers once the ride is persisted.
type effect struct {
	kind         dispatch.EventKind
	notifyDriver bool
	ratingPrompt bool
	release      bool
	capture      bool
	refund       bool
}

var effects = map[models.RideStatus]effect{
	models.RideDriverAssigned: {kind: dispatch.EventDriverAssigned},
	models.RideDriverArriving: {kind: dispatch.EventDriverArriving},
	models.RideDriverArrived:  {kind: dispatch.EventDriverArrived},
	models.RideInProgress:     {kind: dispatch.EventRideStarted},
	models.RideCompleted:      {kind: dispatch.EventRideCompleted, notifyDriver: true, ratingPrompt: true, capture: true},
	models.RideCancelled:      {kind: dispatch.EventRideCancelled, notifyDriver: true, release: true, refund: true},
}

// StatusInfo carries the optional details of a transition.
type StatusInfo struct {
	Reason      string
	CancelledBy models.CancelledBy
}

// UpdateRideStatus moves a ride to a new state. The state, its timestamps and
// the stored record change together; notifications, publishes, payments and
// the driver release run afterwards and never undo the transition.
func (c *Coordinator) UpdateRideStatus(ctx context.Context, rideID string, to models.RideStatus, info StatusInfo) (*models.Ride, error) {
	if _, ok := effects[to]; !ok {
		return nil, invalidArg("unknown ride status %q", to)
	}
	unlock := c.locks.Lock(rideKey(rideID))
	defer unlock()

	ride, err := c.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(ride.Status, to) {
		return nil, fmt.Errorf("ride %s: %s -> %s: %w", ride.ID, ride.Status, to, models.ErrInvalidOperation)
	}
	from := ride.Status
	c.apply(ride, to, info)
	if err := c.Store.SaveRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("save ride %s: %w", ride.ID, err)
	}
	observability.RideTransitionsTotal.WithLabelValues(string(to)).Inc()
	c.logger().Info("ride status changed",
		zap.String("ride_id", ride.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	c.runEffects(ctx, ride, effects[to])
	out := *ride
	return &out, nil
}

// apply sets the status and the timestamps that go with it.
func (c *Coordinator) apply(ride *models.Ride, to models.RideStatus, info StatusInfo) {
	now := c.now()
	switch to {
	case models.RideDriverArrived:
		ride.ArrivedAt = &now
		if ride.StartedAt == nil {
			ride.StartedAt = &now
		}
	case models.RideInProgress:
		if ride.StartedAt == nil {
			ride.StartedAt = &now
		}
	case models.RideCompleted:
		ride.CompletedAt = &now
		if ride.StartedAt != nil {
			ride.ActualDurationMin = int(now.Sub(*ride.StartedAt).Minutes())
		}
	case models.RideCancelled:
		ride.CancelledAt = &now
		if info.Reason != "" {
			ride.CancelReason = info.Reason
		}
		if info.CancelledBy != "" {
			ride.CancelledBy = info.CancelledBy
		} else if ride.CancelledBy == "" {
			ride.CancelledBy = models.CancelledBySystem
		}
	}
	ride.Status = to
	ride.UpdatedAt = now
}

// runEffects is called with the ride lock held so payment status updates
// land on the latest record.
func (c *Coordinator) runEffects(ctx context.Context, ride *models.Ride, e effect) {
	if e.release && ride.DriverID != "" {
		if err := c.Matcher.Release(ctx, ride.DriverID); err != nil {
			c.sideEffectFailed("release", err, zap.String("ride_id", ride.ID), zap.String("driver_id", ride.DriverID))
		}
	}
	if e.capture {
		c.settlePayment(ctx, ride, models.PaymentCaptured)
	}
	if e.refund {
		c.settlePayment(ctx, ride, models.PaymentRefunded)
	}

	c.publishRide(ctx, ride)
	c.notify(ctx, dispatch.Notification{Kind: e.kind, RecipientID: ride.RiderID, RequestID: ride.RequestID, Ride: ride})
	if e.notifyDriver && ride.DriverID != "" {
		c.notify(ctx, dispatch.Notification{Kind: e.kind, RecipientID: ride.DriverID, RequestID: ride.RequestID, Ride: ride})
	}
	if e.ratingPrompt {
		c.notify(ctx, dispatch.Notification{Kind: dispatch.EventRatingRequest, RecipientID: ride.RiderID, Ride: ride})
		if ride.DriverID != "" {
			c.notify(ctx, dispatch.Notification{Kind: dispatch.EventRatingRequest, RecipientID: ride.DriverID, Ride: ride})
		}
	}
}

// settlePayment captures or releases the hold and records the resulting status.
func (c *Coordinator) settlePayment(ctx context.Context, ride *models.Ride, status string) {
	if c.Payments == nil || ride.PaymentIntentID == "" {
		return
	}
	var err error
	switch status {
	case models.PaymentCaptured:
		err = c.Payments.Capture(ctx, ride.PaymentIntentID)
	case models.PaymentRefunded:
		err = c.Payments.Refund(ctx, ride.PaymentIntentID, ride.PaymentStatus == models.PaymentCaptured)
	}
	if err != nil {
		c.sideEffectFailed("payment", err, zap.String("ride_id", ride.ID), zap.String("payment_status", status))
		return
	}
	ride.PaymentStatus = status
	if err := c.Store.SaveRide(ctx, ride); err != nil {
		c.logger().Error("record payment status", zap.String("ride_id", ride.ID), zap.Error(err))
	}
}

// CancelRide cancels a ride that has not completed.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, reason string, by models.CancelledBy) (*models.Ride, error) {
	ride, err := c.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status == models.RideCompleted {
		return nil, fmt.Errorf("ride %s already completed: %w", rideID, models.ErrInvalidOperation)
	}
	if by == "" {
		by = models.CancelledByUser
	}
	return c.UpdateRideStatus(ctx, rideID, models.RideCancelled, StatusInfo{Reason: reason, CancelledBy: by})
}

// RateRide stores a 1..5 rating. userRating selects the rider's side of the
// ride; otherwise the rating is for the driver and is folded into their
// average. Rating the driver again on the same ride replaces the earlier
// rating instead of counting twice. If the average cannot be updated the
// ride keeps its previous rating.
func (c *Coordinator) RateRide(ctx context.Context, rideID string, rating int, review string, userRating bool) (*models.Ride, error) {
	if rating < 1 || rating > 5 {
		return nil, invalidArg("rating %d outside 1..5", rating)
	}
	unlock := c.locks.Lock(rideKey(rideID))
	defer unlock()

	ride, err := c.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	before := *ride
	if userRating {
		ride.UserRating = rating
		ride.UserReview = review
	} else {
		ride.DriverRating = rating
		ride.DriverReview = review
	}
	ride.UpdatedAt = c.now()
	if err := c.Store.SaveRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("save ride %s: %w", rideID, err)
	}
	if userRating || ride.DriverID == "" {
		return ride, nil
	}

	var d *models.Driver
	if before.DriverRating > 0 {
		d, err = c.Store.ReviseDriverRating(ctx, ride.DriverID, before.DriverRating, rating)
	} else {
		d, err = c.Store.AddDriverRating(ctx, ride.DriverID, rating)
	}
	if err != nil {
		if rerr := c.Store.SaveRide(ctx, &before); rerr != nil {
			c.logger().Error("restore ride rating failed", zap.String("ride_id", rideID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("driver %s rating: %w", ride.DriverID, err)
	}
	c.logger().Info("driver rated", zap.String("driver_id", d.ID), zap.Float64("rating", d.Rating), zap.Int("count", d.RatingCount))
	return ride, nil
}

func (c *Coordinator) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return c.Store.GetRide(ctx, id)
}

func (c *Coordinator) RideHistoryForUser(ctx context.Context, userID string) ([]models.Ride, error) {
	if _, err := c.Store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return c.Store.ListRidesByRider(ctx, userID)
}

func (c *Coordinator) RideHistoryForDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	if _, err := c.Store.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}
	return c.Store.ListRidesByDriver(ctx, driverID)
}
