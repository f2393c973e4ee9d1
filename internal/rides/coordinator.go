package rides

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const DefaultRequestTTL = 5 * time.Minute

// LocationEvents receives accepted driver location updates, e.g. a Kafka producer.
type LocationEvents interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
}

// Coordinator owns the ride request and ride lifecycles. Payments and
// LocationEvents are optional; everything else is required.
type Coordinator struct {
	Store          storage.RideStore
	Locations      storage.LocationRepository
	Matcher        *matcher.Service
	Pricing        *pricing.Engine
	ETA            *eta.Estimator
	Notifier       dispatch.Notifier
	Publisher      dispatch.Publisher
	Payments       payments.Gateway
	LocationEvents LocationEvents
	Logger         *zap.Logger

	Clock      func() time.Time
	RequestTTL time.Duration
	Currency   string

	locks    keyedMutex
	mu       sync.Mutex
	searches map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// RequestInput is what a rider submits.
type RequestInput struct {
	RiderID             string          `json:"rider_id"`
	Pickup              models.GeoPoint `json:"pickup"`
	Dropoff             models.GeoPoint `json:"dropoff"`
	VehicleType         string          `json:"vehicle_type"`
	PassengerCount      int             `json:"passenger_count"`
	PaymentMethod       string          `json:"payment_method"`
	SpecialInstructions string          `json:"special_instructions"`
}

func (c *Coordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Coordinator) ttl() time.Duration {
	if c.RequestTTL > 0 {
		return c.RequestTTL
	}
	return DefaultRequestTTL
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrInvalidArgument)
}

func validatePoints(pickup, dropoff models.GeoPoint) error {
	if !pickup.Valid() {
		return invalidArg("pickup %v out of range", pickup)
	}
	if !dropoff.Valid() {
		return invalidArg("dropoff %v out of range", dropoff)
	}
	return nil
}

func parseVehicle(s string) (models.VehicleType, error) {
	vt, ok := models.ParseVehicleType(s)
	if !ok {
		return "", invalidArg("unknown vehicle type %q", s)
	}
	return vt, nil
}

// CreateRideRequest prices and persists a PENDING request, then starts the
// driver search in the background. It returns as soon as the request is stored.
func (c *Coordinator) CreateRideRequest(ctx context.Context, in RequestInput) (*models.RideRequest, error) {
	if strings.TrimSpace(in.RiderID) == "" {
		return nil, invalidArg("rider id is required")
	}
	if err := validatePoints(in.Pickup, in.Dropoff); err != nil {
		return nil, err
	}
	vt, err := parseVehicle(in.VehicleType)
	if err != nil {
		return nil, err
	}
	if in.PassengerCount < 0 {
		return nil, invalidArg("passenger count %d", in.PassengerCount)
	}
	if in.PassengerCount == 0 {
		in.PassengerCount = 1
	}
	if _, err := c.Store.GetUser(ctx, in.RiderID); err != nil {
		return nil, fmt.Errorf("rider %s: %w", in.RiderID, err)
	}

	pickupHash, err := geo.Encode(in.Pickup.Lat, in.Pickup.Lon, geo.LocationPrecision)
	if err != nil {
		return nil, err
	}
	dropoffHash, err := geo.Encode(in.Dropoff.Lat, in.Dropoff.Lon, geo.LocationPrecision)
	if err != nil {
		return nil, err
	}

	now := c.now()
	req := &models.RideRequest{
		ID:                  uuid.NewString(),
		RiderID:             in.RiderID,
		Pickup:              in.Pickup,
		PickupGeohash:       pickupHash,
		Dropoff:             in.Dropoff,
		DropoffGeohash:      dropoffHash,
		VehicleType:         vt,
		PassengerCount:      in.PassengerCount,
		PaymentMethod:       in.PaymentMethod,
		SpecialInstructions: in.SpecialInstructions,
		Fare:                c.Pricing.FareBreakdown(in.Pickup, in.Dropoff, vt, now),
		Status:              models.RequestPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.ttl()),
		UpdatedAt:           now,
	}
	if err := c.Store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	c.logger().Info("ride request created",
		zap.String("request_id", req.ID),
		zap.String("rider_id", req.RiderID),
		zap.String("total_fare", req.Fare.TotalFare.StringFixed(2)))

	c.publish(ctx, dispatch.UserRequestTopic(req.RiderID), *req)
	c.notify(ctx, dispatch.Notification{Kind: dispatch.EventRequestCreated, RecipientID: req.RiderID, RequestID: req.ID})
	c.startSearch(ctx, req)
	return req, nil
}

// startSearch runs the search detached from the caller's cancellation but
// bounded by the request's expiry.
func (c *Coordinator) startSearch(ctx context.Context, req *models.RideRequest) {
	// c.Clock may be virtual; the deadline is measured on the wall clock
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.ExpiresAt.Sub(c.now()))
	c.mu.Lock()
	if c.searches == nil {
		c.searches = make(map[string]context.CancelFunc)
	}
	c.searches[req.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.stopSearch(req.ID)
		c.search(sctx, req.ID)
	}()
}

func (c *Coordinator) stopSearch(requestID string) {
	c.mu.Lock()
	cancel, ok := c.searches[requestID]
	delete(c.searches, requestID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every in-flight search has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

var errStale = errors.New("request no longer searchable")

func (c *Coordinator) search(ctx context.Context, requestID string) {
	log := c.logger().With(zap.String("request_id", requestID))
	// persistence after the search context is done must still go through
	bg := context.WithoutCancel(ctx)

	req, err := c.updateRequest(bg, requestID, func(r *models.RideRequest) error {
		if r.Status != models.RequestPending || !c.now().Before(r.ExpiresAt) {
			return errStale
		}
		r.Status = models.RequestSearching
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			log.Error("start search", zap.Error(err))
		}
		return
	}
	c.publish(bg, dispatch.UserRequestTopic(req.RiderID), *req)

	cand, assignErr := c.Matcher.Assign(ctx, req)

	unlock := c.locks.Lock(requestKey(requestID))
	current, err := c.Store.GetRequest(bg, requestID)
	if err != nil {
		unlock()
		log.Error("reload request after search", zap.Error(err))
		c.releaseClaim(bg, cand)
		return
	}
	if current.Status != models.RequestSearching {
		unlock()
		log.Info("search result discarded", zap.String("status", string(current.Status)))
		c.releaseClaim(bg, cand)
		return
	}
	if assignErr != nil || !c.now().Before(current.ExpiresAt) {
		c.releaseClaim(bg, cand)
		if assignErr != nil && !errors.Is(assignErr, models.ErrUnavailable) && ctx.Err() == nil {
			log.Error("driver search failed", zap.Error(assignErr))
		}
		err := c.expireLocked(bg, current)
		unlock()
		if err != nil {
			log.Error("expire request", zap.Error(err))
			return
		}
		c.announceExpired(bg, current)
		return
	}

	ride := c.newRide(current, cand)
	if err := c.Store.SaveRide(bg, ride); err != nil {
		unlock()
		log.Error("save ride", zap.Error(err))
		c.releaseClaim(bg, cand)
		return
	}
	current.Status = models.RequestAccepted
	current.DriverID = ride.DriverID
	current.RideID = ride.ID
	current.UpdatedAt = c.now()
	if err := c.Store.SaveRequest(bg, current); err != nil {
		unlock()
		log.Error("accept request", zap.Error(err))
		c.abandonRide(bg, ride)
		return
	}
	unlock()
	observability.RideRequestsTotal.WithLabelValues(string(models.RequestAccepted)).Inc()
	log.Info("driver assigned", zap.String("ride_id", ride.ID), zap.String("driver_id", ride.DriverID), zap.Float64("score", cand.Score))

	c.publish(bg, dispatch.UserRequestTopic(current.RiderID), *current)
	c.rideCreated(bg, ride)
}

func (c *Coordinator) releaseClaim(ctx context.Context, cand *matcher.Candidate) {
	if cand == nil {
		return
	}
	if err := c.Matcher.Release(ctx, cand.Location.DriverID); err != nil && !errors.Is(err, models.ErrNotFound) {
		c.logger().Warn("release driver", zap.String("driver_id", cand.Location.DriverID), zap.Error(err))
	}
}

// abandonRide undoes a ride whose request could not be marked accepted.
func (c *Coordinator) abandonRide(ctx context.Context, ride *models.Ride) {
	now := c.now()
	ride.Status = models.RideCancelled
	ride.CancelledAt = &now
	ride.CancelledBy = models.CancelledBySystem
	ride.CancelReason = "request could not be accepted"
	ride.UpdatedAt = now
	if err := c.Store.SaveRide(ctx, ride); err != nil {
		c.logger().Error("abandon ride", zap.String("ride_id", ride.ID), zap.Error(err))
	}
	if err := c.Matcher.Release(ctx, ride.DriverID); err != nil {
		c.logger().Warn("release driver", zap.String("driver_id", ride.DriverID), zap.Error(err))
	}
}

// splitFare divides the estimated total 30/50/20 into base, distance and time
// until the trip is metered. The parts always sum to the total.
func splitFare(total decimal.Decimal) (base, distance, timeFare decimal.Decimal) {
	base = total.Mul(decimal.NewFromFloat(0.3)).Round(2)
	distance = total.Mul(decimal.NewFromFloat(0.5)).Round(2)
	timeFare = total.Sub(base).Sub(distance)
	return base, distance, timeFare
}

func (c *Coordinator) newRide(req *models.RideRequest, cand *matcher.Candidate) *models.Ride {
	now := c.now()
	base, distance, timeFare := splitFare(req.Fare.TotalFare)
	return &models.Ride{
		ID:              uuid.NewString(),
		RequestID:       req.ID,
		RiderID:         req.RiderID,
		DriverID:        cand.Location.DriverID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		VehicleType:     req.VehicleType,
		BaseFare:        base,
		DistanceFare:    distance,
		TimeFare:        timeFare,
		SurgeMultiplier: req.Fare.SurgeMultiplier,
		TotalFare:       req.Fare.TotalFare,
		DistanceKm:      req.Fare.DistanceKm,
		EstimatedMin:    req.Fare.DurationMin,
		Status:          models.RideDriverAssigned,
		AssignedAt:      now,
		PaymentStatus:   models.PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// rideCreated runs the side effects of a new assignment.
func (c *Coordinator) rideCreated(ctx context.Context, ride *models.Ride) {
	if c.Payments != nil {
		c.holdPayment(ctx, ride)
	}
	c.notify(ctx, dispatch.Notification{Kind: dispatch.EventDriverAssigned, RecipientID: ride.RiderID, RequestID: ride.RequestID, Ride: ride})
	c.notify(ctx, dispatch.Notification{Kind: dispatch.EventRideAccepted, RecipientID: ride.DriverID, RequestID: ride.RequestID, Ride: ride})
	c.publishRide(ctx, ride)
}

// holdPayment authorizes the fare and records the intent. A ride that ended
// while the hold was in flight is settled here, since its own transition
// had no intent to settle.
func (c *Coordinator) holdPayment(ctx context.Context, ride *models.Ride) {
	id, err := c.Payments.Hold(ctx, ride.TotalFare, c.currency(), ride.ID)
	if err != nil {
		c.sideEffectFailed("payment", err, zap.String("ride_id", ride.ID))
		return
	}
	unlock := c.locks.Lock(rideKey(ride.ID))
	defer unlock()
	current, err := c.Store.GetRide(ctx, ride.ID)
	if err != nil {
		c.logger().Error("record payment hold", zap.String("ride_id", ride.ID), zap.Error(err))
		return
	}
	current.PaymentIntentID = id
	if err := c.Store.SaveRide(ctx, current); err != nil {
		c.logger().Error("record payment hold", zap.String("ride_id", ride.ID), zap.Error(err))
		return
	}
	ride.PaymentIntentID = id
	switch current.Status {
	case models.RideCancelled:
		c.settlePayment(ctx, current, models.PaymentRefunded)
	case models.RideCompleted:
		c.settlePayment(ctx, current, models.PaymentCaptured)
	}
}

func (c *Coordinator) currency() string {
	if c.Currency == "" {
		return "usd"
	}
	return c.Currency
}

// updateRequest applies fn to the stored request under its lock and saves it.
func (c *Coordinator) updateRequest(ctx context.Context, id string, fn func(*models.RideRequest) error) (*models.RideRequest, error) {
	unlock := c.locks.Lock(requestKey(id))
	defer unlock()
	req, err := c.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(req); err != nil {
		return nil, err
	}
	req.UpdatedAt = c.now()
	if err := c.Store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request %s: %w", id, err)
	}
	return req, nil
}

// expireLocked marks the request EXPIRED; the caller holds its lock.
func (c *Coordinator) expireLocked(ctx context.Context, req *models.RideRequest) error {
	req.Status = models.RequestExpired
	req.UpdatedAt = c.now()
	if err := c.Store.SaveRequest(ctx, req); err != nil {
		return err
	}
	observability.RideRequestsTotal.WithLabelValues(string(models.RequestExpired)).Inc()
	return nil
}

func (c *Coordinator) announceExpired(ctx context.Context, req *models.RideRequest) {
	c.logger().Info("no driver found", zap.String("request_id", req.ID))
	c.publish(ctx, dispatch.UserRequestTopic(req.RiderID), *req)
	c.notify(ctx, dispatch.Notification{Kind: dispatch.EventNoDriverFound, RecipientID: req.RiderID, RequestID: req.ID})
}

// CancelRideRequest stops a request that has not been accepted yet.
func (c *Coordinator) CancelRideRequest(ctx context.Context, id, reason string) (*models.RideRequest, error) {
	req, err := c.updateRequest(ctx, id, func(r *models.RideRequest) error {
		if r.Status.Terminal() {
			return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrInvalidOperation)
		}
		r.Status = models.RequestCancelled
		r.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.stopSearch(id)
	observability.RideRequestsTotal.WithLabelValues(string(models.RequestCancelled)).Inc()
	c.publish(ctx, dispatch.UserRequestTopic(req.RiderID), *req)
	return req, nil
}

func (c *Coordinator) GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	return c.Store.GetRequest(ctx, id)
}

func (c *Coordinator) notify(ctx context.Context, n dispatch.Notification) {
	if c.Notifier == nil {
		return
	}
	if err := c.Notifier.Notify(ctx, n); err != nil {
		c.sideEffectFailed("notify", err, zap.String("kind", string(n.Kind)), zap.String("recipient_id", n.RecipientID))
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string, payload any) {
	if c.Publisher == nil {
		return
	}
	if err := c.Publisher.Publish(ctx, topic, payload); err != nil {
		c.sideEffectFailed("publish", err, zap.String("topic", topic))
	}
}

func (c *Coordinator) publishRide(ctx context.Context, ride *models.Ride) {
	c.publish(ctx, dispatch.UserRideTopic(ride.RiderID), *ride)
	if ride.DriverID != "" {
		c.publish(ctx, dispatch.UserRideTopic(ride.DriverID), *ride)
	}
	c.publish(ctx, dispatch.RideStatusTopic(ride.ID), map[string]any{"ride_id": ride.ID, "status": ride.Status})
}

func (c *Coordinator) sideEffectFailed(kind string, err error, fields ...zap.Field) {
	observability.SideEffectErrors.WithLabelValues(kind).Inc()
	c.logger().Warn(kind+" failed", append(fields, zap.Error(err))...)
}
