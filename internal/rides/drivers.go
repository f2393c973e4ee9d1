package rides

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// LocationUpdate is a position report from the driver app. A nil Available
// keeps the stored flag so a ping cannot free a driver who is on a ride; a
// driver coming back online sends available=true.
type LocationUpdate struct {
	DriverID    string          `json:"driver_id"`
	Point       models.GeoPoint `json:"point"`
	Heading     float64         `json:"heading"`
	Speed       float64         `json:"speed"`
	Online      bool            `json:"online"`
	Available   *bool           `json:"available,omitempty"`
	VehicleType string          `json:"vehicle_type,omitempty"`
}

func (c *Coordinator) RegisterUser(ctx context.Context, u models.User) (*models.User, error) {
	if strings.TrimSpace(u.Name) == "" {
		return nil, invalidArg("user name is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := c.Store.SaveUser(ctx, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Coordinator) RegisterDriver(ctx context.Context, d models.Driver) (*models.Driver, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, invalidArg("driver name is required")
	}
	vt, err := parseVehicle(string(d.VehicleType))
	if err != nil {
		return nil, err
	}
	d.VehicleType = vt
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Rating, d.RatingCount = 0, 0
	if err := c.Store.SaveDriver(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDriverLocation stores the driver's live position at full geohash
// precision and forwards the ping to LocationEvents when configured. The store
// applies availability itself so a concurrent claim is never overwritten.
func (c *Coordinator) UpdateDriverLocation(ctx context.Context, u LocationUpdate) (*models.DriverLocation, error) {
	if !u.Point.Valid() {
		return nil, invalidArg("location %v out of range", u.Point)
	}
	driver, err := c.Store.GetDriver(ctx, u.DriverID)
	if err != nil {
		return nil, err
	}
	vt := driver.VehicleType
	if u.VehicleType != "" {
		if vt, err = parseVehicle(u.VehicleType); err != nil {
			return nil, err
		}
	}
	hash, err := geo.Encode(u.Point.Lat, u.Point.Lon, geo.LocationPrecision)
	if err != nil {
		return nil, err
	}

	ping := &models.LocationPing{
		DriverID:    u.DriverID,
		Point:       u.Point,
		Geohash:     hash,
		Heading:     u.Heading,
		Speed:       u.Speed,
		Online:      u.Online,
		Available:   u.Available,
		VehicleType: vt,
		UpdatedAt:   c.now(),
	}
	if err := c.Locations.UpsertLocation(ctx, ping); err != nil {
		return nil, fmt.Errorf("upsert location %s: %w", u.DriverID, err)
	}
	observability.LocationUpdatesTotal.WithLabelValues(fmt.Sprint(ping.Online)).Inc()
	if c.LocationEvents != nil {
		if err := c.LocationEvents.PublishLocation(ctx, *ping); err != nil {
			c.sideEffectFailed("location_event", err, zap.String("driver_id", ping.DriverID))
		}
	}
	return c.Locations.GetLocation(ctx, u.DriverID)
}

func (c *Coordinator) AvailableInArea(ctx context.Context, center models.GeoPoint, radiusKm float64, vehicleType string) ([]matcher.Candidate, error) {
	var vt models.VehicleType
	if vehicleType != "" {
		var err error
		if vt, err = parseVehicle(vehicleType); err != nil {
			return nil, err
		}
	}
	return c.Matcher.AvailableInArea(ctx, center, radiusKm, vt)
}

// EstimateFare prices a trip at the current time without creating a request.
func (c *Coordinator) EstimateFare(_ context.Context, pickup, dropoff models.GeoPoint, vehicleType string) (*models.FareBreakdown, error) {
	if err := validatePoints(pickup, dropoff); err != nil {
		return nil, err
	}
	vt, err := parseVehicle(vehicleType)
	if err != nil {
		return nil, err
	}
	fb := c.Pricing.FareBreakdown(pickup, dropoff, vt, c.now())
	return &fb, nil
}

// Arrival is the driver's straight-line ETA to pickup.
type Arrival struct {
	RideID     string `json:"ride_id"`
	DriverID   string `json:"driver_id"`
	ETAMinutes int    `json:"eta_minutes"`
}

// EstimateArrival computes the ETA of the assigned driver and pushes it to
// the rider's ETA topic.
func (c *Coordinator) EstimateArrival(ctx context.Context, rideID string) (*Arrival, error) {
	ride, err := c.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status.Terminal() || ride.DriverID == "" {
		return nil, fmt.Errorf("ride %s is %s: %w", ride.ID, ride.Status, models.ErrInvalidOperation)
	}
	loc, err := c.Locations.GetLocation(ctx, ride.DriverID)
	if err != nil {
		return nil, fmt.Errorf("driver %s location: %w", ride.DriverID, err)
	}
	est := c.ETA
	if est == nil {
		est = &eta.Estimator{}
	}
	a := &Arrival{RideID: ride.ID, DriverID: ride.DriverID, ETAMinutes: est.Minutes(loc.Point, ride.Pickup)}
	c.publish(ctx, dispatch.UserETATopic(ride.RiderID), *a)
	return a, nil
}
