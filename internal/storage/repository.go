package storage

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Lookups return models.ErrNotFound (wrapped) when the record does not exist.
// Returned records are copies; mutate and Save to persist.

type UserRepository interface {
	SaveUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type DriverRepository interface {
	SaveDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// AddDriverRating folds rating into the running average atomically.
	AddDriverRating(ctx context.Context, id string, rating int) (*models.Driver, error)
	// ReviseDriverRating replaces one counted rating without changing the count.
	ReviseDriverRating(ctx context.Context, id string, previous, rating int) (*models.Driver, error)
}

// LocationRepository owns the live driver positions and the availability flag.
type LocationRepository interface {
	// UpsertLocation applies a ping unless a newer one is stored. Position and
	// online fields are replaced; availability follows models.LocationPing.
	UpsertLocation(ctx context.Context, p *models.LocationPing) error
	GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
	// FindAvailableByPrefix lists online and available drivers whose geohash
	// starts with prefix, ordered by driver ID. An empty vehicle type matches all.
	FindAvailableByPrefix(ctx context.Context, prefix string, vt models.VehicleType) ([]models.DriverLocation, error)
	// ClaimDriver flips available from true to false in one atomic step. It
	// returns models.ErrConflict when the driver is offline or already taken.
	ClaimDriver(ctx context.Context, driverID string) error
	// ReleaseDriver sets available back to true; releasing a free driver is a no-op.
	ReleaseDriver(ctx context.Context, driverID string) error
}

type RideRequestRepository interface {
	SaveRequest(ctx context.Context, r *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	ListRequestsByStatus(ctx context.Context, statuses ...models.RideRequestStatus) ([]models.RideRequest, error)
}

type RideRepository interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// Histories are ordered newest first.
	ListRidesByRider(ctx context.Context, riderID string) ([]models.Ride, error)
	ListRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error)
}

// RideStore groups the record repositories a dispatch process needs.
type RideStore interface {
	UserRepository
	DriverRepository
	RideRequestRepository
	RideRepository
}
