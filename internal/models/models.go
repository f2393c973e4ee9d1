package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GeoPoint is an immutable WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies inside latitude [-90,90] and longitude [-180,180].
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

type VehicleType string

const (
	VehicleStandard VehicleType = "STANDARD"
	VehicleComfort  VehicleType = "COMFORT"
	VehiclePremium  VehicleType = "PREMIUM"
	VehiclePool     VehicleType = "POOL"
)

// ParseVehicleType normalizes a client supplied vehicle type. Empty or unknown
// values map to STANDARD; ok is false only for non-empty unknown values.
func ParseVehicleType(s string) (VehicleType, bool) {
	v := VehicleType(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case VehicleStandard, VehicleComfort, VehiclePremium, VehiclePool:
		return v, true
	case "":
		return VehicleStandard, true
	default:
		return VehicleStandard, false
	}
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Driver struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	VehicleType VehicleType `json:"vehicle_type,omitempty"`
	Rating      float64     `json:"rating"` // 0..5, 0 when never rated
	RatingCount int         `json:"rating_count"`
}

// DriverLocation is the single live position record of a driver.
type DriverLocation struct {
	DriverID    string      `json:"driver_id"`
	Point       GeoPoint    `json:"point"`
	Geohash     string      `json:"geohash"`
	Heading     float64     `json:"heading,omitempty"`
	Speed       float64     `json:"speed,omitempty"`
	Online      bool        `json:"online"`
	Available   bool        `json:"available"`
	VehicleType VehicleType `json:"vehicle_type,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// LocationPing is a position report as written to the location store. A nil
// Available leaves the stored flag alone, and only a strictly newer ping may
// change it, so replaying a ping cannot undo a claim. Going offline always
// clears availability.
type LocationPing struct {
	DriverID    string      `json:"driver_id"`
	Point       GeoPoint    `json:"point"`
	Geohash     string      `json:"geohash"`
	Heading     float64     `json:"heading,omitempty"`
	Speed       float64     `json:"speed,omitempty"`
	Online      bool        `json:"online"`
	Available   *bool       `json:"available,omitempty"`
	VehicleType VehicleType `json:"vehicle_type,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// InitialAvailable is the flag for a driver with no stored record.
func (p LocationPing) InitialAvailable() bool {
	return p.Online && (p.Available == nil || *p.Available)
}

// FareBreakdown is a computed value embedded into requests and rides.
type FareBreakdown struct {
	BaseFare           decimal.Decimal `json:"base_fare"`
	DistanceFare       decimal.Decimal `json:"distance_fare"`
	TimeFare           decimal.Decimal `json:"time_fare"`
	VehicleMultiplier  decimal.Decimal `json:"vehicle_multiplier"`
	PeakHourMultiplier decimal.Decimal `json:"peak_hour_multiplier"`
	SurgeMultiplier    decimal.Decimal `json:"surge_multiplier"`
	TotalFare          decimal.Decimal `json:"total_fare"`
	DistanceKm         float64         `json:"distance_km"`
	DurationMin        int             `json:"duration_min"`
}

type RideRequestStatus string

const (
	RequestPending   RideRequestStatus = "PENDING"
	RequestSearching RideRequestStatus = "SEARCHING_DRIVER"
	// RequestDriverFound is exposed to clients but never persisted by the coordinator.
	RequestDriverFound RideRequestStatus = "DRIVER_FOUND"
	RequestAccepted    RideRequestStatus = "ACCEPTED"
	RequestExpired     RideRequestStatus = "EXPIRED"
	RequestCancelled   RideRequestStatus = "CANCELLED"
)

func (s RideRequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestExpired || s == RequestCancelled
}

type RideRequest struct {
	ID                  string            `json:"id"`
	RiderID             string            `json:"rider_id"`
	Pickup              GeoPoint          `json:"pickup"`
	PickupGeohash       string            `json:"pickup_geohash"`
	Dropoff             GeoPoint          `json:"dropoff"`
	DropoffGeohash      string            `json:"dropoff_geohash"`
	VehicleType         VehicleType       `json:"vehicle_type"`
	PassengerCount      int               `json:"passenger_count"`
	PaymentMethod       string            `json:"payment_method,omitempty"`
	SpecialInstructions string            `json:"special_instructions,omitempty"`
	Fare                FareBreakdown     `json:"fare"`
	Status              RideRequestStatus `json:"status"`
	DriverID            string            `json:"driver_id,omitempty"`
	RideID              string            `json:"ride_id,omitempty"`
	CancelReason        string            `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

type RideStatus string

const (
	RideDriverAssigned RideStatus = "DRIVER_ASSIGNED"
	RideDriverArriving RideStatus = "DRIVER_ARRIVING"
	RideDriverArrived  RideStatus = "DRIVER_ARRIVED"
	RideInProgress     RideStatus = "IN_PROGRESS"
	RideCompleted      RideStatus = "COMPLETED"
	RideCancelled      RideStatus = "CANCELLED"
)

// RideStatuses lists every ride state in lifecycle order.
var RideStatuses = []RideStatus{
	RideDriverAssigned, RideDriverArriving, RideDriverArrived, RideInProgress, RideCompleted, RideCancelled,
}

func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

func ParseRideStatus(s string) (RideStatus, bool) {
	v := RideStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range RideStatuses {
		if st == v {
			return v, true
		}
	}
	return "", false
}

type CancelledBy string

const (
	CancelledByUser   CancelledBy = "USER"
	CancelledByDriver CancelledBy = "DRIVER"
	CancelledBySystem CancelledBy = "SYSTEM"
)

const (
	PaymentPending  = "PENDING"
	PaymentCaptured = "captured"
	PaymentRefunded = "refunded"
)

type Ride struct {
	ID                string          `json:"id"`
	RequestID         string          `json:"request_id"`
	RiderID           string          `json:"rider_id"`
	DriverID          string          `json:"driver_id,omitempty"`
	Pickup            GeoPoint        `json:"pickup"`
	Dropoff           GeoPoint        `json:"dropoff"`
	VehicleType       VehicleType     `json:"vehicle_type"`
	BaseFare          decimal.Decimal `json:"base_fare"`
	DistanceFare      decimal.Decimal `json:"distance_fare"`
	TimeFare          decimal.Decimal `json:"time_fare"`
	SurgeMultiplier   decimal.Decimal `json:"surge_multiplier"`
	TotalFare         decimal.Decimal `json:"total_fare"`
	DistanceKm        float64         `json:"distance_km"`
	EstimatedMin      int             `json:"estimated_min"`
	ActualDurationMin int             `json:"actual_duration_min,omitempty"`
	Status            RideStatus      `json:"status"`

	AssignedAt  time.Time  `json:"assigned_at"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string      `json:"cancel_reason,omitempty"`
	CancelledBy  CancelledBy `json:"cancelled_by,omitempty"`

	UserRating   int    `json:"user_rating,omitempty"`
	UserReview   string `json:"user_review,omitempty"`
	DriverRating int    `json:"driver_rating,omitempty"`
	DriverReview string `json:"driver_review,omitempty"`

	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	PaymentStatus   string `json:"payment_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
