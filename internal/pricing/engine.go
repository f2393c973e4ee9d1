package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	defaultBaseFare   = decimal.RequireFromString("2.50")
	defaultPerKmRate  = decimal.RequireFromString("1.50")
	defaultPerMinRate = decimal.RequireFromString("0.30")

	peakMultiplier     = decimal.RequireFromString("1.2")
	nightSurge         = decimal.RequireFromString("1.5")
	businessSurge      = decimal.RequireFromString("1.3")
	vehicleMultipliers = map[models.VehicleType]decimal.Decimal{
		models.VehicleStandard: decimal.RequireFromString("1.0"),
		models.VehicleComfort:  decimal.RequireFromString("1.3"),
		models.VehiclePremium:  decimal.RequireFromString("1.8"),
		models.VehiclePool:     decimal.RequireFromString("0.7"),
	}
)

// DefaultBusinessDistrict is midtown Manhattan.
var DefaultBusinessDistrict = models.GeoPoint{Lat: 40.7589, Lon: -73.9851}

const (
	minutesPerKm           = 2.0
	businessDistrictRadius = 2.0
)

type Engine struct {
	BaseFare         decimal.Decimal
	PerKmRate        decimal.Decimal
	PerMinuteRate    decimal.Decimal
	BusinessDistrict models.GeoPoint
	// Location is the zone used for time-of-day rules; nil means the request time's own zone.
	Location *time.Location
}

func NewEngine(district models.GeoPoint) *Engine {
	return &Engine{
		BaseFare:         defaultBaseFare,
		PerKmRate:        defaultPerKmRate,
		PerMinuteRate:    defaultPerMinRate,
		BusinessDistrict: district,
	}
}

// VehicleMultiplier returns the multiplier for vt, falling back to STANDARD.
func VehicleMultiplier(vt models.VehicleType) decimal.Decimal {
	if m, ok := vehicleMultipliers[vt]; ok {
		return m
	}
	return vehicleMultipliers[models.VehicleStandard]
}

// FareBreakdown prices a trip. The distance is straight-line and the duration
// assumes 2 minutes per kilometer.
func (e *Engine) FareBreakdown(pickup, dropoff models.GeoPoint, vt models.VehicleType, at time.Time) models.FareBreakdown {
	if e.Location != nil {
		at = at.In(e.Location)
	}
	km := geo.HaversineKm(pickup, dropoff)
	minutes := int(math.Ceil(km * minutesPerKm))

	distanceFare := decimal.NewFromFloat(km).Mul(e.PerKmRate)
	timeFare := decimal.NewFromInt(int64(minutes)).Mul(e.PerMinuteRate)
	vehicle := VehicleMultiplier(vt)
	subtotal := e.BaseFare.Add(distanceFare).Add(timeFare).Mul(vehicle)

	peak := e.PeakHourMultiplier(at)
	surge := e.SurgeMultiplier(pickup, at)
	total := subtotal.Mul(peak).Mul(surge).Round(2)

	return models.FareBreakdown{
		BaseFare:           e.BaseFare,
		DistanceFare:       distanceFare.Round(2),
		TimeFare:           timeFare.Round(2),
		VehicleMultiplier:  vehicle,
		PeakHourMultiplier: peak,
		SurgeMultiplier:    surge,
		TotalFare:          total,
		DistanceKm:         km,
		DurationMin:        minutes,
	}
}

// PeakHourMultiplier is 1.2 strictly inside 07:00-09:00 and 17:00-19:00.
func (e *Engine) PeakHourMultiplier(at time.Time) decimal.Decimal {
	if between(at, 7, 9) || between(at, 17, 19) {
		return peakMultiplier
	}
	return decimal.NewFromInt(1)
}

// SurgeMultiplier applies the night surge (after 22:00 or before 02:00, every
// day) first, then the business district surge during office hours.
func (e *Engine) SurgeMultiplier(pickup models.GeoPoint, at time.Time) decimal.Decimal {
	d := sinceMidnight(at)
	if d > 22*time.Hour || d < 2*time.Hour {
		return nightSurge
	}
	if between(at, 8, 18) && geo.HaversineKm(pickup, e.BusinessDistrict) <= businessDistrictRadius {
		return businessSurge
	}
	return decimal.NewFromInt(1)
}

// between reports whether at falls strictly between the two whole hours.
func between(at time.Time, fromHour, toHour int) bool {
	d := sinceMidnight(at)
	return d > time.Duration(fromHour)*time.Hour && d < time.Duration(toHour)*time.Hour
}

func sinceMidnight(at time.Time) time.Duration {
	return time.Duration(at.Hour())*time.Hour +
		time.Duration(at.Minute())*time.Minute +
		time.Duration(at.Second())*time.Second +
		time.Duration(at.Nanosecond())
}
