package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRadiusKm = 5.0
	DefaultTopN     = 10

	distanceWeight = 0.7
	ratingWeight   = 0.3
	maxScoredKm    = 10.0
)

// Ratings resolves a driver's average rating; a missing driver scores 0.
type Ratings interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
}

// Candidate is a ranked driver for a pickup point.
type Candidate struct {
	Location   models.DriverLocation `json:"location"`
	Rating     float64               `json:"rating"`
	DistanceKm float64               `json:"distance_km"`
	Score      float64               `json:"score"`
}

type Service struct {
	Locations storage.LocationRepository
	Ratings   Ratings
	RadiusKm  float64
	TopN      int
	Logger    *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) radius(r float64) float64 {
	if r > 0 {
		return r
	}
	if s.RadiusKm > 0 {
		return s.RadiusKm
	}
	return DefaultRadiusKm
}

// Score weighs proximity against rating: 0.7*max(0, 10-km) + 0.3*(rating*2).
func Score(distanceKm, rating float64) float64 {
	distanceScore := maxScoredKm - distanceKm
	if distanceScore < 0 {
		distanceScore = 0
	}
	return distanceWeight*distanceScore + ratingWeight*(rating*2)
}

// FindCandidates ranks online, available drivers around pickup. It queries the
// covering prefix first and widens one geohash character at a time until a
// prefix yields drivers. A non-positive radius uses the service default.
func (s *Service) FindCandidates(ctx context.Context, pickup models.GeoPoint, radiusKm float64) ([]Candidate, error) {
	prefixes, err := geo.PrefixesCoveringRadius(pickup, s.radius(radiusKm))
	if err != nil {
		return nil, err
	}
	var locs []models.DriverLocation
	for i, prefix := range prefixes {
		locs, err = s.Locations.FindAvailableByPrefix(ctx, prefix, "")
		if err != nil {
			return nil, fmt.Errorf("query prefix %s: %w", prefix, err)
		}
		if len(locs) > 0 {
			if i > 0 {
				s.logger().Debug("widened driver search", zap.String("prefix", prefix), zap.Int("drivers", len(locs)))
			}
			break
		}
	}

	cands := make([]Candidate, 0, len(locs))
	for _, loc := range locs {
		rating := s.rating(ctx, loc.DriverID)
		km := geo.HaversineKm(pickup, loc.Point)
		cands = append(cands, Candidate{Location: loc, Rating: rating, DistanceKm: km, Score: Score(km, rating)})
	}
	Rank(cands)

	topN := s.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	if len(cands) > topN {
		cands = cands[:topN]
	}
	return cands, nil
}

func (s *Service) rating(ctx context.Context, driverID string) float64 {
	if s.Ratings == nil {
		return 0
	}
	d, err := s.Ratings.GetDriver(ctx, driverID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger().Warn("driver rating lookup failed", zap.String("driver_id", driverID), zap.Error(err))
		}
		return 0
	}
	return d.Rating
}

// Rank sorts by score descending, then distance ascending, then driver ID.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Location.DriverID < b.Location.DriverID
	})
}

// Assign ranks candidates for the request and claims the first one that is
// still free. It returns models.ErrUnavailable when nobody could be claimed.
func (s *Service) Assign(ctx context.Context, req *models.RideRequest) (*Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	cands, err := s.FindCandidates(ctx, req.Pickup, 0)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := cands[i]
		err := s.Locations.ClaimDriver(ctx, c.Location.DriverID)
		if err == nil {
			observability.MatchesTotal.Inc()
			c.Location.Available = false
			return &c, nil
		}
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			observability.ClaimConflicts.Inc()
			continue
		}
		return nil, fmt.Errorf("claim driver %s: %w", c.Location.DriverID, err)
	}
	observability.MatchFailures.Inc()
	return nil, fmt.Errorf("no driver for request %s among %d candidates: %w", req.ID, len(cands), models.ErrUnavailable)
}

// Release makes the driver assignable again. Releasing a free driver is a no-op.
func (s *Service) Release(ctx context.Context, driverID string) error {
	return s.Locations.ReleaseDriver(ctx, driverID)
}

// AvailableInArea lists online, available drivers in the covering cell and its
// eight neighbors, nearest first.
func (s *Service) AvailableInArea(ctx context.Context, center models.GeoPoint, radiusKm float64, vt models.VehicleType) ([]Candidate, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("center %v: %w", center, models.ErrInvalidArgument)
	}
	prefixes, err := geo.PrefixesCoveringRadius(center, s.radius(radiusKm))
	if err != nil {
		return nil, err
	}
	cells, err := geo.Neighbors(prefixes[0])
	if err != nil {
		return nil, err
	}
	cells = append([]string{prefixes[0]}, cells...)

	seen := make(map[string]bool)
	out := make([]Candidate, 0)
	for _, cell := range cells {
		locs, err := s.Locations.FindAvailableByPrefix(ctx, cell, vt)
		if err != nil {
			return nil, err
		}
		for _, loc := range locs {
			if seen[loc.DriverID] {
				continue
			}
			seen[loc.DriverID] = true
			rating := s.rating(ctx, loc.DriverID)
			km := geo.HaversineKm(center, loc.Point)
			out = append(out, Candidate{Location: loc, Rating: rating, DistanceKm: km, Score: Score(km, rating)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Location.DriverID < out[j].Location.DriverID
	})
	return out, nil
}
