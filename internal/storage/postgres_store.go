package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore and LocationRepository on lib/pq.
// Requests and rides are stored as JSON documents next to the columns the
// queries filter on; driver locations are fully columnar so the claim can be
// a single conditional UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func rowErr(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	return err
}

func (p *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(id, name, phone) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone`, u.ID, u.Name, u.Phone)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone FROM users WHERE id=$1`, id).Scan(&u.ID, &u.Name, &u.Phone)
	if err != nil {
		return nil, rowErr(err, "user", id)
	}
	return &u, nil
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, name, vehicle_type, rating, rating_count) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, vehicle_type=EXCLUDED.vehicle_type`,
		d.ID, d.Name, string(d.VehicleType), d.Rating, d.RatingCount)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, vehicle_type, rating, rating_count FROM drivers WHERE id=$1`, id)
	d, err := scanDriver(row)
	if err != nil {
		return nil, rowErr(err, "driver", id)
	}
	return d, nil
}

func (p *PostgresStore) AddDriverRating(ctx context.Context, id string, rating int) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE drivers
		SET rating = (rating * rating_count + $2) / (rating_count + 1), rating_count = rating_count + 1
		WHERE id=$1
		RETURNING id, name, vehicle_type, rating, rating_count`, id, rating)
	d, err := scanDriver(row)
	if err != nil {
		return nil, rowErr(err, "driver", id)
	}
	return d, nil
}

func (p *PostgresStore) ReviseDriverRating(ctx context.Context, id string, previous, rating int) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE drivers
		SET rating = rating + ($3 - $2)::float8 / rating_count
		WHERE id=$1 AND rating_count > 0
		RETURNING id, name, vehicle_type, rating, rating_count`, id, previous, rating)
	d, err := scanDriver(row)
	if err != nil {
		return nil, rowErr(err, "rated driver", id)
	}
	return d, nil
}

func scanDriver(row *sql.Row) (*models.Driver, error) {
	var d models.Driver
	var vt string
	if err := row.Scan(&d.ID, &d.Name, &vt, &d.Rating, &d.RatingCount); err != nil {
		return nil, err
	}
	d.VehicleType = models.VehicleType(vt)
	return &d, nil
}

const locationColumns = `driver_id, lat, lon, geohash, heading, speed, online, available, vehicle_type, updated_at`

// UpsertLocation keeps the stored availability unless the ping carries one and
// is strictly newer; offline always clears it.
func (p *PostgresStore) UpsertLocation(ctx context.Context, ping *models.LocationPing) error {
	explicit := ping.Available != nil
	requested := explicit && *ping.Available
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_locations(`+locationColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (driver_id) DO UPDATE SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, geohash=EXCLUDED.geohash,
			heading=EXCLUDED.heading, speed=EXCLUDED.speed, online=EXCLUDED.online,
			available = CASE
				WHEN NOT EXCLUDED.online THEN false
				WHEN $11::boolean AND driver_locations.updated_at < EXCLUDED.updated_at THEN $12::boolean
				ELSE driver_locations.available END,
			vehicle_type=EXCLUDED.vehicle_type, updated_at=EXCLUDED.updated_at
		WHERE driver_locations.updated_at <= EXCLUDED.updated_at`,
		ping.DriverID, ping.Point.Lat, ping.Point.Lon, ping.Geohash, ping.Heading, ping.Speed,
		ping.Online, ping.InitialAvailable(), string(ping.VehicleType), ping.UpdatedAt,
		explicit, requested)
	return err
}

func (p *PostgresStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM driver_locations WHERE driver_id=$1`, driverID)
	if err != nil {
		return nil, err
	}
	locs, err := scanLocations(rows)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, notFound("driver location", driverID)
	}
	return &locs[0], nil
}

func (p *PostgresStore) FindAvailableByPrefix(ctx context.Context, prefix string, vt models.VehicleType) ([]models.DriverLocation, error) {
	// the geohash alphabet contains neither % nor _, so the prefix needs no escaping
	rows, err := p.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM driver_locations
		WHERE geohash LIKE $1 AND online AND available AND ($2 = '' OR vehicle_type = $2)
		ORDER BY driver_id`, prefix+"%", string(vt))
	if err != nil {
		return nil, err
	}
	return scanLocations(rows)
}

func scanLocations(rows *sql.Rows) ([]models.DriverLocation, error) {
	defer rows.Close()
	out := make([]models.DriverLocation, 0)
	for rows.Next() {
		var l models.DriverLocation
		var vt string
		if err := rows.Scan(&l.DriverID, &l.Point.Lat, &l.Point.Lon, &l.Geohash, &l.Heading, &l.Speed,
			&l.Online, &l.Available, &vt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.VehicleType = models.VehicleType(vt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimDriver(ctx context.Context, driverID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE driver_locations SET available=false
		WHERE driver_id=$1 AND online AND available`, driverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("claim driver %q: %w", driverID, models.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, driverID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE driver_locations SET available=true WHERE driver_id=$1`, driverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("driver location", driverID)
	}
	return nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.RideRequest) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO ride_requests(id, rider_id, status, expires_at, created_at, doc)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, doc=EXCLUDED.doc`,
		r.ID, r.RiderID, string(r.Status), r.ExpiresAt, r.CreatedAt, doc)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	var doc []byte
	if err := p.db.QueryRowContext(ctx, `SELECT doc FROM ride_requests WHERE id=$1`, id).Scan(&doc); err != nil {
		return nil, rowErr(err, "ride request", id)
	}
	var r models.RideRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) ListRequestsByStatus(ctx context.Context, statuses ...models.RideRequestStatus) ([]models.RideRequest, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM ride_requests WHERE status = ANY($1) ORDER BY created_at`, pq.Array(names))
	if err != nil {
		return nil, err
	}
	return scanDocs[models.RideRequest](rows)
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, status, created_at, doc)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, doc=EXCLUDED.doc`,
		r.ID, r.RiderID, r.DriverID, string(r.Status), r.CreatedAt, doc)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var doc []byte
	if err := p.db.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id=$1`, id).Scan(&doc); err != nil {
		return nil, rowErr(err, "ride", id)
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) ListRidesByRider(ctx context.Context, riderID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM rides WHERE rider_id=$1 ORDER BY created_at DESC`, riderID)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Ride](rows)
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM rides WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Ride](rows)
}

func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
