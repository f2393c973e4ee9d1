package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisLocationStore implements LocationRepository on Redis. Each driver has
// a metadata hash; a sorted set with equal scores holds "<geohash>:<driverID>"
// members so prefix queries become ZRANGEBYLEX range scans.
type RedisLocationStore struct {
	client   *redis.Client
	indexKey string
}

func NewRedisLocationStore(client *redis.Client, indexKey string) *RedisLocationStore {
	if indexKey == "" {
		indexKey = "drivers_geohash"
	}
	return &RedisLocationStore{client: client, indexKey: indexKey}
}

func NewRedisLocationStoreFromAddr(addr, password, indexKey string) *RedisLocationStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisLocationStore(c, indexKey)
}

func (r *RedisLocationStore) Client() *redis.Client { return r.client }

func metaKey(id string) string { return "driver:meta:" + id }

// KEYS[1] meta hash, KEYS[2] index; ARGV driverID, geohash, updated_ms, online,
// available ("" keeps the stored flag), field/value pairs...
var upsertScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'updated_ms')
if prev and tonumber(prev) > tonumber(ARGV[3]) then
  return 0
end
local old = redis.call('HGET', KEYS[1], 'geohash')
if old then
  redis.call('ZREM', KEYS[2], old .. ':' .. ARGV[1])
end
redis.call('ZADD', KEYS[2], 0, ARGV[2] .. ':' .. ARGV[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
redis.call('HSET', KEYS[1], 'online', ARGV[4])
if ARGV[4] == '0' then
  redis.call('HSET', KEYS[1], 'available', '0')
elseif not prev then
  if ARGV[5] == '0' then
    redis.call('HSET', KEYS[1], 'available', '0')
  else
    redis.call('HSET', KEYS[1], 'available', '1')
  end
elseif ARGV[5] ~= '' and tonumber(prev) < tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'available', ARGV[5])
end
return 1
`)

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'online') == '1' and redis.call('HGET', KEYS[1], 'available') == '1' then
  redis.call('HSET', KEYS[1], 'available', '0')
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'available', '1')
return 1
`)

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *RedisLocationStore) UpsertLocation(ctx context.Context, p *models.LocationPing) error {
	updated := strconv.FormatInt(p.UpdatedAt.UnixMilli(), 10)
	available := ""
	if p.Available != nil {
		available = boolFlag(*p.Available)
	}
	args := []any{
		p.DriverID, p.Geohash, updated, boolFlag(p.Online), available,
		"lat", strconv.FormatFloat(p.Point.Lat, 'f', -1, 64),
		"lon", strconv.FormatFloat(p.Point.Lon, 'f', -1, 64),
		"geohash", p.Geohash,
		"heading", strconv.FormatFloat(p.Heading, 'f', -1, 64),
		"speed", strconv.FormatFloat(p.Speed, 'f', -1, 64),
		"vehicle_type", string(p.VehicleType),
		"updated_ms", updated,
	}
	return upsertScript.Run(ctx, r.client, []string{metaKey(p.DriverID), r.indexKey}, args...).Err()
}

func (r *RedisLocationStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, notFound("driver location", driverID)
	}
	loc := parseLocation(driverID, m)
	return &loc, nil
}

func (r *RedisLocationStore) FindAvailableByPrefix(ctx context.Context, prefix string, vt models.VehicleType) ([]models.DriverLocation, error) {
	members, err := r.client.ZRangeByLex(ctx, r.indexKey, &redis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if i := strings.IndexByte(m, ':'); i >= 0 {
			ids = append(ids, m[i+1:])
		}
	}
	if len(ids) == 0 {
		return []models.DriverLocation{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, metaKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverLocation, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		loc := parseLocation(ids[i], m)
		if !loc.Online || !loc.Available || !strings.HasPrefix(loc.Geohash, prefix) {
			continue
		}
		if vt != "" && loc.VehicleType != vt {
			continue
		}
		out = append(out, loc)
	}
	sortByDriverID(out)
	return out, nil
}

func (r *RedisLocationStore) ClaimDriver(ctx context.Context, driverID string) error {
	n, err := claimScript.Run(ctx, r.client, []string{metaKey(driverID)}).Int()
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case -1:
		return notFound("driver location", driverID)
	default:
		return fmt.Errorf("claim driver %q: %w", driverID, models.ErrConflict)
	}
}

func (r *RedisLocationStore) ReleaseDriver(ctx context.Context, driverID string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{metaKey(driverID)}).Int()
	if err != nil {
		return err
	}
	if n == -1 {
		return notFound("driver location", driverID)
	}
	return nil
}

func parseLocation(id string, m map[string]string) models.DriverLocation {
	loc := models.DriverLocation{
		DriverID:    id,
		Geohash:     m["geohash"],
		Online:      m["online"] == "1",
		Available:   m["available"] == "1",
		VehicleType: models.VehicleType(m["vehicle_type"]),
	}
	loc.Point.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	loc.Point.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	loc.Heading, _ = strconv.ParseFloat(m["heading"], 64)
	loc.Speed, _ = strconv.ParseFloat(m["speed"], 64)
	if ms, err := strconv.ParseInt(m["updated_ms"], 10, 64); err == nil {
		loc.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return loc
}
