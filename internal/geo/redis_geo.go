package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore implements Store using a Redis GEO set for positions and one
// hash per driver for the rest of the record.
type RedisStore struct {
	client *redis.Client
	key    string
	window time.Duration
	now    func() time.Time
}

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func NewRedisStore(client *redis.Client, key string, window time.Duration, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, key: key, window: window, now: now}
}

func (r *RedisStore) Upsert(ctx context.Context, rec models.DriverLocationRecord) error {
	fields := map[string]interface{}{
		"lat":    strconv.FormatFloat(rec.Loc.Lat, 'f', -1, 64),
		"lon":    strconv.FormatFloat(rec.Loc.Lon, 'f', -1, 64),
		"ts":     strconv.FormatInt(rec.ReportedAt.UnixMilli(), 10),
		"active": boolField(rec.Active),
	}
	setOptional(fields, "heading", rec.Heading)
	setOptional(fields, "speed", rec.Speed)
	setOptional(fields, "accuracy", rec.Accuracy)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, metaKey(rec.DriverID))
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: rec.Loc.Lon, Latitude: rec.Loc.Lat, Name: rec.DriverID})
	pipe.HSet(ctx, metaKey(rec.DriverID), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert %s: %w", rec.DriverID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, driverID string) (models.DriverLocationRecord, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverLocationRecord{}, false, fmt.Errorf("redis get %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverLocationRecord{}, false, nil
	}
	rec, err := parseRecord(driverID, m)
	if err != nil {
		return models.DriverLocationRecord{}, false, err
	}
	return rec, true, nil
}

func (r *RedisStore) Active(ctx context.Context) ([]models.DriverLocationRecord, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list drivers: %w", err)
	}
	recs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return r.fresh(recs), nil
}

// Nearby returns fresh records within radiusKm of center, closest first.
func (r *RedisStore) Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]models.DriverLocationRecord, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	ids := make([]string, len(res))
	for i, g := range res {
		ids[i] = g.Name
	}
	recs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return r.fresh(recs), nil
}

func (r *RedisStore) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove %s: %w", driverID, err)
	}
	return nil
}

// Sweep flips the active flag of stale records and returns their driver ids.
func (r *RedisStore) Sweep(ctx context.Context) ([]string, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list drivers: %w", err)
	}
	recs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var stale []string
	pipe := r.client.Pipeline()
	for _, rec := range recs {
		if rec.Active && !rec.Fresh(now, r.window) {
			pipe.HSet(ctx, metaKey(rec.DriverID), "active", boolField(false))
			stale = append(stale, rec.DriverID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis sweep: %w", err)
	}
	return stale, nil
}

// load fetches the hashes for ids in order, skipping ids whose hash is gone.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]models.DriverLocationRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, metaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis load records: %w", err)
	}
	out := make([]models.DriverLocationRecord, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		rec, err := parseRecord(ids[i], m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) fresh(recs []models.DriverLocationRecord) []models.DriverLocationRecord {
	now := r.now()
	out := recs[:0]
	for _, rec := range recs {
		if rec.Fresh(now, r.window) {
			out = append(out, rec)
		}
	}
	return out
}

func parseRecord(id string, m map[string]string) (models.DriverLocationRecord, error) {
	rec := models.DriverLocationRecord{DriverID: id, Active: m["active"] == "1"}
	var err error
	if rec.Loc.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return rec, fmt.Errorf("driver %s: bad lat: %w", id, err)
	}
	if rec.Loc.Lon, err = strconv.ParseFloat(m["lon"], 64); err != nil {
		return rec, fmt.Errorf("driver %s: bad lon: %w", id, err)
	}
	ms, err := strconv.ParseInt(m["ts"], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("driver %s: bad ts: %w", id, err)
	}
	rec.ReportedAt = time.UnixMilli(ms)
	rec.Heading = optionalField(m, "heading")
	rec.Speed = optionalField(m, "speed")
	rec.Accuracy = optionalField(m, "accuracy")
	return rec, nil
}

func setOptional(fields map[string]interface{}, name string, v *float64) {
	if v != nil {
		fields[name] = strconv.FormatFloat(*v, 'f', -1, 64)
	}
}

func optionalField(m map[string]string, name string) *float64 {
	v, ok := m[name]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func metaKey(id string) string { return "driver:loc:" + id }
