package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror keeps a best-effort copy of driver positions in a Redis GEO
// set for out-of-process readers. The in-memory Index stays authoritative.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
}

func NewRedisMirror(client redis.UniversalClient, key string) *RedisMirror {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisMirror{client: client, key: key}
}

func (r *RedisMirror) Upsert(ctx context.Context, loc models.DriverLocation) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
	pipe.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"vehicle_class": string(loc.VehicleClass),
		"available":     strconv.FormatBool(loc.Available),
		"heading":       strconv.FormatFloat(loc.Heading, 'f', -1, 64),
		"speed":         strconv.FormatFloat(loc.Speed, 'f', -1, 64),
		"updated":       loc.Updated.UTC().Format(time.RFC3339Nano),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisMirror) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby reads back mirrored positions around (lat, lon), nearest first.
func (r *RedisMirror) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.DriverLocation, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			d.VehicleClass = models.VehicleClass(m["vehicle_class"])
			d.Available = m["available"] == "true"
			if f, err := strconv.ParseFloat(m["heading"], 64); err == nil {
				d.Heading = f
			}
			if f, err := strconv.ParseFloat(m["speed"], 64); err == nil {
				d.Speed = f
			}
			if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
				d.Updated = t
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "driver:meta:" + id }
