package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/mechanic-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands so every instance and the
// location consumer share one position index.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

func NewRedisGeo(client redis.Cmdable, key string) *RedisGeo {
	if key == "" {
		key = "mechanics_geo"
	}
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, mechanicID string, c models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: mechanicID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", mechanicID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, mechanicID string) error {
	return r.client.ZRem(ctx, r.key, mechanicID).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			MechanicID: g.Name,
			Coord:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}
