package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-connect/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. The consumer process
// writes the same keys from the location topic.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.AmbulancePosition) error {
	name := memberName(p.AmbulanceID)
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: name}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(p.AmbulanceID), map[string]interface{}{
		"available": strconv.FormatBool(p.Available),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetAvailable(ctx context.Context, ambulanceID int64, available bool) error {
	return r.client.HSet(ctx, MetaKey(ambulanceID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.AmbulancePosition, error) {
	// over-fetch: busy units are filtered after the radius query
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 4, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.AmbulancePosition, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		avail, err := r.client.HGet(ctx, MetaKey(id), "available").Result()
		if err != nil || avail != "true" {
			continue
		}
		out = append(out, models.AmbulancePosition{
			AmbulanceID: id,
			Loc:         models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			Available:   true,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func MetaKey(id int64) string { return "ambulance:meta:" + strconv.FormatInt(id, 10) }
