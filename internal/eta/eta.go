package eta

import (
	"context"
	"math"

	"github.com/example/emergency-connect/internal/geo"
	"github.com/example/emergency-connect/internal/models"
)

// Client is a routing backend that can estimate drive time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Estimator prefers the routing backend and falls back to the straight-line
// model when it is missing or failing.
type Estimator struct {
	Client   Client
	SpeedMps float64
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}

// Minutes rounds up so a unit 10 seconds out still reports one minute.
func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) int {
	return int(math.Ceil(e.Seconds(ctx, from, to) / 60))
}

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 11.0 // ~40 km/h with lights and sirens in city traffic
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}
