package geo

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/example/emergency-connect/internal/models"
)

// Geo indexes ambulance positions for nearest-unit lookups.
type Geo interface {
	Upsert(ctx context.Context, p models.AmbulancePosition) error
	SetAvailable(ctx context.Context, ambulanceID int64, available bool) error
	// Nearby returns available ambulances within radiusM, nearest first.
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.AmbulancePosition, error)
}

type Index struct {
	mu         sync.RWMutex
	ambulances map[int64]models.AmbulancePosition
}

func NewIndex() *Index {
	return &Index{ambulances: make(map[int64]models.AmbulancePosition)}
}

func (g *Index) Upsert(_ context.Context, p models.AmbulancePosition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.ambulances[p.AmbulanceID] = p
	return nil
}

func (g *Index) SetAvailable(_ context.Context, ambulanceID int64, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.ambulances[ambulanceID]
	if !ok {
		return nil
	}
	p.Available = available
	g.ambulances[ambulanceID] = p
	return nil
}

// naive scan; fine for a city-sized fleet
func (g *Index) Nearby(_ context.Context, lat, lon, radiusM float64, limit int) ([]models.AmbulancePosition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.AmbulancePosition
		dist float64
	}
	arr := make([]pair, 0, len(g.ambulances))
	for _, p := range g.ambulances {
		if !p.Available {
			continue
		}
		dist := Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.AmbulancePosition, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func memberName(id int64) string { return strconv.FormatInt(id, 10) }
