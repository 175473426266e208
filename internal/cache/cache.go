// Package cache is the short-TTL read cache in front of frequently polled
// endpoints. Writers invalidate by key prefix; TTL only bounds staleness for
// changes the process did not see.
//
// Every prefix also carries a generation that InvalidatePrefix bumps. Readers
// fold the generation they saw before reading the store into the key they
// fill, so a fill racing an invalidation lands under a key nobody reads again.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/example/emergency-connect/internal/models"
)

type Cache interface {
	// Get returns the stored bytes and true on a live hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// InvalidatePrefix bumps the prefix generation and drops every key
	// starting with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) error
	// Generation is the number of invalidations prefix has seen. Generations
	// are tracked per exact prefix string.
	Generation(ctx context.Context, prefix string) (int64, error)
}

// Versioned is the key to fill and read for key under the given generation.
func Versioned(key string, gen int64) string {
	return fmt.Sprintf("%s#%d", key, gen)
}

const (
	PrefixRequests  = "requests:"
	PrefixHospitals = "hospitals:"
	PrefixBeds      = "beds:"
)

// RequestsKey scopes a request listing to the caller so one user's view is
// never served to another.
func RequestsKey(id models.Identity) string {
	return fmt.Sprintf("%s%s:%d:%s:%s", PrefixRequests, id.Role, id.UserID, optID(id.AmbulanceID), optID(id.HospitalID))
}

func NearbyHospitalsKey(lat, lon, radiusKm float64, limit int) string {
	return fmt.Sprintf("%snearby:%.4f:%.4f:%.1f:%d", PrefixHospitals, lat, lon, radiusKm, limit)
}

func BedsKey(hospitalID int64) string {
	return fmt.Sprintf("%s%d:", PrefixBeds, hospitalID)
}

func optID(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
