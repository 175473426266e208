package coordinator

import (
	"context"
	"sort"
	"strings"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/cache"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/geo"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/observability"
)

func (s *Service) RegisterAmbulance(ctx context.Context, id models.Identity, a models.Ambulance) (models.Ambulance, error) {
	if !id.IsAdmin() {
		return models.Ambulance{}, apperr.Forbidden("register ambulance")
	}
	a.VehicleNumber = strings.TrimSpace(a.VehicleNumber)
	if a.VehicleNumber == "" {
		return models.Ambulance{}, apperr.Validation("vehicle_number", "required")
	}
	if err := validCoord(a.CurrentLatitude, a.CurrentLongitude); err != nil {
		return models.Ambulance{}, err
	}
	a.Status = models.AmbulanceAvailable
	a.IsActive = true
	if err := s.store.CreateAmbulance(ctx, &a); err != nil {
		return models.Ambulance{}, translate("register ambulance", err, refs{hospital: derefID(a.HospitalID)})
	}
	if err := s.geo.Upsert(ctx, models.AmbulancePosition{AmbulanceID: a.ID, Loc: a.Location(), Available: true}); err != nil {
		s.logger.Warn("geo index update failed", "ambulance_id", a.ID, "error", err)
	}
	s.logger.Info("ambulance registered", "ambulance_id", a.ID, "vehicle", a.VehicleNumber)
	return a, nil
}

type locationEvent struct {
	AmbulanceID int64   `json:"ambulance_id"`
	RequestID   *int64  `json:"request_id,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// UpdateAmbulanceLocation records a position report. The patient of the
// unit's active request and hospitals see the move; other patients do not.
func (s *Service) UpdateAmbulanceLocation(ctx context.Context, id models.Identity, ambulanceID int64, lat, lon float64) (models.Ambulance, error) {
	if !canActAsAmbulance(id, ambulanceID) {
		return models.Ambulance{}, apperr.Forbidden("report location")
	}
	if err := validCoord(lat, lon); err != nil {
		return models.Ambulance{}, err
	}
	loc := models.Coord{Lat: lat, Lon: lon}
	a, err := s.store.UpdateAmbulanceLocation(ctx, ambulanceID, loc)
	if err != nil {
		return models.Ambulance{}, translate("update location", err, refs{ambulance: ambulanceID})
	}
	observability.LocationUpdates.Inc()

	pos := models.AmbulancePosition{AmbulanceID: a.ID, Loc: loc, Available: a.Status == models.AmbulanceAvailable && a.IsActive, Updated: a.UpdatedAt}
	if err := s.geo.Upsert(ctx, pos); err != nil {
		s.logger.Warn("geo index update failed", "ambulance_id", a.ID, "error", err)
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, pos); err != nil {
			s.logger.Warn("location publish failed", "ambulance_id", a.ID, "error", err)
		}
	}

	active, err := s.store.ListActiveForAmbulance(ctx, a.ID)
	if err != nil {
		s.logger.Warn("active request lookup failed", "ambulance_id", a.ID, "error", err)
	}
	scopes := []string{dispatch.RoleScope(models.RoleHospital), dispatch.RoleScope(models.RoleAdmin)}
	ev := locationEvent{AmbulanceID: a.ID, Latitude: lat, Longitude: lon}
	if len(active) > 0 {
		r := active[0]
		ev.RequestID = &r.ID
		scopes = append(scopes, dispatch.UserScope(r.PatientID))
		s.refreshETA(ctx, r, loc)
		s.invalidate(ctx, cache.PrefixRequests)
	}
	s.broadcast(ctx, scopes, dispatch.EventAmbulanceLocation, ev)
	return a, nil
}

// NearbyAmbulances ranks available units around a point by estimated drive
// time, nearest distance breaking ties.
func (s *Service) NearbyAmbulances(ctx context.Context, lat, lon float64, limit int) ([]models.NearbyAmbulance, error) {
	if err := validCoord(lat, lon); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.NearbyAmbulances
	}
	cands, err := s.geo.Nearby(ctx, lat, lon, s.cfg.SearchRadiusM, limit*2)
	if err != nil {
		return nil, apperr.Dependency("nearby ambulances", err)
	}
	target := models.Coord{Lat: lat, Lon: lon}
	out := make([]models.NearbyAmbulance, 0, len(cands))
	for _, c := range cands {
		out = append(out, models.NearbyAmbulance{
			AmbulanceID: c.AmbulanceID,
			DistanceM:   geo.Haversine(c.Loc.Lat, c.Loc.Lon, lat, lon),
			ETASeconds:  s.eta.Seconds(ctx, c.Loc, target),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETASeconds != out[j].ETASeconds {
			return out[i].ETASeconds < out[j].ETASeconds
		}
		return out[i].DistanceM < out[j].DistanceM
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func derefID(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
