package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/cache"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/geo"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/observability"
	"github.com/example/emergency-connect/internal/storage"
)

const (
	defaultHospitalRadiusKm = 10
	defaultHospitalLimit    = 10
)

func (s *Service) RegisterHospital(ctx context.Context, id models.Identity, h models.Hospital) (models.Hospital, error) {
	if !id.IsAdmin() {
		return models.Hospital{}, apperr.Forbidden("register hospital")
	}
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return models.Hospital{}, apperr.Validation("name", "required")
	}
	if err := validCoord(h.Latitude, h.Longitude); err != nil {
		return models.Hospital{}, err
	}
	if err := s.store.CreateHospital(ctx, &h); err != nil {
		return models.Hospital{}, translate("register hospital", err, refs{})
	}
	s.invalidate(ctx, cache.PrefixHospitals)
	s.logger.Info("hospital registered", "hospital_id", h.ID, "name", h.Name)
	return h, nil
}

// NearbyHospitals lists hospitals within radiusKm with their free bed
// counts, closest first.
func (s *Service) NearbyHospitals(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyHospital, error) {
	if err := validCoord(lat, lon); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = defaultHospitalRadiusKm
	}
	if limit <= 0 {
		limit = defaultHospitalLimit
	}
	var out []models.NearbyHospital
	key, hit := s.cached(ctx, cache.PrefixHospitals, cache.NearbyHospitalsKey(lat, lon, radiusKm, limit), &out)
	if hit {
		return out, nil
	}

	hospitals, err := s.store.ListHospitals(ctx)
	if err != nil {
		return nil, translate("nearby hospitals", err, refs{})
	}
	counts, err := s.store.CountAvailableBeds(ctx)
	if err != nil {
		return nil, translate("nearby hospitals", err, refs{})
	}
	out = make([]models.NearbyHospital, 0, len(hospitals))
	for _, h := range hospitals {
		km := geo.Haversine(lat, lon, h.Latitude, h.Longitude) / 1000
		if km > radiusKm {
			continue
		}
		out = append(out, models.NearbyHospital{Hospital: h, DistanceKm: km, AvailableBeds: counts[h.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if len(out) > limit {
		out = out[:limit]
	}
	s.fill(ctx, key, out, s.cfg.HospitalsTTL)
	return out, nil
}

func (s *Service) ListBeds(ctx context.Context, hospitalID int64) ([]models.Bed, error) {
	var out []models.Bed
	key, hit := s.cached(ctx, cache.BedsKey(hospitalID), cache.BedsKey(hospitalID), &out)
	if hit {
		return out, nil
	}
	if _, err := s.store.GetHospital(ctx, hospitalID); err != nil {
		return nil, translate("list beds", err, refs{hospital: hospitalID})
	}
	out, err := s.store.ListBeds(ctx, hospitalID)
	if err != nil {
		return nil, translate("list beds", err, refs{hospital: hospitalID})
	}
	s.fill(ctx, key, out, s.cfg.BedsTTL)
	return out, nil
}

// UpsertBed creates or replaces a bed record of the caller's hospital.
func (s *Service) UpsertBed(ctx context.Context, id models.Identity, b models.Bed) (models.Bed, error) {
	if !canManageHospital(id, b.HospitalID) {
		return models.Bed{}, apperr.Forbidden("manage beds")
	}
	b.BedNumber = strings.TrimSpace(b.BedNumber)
	if b.BedNumber == "" {
		return models.Bed{}, apperr.Validation("bed_number", "required")
	}
	if b.Status == "" {
		b.Status = models.BedAvailable
	}
	if !b.Status.Valid() {
		return models.Bed{}, apperr.Validation("status", "must be one of available, occupied, reserved, maintenance")
	}
	if err := s.store.UpsertBed(ctx, &b); err != nil {
		return models.Bed{}, translate("upsert bed", err, refs{hospital: b.HospitalID, bed: b.BedNumber})
	}
	s.logger.Info("bed updated", "hospital_id", b.HospitalID, "bed", b.BedNumber, "status", b.Status)
	s.invalidate(ctx, cache.BedsKey(b.HospitalID), cache.PrefixHospitals)
	s.announceBeds(ctx, b)
	return b, nil
}

// SetBedStatus changes only the status of an existing bed. The write is
// conditional on the status read here, so a bed taken by AssignBed in between
// yields a ConflictError instead of being overwritten. An occupied bed that
// holds a request is only moved when force is set.
func (s *Service) SetBedStatus(ctx context.Context, id models.Identity, hospitalID int64, bedNumber string, status models.BedStatus, force bool) (models.Bed, error) {
	if !canManageHospital(id, hospitalID) {
		return models.Bed{}, apperr.Forbidden("manage beds")
	}
	if status == "" {
		return models.Bed{}, apperr.Validation("status", "required")
	}
	if !status.Valid() {
		return models.Bed{}, apperr.Validation("status", "must be one of available, occupied, reserved, maintenance")
	}
	cur, err := s.store.GetBed(ctx, hospitalID, bedNumber)
	if err != nil {
		return models.Bed{}, translate("set bed status", err, refs{hospital: hospitalID, bed: bedNumber})
	}
	if cur.Status == models.BedOccupied && cur.RequestID != nil && !force {
		return models.Bed{}, apperr.Conflict("", fmt.Sprintf("bed %s is occupied by request %d", bedNumber, *cur.RequestID))
	}

	b, err := s.store.SetBedStatus(ctx, hospitalID, bedNumber, []models.BedStatus{cur.Status}, status)
	if err != nil {
		if errors.Is(err, storage.ErrBedUnavailable) {
			return models.Bed{}, apperr.Conflict("", "bed "+bedNumber+" changed while updating")
		}
		return models.Bed{}, translate("set bed status", err, refs{hospital: hospitalID, bed: bedNumber})
	}
	s.logger.Info("bed status changed", "hospital_id", hospitalID, "bed", bedNumber, "from", cur.Status, "to", b.Status, "forced", force)
	s.invalidate(ctx, cache.BedsKey(hospitalID), cache.PrefixHospitals)
	s.announceBeds(ctx, b)
	return b, nil
}

type bedsEvent struct {
	HospitalID    int64      `json:"hospital_id"`
	Bed           models.Bed `json:"bed"`
	AvailableBeds int        `json:"available_beds"`
}

func (s *Service) announceBeds(ctx context.Context, b models.Bed) {
	ev := bedsEvent{HospitalID: b.HospitalID, Bed: b}
	if counts, err := s.store.CountAvailableBeds(ctx); err == nil {
		ev.AvailableBeds = counts[b.HospitalID]
	}
	s.events.BroadcastToAll(ctx, dispatch.EventHospitalBeds, ev)
}

// cached decodes a live entry for key into dst. The entry is looked up under
// the current generation of scope, which must be the prefix writers
// invalidate. The returned key is what fill should write on a miss; it is
// empty when the generation could not be read.
func (s *Service) cached(ctx context.Context, scope, key string, dst any) (string, bool) {
	gen, err := s.cache.Generation(ctx, scope)
	if err != nil {
		s.logger.Warn("cache generation read failed", "scope", scope, "error", err)
		observability.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	vkey := cache.Versioned(key, gen)
	b, ok, err := s.cache.Get(ctx, vkey)
	if err != nil {
		s.logger.Warn("cache read failed", "key", vkey, "error", err)
	}
	if ok && json.Unmarshal(b, dst) == nil {
		observability.CacheLookups.WithLabelValues("hit").Inc()
		return vkey, true
	}
	observability.CacheLookups.WithLabelValues("miss").Inc()
	return vkey, false
}

func (s *Service) fill(ctx context.Context, key string, v any, ttl time.Duration) {
	if key == "" {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, b, ttl); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
