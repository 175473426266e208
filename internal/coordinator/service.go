// Package coordinator runs the emergency request lifecycle: it validates and
// authorizes each operation, performs the conditional store write, then
// invalidates cached reads and fans the change out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/cache"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/eta"
	"github.com/example/emergency-connect/internal/geo"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/storage"
)

// LocationPublisher forwards ambulance positions to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.AmbulancePosition) error
}

type Config struct {
	RequestsTTL  time.Duration
	HospitalsTTL time.Duration
	BedsTTL      time.Duration

	// NearbyAmbulances is how many of the closest units get a direct
	// notification when a request is created.
	NearbyAmbulances int
	SearchRadiusM    float64

	ReleaseAttempts int
	ReleaseBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestsTTL <= 0 {
		c.RequestsTTL = 15 * time.Second
	}
	if c.HospitalsTTL <= 0 {
		c.HospitalsTTL = 30 * time.Second
	}
	if c.BedsTTL <= 0 {
		c.BedsTTL = 10 * time.Second
	}
	if c.NearbyAmbulances <= 0 {
		c.NearbyAmbulances = 3
	}
	if c.SearchRadiusM <= 0 {
		c.SearchRadiusM = 15000
	}
	if c.ReleaseAttempts <= 0 {
		c.ReleaseAttempts = 3
	}
	if c.ReleaseBackoff <= 0 {
		c.ReleaseBackoff = 100 * time.Millisecond
	}
	return c
}

// Deps are the collaborators a Service needs. Store is required; the rest
// fall back to in-process implementations or are skipped.
type Deps struct {
	Store     storage.Store
	Cache     cache.Cache
	Events    *dispatch.Broadcaster
	Geo       geo.Geo
	ETA       *eta.Estimator
	Locations LocationPublisher
	Logger    *slog.Logger
}

type Service struct {
	store     storage.Store
	cache     cache.Cache
	events    *dispatch.Broadcaster
	geo       geo.Geo
	eta       *eta.Estimator
	locations LocationPublisher
	logger    *slog.Logger

	sideEffects *SideEffectLog
	cfg         Config
	now         func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if d.ETA == nil {
		d.ETA = &eta.Estimator{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemory()
	}
	if d.Geo == nil {
		d.Geo = geo.NewIndex()
	}
	return &Service{
		store:       d.Store,
		cache:       d.Cache,
		events:      d.Events,
		geo:         d.Geo,
		eta:         d.ETA,
		locations:   d.Locations,
		logger:      d.Logger,
		sideEffects: NewSideEffectLog(500),
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// SideEffects returns recorded reconciliation failures, newest first.
func (s *Service) SideEffects(id models.Identity) ([]SideEffectFailure, error) {
	if !id.IsAdmin() {
		return nil, apperr.Forbidden("view side effects")
	}
	return s.sideEffects.List(), nil
}

// refs names the entities an operation touched so store errors can be
// reported against the right one.
type refs struct {
	request   int64
	ambulance int64
	hospital  int64
	bed       string
}

func translate(op string, err error, r refs) error {
	var mismatch *storage.StatusMismatchError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &mismatch):
		return apperr.Conflict(mismatch.Actual, "")
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("request", r.request)
	case errors.Is(err, storage.ErrAmbulanceNotFound):
		return apperr.NotFound("ambulance", r.ambulance)
	case errors.Is(err, storage.ErrHospitalNotFound):
		return apperr.NotFound("hospital", r.hospital)
	case errors.Is(err, storage.ErrBedNotFound):
		return apperr.NotFound("bed", fmt.Sprintf("%d/%s", r.hospital, r.bed))
	default:
		return apperr.Dependency(op, err)
	}
}

// invalidate drops cached reads. Failures leave entries to expire by TTL.
func (s *Service) invalidate(ctx context.Context, prefixes ...string) {
	for _, p := range prefixes {
		if err := s.cache.InvalidatePrefix(ctx, p); err != nil {
			s.logger.Warn("cache invalidation failed", "prefix", p, "error", err)
		}
	}
}

func (s *Service) broadcast(ctx context.Context, scopes []string, event string, payload any) {
	s.events.Publish(ctx, scopes, event, payload)
}

// statusScopes is the audience of a request.status event.
func statusScopes(r models.EmergencyRequest, leftPending bool) []string {
	scopes := []string{
		dispatch.UserScope(r.PatientID),
		dispatch.RoleScope(models.RoleHospital),
		dispatch.RoleScope(models.RoleAdmin),
	}
	if r.AmbulanceID != nil {
		scopes = append(scopes, dispatch.EntityScope(dispatch.KindAmbulance, *r.AmbulanceID))
	}
	if leftPending {
		scopes = append(scopes, dispatch.RoleScope(models.RoleAmbulance))
	}
	if r.HospitalID != nil {
		scopes = append(scopes, dispatch.EntityScope(dispatch.KindHospital, *r.HospitalID))
	}
	return scopes
}

type statusEvent struct {
	RequestID   int64         `json:"request_id"`
	Status      models.Status `json:"status"`
	AmbulanceID *int64        `json:"ambulance_id,omitempty"`
	HospitalID  *int64        `json:"hospital_id,omitempty"`
	Request     any           `json:"request"`
}

func (s *Service) announceStatus(ctx context.Context, r models.EmergencyRequest, leftPending bool) {
	s.broadcast(ctx, statusScopes(r, leftPending), dispatch.EventRequestStatus, statusEvent{
		RequestID:   r.ID,
		Status:      r.Status,
		AmbulanceID: r.AmbulanceID,
		HospitalID:  r.HospitalID,
		Request:     r,
	})
}

func validCoord(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return apperr.Validation("latitude", "must be between -90 and 90")
	}
	if lon < -180 || lon > 180 {
		return apperr.Validation("longitude", "must be between -180 and 180")
	}
	return nil
}
