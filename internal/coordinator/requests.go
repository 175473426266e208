package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/cache"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/lifecycle"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/observability"
	"github.com/example/emergency-connect/internal/storage"
)

const deletedMarker = "[DELETED]"

type CreateRequestInput struct {
	// PatientID is honoured for admins only; patients always file for themselves.
	PatientID        int64           `json:"patient_id"`
	Latitude         *float64        `json:"latitude"`
	Longitude        *float64        `json:"longitude"`
	Address          string          `json:"address"`
	PatientCondition string          `json:"patient_condition"`
	Description      string          `json:"description"`
	Notes            string          `json:"notes"`
	Priority         models.Priority `json:"priority"`
	HospitalID       *int64          `json:"hospital_id"`
}

// TransitionExtra carries optional fields written alongside a status change.
type TransitionExtra struct {
	ETAMinutes *int    `json:"eta_minutes"`
	Notes      *string `json:"notes"`
	HospitalID *int64  `json:"hospital_id"`
}

func (s *Service) CreateRequest(ctx context.Context, id models.Identity, in CreateRequestInput) (models.EmergencyRequest, error) {
	patientID := id.UserID
	switch {
	case id.Role == models.RolePatient:
	case id.IsAdmin():
		if in.PatientID <= 0 {
			return models.EmergencyRequest{}, apperr.Validation("patient_id", "required when filing on behalf of a patient")
		}
		patientID = in.PatientID
	default:
		return models.EmergencyRequest{}, apperr.Forbidden("create request")
	}
	if in.Latitude == nil || in.Longitude == nil {
		return models.EmergencyRequest{}, apperr.Validation("location", "latitude and longitude are required")
	}
	if err := validCoord(*in.Latitude, *in.Longitude); err != nil {
		return models.EmergencyRequest{}, err
	}
	if strings.TrimSpace(in.PatientCondition) == "" {
		return models.EmergencyRequest{}, apperr.Validation("patient_condition", "required")
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.Valid() {
		return models.EmergencyRequest{}, apperr.Validation("priority", "must be one of low, medium, high, critical")
	}

	r := models.EmergencyRequest{
		PatientID:        patientID,
		HospitalID:       in.HospitalID,
		Latitude:         *in.Latitude,
		Longitude:        *in.Longitude,
		Address:          in.Address,
		PatientCondition: strings.TrimSpace(in.PatientCondition),
		Description:      in.Description,
		Notes:            in.Notes,
		Priority:         in.Priority,
	}
	if err := s.store.CreateRequest(ctx, &r); err != nil {
		return models.EmergencyRequest{}, translate("create request", err, refs{})
	}
	observability.RequestsCreated.Inc()
	s.logger.Info("emergency request created", "request_id", r.ID, "patient_id", r.PatientID, "priority", r.Priority)

	s.invalidate(ctx, cache.PrefixRequests)
	scopes := []string{dispatch.RoleScope(models.RoleAmbulance), dispatch.RoleScope(models.RoleAdmin)}
	nearest, err := s.NearbyAmbulances(ctx, r.Latitude, r.Longitude, s.cfg.NearbyAmbulances)
	if err != nil {
		s.logger.Warn("nearest ambulance lookup failed", "request_id", r.ID, "error", err)
	}
	for _, n := range nearest {
		scopes = append(scopes, dispatch.EntityScope(dispatch.KindAmbulance, n.AmbulanceID))
	}
	s.broadcast(ctx, scopes, dispatch.EventRequestCreated, r)
	return r, nil
}

func (s *Service) GetRequest(ctx context.Context, id models.Identity, requestID int64) (models.EmergencyRequest, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.EmergencyRequest{}, translate("get request", err, refs{request: requestID})
	}
	if !canView(id, r) {
		// owners of a deleted request see it as gone
		if id.Role == models.RolePatient && r.PatientID == id.UserID {
			return models.EmergencyRequest{}, apperr.NotFound("request", requestID)
		}
		return models.EmergencyRequest{}, apperr.Forbidden("view request")
	}
	if id.Role == models.RolePatient {
		s.enrich(ctx, []*models.EmergencyRequest{&r})
	}
	return r, nil
}

// ListRequests returns the caller's role-scoped view, newest first:
// patients get their own requests except deleted ones, ambulances their
// active assignment plus every pending request, hospitals every active
// request, admins everything.
func (s *Service) ListRequests(ctx context.Context, id models.Identity) ([]models.EmergencyRequest, error) {
	var out []models.EmergencyRequest
	key, hit := s.cached(ctx, cache.PrefixRequests, cache.RequestsKey(id), &out)
	if hit {
		return out, nil
	}

	var err error
	switch id.Role {
	case models.RolePatient:
		out, err = s.store.ListForPatient(ctx, id.UserID)
		if err == nil {
			ptrs := make([]*models.EmergencyRequest, len(out))
			for i := range out {
				ptrs[i] = &out[i]
			}
			s.enrich(ctx, ptrs)
		}
	case models.RoleAmbulance:
		out, err = s.ambulanceView(ctx, id)
	case models.RoleHospital:
		out, err = s.store.ListActive(ctx)
	case models.RoleAdmin:
		out, err = s.store.ListAll(ctx)
	default:
		return nil, apperr.Forbidden("list requests")
	}
	if err != nil {
		return nil, translate("list requests", err, refs{})
	}

	s.fill(ctx, key, out, s.cfg.RequestsTTL)
	return out, nil
}

func (s *Service) ambulanceView(ctx context.Context, id models.Identity) ([]models.EmergencyRequest, error) {
	var out []models.EmergencyRequest
	if id.AmbulanceID != nil {
		mine, err := s.store.ListActiveForAmbulance(ctx, *id.AmbulanceID)
		if err != nil {
			return nil, err
		}
		out = append(out, mine...)
	}
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, pending...), nil
}

// enrich attaches the assigned unit's contact details for patient views.
func (s *Service) enrich(ctx context.Context, rs []*models.EmergencyRequest) {
	for _, r := range rs {
		if r.AmbulanceID == nil {
			continue
		}
		a, err := s.store.GetAmbulance(ctx, *r.AmbulanceID)
		if err != nil {
			s.logger.Warn("ambulance lookup for request failed", "request_id", r.ID, "ambulance_id", *r.AmbulanceID, "error", err)
			continue
		}
		r.Ambulance = &models.AmbulanceContact{
			VehicleNumber: a.VehicleNumber,
			OperatorID:    a.OperatorID,
			Latitude:      a.CurrentLatitude,
			Longitude:     a.CurrentLongitude,
		}
	}
}

// AcceptRequest claims a pending request for an ambulance. The store flips
// the request and the ambulance in one conditional write, so of any number
// of concurrent callers at most one wins and the rest get a ConflictError
// carrying the status they lost to.
func (s *Service) AcceptRequest(ctx context.Context, id models.Identity, requestID, ambulanceID int64) (models.EmergencyRequest, error) {
	if ambulanceID == 0 && id.AmbulanceID != nil {
		ambulanceID = *id.AmbulanceID
	}
	if !canActAsAmbulance(id, ambulanceID) {
		return models.EmergencyRequest{}, apperr.Forbidden("accept request")
	}
	r, err := s.store.AcceptRequest(ctx, requestID, ambulanceID, s.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrAmbulanceUnavailable) {
			observability.AcceptConflicts.Inc()
			return models.EmergencyRequest{}, apperr.Conflict(models.StatusPending, "ambulance is not available")
		}
		err = translate("accept request", err, refs{request: requestID, ambulance: ambulanceID})
		var conflict *apperr.ConflictError
		if errors.As(err, &conflict) {
			observability.AcceptConflicts.Inc()
			s.logger.Info("accept lost", "request_id", requestID, "ambulance_id", ambulanceID)
		}
		return models.EmergencyRequest{}, err
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("request accepted", "request_id", r.ID, "ambulance_id", ambulanceID)

	if err := s.geo.SetAvailable(ctx, ambulanceID, false); err != nil {
		s.logger.Warn("geo availability update failed", "ambulance_id", ambulanceID, "error", err)
	}
	if a, err := s.store.GetAmbulance(ctx, ambulanceID); err == nil {
		r = s.refreshETA(ctx, r, a.Location())
	}
	s.invalidate(ctx, cache.PrefixRequests)
	s.announceStatus(ctx, r, true)
	return r, nil
}

// TransitionStatus moves an assigned request along the crew-driven part of
// the lifecycle: dispatched, en_route, at_scene and transporting.
func (s *Service) TransitionStatus(ctx context.Context, id models.Identity, requestID int64, target models.Status, extra TransitionExtra) (models.EmergencyRequest, error) {
	if !lifecycle.Valid(target) {
		return models.EmergencyRequest{}, apperr.Validation("status", "unknown status "+string(target))
	}
	if extra.ETAMinutes != nil && *extra.ETAMinutes < 0 {
		return models.EmergencyRequest{}, apperr.Validation("eta_minutes", "must not be negative")
	}
	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.EmergencyRequest{}, translate("transition request", err, refs{request: requestID})
	}
	if target == models.StatusPending {
		return models.EmergencyRequest{}, apperr.Conflict(cur.Status, "a request never returns to pending")
	}
	if !lifecycle.Driveable(target) {
		return models.EmergencyRequest{}, apperr.Validation("status", string(target)+" has its own operation")
	}
	if !isAssigned(id, cur) && !id.IsAdmin() {
		return models.EmergencyRequest{}, apperr.Forbidden("update request status")
	}
	if !lifecycle.CanTransition(cur.Status, target) {
		return models.EmergencyRequest{}, apperr.Conflict(cur.Status, "cannot move to "+string(target))
	}

	patch := models.RequestPatch{ETAMinutes: extra.ETAMinutes, Notes: extra.Notes, HospitalID: extra.HospitalID}
	if (target == models.StatusDispatched || target == models.StatusEnRoute) && cur.DispatchedAt == nil {
		at := s.now().UTC()
		patch.DispatchedAt = &at
	}
	r, err := s.store.TransitionRequest(ctx, requestID, []models.Status{cur.Status}, target, patch)
	if err != nil {
		return models.EmergencyRequest{}, translate("transition request", err, refs{request: requestID})
	}
	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	s.logger.Info("request status changed", "request_id", r.ID, "from", cur.Status, "status", r.Status)

	s.invalidate(ctx, cache.PrefixRequests)
	s.announceStatus(ctx, r, false)
	return r, nil
}

func (s *Service) CancelRequest(ctx context.Context, id models.Identity, requestID int64) (models.EmergencyRequest, error) {
	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.EmergencyRequest{}, translate("cancel request", err, refs{request: requestID})
	}
	if !isOwner(id, cur) && !id.IsAdmin() {
		return models.EmergencyRequest{}, apperr.Forbidden("cancel request")
	}
	if !lifecycle.CanTransition(cur.Status, models.StatusCancelled) {
		return models.EmergencyRequest{}, apperr.Conflict(cur.Status, "request can no longer be cancelled")
	}
	at := s.now().UTC()
	// conditional on the status we read so the release below matches what
	// the request actually held
	r, err := s.store.TransitionRequest(ctx, requestID, []models.Status{cur.Status}, models.StatusCancelled, models.RequestPatch{CancelledAt: &at})
	if err != nil {
		return models.EmergencyRequest{}, translate("cancel request", err, refs{request: requestID})
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("request cancelled", "request_id", r.ID, "by", id.UserID, "from", cur.Status)

	if lifecycle.HoldsAmbulance(cur.Status) && r.AmbulanceID != nil {
		s.releaseAmbulance(ctx, r.ID, *r.AmbulanceID)
	}
	s.invalidate(ctx, cache.PrefixRequests)
	s.announceStatus(ctx, r, cur.Status == models.StatusPending)
	return r, nil
}

// DeleteRequest tombstones a request. The row stays for audit with
// deleted_at, deleted_by and a marker appended to its notes.
func (s *Service) DeleteRequest(ctx context.Context, id models.Identity, requestID int64) (models.EmergencyRequest, error) {
	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.EmergencyRequest{}, translate("delete request", err, refs{request: requestID})
	}
	if !isOwner(id, cur) && !id.IsAdmin() && id.Role != models.RoleHospital {
		return models.EmergencyRequest{}, apperr.Forbidden("delete request")
	}
	if !lifecycle.CanTransition(cur.Status, models.StatusDeleted) {
		return models.EmergencyRequest{}, apperr.Conflict(cur.Status, "request already deleted")
	}
	at := s.now().UTC()
	by := id.UserID
	notes := strings.TrimSpace(cur.Notes + " " + deletedMarker)
	r, err := s.store.TransitionRequest(ctx, requestID, []models.Status{cur.Status}, models.StatusDeleted, models.RequestPatch{
		Notes:     &notes,
		DeletedAt: &at,
		DeletedBy: &by,
	})
	if err != nil {
		return models.EmergencyRequest{}, translate("delete request", err, refs{request: requestID})
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("request deleted", "request_id", r.ID, "by", by, "from", cur.Status)

	if lifecycle.HoldsAmbulance(cur.Status) && r.AmbulanceID != nil {
		s.releaseAmbulance(ctx, r.ID, *r.AmbulanceID)
	}
	s.invalidate(ctx, cache.PrefixRequests)
	s.announceStatus(ctx, r, cur.Status == models.StatusPending)
	return r, nil
}

// AssignBed completes a transporting request by placing the patient in a
// bed. Completion and bed occupancy commit together.
func (s *Service) AssignBed(ctx context.Context, id models.Identity, requestID int64, hospitalID int64, bedNumber string) (models.EmergencyRequest, models.Bed, error) {
	bedNumber = strings.TrimSpace(bedNumber)
	if bedNumber == "" {
		return models.EmergencyRequest{}, models.Bed{}, apperr.Validation("bed_number", "required")
	}
	switch {
	case id.Role == models.RoleHospital && id.HospitalID != nil:
		if hospitalID != 0 && hospitalID != *id.HospitalID {
			return models.EmergencyRequest{}, models.Bed{}, apperr.Forbidden("assign beds of another hospital")
		}
		hospitalID = *id.HospitalID
	case id.IsAdmin():
	default:
		return models.EmergencyRequest{}, models.Bed{}, apperr.Forbidden("assign bed")
	}
	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.EmergencyRequest{}, models.Bed{}, translate("assign bed", err, refs{request: requestID})
	}
	if hospitalID == 0 {
		if cur.HospitalID == nil {
			return models.EmergencyRequest{}, models.Bed{}, apperr.Validation("hospital_id", "required")
		}
		hospitalID = *cur.HospitalID
	}
	if !lifecycle.CanTransition(cur.Status, models.StatusCompleted) {
		return models.EmergencyRequest{}, models.Bed{}, apperr.Conflict(cur.Status, "only a transporting request can be given a bed")
	}

	r, bed, err := s.store.CompleteWithBed(ctx, requestID, hospitalID, bedNumber, s.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrBedUnavailable) {
			return models.EmergencyRequest{}, models.Bed{}, apperr.Conflict(cur.Status, "bed "+bedNumber+" is not available")
		}
		return models.EmergencyRequest{}, models.Bed{}, translate("assign bed", err, refs{request: requestID, hospital: hospitalID, bed: bedNumber})
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("bed assigned", "request_id", r.ID, "hospital_id", hospitalID, "bed", bedNumber)

	if r.AmbulanceID != nil {
		s.releaseAmbulance(ctx, r.ID, *r.AmbulanceID)
	}
	s.invalidate(ctx, cache.PrefixRequests, cache.BedsKey(hospitalID), cache.PrefixHospitals)
	s.announceStatus(ctx, r, false)
	s.announceBeds(ctx, bed)
	return r, bed, nil
}

// refreshETA stores a fresh estimate from the unit's position and tells the
// patient. A failed write keeps the previous estimate.
func (s *Service) refreshETA(ctx context.Context, r models.EmergencyRequest, from models.Coord) models.EmergencyRequest {
	minutes := s.eta.Minutes(ctx, from, r.Location())
	updated, err := s.store.UpdateRequest(ctx, r.ID, models.RequestPatch{ETAMinutes: &minutes})
	if err != nil {
		s.logger.Warn("eta update failed", "request_id", r.ID, "error", err)
		return r
	}
	s.events.BroadcastToUser(ctx, r.PatientID, dispatch.EventRequestETA, map[string]any{
		"request_id":  r.ID,
		"eta_minutes": minutes,
	})
	return updated
}
