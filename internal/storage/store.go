package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/emergency-connect/internal/models"
)

var (
	ErrNotFound             = errors.New("request not found")
	ErrAmbulanceNotFound    = errors.New("ambulance not found")
	ErrAmbulanceUnavailable = errors.New("ambulance unavailable")
	ErrHospitalNotFound     = errors.New("hospital not found")
	ErrBedNotFound          = errors.New("bed not found")
	ErrBedUnavailable       = errors.New("bed unavailable")
)

// StatusMismatchError is returned when a conditional update finds the
// request in a status other than the expected ones.
type StatusMismatchError struct {
	Actual models.Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("status mismatch: request is %s", e.Actual)
}

// RequestStore persists emergency requests. TransitionRequest, AcceptRequest
// and CompleteWithBed are conditional on the current status and must be
// atomic: concurrent callers racing on the same row see at most one success.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.EmergencyRequest) error
	GetRequest(ctx context.Context, id int64) (models.EmergencyRequest, error)
	UpdateRequest(ctx context.Context, id int64, p models.RequestPatch) (models.EmergencyRequest, error)
	TransitionRequest(ctx context.Context, id int64, from []models.Status, to models.Status, p models.RequestPatch) (models.EmergencyRequest, error)
	AcceptRequest(ctx context.Context, requestID, ambulanceID int64, at time.Time) (models.EmergencyRequest, error)
	CompleteWithBed(ctx context.Context, requestID, hospitalID int64, bedNumber string, at time.Time) (models.EmergencyRequest, models.Bed, error)

	ListForPatient(ctx context.Context, patientID int64) ([]models.EmergencyRequest, error)
	ListActive(ctx context.Context) ([]models.EmergencyRequest, error)
	ListActiveForAmbulance(ctx context.Context, ambulanceID int64) ([]models.EmergencyRequest, error)
	ListPending(ctx context.Context) ([]models.EmergencyRequest, error)
	ListAll(ctx context.Context) ([]models.EmergencyRequest, error)
}

type AmbulanceStore interface {
	CreateAmbulance(ctx context.Context, a *models.Ambulance) error
	GetAmbulance(ctx context.Context, id int64) (models.Ambulance, error)
	SetAmbulanceStatus(ctx context.Context, id int64, status models.AmbulanceStatus) error
	UpdateAmbulanceLocation(ctx context.Context, id int64, loc models.Coord) (models.Ambulance, error)
}

// HospitalStore persists hospitals and beds. SetBedStatus is conditional on
// the bed's current status and fails with ErrBedUnavailable when the bed has
// moved out of from.
type HospitalStore interface {
	CreateHospital(ctx context.Context, h *models.Hospital) error
	GetHospital(ctx context.Context, id int64) (models.Hospital, error)
	ListHospitals(ctx context.Context) ([]models.Hospital, error)
	UpsertBed(ctx context.Context, b *models.Bed) error
	GetBed(ctx context.Context, hospitalID int64, bedNumber string) (models.Bed, error)
	SetBedStatus(ctx context.Context, hospitalID int64, bedNumber string, from []models.BedStatus, to models.BedStatus) (models.Bed, error)
	ListBeds(ctx context.Context, hospitalID int64) ([]models.Bed, error)
	CountAvailableBeds(ctx context.Context) (map[int64]int, error)
}

// Store is everything the coordinator persists.
type Store interface {
	RequestStore
	AmbulanceStore
	HospitalStore
}

func applyPatch(r *models.EmergencyRequest, p models.RequestPatch) {
	if p.AmbulanceID != nil {
		r.AmbulanceID = p.AmbulanceID
	}
	if p.HospitalID != nil {
		r.HospitalID = p.HospitalID
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
	if p.AssignedBedNumber != nil {
		r.AssignedBedNumber = p.AssignedBedNumber
	}
	if p.ETAMinutes != nil {
		r.ETAMinutes = p.ETAMinutes
	}
	if p.AcceptedAt != nil {
		r.AcceptedAt = p.AcceptedAt
	}
	if p.DispatchedAt != nil {
		r.DispatchedAt = p.DispatchedAt
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.CancelledAt != nil {
		r.CancelledAt = p.CancelledAt
	}
	if p.DeletedAt != nil {
		r.DeletedAt = p.DeletedAt
	}
	if p.DeletedBy != nil {
		r.DeletedBy = p.DeletedBy
	}
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsBedStatus(list []models.BedStatus, s models.BedStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
