package coordinator

import "github.com/example/emergency-connect/internal/models"

func isOwner(id models.Identity, r models.EmergencyRequest) bool {
	return id.Role == models.RolePatient && r.PatientID == id.UserID
}

func isAssigned(id models.Identity, r models.EmergencyRequest) bool {
	return id.Role == models.RoleAmbulance && id.AmbulanceID != nil &&
		r.AmbulanceID != nil && *r.AmbulanceID == *id.AmbulanceID
}

// canActAsAmbulance reports whether the caller may act for the given unit.
func canActAsAmbulance(id models.Identity, ambulanceID int64) bool {
	if id.IsAdmin() {
		return ambulanceID != 0
	}
	return id.Role == models.RoleAmbulance && id.AmbulanceID != nil && *id.AmbulanceID == ambulanceID
}

func canManageHospital(id models.Identity, hospitalID int64) bool {
	if id.IsAdmin() {
		return true
	}
	return id.Role == models.RoleHospital && id.HospitalID != nil && *id.HospitalID == hospitalID
}

func canView(id models.Identity, r models.EmergencyRequest) bool {
	switch id.Role {
	case models.RoleAdmin, models.RoleHospital:
		return true
	case models.RolePatient:
		return r.PatientID == id.UserID && r.Status != models.StatusDeleted
	case models.RoleAmbulance:
		return r.Status == models.StatusPending || isAssigned(id, r)
	}
	return false
}
