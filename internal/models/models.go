package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusAccepted     Status = "accepted"
	StatusDispatched   Status = "dispatched"
	StatusEnRoute      Status = "en_route"
	StatusAtScene      Status = "at_scene"
	StatusTransporting Status = "transporting"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusDeleted      Status = "deleted"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Role string

const (
	RolePatient   Role = "patient"
	RoleAmbulance Role = "ambulance"
	RoleHospital  Role = "hospital"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleAmbulance, RoleHospital, RoleAdmin:
		return true
	}
	return false
}

// Identity is the authenticated caller as supplied by the auth layer.
// AmbulanceID and HospitalID are set only for the matching roles.
type Identity struct {
	UserID      int64  `json:"user_id"`
	Role        Role   `json:"role"`
	AmbulanceID *int64 `json:"ambulance_id,omitempty"`
	HospitalID  *int64 `json:"hospital_id,omitempty"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// EmergencyRequest tracks one patient's help request end-to-end.
//
// AmbulanceID is set only while an ambulance is bound, with one exception:
// cancelled and deleted requests keep the ambulance that was released so the
// record shows who was dispatched. Only requests in an active status hold
// the ambulance.
type EmergencyRequest struct {
	ID                int64      `json:"id"`
	PatientID         int64      `json:"patient_id"`
	AmbulanceID       *int64     `json:"ambulance_id"`
	HospitalID        *int64     `json:"hospital_id"`
	Latitude          float64    `json:"latitude"`
	Longitude         float64    `json:"longitude"`
	Address           string     `json:"address,omitempty"`
	PatientCondition  string     `json:"patient_condition"`
	Description       string     `json:"description,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Priority          Priority   `json:"priority"`
	Status            Status     `json:"status"`
	AssignedBedNumber *string    `json:"assigned_bed_number"`
	ETAMinutes        *int       `json:"eta_minutes,omitempty"`
	RequestedAt       time.Time  `json:"requested_at"`
	AcceptedAt        *time.Time `json:"accepted_at,omitempty"`
	DispatchedAt      *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	DeletedBy         *int64     `json:"deleted_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// Ambulance contact info, filled for patient views only.
	Ambulance *AmbulanceContact `json:"ambulance,omitempty"`
}

func (r EmergencyRequest) Location() Coord { return Coord{Lat: r.Latitude, Lon: r.Longitude} }

type AmbulanceContact struct {
	VehicleNumber string  `json:"vehicle_number"`
	OperatorID    int64   `json:"operator_id"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}

// RequestPatch carries the fields a transition writes. Nil fields are left untouched.
type RequestPatch struct {
	AmbulanceID       *int64
	HospitalID        *int64
	Notes             *string
	AssignedBedNumber *string
	ETAMinutes        *int
	AcceptedAt        *time.Time
	DispatchedAt      *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	DeletedAt         *time.Time
	DeletedBy         *int64
}

type AmbulanceStatus string

const (
	AmbulanceAvailable AmbulanceStatus = "available"
	AmbulanceBusy      AmbulanceStatus = "busy"
)

type Ambulance struct {
	ID               int64           `json:"id"`
	OperatorID       int64           `json:"operator_id"`
	HospitalID       *int64          `json:"hospital_id,omitempty"`
	VehicleNumber    string          `json:"vehicle_number"`
	CurrentLatitude  float64         `json:"current_latitude"`
	CurrentLongitude float64         `json:"current_longitude"`
	Status           AmbulanceStatus `json:"status"`
	IsActive         bool            `json:"is_active"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (a Ambulance) Location() Coord { return Coord{Lat: a.CurrentLatitude, Lon: a.CurrentLongitude} }

// AmbulancePosition is a geo index entry.
type AmbulancePosition struct {
	AmbulanceID int64     `json:"ambulance_id"`
	Loc         Coord     `json:"loc"`
	Available   bool      `json:"available"`
	Updated     time.Time `json:"updated"`
}

// NearbyAmbulance is an available unit ranked for a pickup location.
type NearbyAmbulance struct {
	AmbulanceID int64   `json:"ambulance_id"`
	DistanceM   float64 `json:"distance_m"`
	ETASeconds  float64 `json:"eta_seconds"`
}

type Hospital struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
}

type NearbyHospital struct {
	Hospital
	DistanceKm    float64 `json:"distance_km"`
	AvailableBeds int     `json:"available_beds"`
}

type BedStatus string

const (
	BedAvailable   BedStatus = "available"
	BedOccupied    BedStatus = "occupied"
	BedReserved    BedStatus = "reserved"
	BedMaintenance BedStatus = "maintenance"
)

func (s BedStatus) Valid() bool {
	switch s {
	case BedAvailable, BedOccupied, BedReserved, BedMaintenance:
		return true
	}
	return false
}

type Bed struct {
	HospitalID      int64     `json:"hospital_id"`
	BedNumber       string    `json:"bed_number"`
	Status          BedStatus `json:"status"`
	WardDescription string    `json:"ward_description,omitempty"`
	PatientName     string    `json:"patient_name,omitempty"`
	RequestID       *int64    `json:"request_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
