package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/emergency-connect/internal/lifecycle"
	"github.com/example/emergency-connect/internal/models"
)

// MemoryStore keeps everything in process. A single mutex makes every
// conditional update atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[int64]*models.EmergencyRequest
	ambulances map[int64]*models.Ambulance
	hospitals  map[int64]*models.Hospital
	beds       map[int64]map[string]*models.Bed
	nextReq    int64
	nextAmb    int64
	nextHosp   int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[int64]*models.EmergencyRequest),
		ambulances: make(map[int64]*models.Ambulance),
		hospitals:  make(map[int64]*models.Hospital),
		beds:       make(map[int64]map[string]*models.Bed),
		now:        time.Now,
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.EmergencyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReq++
	now := m.now().UTC()
	r.ID = m.nextReq
	r.Status = models.StatusPending
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id int64) (models.EmergencyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.EmergencyRequest{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, id int64, p models.RequestPatch) (models.EmergencyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.EmergencyRequest{}, ErrNotFound
	}
	applyPatch(r, p)
	r.UpdatedAt = m.now().UTC()
	return *r, nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id int64, from []models.Status, to models.Status, p models.RequestPatch) (models.EmergencyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.EmergencyRequest{}, ErrNotFound
	}
	if !containsStatus(from, r.Status) {
		return models.EmergencyRequest{}, &StatusMismatchError{Actual: r.Status}
	}
	applyPatch(r, p)
	r.Status = to
	r.UpdatedAt = m.now().UTC()
	return *r, nil
}

func (m *MemoryStore) AcceptRequest(_ context.Context, requestID, ambulanceID int64, at time.Time) (models.EmergencyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return models.EmergencyRequest{}, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return models.EmergencyRequest{}, &StatusMismatchError{Actual: r.Status}
	}
	a, ok := m.ambulances[ambulanceID]
	if !ok {
		return models.EmergencyRequest{}, ErrAmbulanceNotFound
	}
	if !a.IsActive || a.Status != models.AmbulanceAvailable {
		return models.EmergencyRequest{}, ErrAmbulanceUnavailable
	}
	a.Status = models.AmbulanceBusy
	a.UpdatedAt = at
	id := ambulanceID
	accepted := at
	r.AmbulanceID = &id
	r.AcceptedAt = &accepted
	r.Status = models.StatusAccepted
	r.UpdatedAt = at
	return *r, nil
}

func (m *MemoryStore) CompleteWithBed(_ context.Context, requestID, hospitalID int64, bedNumber string, at time.Time) (models.EmergencyRequest, models.Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return models.EmergencyRequest{}, models.Bed{}, ErrNotFound
	}
	if r.Status != models.StatusTransporting {
		return models.EmergencyRequest{}, models.Bed{}, &StatusMismatchError{Actual: r.Status}
	}
	b, ok := m.beds[hospitalID][bedNumber]
	if !ok {
		return models.EmergencyRequest{}, models.Bed{}, ErrBedNotFound
	}
	if b.Status != models.BedAvailable && b.Status != models.BedReserved {
		return models.EmergencyRequest{}, models.Bed{}, ErrBedUnavailable
	}
	rid := requestID
	b.Status = models.BedOccupied
	b.RequestID = &rid
	b.UpdatedAt = at
	hid := hospitalID
	bed := bedNumber
	completed := at
	r.HospitalID = &hid
	r.AssignedBedNumber = &bed
	r.CompletedAt = &completed
	r.Status = models.StatusCompleted
	r.UpdatedAt = at
	return *r, *b, nil
}

func (m *MemoryStore) ListForPatient(_ context.Context, patientID int64) ([]models.EmergencyRequest, error) {
	return m.filter(func(r *models.EmergencyRequest) bool {
		return r.PatientID == patientID && r.Status != models.StatusDeleted
	}), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]models.EmergencyRequest, error) {
	return m.filter(func(r *models.EmergencyRequest) bool { return lifecycle.IsActive(r.Status) }), nil
}

func (m *MemoryStore) ListActiveForAmbulance(_ context.Context, ambulanceID int64) ([]models.EmergencyRequest, error) {
	return m.filter(func(r *models.EmergencyRequest) bool {
		return r.AmbulanceID != nil && *r.AmbulanceID == ambulanceID && lifecycle.HoldsAmbulance(r.Status)
	}), nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]models.EmergencyRequest, error) {
	return m.filter(func(r *models.EmergencyRequest) bool { return r.Status == models.StatusPending }), nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]models.EmergencyRequest, error) {
	return m.filter(func(*models.EmergencyRequest) bool { return true }), nil
}

// filter returns matches newest first; ties fall back to id so the order is stable.
func (m *MemoryStore) filter(keep func(*models.EmergencyRequest) bool) []models.EmergencyRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EmergencyRequest, 0)
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemoryStore) CreateAmbulance(_ context.Context, a *models.Ambulance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAmb++
	a.ID = m.nextAmb
	if a.Status == "" {
		a.Status = models.AmbulanceAvailable
	}
	a.UpdatedAt = m.now().UTC()
	cp := *a
	m.ambulances[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAmbulance(_ context.Context, id int64) (models.Ambulance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.ambulances[id]
	if !ok {
		return models.Ambulance{}, ErrAmbulanceNotFound
	}
	return *a, nil
}

func (m *MemoryStore) SetAmbulanceStatus(_ context.Context, id int64, status models.AmbulanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[id]
	if !ok {
		return ErrAmbulanceNotFound
	}
	a.Status = status
	a.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) UpdateAmbulanceLocation(_ context.Context, id int64, loc models.Coord) (models.Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[id]
	if !ok {
		return models.Ambulance{}, ErrAmbulanceNotFound
	}
	a.CurrentLatitude = loc.Lat
	a.CurrentLongitude = loc.Lon
	a.UpdatedAt = m.now().UTC()
	return *a, nil
}

func (m *MemoryStore) CreateHospital(_ context.Context, h *models.Hospital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHosp++
	h.ID = m.nextHosp
	h.CreatedAt = m.now().UTC()
	cp := *h
	m.hospitals[h.ID] = &cp
	return nil
}

func (m *MemoryStore) GetHospital(_ context.Context, id int64) (models.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hospitals[id]
	if !ok {
		return models.Hospital{}, ErrHospitalNotFound
	}
	return *h, nil
}

func (m *MemoryStore) ListHospitals(_ context.Context) ([]models.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Hospital, 0, len(m.hospitals))
	for _, h := range m.hospitals {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertBed(_ context.Context, b *models.Bed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hospitals[b.HospitalID]; !ok {
		return ErrHospitalNotFound
	}
	if m.beds[b.HospitalID] == nil {
		m.beds[b.HospitalID] = make(map[string]*models.Bed)
	}
	b.UpdatedAt = m.now().UTC()
	cp := *b
	m.beds[b.HospitalID][b.BedNumber] = &cp
	return nil
}

func (m *MemoryStore) GetBed(_ context.Context, hospitalID int64, bedNumber string) (models.Bed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.beds[hospitalID][bedNumber]
	if !ok {
		return models.Bed{}, ErrBedNotFound
	}
	return *b, nil
}

func (m *MemoryStore) SetBedStatus(_ context.Context, hospitalID int64, bedNumber string, from []models.BedStatus, to models.BedStatus) (models.Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[hospitalID][bedNumber]
	if !ok {
		return models.Bed{}, ErrBedNotFound
	}
	if !containsBedStatus(from, b.Status) {
		return models.Bed{}, ErrBedUnavailable
	}
	b.Status = to
	if to == models.BedAvailable {
		b.RequestID = nil
		b.PatientName = ""
	}
	b.UpdatedAt = m.now().UTC()
	return *b, nil
}

func (m *MemoryStore) ListBeds(_ context.Context, hospitalID int64) ([]models.Bed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Bed, 0, len(m.beds[hospitalID]))
	for _, b := range m.beds[hospitalID] {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BedNumber < out[j].BedNumber })
	return out, nil
}

func (m *MemoryStore) CountAvailableBeds(_ context.Context) (map[int64]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]int, len(m.beds))
	for hid, beds := range m.beds {
		for _, b := range beds {
			if b.Status == models.BedAvailable {
				out[hid]++
			}
		}
	}
	return out, nil
}
