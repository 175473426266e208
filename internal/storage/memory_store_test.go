package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/emergency-connect/internal/models"
)

func seedRequest(t *testing.T, s Store, patientID int64) models.EmergencyRequest {
	t.Helper()
	r := &models.EmergencyRequest{PatientID: patientID, Latitude: 12.97, Longitude: 77.59, PatientCondition: "cardiac_arrest", Priority: models.PriorityCritical}
	if err := s.CreateRequest(context.Background(), r); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return *r
}

func seedAmbulance(t *testing.T, s Store, vehicle string) models.Ambulance {
	t.Helper()
	a := &models.Ambulance{OperatorID: 100, VehicleNumber: vehicle, IsActive: true}
	if err := s.CreateAmbulance(context.Background(), a); err != nil {
		t.Fatalf("create ambulance: %v", err)
	}
	return *a
}

func TestMemoryStoreCreateDefaults(t *testing.T) {
	s := NewMemoryStore()
	r := seedRequest(t, s, 1)
	if r.ID == 0 || r.Status != models.StatusPending || r.AmbulanceID != nil {
		t.Fatalf("unexpected created request: %+v", r)
	}
	if r.RequestedAt.IsZero() || r.CreatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestMemoryStoreAcceptIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := seedRequest(t, s, 1)
	ambulances := make([]models.Ambulance, 8)
	for i := range ambulances {
		ambulances[i] = seedAmbulance(t, s, "KA-"+string(rune('A'+i)))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, mismatches := 0, 0
	for _, a := range ambulances {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := s.AcceptRequest(ctx, r.ID, id, time.Now())
			mu.Lock()
			defer mu.Unlock()
			var sm *StatusMismatchError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &sm):
				mismatches++
				if sm.Actual != models.StatusAccepted {
					t.Errorf("loser saw status %s", sm.Actual)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(a.ID)
	}
	wg.Wait()
	if wins != 1 || mismatches != len(ambulances)-1 {
		t.Fatalf("wins=%d mismatches=%d", wins, mismatches)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	busy := 0
	for _, a := range ambulances {
		cur, _ := s.GetAmbulance(ctx, a.ID)
		if cur.Status == models.AmbulanceBusy {
			busy++
			if got.AmbulanceID == nil || *got.AmbulanceID != a.ID {
				t.Fatalf("busy ambulance %d is not the assignee", a.ID)
			}
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly one busy ambulance, got %d", busy)
	}
}

func TestMemoryStoreAcceptRejectsBusyAmbulance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r1 := seedRequest(t, s, 1)
	r2 := seedRequest(t, s, 2)
	a := seedAmbulance(t, s, "KA-01")
	if _, err := s.AcceptRequest(ctx, r1.ID, a.ID, time.Now()); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := s.AcceptRequest(ctx, r2.ID, a.ID, time.Now()); !errors.Is(err, ErrAmbulanceUnavailable) {
		t.Fatalf("expected ErrAmbulanceUnavailable, got %v", err)
	}
	got, _ := s.GetRequest(ctx, r2.ID)
	if got.Status != models.StatusPending || got.AmbulanceID != nil {
		t.Fatalf("second request mutated: %+v", got)
	}
}

func TestMemoryStoreTransitionMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := seedRequest(t, s, 1)
	_, err := s.TransitionRequest(ctx, r.ID, []models.Status{models.StatusAtScene}, models.StatusTransporting, models.RequestPatch{})
	var sm *StatusMismatchError
	if !errors.As(err, &sm) || sm.Actual != models.StatusPending {
		t.Fatalf("expected mismatch with pending, got %v", err)
	}
	if _, err := s.TransitionRequest(ctx, 999, nil, models.StatusCancelled, models.RequestPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCompleteWithBed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	h := &models.Hospital{Name: "City", Latitude: 1, Longitude: 1}
	_ = s.CreateHospital(ctx, h)
	_ = s.UpsertBed(ctx, &models.Bed{HospitalID: h.ID, BedNumber: "CICU-01", Status: models.BedAvailable})
	r := seedRequest(t, s, 1)

	if _, _, err := s.CompleteWithBed(ctx, r.ID, h.ID, "CICU-01", time.Now()); err == nil {
		t.Fatal("pending request must not complete")
	}
	if b, _ := s.GetBed(ctx, h.ID, "CICU-01"); b.Status != models.BedAvailable {
		t.Fatal("bed changed on failed completion")
	}

	_, _ = s.TransitionRequest(ctx, r.ID, []models.Status{models.StatusPending}, models.StatusTransporting, models.RequestPatch{})
	done, bed, err := s.CompleteWithBed(ctx, r.ID, h.ID, "CICU-01", time.Now())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.AssignedBedNumber == nil || *done.AssignedBedNumber != "CICU-01" || done.CompletedAt == nil {
		t.Fatalf("unexpected request: %+v", done)
	}
	if bed.Status != models.BedOccupied || bed.RequestID == nil || *bed.RequestID != r.ID {
		t.Fatalf("unexpected bed: %+v", bed)
	}

	r2 := seedRequest(t, s, 2)
	_, _ = s.TransitionRequest(ctx, r2.ID, []models.Status{models.StatusPending}, models.StatusTransporting, models.RequestPatch{})
	if _, _, err := s.CompleteWithBed(ctx, r2.ID, h.ID, "CICU-01", time.Now()); !errors.Is(err, ErrBedUnavailable) {
		t.Fatalf("expected ErrBedUnavailable, got %v", err)
	}
	if got, _ := s.GetRequest(ctx, r2.ID); got.Status != models.StatusTransporting {
		t.Fatalf("request completed without a bed: %s", got.Status)
	}
}

func TestMemoryStoreListings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seedAmbulance(t, s, "KA-01")
	r1 := seedRequest(t, s, 1)
	r2 := seedRequest(t, s, 1)
	r3 := seedRequest(t, s, 2)
	_, _ = s.AcceptRequest(ctx, r2.ID, a.ID, time.Now())
	_, _ = s.TransitionRequest(ctx, r1.ID, []models.Status{models.StatusPending}, models.StatusDeleted, models.RequestPatch{})

	mine, _ := s.ListForPatient(ctx, 1)
	if len(mine) != 1 || mine[0].ID != r2.ID {
		t.Fatalf("patient listing: %+v", mine)
	}
	pending, _ := s.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != r3.ID {
		t.Fatalf("pending listing: %+v", pending)
	}
	active, _ := s.ListActive(ctx)
	if len(active) != 2 || active[0].ID != r3.ID {
		t.Fatalf("active listing should be newest first: %+v", active)
	}
	held, _ := s.ListActiveForAmbulance(ctx, a.ID)
	if len(held) != 1 || held[0].ID != r2.ID {
		t.Fatalf("ambulance listing: %+v", held)
	}
	all, _ := s.ListAll(ctx)
	if len(all) != 3 {
		t.Fatalf("ListAll should keep deleted rows, got %d", len(all))
	}
}

func TestMemoryStoreBedsAndCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.UpsertBed(ctx, &models.Bed{HospitalID: 42, BedNumber: "X"}); !errors.Is(err, ErrHospitalNotFound) {
		t.Fatalf("expected ErrHospitalNotFound, got %v", err)
	}
	h := &models.Hospital{Name: "General"}
	_ = s.CreateHospital(ctx, h)
	_ = s.UpsertBed(ctx, &models.Bed{HospitalID: h.ID, BedNumber: "B2", Status: models.BedAvailable})
	_ = s.UpsertBed(ctx, &models.Bed{HospitalID: h.ID, BedNumber: "B1", Status: models.BedAvailable})
	_ = s.UpsertBed(ctx, &models.Bed{HospitalID: h.ID, BedNumber: "B3", Status: models.BedMaintenance})
	beds, _ := s.ListBeds(ctx, h.ID)
	if len(beds) != 3 || beds[0].BedNumber != "B1" {
		t.Fatalf("unexpected beds: %+v", beds)
	}
	counts, _ := s.CountAvailableBeds(ctx)
	if counts[h.ID] != 2 {
		t.Fatalf("expected 2 available beds, got %d", counts[h.ID])
	}
}

func TestMemoryStoreSetBedStatusIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	h := &models.Hospital{Name: "General"}
	_ = s.CreateHospital(ctx, h)
	rid := int64(9)
	_ = s.UpsertBed(ctx, &models.Bed{HospitalID: h.ID, BedNumber: "B1", Status: models.BedOccupied, RequestID: &rid, PatientName: "A. Patient"})

	if _, err := s.SetBedStatus(ctx, h.ID, "B1", []models.BedStatus{models.BedAvailable}, models.BedMaintenance); !errors.Is(err, ErrBedUnavailable) {
		t.Fatalf("expected ErrBedUnavailable, got %v", err)
	}
	if b, _ := s.GetBed(ctx, h.ID, "B1"); b.Status != models.BedOccupied || b.RequestID == nil {
		t.Fatalf("bed changed on mismatch: %+v", b)
	}
	if _, err := s.SetBedStatus(ctx, h.ID, "nope", []models.BedStatus{models.BedOccupied}, models.BedAvailable); !errors.Is(err, ErrBedNotFound) {
		t.Fatalf("expected ErrBedNotFound, got %v", err)
	}

	b, err := s.SetBedStatus(ctx, h.ID, "B1", []models.BedStatus{models.BedOccupied}, models.BedAvailable)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if b.Status != models.BedAvailable || b.RequestID != nil || b.PatientName != "" {
		t.Fatalf("freed bed kept its occupant: %+v", b)
	}
}
