package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/cache"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/eta"
	"github.com/example/emergency-connect/internal/geo"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/storage"
)

type sentEvent struct {
	scopes []string
	ev     dispatch.Event
}

// recordingSink captures every fan-out for assertions.
type recordingSink struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingSink) Send(_ context.Context, scopes []string, ev dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{scopes: scopes, ev: ev})
	return nil
}

func (r *recordingSink) ofType(t string) []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentEvent
	for _, s := range r.sent {
		if s.ev.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

type fixture struct {
	svc   *Service
	store storage.Store
	sink  *recordingSink
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	sink := &recordingSink{}
	events := dispatch.NewBroadcaster(discardLogger())
	events.AddSink("test", sink)
	svc := NewService(Deps{
		Store:  store,
		Cache:  cache.NewMemory(),
		Events: events,
		Geo:    geo.NewIndex(),
		ETA:    &eta.Estimator{SpeedMps: 10},
		Logger: discardLogger(),
	}, Config{ReleaseBackoff: time.Millisecond})
	return &fixture{svc: svc, store: store, sink: sink}
}

var admin = models.Identity{UserID: 1, Role: models.RoleAdmin}

func patient(id int64) models.Identity {
	return models.Identity{UserID: id, Role: models.RolePatient}
}

func crew(userID, ambulanceID int64) models.Identity {
	return models.Identity{UserID: userID, Role: models.RoleAmbulance, AmbulanceID: &ambulanceID}
}

func hospitalStaff(userID, hospitalID int64) models.Identity {
	return models.Identity{UserID: userID, Role: models.RoleHospital, HospitalID: &hospitalID}
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) request(t *testing.T, patientID int64) models.EmergencyRequest {
	t.Helper()
	r, err := f.svc.CreateRequest(context.Background(), patient(patientID), CreateRequestInput{
		Latitude:         ptr(12.9716),
		Longitude:        ptr(77.5946),
		PatientCondition: "chest pain",
		Notes:            "third floor",
		Priority:         models.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func (f *fixture) ambulance(t *testing.T, vehicle string, lat, lon float64) models.Ambulance {
	t.Helper()
	a, err := f.svc.RegisterAmbulance(context.Background(), admin, models.Ambulance{
		OperatorID:       50,
		VehicleNumber:    vehicle,
		CurrentLatitude:  lat,
		CurrentLongitude: lon,
	})
	if err != nil {
		t.Fatalf("register ambulance: %v", err)
	}
	return a
}

func (f *fixture) hospitalWithBed(t *testing.T, bed string) models.Hospital {
	t.Helper()
	ctx := context.Background()
	h, err := f.svc.RegisterHospital(ctx, admin, models.Hospital{Name: "City General", Latitude: 12.975, Longitude: 77.6})
	if err != nil {
		t.Fatalf("register hospital: %v", err)
	}
	if _, err := f.svc.UpsertBed(ctx, admin, models.Bed{HospitalID: h.ID, BedNumber: bed, WardDescription: "cardiac ICU"}); err != nil {
		t.Fatalf("upsert bed: %v", err)
	}
	return h
}

// drive walks an accepted request up to target.
func (f *fixture) drive(t *testing.T, who models.Identity, requestID int64, steps ...models.Status) models.EmergencyRequest {
	t.Helper()
	var r models.EmergencyRequest
	for _, st := range steps {
		var err error
		r, err = f.svc.TransitionStatus(context.Background(), who, requestID, st, TransitionExtra{})
		if err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	return r
}

func (f *fixture) ambulanceStatus(t *testing.T, id int64) models.AmbulanceStatus {
	t.Helper()
	a, err := f.store.GetAmbulance(context.Background(), id)
	if err != nil {
		t.Fatalf("get ambulance: %v", err)
	}
	return a.Status
}

func asConflict(t *testing.T, err error) *apperr.ConflictError {
	t.Helper()
	var c *apperr.ConflictError
	if !errors.As(err, &c) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	return c
}

// flakyStore fails ambulance status writes while failStatus is set.
type flakyStore struct {
	*storage.MemoryStore
	mu         sync.Mutex
	failStatus bool
	calls      int
}

func (s *flakyStore) SetAmbulanceStatus(ctx context.Context, id int64, st models.AmbulanceStatus) error {
	s.mu.Lock()
	s.calls++
	fail := s.failStatus
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SetAmbulanceStatus(ctx, id, st)
}

// pausingStore holds ListForPatient (pause) or GetBed (pauseBed) between
// its read and its return, so a write can land in between.
type pausingStore struct {
	*storage.MemoryStore
	pause    bool
	pauseBed bool
	read     chan struct{}
	release  chan struct{}
}

func newPausingStore() *pausingStore {
	return &pausingStore{MemoryStore: storage.NewMemoryStore(), read: make(chan struct{}), release: make(chan struct{})}
}

func (s *pausingStore) ListForPatient(ctx context.Context, patientID int64) ([]models.EmergencyRequest, error) {
	out, err := s.MemoryStore.ListForPatient(ctx, patientID)
	if s.pause {
		s.pause = false
		close(s.read)
		<-s.release
	}
	return out, err
}

func (s *pausingStore) GetBed(ctx context.Context, hospitalID int64, bedNumber string) (models.Bed, error) {
	b, err := s.MemoryStore.GetBed(ctx, hospitalID, bedNumber)
	if s.pauseBed {
		s.pauseBed = false
		close(s.read)
		<-s.release
	}
	return b, err
}
