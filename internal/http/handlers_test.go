package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/emergency-connect/internal/auth"
	"github.com/example/emergency-connect/internal/coordinator"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/storage"
)

type testEnv struct {
	srv    *httptest.Server
	tokens *auth.Manager
	hub    *dispatch.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := dispatch.NewHub(dispatch.HubConfig{}, logger)
	events := dispatch.NewBroadcaster(logger)
	events.AddSink("ws", hub)
	svc := coordinator.NewService(coordinator.Deps{
		Store:  storage.NewMemoryStore(),
		Events: events,
		Logger: logger,
	}, coordinator.Config{})
	tokens := auth.NewManager("test-secret", "emergency-connect")
	srv := httptest.NewServer(NewServer(svc, tokens, hub, nil, logger))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, tokens: tokens, hub: hub}
}

func (e *testEnv) token(t *testing.T, id models.Identity) string {
	t.Helper()
	tok, err := e.tokens.Issue(id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var adminID = models.Identity{UserID: 1, Role: models.RoleAdmin}

func ambulanceID(userID, amb int64) models.Identity {
	return models.Identity{UserID: userID, Role: models.RoleAmbulance, AmbulanceID: &amb}
}

func TestHealthAndAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	r, body := e.do(t, http.MethodGet, "/api/v1/requests", "", nil)
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", r.StatusCode)
	}
	if r.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
	if body["error"] == nil {
		t.Fatalf("expected error body, got %v", body)
	}
	r, _ = e.do(t, http.MethodGet, "/api/v1/requests", "garbage", nil)
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", r.StatusCode)
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, adminID)
	pat := e.token(t, models.Identity{UserID: 7, Role: models.RolePatient})

	r, body := e.do(t, http.MethodPost, "/api/v1/requests", pat, map[string]any{"patient_condition": "stroke"})
	if r.StatusCode != http.StatusBadRequest || body["field"] != "location" {
		t.Fatalf("expected 400 on missing location, got %d %v", r.StatusCode, body)
	}

	r, body = e.do(t, http.MethodPost, "/api/v1/requests", pat, map[string]any{
		"latitude": 12.97, "longitude": 77.59, "patient_condition": "stroke", "priority": "critical",
	})
	if r.StatusCode != http.StatusCreated || body["status"] != "pending" {
		t.Fatalf("create: %d %v", r.StatusCode, body)
	}
	reqID := int64(body["id"].(float64))

	var ambIDs []int64
	for _, v := range []string{"KA-01", "KA-02"} {
		r, body = e.do(t, http.MethodPost, "/api/v1/ambulances", admin, map[string]any{
			"vehicle_number": v, "operator_id": 50, "current_latitude": 12.98, "current_longitude": 77.6,
		})
		if r.StatusCode != http.StatusCreated {
			t.Fatalf("register ambulance: %d %v", r.StatusCode, body)
		}
		ambIDs = append(ambIDs, int64(body["id"].(float64)))
	}

	// both units race for the request
	var wg sync.WaitGroup
	codes := make([]int, len(ambIDs))
	bodies := make([]map[string]any, len(ambIDs))
	for i, id := range ambIDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			tok := e.token(t, ambulanceID(50+id, id))
			resp, b := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%d/accept", reqID), tok, nil)
			codes[i], bodies[i] = resp.StatusCode, b
		}(i, id)
	}
	wg.Wait()
	ok, conflict, winner := 0, 0, 0
	for i, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
			winner = i
		case http.StatusConflict:
			conflict++
			if bodies[i]["current_status"] != "accepted" {
				t.Fatalf("conflict body should carry current status: %v", bodies[i])
			}
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one 200 and one 409, got %v", codes)
	}
	crewTok := e.token(t, ambulanceID(50+ambIDs[winner], ambIDs[winner]))

	r, body = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%d/status", reqID), crewTok, map[string]any{"status": "en_route", "eta_minutes": 6})
	if r.StatusCode != http.StatusOK || body["status"] != "en_route" || body["eta_minutes"] != float64(6) {
		t.Fatalf("transition: %d %v", r.StatusCode, body)
	}
	r, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%d/status", reqID), crewTok, map[string]any{"status": "pending"})
	if r.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 moving back to pending, got %d", r.StatusCode)
	}

	r, body = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%d/cancel", reqID), pat, nil)
	if r.StatusCode != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("cancel: %d %v", r.StatusCode, body)
	}

	r, body = e.do(t, http.MethodGet, "/api/v1/requests", pat, nil)
	list, _ := body["requests"].([]any)
	if r.StatusCode != http.StatusOK || len(list) != 1 || list[0].(map[string]any)["status"] != "cancelled" {
		t.Fatalf("list after cancel: %d %v", r.StatusCode, body)
	}

	r, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/requests/%d", reqID+100), admin, nil)
	if r.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", r.StatusCode)
	}
	r, _ = e.do(t, http.MethodGet, "/api/v1/admin/side-effects", pat, nil)
	if r.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for patient on admin route, got %d", r.StatusCode)
	}
}

func TestBedRoutes(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, adminID)
	r, body := e.do(t, http.MethodPost, "/api/v1/hospitals", admin, map[string]any{"name": "City General", "latitude": 12.97, "longitude": 77.6})
	if r.StatusCode != http.StatusCreated {
		t.Fatalf("register hospital: %d %v", r.StatusCode, body)
	}
	hid := int64(body["id"].(float64))
	staff := e.token(t, models.Identity{UserID: 60, Role: models.RoleHospital, HospitalID: &hid})

	r, body = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/hospitals/%d/beds/CICU-01", hid), staff, map[string]any{"ward_description": "cardiac"})
	if r.StatusCode != http.StatusOK || body["status"] != "available" || body["bed_number"] != "CICU-01" {
		t.Fatalf("upsert bed: %d %v", r.StatusCode, body)
	}
	r, body = e.do(t, http.MethodGet, "/api/v1/hospitals/nearby?lat=12.97&lng=77.59&radius_km=5", staff, nil)
	hs, _ := body["hospitals"].([]any)
	if r.StatusCode != http.StatusOK || len(hs) != 1 || hs[0].(map[string]any)["available_beds"] != float64(1) {
		t.Fatalf("nearby hospitals: %d %v", r.StatusCode, body)
	}
	r, body = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/hospitals/%d/beds/CICU-01/status", hid), staff, map[string]any{"status": "maintenance"})
	if r.StatusCode != http.StatusOK || body["status"] != "maintenance" {
		t.Fatalf("bed status: %d %v", r.StatusCode, body)
	}
	r, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/hospitals/%d/beds/CICU-01/status", hid), staff, map[string]any{})
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on missing status, got %d", r.StatusCode)
	}
	r, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/hospitals/%d/beds", hid), staff, nil)
	beds, _ := body["beds"].([]any)
	if r.StatusCode != http.StatusOK || len(beds) != 1 || beds[0].(map[string]any)["status"] != "maintenance" {
		t.Fatalf("list beds: %d %v", r.StatusCode, body)
	}
	r, _ = e.do(t, http.MethodGet, "/api/v1/hospitals/nearby?lat=abc&lng=77.59", staff, nil)
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad lat, got %d", r.StatusCode)
	}
}

func TestWebSocketReceivesScopedEvents(t *testing.T) {
	e := newTestEnv(t)
	amb := int64(3)
	crewTok := e.token(t, ambulanceID(50, amb))
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + crewTok

	if _, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on dial without token, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.RoomSize("role:ambulance") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pat := e.token(t, models.Identity{UserID: 7, Role: models.RolePatient})
	if r, body := e.do(t, http.MethodPost, "/api/v1/requests", pat, map[string]any{
		"latitude": 12.97, "longitude": 77.59, "patient_condition": "fracture",
	}); r.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", r.StatusCode, body)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev dispatch.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != dispatch.EventRequestCreated {
		t.Fatalf("expected request.created, got %s", ev.Type)
	}
}
