package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/auth"
	"github.com/example/emergency-connect/internal/coordinator"
	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/models"
)

// ReadyFunc reports whether backing services are reachable.
type ReadyFunc func(ctx context.Context) error

type Server struct {
	svc    *coordinator.Service
	auth   *auth.Manager
	hub    *dispatch.Hub
	ready  ReadyFunc
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *coordinator.Service, authm *auth.Manager, hub *dispatch.Hub, ready ReadyFunc, logger *slog.Logger) *Server {
	s := &Server{svc: svc, auth: authm, hub: hub, ready: ready, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/requests/{id:[0-9]+}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id:[0-9]+}", s.handleDeleteRequest).Methods("DELETE")
	api.HandleFunc("/requests/{id:[0-9]+}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/requests/{id:[0-9]+}/status", s.handleTransition).Methods("POST")
	api.HandleFunc("/requests/{id:[0-9]+}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/requests/{id:[0-9]+}/bed", s.handleAssignBed).Methods("POST")

	api.HandleFunc("/ambulances", s.handleRegisterAmbulance).Methods("POST")
	api.HandleFunc("/ambulances/nearby", s.handleNearbyAmbulances).Methods("GET")
	api.HandleFunc("/ambulances/{id:[0-9]+}/location", s.handleAmbulanceLocation).Methods("POST")

	api.HandleFunc("/hospitals", s.handleRegisterHospital).Methods("POST")
	api.HandleFunc("/hospitals/nearby", s.handleNearbyHospitals).Methods("GET")
	api.HandleFunc("/hospitals/{id:[0-9]+}/beds", s.handleListBeds).Methods("GET")
	api.HandleFunc("/hospitals/{id:[0-9]+}/beds/{bed}", s.handleUpsertBed).Methods("PUT")
	api.HandleFunc("/hospitals/{id:[0-9]+}/beds/{bed}/status", s.handleBedStatus).Methods("POST")

	api.HandleFunc("/admin/side-effects", s.handleSideEffects).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

// handleWS authenticates before upgrading; browsers pass the token as a
// query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.hub.ServeWS(w, r, id); err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", id.UserID, "error", err)
	}
}

func identity(r *http.Request) models.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

func pathID(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, apperr.Validation(name, "must be an integer")
	}
	return v, nil
}

// decode reads an optional JSON body; an empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func queryFloat(r *http.Request, key string, required bool) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		if required {
			return 0, apperr.Validation(key, "required")
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.Validation(key, "must be a number")
	}
	return f, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation(key, "must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in coordinator.CreateRequestInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.CreateRequest(r.Context(), identity(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListRequests(r.Context(), identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.GetRequest(r.Context(), identity(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		AmbulanceID int64 `json:"ambulance_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.AcceptRequest(r.Context(), identity(r), id, body.AmbulanceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Status models.Status `json:"status"`
		coordinator.TransitionExtra
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.TransitionStatus(r.Context(), identity(r), id, body.Status, body.TransitionExtra)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.CancelRequest(r.Context(), identity(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.DeleteRequest(r.Context(), identity(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAssignBed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		BedNumber  string `json:"bed_number"`
		HospitalID int64  `json:"hospital_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, bed, err := s.svc.AssignBed(r.Context(), identity(r), id, body.HospitalID, body.BedNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "bed": bed})
}

func (s *Server) handleRegisterAmbulance(w http.ResponseWriter, r *http.Request) {
	var a models.Ambulance
	if err := decode(r, &a); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.RegisterAmbulance(r.Context(), identity(r), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleAmbulanceLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		s.writeError(w, r, apperr.Validation("location", "latitude and longitude are required"))
		return
	}
	a, err := s.svc.UpdateAmbulanceLocation(r.Context(), identity(r), id, *body.Latitude, *body.Longitude)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleNearbyAmbulances(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := queryFloat(r, "lng", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.NearbyAmbulances(r.Context(), lat, lng, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ambulances": list})
}

func (s *Server) handleRegisterHospital(w http.ResponseWriter, r *http.Request) {
	var h models.Hospital
	if err := decode(r, &h); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.RegisterHospital(r.Context(), identity(r), h)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleNearbyHospitals(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := queryFloat(r, "lng", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius_km", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.NearbyHospitals(r.Context(), lat, lng, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hospitals": list})
}

func (s *Server) handleListBeds(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	beds, err := s.svc.ListBeds(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"beds": beds})
}

func (s *Server) handleUpsertBed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var b models.Bed
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	b.HospitalID = id
	b.BedNumber = mux.Vars(r)["bed"]
	out, err := s.svc.UpsertBed(r.Context(), identity(r), b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBedStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Status models.BedStatus `json:"status"`
		Force  bool             `json:"force"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.SetBedStatus(r.Context(), identity(r), id, mux.Vars(r)["bed"], body.Status, body.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSideEffects(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.SideEffects(identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"side_effects": list})
}
