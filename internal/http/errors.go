package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/models"
)

type errorBody struct {
	Error         string        `json:"error"`
	Field         string        `json:"field,omitempty"`
	CurrentStatus models.Status `json:"current_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the coordinator's error variants onto status codes so
// clients can tell a retryable conflict from a bad request.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *apperr.ValidationError
		notFound   *apperr.NotFoundError
		conflict   *apperr.ConflictError
		forbidden  *apperr.AuthorizationError
		dependency *apperr.DependencyError
	)
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Field = validation.Field
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body.CurrentStatus = conflict.CurrentStatus
	case errors.As(err, &forbidden):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.As(err, &dependency):
		status = http.StatusServiceUnavailable
		body.Error = "dependency unavailable"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}
