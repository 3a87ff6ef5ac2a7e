// Package httpserver contains the orchestrator's HTTP handlers and
// middleware.
//
// It exposes the control API for worker registration, campaign
// submission, heartbeats, queue inspection and report downloads. The
// package keeps HTTP concerns separate from the services it fronts:
// handlers bind and validate requests, call into usecase services, and
// map domain errors onto status codes.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto an HTTP status with the flat
// {"error": message} body every endpoint uses.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrBrokerUnavailable):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
