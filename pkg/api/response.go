package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

// Error kinds reported in failure envelopes.
const (
	errKindNotFound     = "not_found"
	errKindValidation   = "validation_error"
	errKindUnauthorized = "unauthorized"
	errKindRateLimited  = "rate_limited"
	errKindUnsupported  = "unsupported"
	errKindPersistence  = "persistence_error"
	errKindInternal     = "internal_error"
)

// successResponse wraps every successful payload.
type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// errorResponse is the failure payload.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// writeErr maps err onto a status code and error kind. Server side
// failures are logged.
func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var pErr *store.PersistenceError

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errKindNotFound, err.Error())
	case query.IsValidationError(err):
		writeError(w, http.StatusBadRequest, errKindValidation, err.Error())
	case errors.Is(err, store.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, errKindUnsupported, err.Error())
	case errors.As(err, &pErr):
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Persistence failure")
		writeError(w, http.StatusInternalServerError, errKindPersistence, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		writeError(w, http.StatusInternalServerError, errKindInternal, err.Error())
	}
}

// decodeBody decodes a JSON request body, reporting malformed input as a
// validation error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return &query.ValidationError{Message: "invalid request body: " + err.Error()}
	}

	return nil
}
