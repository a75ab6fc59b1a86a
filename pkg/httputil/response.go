package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/zenith/pkg/faults"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Code      string `json:"code,omitempty"`
	Plugin    string `json:"plugin,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// StatusForFault maps a fault kind to an HTTP status. Errors that are not
// faults map to 500.
func StatusForFault(err error) int {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		return http.StatusUnprocessableEntity
	case faults.KindInstantiation:
		return http.StatusUnprocessableEntity
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindSchedulerFull:
		return http.StatusTooManyRequests
	case faults.KindClosed, faults.KindInit:
		return http.StatusServiceUnavailable
	case faults.KindExecution:
		if errors.Is(err, faults.ErrDisabled) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes err with the status chosen by StatusForFault and the
// fault's kind, code and plugin in the body.
func WriteFault(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var f *faults.Fault
	if errors.As(err, &f) {
		resp.Kind = string(f.Kind)
		resp.Code = string(f.Code)
		resp.Plugin = f.Plugin
		resp.Retryable = faults.IsRetryable(err)
	}
	if resp.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, StatusForFault(err), resp)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotFoundError writes a not found error response (404 Not Found)
func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteInternalError writes an internal server error response (500 Internal Server Error)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, err)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteAccepted writes 202 Accepted with JSON data
func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
