package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeNotFound         = "not_found"
	CodeInvalidValue     = "invalid_value"
	CodeFieldNotEditable = "field_not_editable"
	CodeAlreadyResolved  = "already_resolved"
	CodeStaleWrite       = "stale_write"
	CodeForbidden        = "forbidden"
	CodeBadRequest       = "bad_request"
	CodeUnauthenticated  = "unauthenticated"
	CodeInternal         = "internal"
)

// errorStatus maps an engine error to its status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, types.ErrInvalidValue):
		return http.StatusUnprocessableEntity, CodeInvalidValue
	case errors.Is(err, types.ErrFieldNotEditable):
		return http.StatusConflict, CodeFieldNotEditable
	case errors.Is(err, types.ErrAlreadyResolved):
		return http.StatusConflict, CodeAlreadyResolved
	case errors.Is(err, types.ErrStaleWrite):
		return http.StatusPreconditionFailed, CodeStaleWrite
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, types.ErrInvalidActor):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrInvalidSource),
		errors.Is(err, types.ErrInvalidConfidence),
		errors.Is(err, types.ErrInvalidScore),
		errors.Is(err, types.ErrInvalidFilter):
		return http.StatusBadRequest, CodeBadRequest
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "Failed to encode JSON response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.ErrorErr(log.CatHTTP, "Request failed", err)
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: CodeBadRequest, Message: message})
}

// decode reads a JSON body. Numbers stay json.Number so that field
// constraints see the value as sent.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
