package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", validationDetails(err)...)
		return false
	}
	return true
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			out = append(out, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return out
}

// resultStatus maps a pipeline result to an HTTP status. The checks a
// failed run recorded tell which stage stopped it.
func resultStatus(res *orchestrator.Result, success int) int {
	if res.Success {
		return success
	}
	if ok, seen := res.ComplianceChecks[orchestrator.CheckSession]; seen && !ok {
		return http.StatusUnauthorized
	}
	if ok, seen := res.ComplianceChecks[orchestrator.CheckInput]; seen && !ok {
		return http.StatusUnprocessableEntity
	}
	for _, msg := range res.Errors {
		switch msg {
		case orchestrator.MsgBlocked, orchestrator.MsgForbidden:
			return http.StatusForbidden
		case orchestrator.MsgNotFound:
			return http.StatusNotFound
		case orchestrator.MsgInvalid, orchestrator.MsgUnsupported:
			return http.StatusBadRequest
		case orchestrator.MsgFailed:
			return http.StatusInternalServerError
		}
	}
	// File pipeline failures carry the handler's own messages.
	return http.StatusUnprocessableEntity
}

// complianceStatus maps framework errors to HTTP statuses and messages.
func complianceStatus(err error) (int, string) {
	switch {
	case errors.Is(err, compliance.ErrNotFound):
		return http.StatusNotFound, "record not found"
	case errors.Is(err, compliance.ErrNotConsentOwner):
		return http.StatusForbidden, orchestrator.MsgForbidden
	case errors.Is(err, compliance.ErrAlreadyWithdrawn),
		errors.Is(err, compliance.ErrNotVerified),
		errors.Is(err, compliance.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, compliance.ErrInvalidCategory),
		errors.Is(err, compliance.ErrInvalidBasis),
		errors.Is(err, compliance.ErrInvalidRequestType),
		errors.Is(err, compliance.ErrWrongRequestType):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "compliance operation failed"
}
