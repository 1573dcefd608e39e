package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ValidationError is one rejected query parameter.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorBody struct {
	Error   string            `json:"error"`
	Details []ValidationError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeStoreError hides store details from clients; they are logged instead.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error("api: store query failed", zap.String("op", op), zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// intQuery reads an integer query parameter, falling back to def when absent.
func intQuery(r *http.Request, name string, def int) (int, *ValidationError) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Code: "ERR_INTEGER", Field: name, Message: fmt.Sprintf("%s must be an integer", name)}
	}
	return v, nil
}

// check validates dst, writing a 422 and returning false on failure.
func (s *Server) check(w http.ResponseWriter, dst any) bool {
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   "invalid query parameters",
			Details: validationErrors(err),
		})
		return false
	}
	return true
}

func rejectQuery(w http.ResponseWriter, ve *ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{
		Error:   "invalid query parameters",
		Details: []ValidationError{*ve},
	})
}

func validationErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Code:    "ERR_" + strings.ToUpper(fe.Tag()),
			Field:   queryName(fe),
			Message: errorMessage(fe),
		})
	}
	return out
}

func queryName(fe validator.FieldError) string {
	return strings.ToLower(fe.Field())
}

func errorMessage(fe validator.FieldError) string {
	field := queryName(fe)
	switch fe.Tag() {
	case "gte", "min":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "required":
		return fmt.Sprintf("%s is required", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
