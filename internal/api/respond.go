package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, syncerr.ErrJobRunning):
		return http.StatusConflict, "job_running"
	case errors.Is(err, syncerr.ErrStillProcessing):
		return http.StatusAccepted, "still_processing"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, string(syncerr.KindNotFound)
	}

	kind := syncerr.KindOf(err)
	switch kind {
	case syncerr.KindValidation:
		return http.StatusUnprocessableEntity, string(kind)
	case syncerr.KindConflict:
		return http.StatusConflict, string(kind)
	case syncerr.KindNotFound:
		return http.StatusNotFound, string(kind)
	case syncerr.KindRateLimited:
		return http.StatusTooManyRequests, string(kind)
	case syncerr.KindConfiguration:
		return http.StatusServiceUnavailable, string(kind)
	case syncerr.KindTransient:
		return http.StatusBadGateway, string(kind)
	case syncerr.KindNotSupported:
		return http.StatusNotImplemented, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if wait, ok := syncerr.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(max(syncerr.RemainingSeconds(wait), 1)))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "bad_request"})
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{
				Error:   "request validation failed",
				Kind:    string(syncerr.KindValidation),
				Details: fields,
			})
			return false
		}
		badRequest(w, err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
