package trackerapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusOf maps domain errors to an HTTP status and a stable error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrUnknownDevice):
		return http.StatusBadRequest, "unknown_device"
	case errors.Is(err, models.ErrMalformedTimestamp):
		return http.StatusBadRequest, "malformed_timestamp"
	case errors.Is(err, models.ErrSecretMismatch):
		return http.StatusBadRequest, "secret_mismatch"
	case errors.Is(err, models.ErrBadInput):
		return http.StatusBadRequest, "bad_input"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "no_data"
	case errors.Is(err, models.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, models.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, reason := statusOf(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		if code == http.StatusInternalServerError {
			msg = "server error"
		}
	}
	writeJSON(w, code, errorResponse{Error: reason, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(models.ErrBadInput, "invalid json body: "+err.Error())
	}
	return nil
}
