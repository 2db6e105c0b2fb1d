package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/iago/aggregation-orchestrator/internal/http/middleware"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/service"
	"github.com/iago/aggregation-orchestrator/internal/store"
	"github.com/phuslu/log"
)

var errInvalidPayload = errors.New("invalid payload")

// API holds the HTTP handlers. It only translates between JSON and the coordinator.
type API struct {
	coordinator *service.Coordinator
	storeName   string
	logger      *log.Logger
}

func NewAPI(coordinator *service.Coordinator, storeName string, logger *log.Logger) *API {
	return &API{coordinator: coordinator, storeName: storeName, logger: logging.OrDiscard(logger)}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps coordinator and store errors onto status codes.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrUnknownJob):
		writeError(w, r, http.StatusBadRequest, "unknown_job", err.Error())
	case errors.Is(err, store.ErrJobFull):
		writeError(w, r, http.StatusConflict, "job_full", "job already has all of its clients")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, store.ErrUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "job store unavailable, retry later")
	default:
		api.logger.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// identifier accepts a JSON string or number, since reporting clients send
// numeric job and client ids.
type identifier string

func (id *identifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*id = identifier(strings.TrimSpace(value))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*id = identifier(number.String())
	return nil
}
