package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "jobId is required")
		return
	}

	view, err := api.coordinator.GetStatus(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
