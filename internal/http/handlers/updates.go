package handlers

import (
	"net/http"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/service"
)

type updateRequest struct {
	JobID        identifier    `json:"jobId"`
	ClientID     identifier    `json:"clientId"`
	TotalClients *int          `json:"totalClients,omitempty"`
	Schema       domain.Schema `json:"schema,omitempty"`
}

func (api *API) Updates(w http.ResponseWriter, r *http.Request) {
	var request updateRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}

	result, err := api.coordinator.RecordUpdate(r.Context(), service.ReportInput{
		JobID:        string(request.JobID),
		ClientID:     string(request.ClientID),
		TotalClients: request.TotalClients,
		Schema:       request.Schema,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
