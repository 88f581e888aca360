package httpapi

import (
	"io"
	"net/http"

	"github.com/dmitrijs2005/hashledger/internal/server/ingest"
)

type validationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

type eventOutcome struct {
	ID     string       `json:"id"`
	State  ingest.State `json:"state"`
	Reason string       `json:"reason"`
}

// events is the Event Grid webhook. A subscription validation is answered
// with its code; otherwise every event runs through the pipeline and the
// delivery is acknowledged with 200 whatever the per-event outcome.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		return
	}

	events, err := ingest.ParseEvents(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if code, ok := ingest.ValidationCode(events); ok {
		h.log.Info(r.Context(), "event subscription validated")
		writeJSON(w, http.StatusOK, validationResponse{ValidationResponse: code})
		return
	}

	ns := make([]ingest.Notification, len(events))
	for i, e := range events {
		ns[i] = e.Notification()
	}

	outcomes := h.pipeline.ProcessAll(r.Context(), ns, h.eventConcurrency)

	resp := make([]eventOutcome, len(outcomes))
	for i, o := range outcomes {
		resp[i] = eventOutcome{ID: ns[i].ID, State: o.State, Reason: o.Reason}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": resp})
}
