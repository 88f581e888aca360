// Package httpapi serves the administrative API and the Event Grid webhook.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/accounts"
	"github.com/dmitrijs2005/hashledger/internal/server/ingest"
	"github.com/dmitrijs2005/hashledger/internal/server/ledger"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
	"github.com/google/uuid"
)

// maxBodyBytes caps request bodies. Event Grid deliveries stay well below
// 1 MiB.
const maxBodyBytes = 1 << 20

// Handler provides the HTTP endpoints.
type Handler struct {
	accounts         *accounts.Service
	ledger           *ledger.Ledger
	pipeline         *ingest.Pipeline
	metrics          *ingest.Metrics
	log              logging.Logger
	eventConcurrency int
}

func NewHandler(as *accounts.Service, l *ledger.Ledger, p *ingest.Pipeline, m *ingest.Metrics, log logging.Logger, eventConcurrency int) *Handler {
	return &Handler{
		accounts:         as,
		ledger:           l,
		pipeline:         p,
		metrics:          m,
		log:              log.With("module", "httpapi"),
		eventConcurrency: eventConcurrency,
	}
}

// RegisterRoutes registers every route on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /config", h.listAccounts)
	mux.HandleFunc("POST /config", h.upsertAccount)
	mux.HandleFunc("GET /config/{account}", h.getAccount)
	mux.HandleFunc("PUT /config/{account}", h.updateAccount)
	mux.HandleFunc("DELETE /config/{account}", h.deleteAccount)
	mux.HandleFunc("POST /config/{account}/toggle", h.toggleAccount)

	mux.HandleFunc("POST /deployments", h.createDeployment)
	mux.HandleFunc("GET /deployments/{id}", h.getDeployment)
	mux.HandleFunc("DELETE /deployments/{id}", h.deleteDeployment)
	mux.HandleFunc("PUT /deployments/{id}/upload", h.setUpload)
	mux.HandleFunc("GET /deployments/{id}/hashes", h.listHashes)
	mux.HandleFunc("POST /deployments/{id}/hashes", h.appendHashes)

	mux.HandleFunc("POST /events", h.events)

	mux.HandleFunc("GET /healthz", h.healthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// Routes returns the mux wrapped in the metrics middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.instrument(mux)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountRequest struct {
	models.StorageAccount
	Enabled *bool `json:"enabled"`
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.accounts.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.StorageAccount{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Get(r.Context(), r.PathValue("account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// upsertAccount creates or overwrites a record. Omitted "enabled" means true.
func (h *Handler) upsertAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	a := req.StorageAccount
	a.Enabled = req.Enabled == nil || *req.Enabled

	saved, err := h.accounts.Upsert(r.Context(), &a)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	var patch accounts.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		h.writeError(w, r, err)
		return
	}

	a, err := h.accounts.Update(r.Context(), r.PathValue("account"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) toggleAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Toggle(r.Context(), r.PathValue("account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Delete(r.Context(), r.PathValue("account")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrorValidation), errors.Is(err, common.ErrorDocumentType):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrConfigurationMissing):
		return http.StatusNotFound
	case errors.Is(err, common.ErrAlreadyExists), errors.Is(err, common.ErrConflict),
		errors.Is(err, common.ErrPreconditionFailed), errors.Is(err, common.ErrAlreadyRecorded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		ref := uuid.NewString()
		h.log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "ref", ref, "error", err)
		msg = "internal error, ref " + ref
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", common.ErrorValidation, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", common.ErrorValidation, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: deployment id %q is not a positive integer", common.ErrorValidation, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", common.ErrorValidation, name)
	}
	return n, nil
}
