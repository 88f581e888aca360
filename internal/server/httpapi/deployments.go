package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/hashledger/internal/common"
)

type createDeploymentRequest struct {
	DeploymentID int64 `json:"deployment_id"`
	ProjectID    int64 `json:"project_id"`
}

type uploadRequest struct {
	UploadInProgress bool   `json:"upload_in_progress"`
	UploadUserID     string `json:"upload_user_id"`
}

type appendRequest struct {
	Hashes []string `json:"hashes"`
}

type appendResponse struct {
	Added           []string `json:"added"`
	AlreadyRecorded []string `json:"already_recorded"`
	HashCount       int64    `json:"hash_count"`
}

type hashesResponse struct {
	DeploymentID int64    `json:"deployment_id"`
	Skip         int      `json:"skip"`
	Take         int      `json:"take"`
	Hashes       []string `json:"hashes"`
}

func (h *Handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.ledger.CreateMetadata(r.Context(), req.DeploymentID, req.ProjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.ledger.GetMetadata(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// deleteDeployment removes the metadata. With ?purge=true the hash records
// go too.
func (h *Handler) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("purge") == "true" {
		n, err := h.ledger.PurgeDeployment(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "hashes_removed": n})
		return
	}

	if err := h.ledger.DeleteMetadata(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) setUpload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req uploadRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.ledger.SetUploadInProgress(r.Context(), id, req.UploadInProgress, req.UploadUserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) listHashes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	skip, err := queryInt(r, "skip")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	take, err := queryInt(r, "take")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	hashes, err := h.ledger.ListHashes(r.Context(), id, skip, take)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hashesResponse{DeploymentID: id, Skip: skip, Take: len(hashes), Hashes: hashes})
}

// appendHashes records hashes directly. A request whose hashes are all
// already recorded answers 200 with an empty "added" list.
func (h *Handler) appendHashes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req appendRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.ledger.AppendHashes(r.Context(), id, req.Hashes)
	if err != nil && !errors.Is(err, common.ErrAlreadyRecorded) {
		h.writeError(w, r, err)
		return
	}

	out := appendResponse{Added: []string{}, AlreadyRecorded: []string{}, HashCount: res.HashCount}
	out.Added = append(out.Added, res.Added...)
	out.AlreadyRecorded = append(out.AlreadyRecorded, res.AlreadyRecorded...)
	writeJSON(w, http.StatusOK, out)
}
