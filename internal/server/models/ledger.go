// Package models defines the documents persisted in the document store:
// the two ledger document kinds sharing a deployment partition and the
// storage account configuration record.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/hashledger/internal/common"
)

// Document type tags.
const (
	TypeDeploymentMetadata = "deployment_metadata"
	TypeFileHash           = "file_hash"
)

// Document is a ledger document. Both kinds live in the partition of the
// deployment they belong to.
type Document interface {
	DocumentType() string
	DocumentID() string
}

// DeploymentMetadata is the per-deployment aggregate. Its id and partition
// key are both the decimal deployment id.
type DeploymentMetadata struct {
	DeploymentID     int64
	ProjectID        int64
	HashCount        int64
	UploadInProgress bool
	// UploadUserID is nil whenever UploadInProgress is false.
	UploadUserID *string
	LastUpdateMs int64

	// ETag is the store concurrency token of the version this value was read from.
	ETag string
}

func (m *DeploymentMetadata) DocumentType() string { return TypeDeploymentMetadata }
func (m *DeploymentMetadata) DocumentID() string   { return PartitionKey(m.DeploymentID) }

type metadataWire struct {
	ID               string  `json:"id"`
	DeploymentID     int64   `json:"deployment_id"`
	ProjectID        int64   `json:"project_id"`
	HashCount        int64   `json:"hash_count"`
	UploadInProgress bool    `json:"upload_in_progress"`
	UploadUserID     *string `json:"upload_user_id"`
	LastUpdateMs     int64   `json:"last_update_ms"`
	Type             string  `json:"type"`
}

func (m DeploymentMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataWire{
		ID:               PartitionKey(m.DeploymentID),
		DeploymentID:     m.DeploymentID,
		ProjectID:        m.ProjectID,
		HashCount:        m.HashCount,
		UploadInProgress: m.UploadInProgress,
		UploadUserID:     m.UploadUserID,
		LastUpdateMs:     m.LastUpdateMs,
		Type:             TypeDeploymentMetadata,
	})
}

func (m *DeploymentMetadata) UnmarshalJSON(b []byte) error {
	var w metadataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type != TypeDeploymentMetadata {
		return fmt.Errorf("%w: want %q, got %q", common.ErrorDocumentType, TypeDeploymentMetadata, w.Type)
	}
	id, err := strconv.ParseInt(w.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: metadata id %q is not an integer", common.ErrorDocumentType, w.ID)
	}
	*m = DeploymentMetadata{
		DeploymentID:     id,
		ProjectID:        w.ProjectID,
		HashCount:        w.HashCount,
		UploadInProgress: w.UploadInProgress,
		UploadUserID:     w.UploadUserID,
		LastUpdateMs:     w.LastUpdateMs,
		ETag:             m.ETag,
	}
	return nil
}

// FileHash records that a content hash was uploaded for a deployment. The
// hash is the document id, so it is unique within the partition.
type FileHash struct {
	Hash         string
	DeploymentID int64
	CreatedMs    int64
}

func (f *FileHash) DocumentType() string { return TypeFileHash }
func (f *FileHash) DocumentID() string   { return f.Hash }

type fileHashWire struct {
	ID           string `json:"id"`
	DeploymentID int64  `json:"deployment_id"`
	CreatedMs    int64  `json:"created_ms"`
	Type         string `json:"type"`
}

func (f FileHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(fileHashWire{
		ID:           f.Hash,
		DeploymentID: f.DeploymentID,
		CreatedMs:    f.CreatedMs,
		Type:         TypeFileHash,
	})
}

func (f *FileHash) UnmarshalJSON(b []byte) error {
	var w fileHashWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type != TypeFileHash {
		return fmt.Errorf("%w: want %q, got %q", common.ErrorDocumentType, TypeFileHash, w.Type)
	}
	*f = FileHash{Hash: w.ID, DeploymentID: w.DeploymentID, CreatedMs: w.CreatedMs}
	return nil
}

// Decode returns the ledger document encoded in b, dispatching on its type tag.
func Decode(b []byte) (Document, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	switch tag.Type {
	case TypeDeploymentMetadata:
		var m DeploymentMetadata
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeFileHash:
		var f FileHash
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, err
		}
		return &f, nil
	}
	return nil, fmt.Errorf("%w: %q", common.ErrorDocumentType, tag.Type)
}

// PartitionKey is the partition (and metadata id) of a deployment.
func PartitionKey(deploymentID int64) string {
	return strconv.FormatInt(deploymentID, 10)
}
