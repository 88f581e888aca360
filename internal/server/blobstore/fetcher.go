package blobstore

import (
	"context"
	"strings"
	"time"

	"github.com/dmitrijs2005/hashledger/internal/server/models"
)

// ObjectProperties is what a provider reports about an object.
type ObjectProperties struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	// Tags holds the custom user metadata of the object.
	Tags map[string]string
}

// PropertiesFetcher reads object properties using the credentials of account.
// A missing object is reported as common.ErrorNotFound.
type PropertiesFetcher interface {
	Properties(ctx context.Context, account *models.StorageAccount, ref ObjectRef) (*ObjectProperties, error)
}

// ObjectMetadata describes a newly created object.
type ObjectMetadata struct {
	StorageAccountName string            `json:"storage_account_name"`
	ContainerName      string            `json:"container_name"`
	BlobName           string            `json:"blob_name"`
	BlobURL            string            `json:"blob_url"`
	Size               int64             `json:"size"`
	ContentType        string            `json:"content_type"`
	ETag               string            `json:"etag,omitempty"`
	LastModified       time.Time         `json:"last_modified,omitzero"`
	Tags               map[string]string `json:"metadata"`
}

// Tag returns the first non-blank tag among keys, matching keys
// case-insensitively.
func (m *ObjectMetadata) Tag(keys ...string) (string, bool) {
	for _, k := range keys {
		for name, v := range m.Tags {
			if strings.EqualFold(name, k) && strings.TrimSpace(v) != "" {
				return v, true
			}
		}
	}
	return "", false
}
