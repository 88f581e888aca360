package models

import (
	"slices"
	"strings"
	"time"
)

// Storage providers.
const (
	ProviderAzure = "azure"
	ProviderS3    = "s3"
)

// StorageAccount is the configuration of one monitored storage account.
type StorageAccount struct {
	StorageAccountName string `json:"storage_account_name"`
	Provider           string `json:"provider,omitempty"`

	// Azure Blob Storage.
	ConnectionString string `json:"connection_string,omitempty"`

	// S3 and S3-compatible stores.
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`

	// Containers is the allow-list; empty means every container.
	Containers []string  `json:"containers"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProviderName returns the provider, defaulting to Azure.
func (a *StorageAccount) ProviderName() string {
	if a.Provider == "" {
		return ProviderAzure
	}
	return strings.ToLower(a.Provider)
}

// HasCredential reports whether the record carries what its provider needs
// to authenticate.
func (a *StorageAccount) HasCredential() bool {
	switch a.ProviderName() {
	case ProviderS3:
		return a.AccessKeyID != "" && a.SecretAccessKey != ""
	default:
		return a.ConnectionString != ""
	}
}

// Monitors reports whether events for container should be processed.
// container may be a nested path ("uploads/2024"); an allow-list entry
// must equal the full path.
func (a *StorageAccount) Monitors(container string) bool {
	if !a.Enabled {
		return false
	}
	if len(a.Containers) == 0 {
		return true
	}
	return slices.Contains(a.Containers, container)
}
