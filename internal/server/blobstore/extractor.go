package blobstore

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
)

// AccountLookup resolves the enabled configuration of an account.
type AccountLookup interface {
	Lookup(ctx context.Context, name string) (*models.StorageAccount, error)
}

// Extractor produces ObjectMetadata for object URLs, choosing the fetcher by
// the provider of the account record.
type Extractor struct {
	accounts AccountLookup
	fetchers map[string]PropertiesFetcher
	log      logging.Logger
}

// NewExtractor wires the fetchers per provider name (models.ProviderAzure,
// models.ProviderS3).
func NewExtractor(accounts AccountLookup, fetchers map[string]PropertiesFetcher, log logging.Logger) *Extractor {
	return &Extractor{
		accounts: accounts,
		fetchers: fetchers,
		log:      log.With("module", "extractor"),
	}
}

// Extract returns the metadata of the object at objectURL, or nil when the
// account has no usable configuration, the URL is malformed, the object is
// gone, or the provider call fails. Failures are logged, never returned.
func (e *Extractor) Extract(ctx context.Context, objectURL, accountName string) *ObjectMetadata {
	log := e.log.With("account", accountName, "url", objectURL)

	account, err := e.accounts.Lookup(ctx, accountName)
	if err != nil {
		log.Error(ctx, "no configuration for storage account", "error", err)
		return nil
	}
	if !account.HasCredential() {
		log.Error(ctx, "storage account has no credential")
		return nil
	}

	ref, err := ParseObjectURL(objectURL)
	if err != nil {
		log.Error(ctx, "cannot parse object url", "error", err)
		return nil
	}

	fetcher, ok := e.fetchers[account.ProviderName()]
	if !ok {
		log.Error(ctx, "no fetcher for provider", "provider", account.ProviderName())
		return nil
	}

	props, err := fetcher.Properties(ctx, account, ref)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			log.Warn(ctx, "object not found", "error", err)
		} else {
			log.Error(ctx, "cannot read object properties", "error", err)
		}
		return nil
	}

	return &ObjectMetadata{
		StorageAccountName: accountName,
		ContainerName:      ref.Container,
		BlobName:           ref.Name,
		BlobURL:            objectURL,
		Size:               props.Size,
		ContentType:        props.ContentType,
		ETag:               props.ETag,
		LastModified:       props.LastModified,
		Tags:               props.Tags,
	}
}
