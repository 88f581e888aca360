package blobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
)

type blobPropertiesGetter interface {
	GetProperties(ctx context.Context, o *blob.GetPropertiesOptions) (blob.GetPropertiesResponse, error)
}

// newAzureBlobClient is a seam for tests.
var newAzureBlobClient = func(connectionString, container, name string) (blobPropertiesGetter, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, err
	}
	return client.ServiceClient().NewContainerClient(container).NewBlobClient(name), nil
}

// AzureFetcher reads blob properties from Azure Blob Storage using the
// account's connection string.
type AzureFetcher struct{}

func NewAzureFetcher() *AzureFetcher { return &AzureFetcher{} }

// Properties addresses the blob as container = first path segment and blob
// name = the remaining segments.
func (f *AzureFetcher) Properties(ctx context.Context, account *models.StorageAccount, ref ObjectRef) (*ObjectProperties, error) {
	if account.ConnectionString == "" {
		return nil, fmt.Errorf("account %q has no connection string: %w", account.StorageAccountName, common.ErrConfigurationMissing)
	}
	container, name, _ := strings.Cut(ref.Path(), "/")

	client, err := newAzureBlobClient(account.ConnectionString, container, name)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}

	resp, err := client.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
			return nil, fmt.Errorf("blob %s/%s: %w", container, name, common.ErrorNotFound)
		}
		return nil, fmt.Errorf("%w: get blob properties: %w", common.ErrTransport, err)
	}

	props := &ObjectProperties{Tags: make(map[string]string, len(resp.Metadata))}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	if resp.ContentType != nil {
		props.ContentType = *resp.ContentType
	}
	if resp.ETag != nil {
		props.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		props.LastModified = *resp.LastModified
	}
	for k, v := range resp.Metadata {
		if v != nil {
			props.Tags[k] = *v
		}
	}
	return props, nil
}
